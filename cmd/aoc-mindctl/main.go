// Command aoc-mindctl drives the mind pipeline (C2-C6) against a session's
// mind store: ingesting raw conversation logs, planning T1/T2 artifacts,
// and attributing them to tasks.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/aoc/cockpit/internal/attribution"
	"github.com/aoc/cockpit/internal/distill"
	"github.com/aoc/cockpit/internal/ingest"
	"github.com/aoc/cockpit/internal/mindstore"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "aoc-mindctl",
		Short:   "Drive the mind pipeline against a session's mind store",
		Version: fmt.Sprintf("%s (%s)", version, commit),
	}
	root.AddCommand(
		buildIngestCmd(),
		buildObserveCmd(),
		buildReflectCmd(),
		buildAttributeCmd(),
		buildImportLegacyCmd(),
		buildMigrateCmd(),
	)
	return root
}

func openStore(ctx context.Context, dbPath string) (*mindstore.Store, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("--db is required")
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	return mindstore.Open(ctx, dbPath, mindstore.WithLogger(logger))
}

func buildIngestCmd() *cobra.Command {
	var dbPath, conversationID, agentID, logPath string
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest a conversation log into raw events and T0 compacts",
		RunE: func(cmd *cobra.Command, args []string) error {
			if conversationID == "" || agentID == "" || logPath == "" {
				return fmt.Errorf("--conversation, --agent-id, and --log are all required")
			}
			store, err := openStore(cmd.Context(), dbPath)
			if err != nil {
				return err
			}
			defer store.Close()

			ingestor := ingest.New(store)
			report, err := ingestor.IngestFile(cmd.Context(), conversationID, agentID, logPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "events_seen=%d events_inserted=%d corrupt_lines=%d truncation_recovered=%v deferred_partial=%v\n",
				report.EventsSeen, report.EventsInserted, report.CorruptLines, report.TruncationRecovered, report.DeferredPartial)
			return nil
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "", "path to the mind store SQLite database (required)")
	cmd.Flags().StringVar(&conversationID, "conversation", "", "conversation id (required)")
	cmd.Flags().StringVar(&agentID, "agent-id", "", "agent id scoping the conversation (required)")
	cmd.Flags().StringVar(&logPath, "log", "", "path to the conversation log file (required)")
	return cmd
}

func buildObserveCmd() *cobra.Command {
	var dbPath, conversationID string
	cmd := &cobra.Command{
		Use:   "observe",
		Short: "Plan T1 observations from stored T0 compacts",
		RunE: func(cmd *cobra.Command, args []string) error {
			if conversationID == "" {
				return fmt.Errorf("--conversation is required")
			}
			store, err := openStore(cmd.Context(), dbPath)
			if err != nil {
				return err
			}
			defer store.Close()

			obs := distill.NewObserver(store, distill.DefaultParams())
			artifacts, err := obs.Observe(cmd.Context(), conversationID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "observations=%d\n", len(artifacts))
			return nil
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "", "path to the mind store SQLite database (required)")
	cmd.Flags().StringVar(&conversationID, "conversation", "", "conversation id (required)")
	return cmd
}

func buildReflectCmd() *cobra.Command {
	var dbPath, conversationID string
	cmd := &cobra.Command{
		Use:   "reflect",
		Short: "Plan T2 reflections over stored T1 observations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if conversationID == "" {
				return fmt.Errorf("--conversation is required")
			}
			store, err := openStore(cmd.Context(), dbPath)
			if err != nil {
				return err
			}
			defer store.Close()

			existing, err := store.ArtifactsForConversation(cmd.Context(), conversationID)
			if err != nil {
				return err
			}
			var observations []mindstore.Artifact
			for _, a := range existing {
				if a.Kind == mindstore.ArtifactT1 {
					observations = append(observations, a)
				}
			}

			refl := distill.NewReflector(store, distill.DefaultParams())
			reflections, err := refl.Reflect(cmd.Context(), conversationID, observations)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reflections=%d\n", len(reflections))
			return nil
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "", "path to the mind store SQLite database (required)")
	cmd.Flags().StringVar(&conversationID, "conversation", "", "conversation id (required)")
	return cmd
}

func buildAttributeCmd() *cobra.Command {
	var dbPath, conversationID string
	cmd := &cobra.Command{
		Use:   "attribute",
		Short: "Attribute stored artifacts to tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			if conversationID == "" {
				return fmt.Errorf("--conversation is required")
			}
			store, err := openStore(cmd.Context(), dbPath)
			if err != nil {
				return err
			}
			defer store.Close()

			artifacts, err := store.ArtifactsForConversation(cmd.Context(), conversationID)
			if err != nil {
				return err
			}
			engine := attribution.New(store)
			total := 0
			for _, a := range artifacts {
				links, err := engine.AttributeArtifact(cmd.Context(), a)
				if err != nil {
					return fmt.Errorf("attribute %s: %w", a.ArtifactID, err)
				}
				total += len(links)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "artifacts=%d links=%d\n", len(artifacts), total)
			return nil
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "", "path to the mind store SQLite database (required)")
	cmd.Flags().StringVar(&conversationID, "conversation", "", "conversation id (required)")
	return cmd
}

func buildImportLegacyCmd() *cobra.Command {
	var dbPath, legacyPath string
	cmd := &cobra.Command{
		Use:   "import-legacy",
		Short: "Attach and copy a legacy database's allow-listed tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			if legacyPath == "" {
				return fmt.Errorf("--legacy-db is required")
			}
			store, err := openStore(cmd.Context(), dbPath)
			if err != nil {
				return err
			}
			defer store.Close()
			return store.ImportLegacyDatabase(cmd.Context(), legacyPath)
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "", "path to the mind store SQLite database (required)")
	cmd.Flags().StringVar(&legacyPath, "legacy-db", "", "path to the legacy database to import (required)")
	return cmd
}

func buildMigrateCmd() *cobra.Command {
	var dbPath string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending migrations and report the schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd.Context(), dbPath)
			if err != nil {
				return err
			}
			defer store.Close()
			version, err := mindstore.LatestSupportedVersion()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema_version=%d\n", version)
			return nil
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "", "path to the mind store SQLite database (required)")
	return cmd
}
