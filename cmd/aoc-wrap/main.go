// Command aoc-wrap supervises one agent child process (C7): a PTY or
// pipe-attached subprocess whose terminal output is filtered, sampled for
// activity, and whose status/diff/task state is published to the session
// hub.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aoc/cockpit/internal/hub"
	"github.com/aoc/cockpit/internal/wrap"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	os.Exit(run())
}

func run() int {
	var exitCode int
	root := buildRootCmd(&exitCode)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return exitCode
}

// buildRootCmd wires spec §6.5's wrap CLI flags: session, pane, agent id,
// project root, hub URL/address, log directory, heartbeat interval, then
// `--` followed by the child command.
func buildRootCmd(exitCode *int) *cobra.Command {
	var (
		sessionID   string
		paneID      string
		agentID     string
		projectRoot string
		hubAddr     string
		logDir      string
		heartbeat   float64
		usePTY      bool
		mouseFilter bool
	)

	cmd := &cobra.Command{
		Use:     "aoc-wrap -- <command> [args...]",
		Short:   "Supervise a wrapped agent child process",
		Version: fmt.Sprintf("%s (%s)", version, commit),
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if sessionID == "" {
				return fmt.Errorf("--session is required")
			}
			if paneID == "" {
				return fmt.Errorf("--pane is required")
			}
			if projectRoot == "" {
				cwd, err := os.Getwd()
				if err != nil {
					return err
				}
				projectRoot = cwd
			}

			logger, err := newLogger(logDir, false)
			if err != nil {
				return err
			}

			hubURL := hubAddr
			if hubURL == "" {
				hubURL = "ws://" + hub.WSBindAddr(sessionID)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			*exitCode = wrap.Run(ctx, wrap.Config{
				SessionID:        sessionID,
				PaneID:           paneID,
				AgentID:          agentID,
				ProjectRoot:      projectRoot,
				HubURL:           hubURL,
				StateDir:         envOr("AOC_STATE_DIR", defaultStateDir()),
				Logger:           logger,
				Command:          args[0],
				Args:             args[1:],
				UsePTY:           usePTY,
				HeartbeatEvery:   time.Duration(heartbeat * float64(time.Second)),
				EnableMouseFilt:  mouseFilter,
			})
			return nil
		},
	}
	cmd.Flags().SetInterspersed(false)

	cmd.Flags().StringVar(&sessionID, "session", envOr("AOC_SESSION_ID", ""), "session id (required)")
	cmd.Flags().StringVar(&paneID, "pane", envOr("AOC_PANE_ID", ""), "pane id within the session (required)")
	cmd.Flags().StringVar(&agentID, "agent-id", envOr("AOC_AGENT_ID", ""), "override for the derived session::pane agent id")
	cmd.Flags().StringVar(&projectRoot, "project-root", envOr("AOC_PROJECT_ROOT", ""), "project root directory (default: cwd)")
	cmd.Flags().StringVar(&hubAddr, "hub", envOr("AOC_HUB_URL", ""), "hub WebSocket URL or address (default: derived from session id)")
	cmd.Flags().StringVar(&logDir, "log-dir", envOr("AOC_LOG_DIR", ""), "directory for wrap logs (stderr if empty)")
	cmd.Flags().Float64Var(&heartbeat, "heartbeat-interval", envFloat("AOC_HEARTBEAT_INTERVAL", 10), "seconds between heartbeat publishes")
	cmd.Flags().BoolVar(&usePTY, "pty", envBool("AOC_USE_PTY", true), "attach the child to a pseudo-terminal")
	cmd.Flags().BoolVar(&mouseFilter, "mouse-filter", envBool("AOC_MOUSE_FILTER", true), "filter terminal mouse-reporting sequences")

	return cmd
}

func newLogger(logDir string, debug bool) (*slog.Logger, error) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	if logDir == "" {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})), nil
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "aoc-wrap.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return slog.New(slog.NewJSONHandler(f, &slog.HandlerOptions{Level: level})), nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return n
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func defaultStateDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "state")
	}
	return os.TempDir()
}
