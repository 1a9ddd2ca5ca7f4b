package main

import "testing"

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	required := []string{"ingest", "observe", "reflect", "attribute", "import-legacy", "migrate"}
	for _, name := range required {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func TestOpenStore_RequiresDBPath(t *testing.T) {
	if _, err := openStore(nil, ""); err == nil {
		t.Fatal("expected an error when --db is empty")
	}
}

func TestIngestCmd_RequiresFlags(t *testing.T) {
	cmd := buildIngestCmd()
	cmd.SetArgs([]string{"--db", "ignored.db"})
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected an error when --conversation, --agent-id, and --log are unset")
	}
}

func TestObserveCmd_RequiresConversation(t *testing.T) {
	cmd := buildObserveCmd()
	cmd.SetArgs([]string{"--db", "ignored.db"})
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected an error when --conversation is unset")
	}
}
