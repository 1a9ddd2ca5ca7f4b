package wrap

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aoc/cockpit/internal/envelope"
	"github.com/aoc/cockpit/internal/hub"
)

// TestRun_PipeFallback_WritesSnapshotAndReturnsExitCode exercises Run end to
// end with no real hub listening (the hub client's reconnect loop runs in
// the background and is simply left to fail quietly) and PTY disabled, so
// the test only depends on a real shell and a real project directory.
func TestRun_PipeFallback_WritesSnapshotAndReturnsExitCode(t *testing.T) {
	stateDir := t.TempDir()
	projectRoot := t.TempDir()

	cfg := Config{
		SessionID:       "sess1",
		PaneID:          "pane1",
		ProjectRoot:     projectRoot,
		HubURL:          "ws://127.0.0.1:1/unreachable",
		StateDir:        stateDir,
		Logger:          slog.New(slog.NewTextHandler(discardWriter{}, nil)),
		Command:         "sh",
		Args:            []string{"-c", "exit 3"},
		UsePTY:          false,
		HeartbeatEvery:  50 * time.Millisecond,
		EnableMouseFilt: true,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	code := Run(ctx, cfg)
	if code != 3 {
		t.Fatalf("Run() = %d, want 3", code)
	}

	snapPath := hub.TelemetrySnapshotPath(stateDir, cfg.SessionID, cfg.PaneID)
	data, err := os.ReadFile(snapPath)
	if err != nil {
		t.Fatalf("expected a runtime snapshot at %s: %v", snapPath, err)
	}
	var status envelope.AgentStatusPayload
	if err := json.Unmarshal(data, &status); err != nil {
		t.Fatalf("snapshot is not valid JSON: %v", err)
	}
	if status.Status != envelope.AgentStatusOffline || status.Reason != "exit" {
		t.Fatalf("final snapshot status = %+v, want offline/exit", status)
	}
	if status.AgentID != envelope.AgentID(cfg.SessionID, cfg.PaneID) {
		t.Fatalf("snapshot agent id = %q, want derived session::pane id", status.AgentID)
	}
}

func TestRun_DerivesAgentIDWhenUnset(t *testing.T) {
	stateDir := t.TempDir()
	projectRoot := t.TempDir()

	cfg := Config{
		SessionID:   "sessA",
		PaneID:      "paneB",
		ProjectRoot: projectRoot,
		HubURL:      "ws://127.0.0.1:1/unreachable",
		StateDir:    stateDir,
		Logger:      slog.New(slog.NewTextHandler(discardWriter{}, nil)),
		Command:     "true",
		UsePTY:      false,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = Run(ctx, cfg)

	snapPath := hub.TelemetrySnapshotPath(stateDir, cfg.SessionID, cfg.PaneID)
	data, err := os.ReadFile(snapPath)
	if err != nil {
		t.Fatalf("expected a runtime snapshot at %s: %v", filepath.Base(snapPath), err)
	}
	var status envelope.AgentStatusPayload
	if err := json.Unmarshal(data, &status); err != nil {
		t.Fatalf("snapshot is not valid JSON: %v", err)
	}
	if status.AgentID != envelope.AgentID(cfg.SessionID, cfg.PaneID) {
		t.Fatalf("snapshot agent id = %q, want derived session::pane id", status.AgentID)
	}
}
