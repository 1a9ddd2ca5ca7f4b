package wrap

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/aoc/cockpit/internal/envelope"
	"github.com/aoc/cockpit/internal/hub"
)

// Config holds everything Run needs to supervise one agent child process
// and publish its status to the session hub (spec §4.7, §6.5).
type Config struct {
	SessionID        string
	PaneID           string
	AgentID          string
	ProjectRoot      string
	HubURL           string
	StateDir         string
	Logger           *slog.Logger
	Command          string
	Args             []string
	UsePTY           bool
	HeartbeatEvery   time.Duration
	DiffSummaryEvery time.Duration
	EnableMouseFilt  bool
}

// diffSummaryDefaultInterval matches spec §4.7 "Diff summary... every 2s".
const diffSummaryDefaultInterval = 2 * time.Second

// heartbeatDefaultInterval matches spec §4.7 "heartbeat_interval seconds
// (default 10)".
const heartbeatDefaultInterval = 10 * time.Second

// Run supervises the child named by cfg.Command/cfg.Args end to end:
// startup status, periodic heartbeat/diff/task publishing, diff-patch
// request handling, and shutdown status + runtime snapshot persistence
// (spec §4.7). It returns the child's exit code.
func Run(ctx context.Context, cfg Config) int {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HeartbeatEvery <= 0 {
		cfg.HeartbeatEvery = heartbeatDefaultInterval
	}
	if cfg.DiffSummaryEvery <= 0 {
		cfg.DiffSummaryEvery = diffSummaryDefaultInterval
	}

	agentID := cfg.AgentID
	if agentID == "" {
		agentID = envelope.AgentID(cfg.SessionID, cfg.PaneID)
	}
	client := NewHubClient(cfg.HubURL, cfg.SessionID, agentID, logger)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	differ, diffErr := NewGitDiffer(runCtx, cfg.ProjectRoot)
	if diffErr != nil {
		logger.Info("git unavailable for project root", "error", diffErr)
	}

	onRequest := func(e *envelope.Envelope) {
		switch e.Type {
		case envelope.TypeDiffPatchRequest:
			req, reqID, err := DecodeDiffPatchRequest(e)
			if err != nil {
				return
			}
			var resp envelope.DiffPatchResponsePayload
			if differ == nil {
				resp = envelope.DiffPatchResponsePayload{AgentID: agentID, Path: req.Path, Reason: "error"}
			} else {
				resp = differ.Patch(runCtx, req)
			}
			_ = client.SendDiffPatchResponse(reqID, resp)
		case envelope.TypeCommand:
			var cmd hub.CommandPayload
			if err := json.Unmarshal(e.Payload, &cmd); err != nil {
				return
			}
			if cmd.Name == hub.CommandStopAgent {
				cancel()
			}
		}
	}
	go client.RunUntilCanceled(runCtx, onRequest)

	cols, rows := TerminalSize()
	sup, err := Start(runCtx, cfg.Command, cfg.Args, cfg.ProjectRoot, os.Environ(), cfg.UsePTY, cfg.EnableMouseFilt, cols, rows)
	if err != nil {
		logger.Error("failed to start child", "error", err, "command", cfg.Command)
		_ = client.SendStatus(envelope.AgentStatusPayload{
			AgentID: agentID, Status: envelope.AgentStatusOffline, Reason: "spawn_failed",
			Pane: cfg.PaneID, Project: cfg.ProjectRoot, Cwd: cfg.ProjectRoot,
		})
		return 1
	}

	status := envelope.AgentStatusPayload{
		AgentID: agentID, Status: envelope.AgentStatusRunning,
		Pane: cfg.PaneID, Project: filepath.Base(cfg.ProjectRoot), Cwd: cfg.ProjectRoot,
	}
	_ = client.SendStatus(status)
	writeSnapshot(cfg.StateDir, cfg.SessionID, cfg.PaneID, status)

	debouncer := NewActivityDebouncer(nil)
	go sup.Pump(os.Stdin, os.Stdout, debouncer.Push)

	var taskWatcher *TaskWatcher
	taskStop := make(chan struct{})
	if tw, err := NewTaskWatcher(cfg.ProjectRoot, agentID, func(p envelope.TaskSummaryPayload) {
		_ = client.SendTaskSummary(p)
	}); err == nil {
		taskWatcher = tw
		go taskWatcher.Run(taskStop)
	}

	heartbeat := time.NewTicker(cfg.HeartbeatEvery)
	diffTick := time.NewTicker(cfg.DiffSummaryEvery)
	activityPoll := time.NewTicker(150 * time.Millisecond)
	defer heartbeat.Stop()
	defer diffTick.Stop()
	defer activityPoll.Stop()

	done := make(chan int, 1)
	go func() { done <- sup.Wait() }()

	exitCode := 0
loop:
	for {
		select {
		case exitCode = <-done:
			break loop
		case <-heartbeat.C:
			_ = client.SendHeartbeat()
		case <-diffTick.C:
			if differ == nil {
				continue
			}
			summary, err := differ.Summary(runCtx)
			if err != nil {
				summary = UnavailableSummary("error")
			}
			summary.AgentID = agentID
			_ = client.SendDiffSummary(summary)
		case <-activityPoll.C:
			if line, ok := debouncer.Poll(); ok {
				status.Status = envelope.AgentStatusRunning
				status.Reason = line
				_ = client.SendStatus(status)
			}
		case <-runCtx.Done():
			break loop
		}
	}

	close(taskStop)
	offline := envelope.AgentStatusPayload{
		AgentID: agentID, Status: envelope.AgentStatusOffline, Reason: "exit",
		Pane: cfg.PaneID, Project: status.Project, Cwd: cfg.ProjectRoot,
	}
	_ = client.SendStatus(offline)
	writeSnapshot(cfg.StateDir, cfg.SessionID, cfg.PaneID, offline)

	return exitCode
}

// writeSnapshot persists status as the pane's runtime snapshot under
// hub.TelemetrySnapshotPath (spec §4.7 "writes a runtime snapshot").
func writeSnapshot(stateDir, sessionID, pane string, status envelope.AgentStatusPayload) {
	path := hub.TelemetrySnapshotPath(stateDir, sessionID, pane)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return
	}
	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return
	}
	_ = os.Rename(tmp, path)
}
