// Package hub implements the session hub (C8): the per-session process
// that fans out agent telemetry to WebSocket and Unix-domain-socket
// subscribers, reconciles the realized pane layout, reaps stale agents,
// and routes a small set of commands back to publishers.
package hub

import (
	"time"

	"github.com/aoc/cockpit/internal/envelope"
)

// AgentState is the hub's per-agent cache: the latest known status, diff
// summary, and per-tag task summaries (spec §4.8 "Caches & snapshots").
type AgentState struct {
	AgentID       string                               `json:"agent_id"`
	Status        string                               `json:"status"`
	Reason        string                               `json:"reason,omitempty"`
	Pane          string                                `json:"pane,omitempty"`
	Project       string                                `json:"project,omitempty"`
	Cwd           string                                `json:"cwd,omitempty"`
	DiffSummary   *envelope.DiffSummaryPayload         `json:"diff_summary,omitempty"`
	TaskSummaries map[string]envelope.TaskSummaryPayload `json:"task_summaries,omitempty"`
	LastHeartbeat time.Time                             `json:"last_heartbeat"`
}

func (a *AgentState) clone() AgentState {
	out := *a
	if a.DiffSummary != nil {
		cp := *a.DiffSummary
		out.DiffSummary = &cp
	}
	if a.TaskSummaries != nil {
		out.TaskSummaries = make(map[string]envelope.TaskSummaryPayload, len(a.TaskSummaries))
		for k, v := range a.TaskSummaries {
			out.TaskSummaries[k] = v
		}
	}
	return out
}

func (a *AgentState) applyStatus(p envelope.AgentStatusPayload) {
	a.Status = p.Status
	a.Reason = p.Reason
	if p.Pane != "" {
		a.Pane = p.Pane
	}
	if p.Project != "" {
		a.Project = p.Project
	}
	if p.Cwd != "" {
		a.Cwd = p.Cwd
	}
}

// DeltaOp identifies an upsert or remove within a Delta (spec §4.8 UDS
// pulse protocol).
type DeltaOp string

const (
	OpUpsert DeltaOp = "upsert"
	OpRemove DeltaOp = "remove"
)

// DeltaChange is one per-agent change carried by a Delta.
type DeltaChange struct {
	Op      DeltaOp     `json:"op"`
	AgentID string      `json:"agent_id"`
	State   *AgentState `json:"state,omitempty"`
}

// SnapshotPayload is the UDS pulse surface's full-state burst, sent once on
// subscribe.
type SnapshotPayload struct {
	Seq    uint64       `json:"seq"`
	States []AgentState `json:"states"`
}

// DeltaPayload carries one or more per-agent changes at a single, strictly
// increasing global sequence number.
type DeltaPayload struct {
	Seq     uint64        `json:"seq"`
	Changes []DeltaChange `json:"changes"`
}

// CommandPayload is carried by a `command` envelope on the UDS surface.
type CommandPayload struct {
	RequestID string         `json:"request_id"`
	Name      string         `json:"name"`
	Args      map[string]any `json:"args,omitempty"`
}

// Command names routed by the hub (spec §4.8 "Command routing").
const (
	CommandFocusTab   = "focus_tab"
	CommandStopAgent  = "stop_agent"
)

// CommandResultPayload is carried by a `command_result` envelope.
type CommandResultPayload struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"` // "accepted" | "rejected"
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Result status values.
const (
	ResultAccepted = "accepted"
	ResultRejected = "rejected"
)
