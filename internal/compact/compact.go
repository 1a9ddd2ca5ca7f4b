// Package compact implements the T0 compactor (C4): a deterministic,
// policy-driven reduction of a raw event to at most one compact event.
package compact

import (
	"encoding/json"

	"github.com/aoc/cockpit/internal/envelope"
	"github.com/aoc/cockpit/internal/mindstore"
)

// Policy parameterizes the compactor (spec §4.4).
type Policy struct {
	KeepRoles           map[string]bool
	ToolSnippetAllowlist map[string]int // tool name -> max chars
	RedactionMarker     string
	PolicyVersion       string
}

// DefaultPolicy keeps user and assistant messages and has an empty tool
// snippet allowlist, so no tool snippets are kept until a caller adds
// entries such as {bash: 10} to ToolSnippetAllowlist.
func DefaultPolicy() Policy {
	return Policy{
		KeepRoles: map[string]bool{
			mindstore.RoleUser:      true,
			mindstore.RoleAssistant: true,
			mindstore.RoleSystem:    false,
			mindstore.RoleTool:      false,
		},
		ToolSnippetAllowlist: map[string]int{},
		RedactionMarker:      "[redacted]",
		PolicyVersion:        "t0-v1",
	}
}

// Compactor reduces raw events to T0 compacts under a fixed Policy.
type Compactor struct {
	policy Policy
}

// New returns a Compactor for the given policy.
func New(policy Policy) *Compactor {
	return &Compactor{policy: policy}
}

// Compact reduces e to at most one T0Compact. ok=false means the event is
// dropped by policy (task_signal and other kinds are always dropped; the
// raw event is retained separately, per spec §4.4).
func (c *Compactor) Compact(e mindstore.RawEvent) (mindstore.T0Compact, bool, error) {
	switch e.Kind {
	case mindstore.KindMessage:
		return c.compactMessage(e)
	case mindstore.KindToolResult:
		return c.compactToolResult(e)
	default:
		return mindstore.T0Compact{}, false, nil
	}
}

func (c *Compactor) compactMessage(e mindstore.RawEvent) (mindstore.T0Compact, bool, error) {
	var body mindstore.MessageBody
	if err := json.Unmarshal([]byte(e.BodyJSON), &body); err != nil {
		return mindstore.T0Compact{}, false, err
	}
	if !c.policy.KeepRoles[body.Role] {
		return mindstore.T0Compact{}, false, nil
	}
	role := body.Role
	text := body.Text
	return c.build(e, &role, &text, nil, nil)
}

func (c *Compactor) compactToolResult(e mindstore.RawEvent) (mindstore.T0Compact, bool, error) {
	var body mindstore.ToolResultBody
	if err := json.Unmarshal([]byte(e.BodyJSON), &body); err != nil {
		return mindstore.T0Compact{}, false, err
	}
	meta := &mindstore.ToolMeta{
		Name:        body.ToolName,
		Status:      body.Status,
		LatencyMs:   body.LatencyMs,
		ExitCode:    body.ExitCode,
		OutputBytes: len(body.Output),
		Redacted:    body.Redacted,
	}

	var snippet *string
	if maxChars, allowed := c.policy.ToolSnippetAllowlist[body.ToolName]; allowed {
		if body.Redacted {
			s := c.policy.RedactionMarker
			snippet = &s
		} else {
			s := truncate(body.Output, maxChars)
			snippet = &s
		}
	}
	return c.build(e, nil, nil, meta, snippet)
}

func truncate(s string, maxChars int) string {
	if maxChars <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}

// coreTuple is the policy-independent core hashed to produce compact_hash
// (spec §4.4): canonical JSON over (conversation_id, ts, role?, text?,
// tool_meta?, snippet?, source event ids, policy_version), independent of
// envelope wrapping.
type coreTuple struct {
	ConversationID string              `json:"conversation_id"`
	Ts             string              `json:"ts"`
	Role           *string             `json:"role,omitempty"`
	Text           *string             `json:"text,omitempty"`
	ToolMeta       *mindstore.ToolMeta `json:"tool_meta,omitempty"`
	Snippet        *string             `json:"snippet,omitempty"`
	SourceEventIDs []string            `json:"source_event_ids"`
	PolicyVersion  string              `json:"policy_version"`
}

func (c *Compactor) build(e mindstore.RawEvent, role, text *string, meta *mindstore.ToolMeta, snippet *string) (mindstore.T0Compact, bool, error) {
	core := coreTuple{
		ConversationID: e.ConversationID,
		Ts:             e.Ts.UTC().Format("2006-01-02T15:04:05.999999999Z07:00"),
		Role:           role,
		Text:           text,
		ToolMeta:       meta,
		Snippet:        snippet,
		SourceEventIDs: []string{e.EventID},
		PolicyVersion:  c.policy.PolicyVersion,
	}
	hash, err := envelope.Hash(core)
	if err != nil {
		return mindstore.T0Compact{}, false, err
	}
	return mindstore.T0Compact{
		CompactID:      "t0:" + envelope.First16(hash),
		CompactHash:    hash,
		SchemaVersion:  1,
		ConversationID: e.ConversationID,
		Ts:             e.Ts,
		Role:           role,
		Text:           text,
		ToolMeta:       meta,
		Snippet:        snippet,
		SourceEventIDs: []string{e.EventID},
		PolicyVersion:  c.policy.PolicyVersion,
	}, true, nil
}
