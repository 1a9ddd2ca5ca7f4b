package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aoc/cockpit/internal/envelope"
	"github.com/aoc/cockpit/internal/mindstore"
)

// eventID derives a stable event id when the source line carries none (spec
// §4.3 step 4): "evt:" + first24(sha256(conversation_id ":" offset ":"
// canonical(json))).
func eventID(conversationID string, offset int64, raw json.RawMessage) (string, error) {
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", err
	}
	canon, err := envelope.Canonical(generic)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d:%s", conversationID, offset, canon)))
	return "evt:" + envelope.First24(hex.EncodeToString(sum[:])), nil
}

// fallbackTimestamp derives a deterministic timestamp when the source line
// carries none: the Unix epoch offset forward by offset milliseconds, so
// event order within a file is preserved and re-ingestion is stable.
func fallbackTimestamp(offset int64) time.Time {
	return time.Unix(0, 0).UTC().Add(time.Duration(offset) * time.Millisecond)
}

func extractTimestamp(obj map[string]any, offset int64) time.Time {
	raw := stringField(obj, "ts", "timestamp")
	if raw == "" {
		return fallbackTimestamp(offset)
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC()
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC()
	}
	return fallbackTimestamp(offset)
}

func extractEventID(conversationID string, offset int64, obj map[string]any, raw json.RawMessage) (string, error) {
	if id := stringField(obj, "event_id", "id"); id != "" {
		return id, nil
	}
	return eventID(conversationID, offset, raw)
}

// normalized is a parsed line along with the derived task signal, if any.
type normalized struct {
	event  mindstore.RawEvent
	signal Signal
	hasSig bool
}

// normalizeLine parses one JSON line into a raw event (spec §4.3 step 4)
// plus any task signal derivable from its shape or embedded command (spec
// §4.3.1).
func normalizeLine(conversationID, agentID string, offset int64, raw json.RawMessage) (normalized, error) {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return normalized{}, err
	}

	id, err := extractEventID(conversationID, offset, obj, raw)
	if err != nil {
		return normalized{}, err
	}
	ts := extractTimestamp(obj, offset)

	kind, body, sig, hasSig := classifyBody(obj)
	bodyJSON, err := json.Marshal(body)
	if err != nil {
		return normalized{}, err
	}

	return normalized{
		event: mindstore.RawEvent{
			EventID:        id,
			ConversationID: conversationID,
			AgentID:        agentID,
			Ts:             ts,
			Kind:           kind,
			BodyJSON:       string(bodyJSON),
		},
		signal: sig,
		hasSig: hasSig,
	}, nil
}

// classifyBody implements the body normalization order from spec §4.3 step
// 4: message shape, else tool-result shape, else task-signal shape, else
// other wrapping the original JSON.
func classifyBody(obj map[string]any) (mindstore.EventKind, any, Signal, bool) {
	if isMessageShape(obj) {
		body := mindstore.MessageBody{Role: stringField(obj, "role"), Text: stringField(obj, "text")}
		sig, hasSig := toolInvocationSignal(obj)
		return mindstore.KindMessage, body, sig, hasSig
	}
	if isToolResultShape(obj) {
		body := toolResultBody(obj)
		sig, hasSig := recognizeFromToolInvocation(stringField(obj, "command"), body.Output)
		return mindstore.KindToolResult, body, sig, hasSig
	}
	if sig, ok := recognizeFromObject(obj); ok {
		return mindstore.KindTaskSignal, mindstore.TaskSignalBody{
			ActiveTag:    derefOr(sig.ActiveTag, ""),
			TaskIDs:      sig.TaskIDs,
			Lifecycle:    derefOr(sig.Lifecycle, ""),
			SignalSource: sig.Source,
		}, sig, true
	}
	return mindstore.KindOther, obj, Signal{}, false
}

func derefOr(s *string, fallback string) string {
	if s == nil {
		return fallback
	}
	return *s
}

func isMessageShape(obj map[string]any) bool {
	_, hasRole := obj["role"]
	_, hasText := obj["text"]
	return hasRole && hasText
}

func isToolResultShape(obj map[string]any) bool {
	_, hasTool := obj["tool_name"]
	_, hasStatus := obj["status"]
	return hasTool && hasStatus
}

func toolResultBody(obj map[string]any) mindstore.ToolResultBody {
	body := mindstore.ToolResultBody{
		ToolName: stringField(obj, "tool_name"),
		Status:   stringField(obj, "status"),
		Output:   stringField(obj, "output"),
	}
	if v, ok := obj["redacted"].(bool); ok {
		body.Redacted = v
	}
	if v, ok := obj["latency_ms"].(float64); ok {
		ms := int64(v)
		body.LatencyMs = &ms
	}
	if v, ok := obj["exit_code"].(float64); ok {
		code := int(v)
		body.ExitCode = &code
	}
	return body
}

// toolInvocationSignal recognizes a command embedded directly in a message
// body (rare, but some loggers fold shell transcripts into assistant text).
func toolInvocationSignal(obj map[string]any) (Signal, bool) {
	cmd := stringField(obj, "command")
	if cmd == "" {
		return Signal{}, false
	}
	return recognizeFromToolInvocation(cmd, stringField(obj, "output"))
}
