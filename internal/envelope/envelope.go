// Package envelope implements the canonical message container shared by the
// session hub's WebSocket and Unix-domain-socket surfaces, plus the
// canonical-JSON hashing used for stable identifiers across the mind
// pipeline.
package envelope

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Version is the protocol version this build emits. Envelopes carrying a
// higher version are dropped with a warning by the hub; versions at or
// below Version are accepted.
const Version = 1

// MaxEnvelopeBytes bounds the encoded size of any envelope (§3).
const MaxEnvelopeBytes = 256 * 1024

// MaxPatchBytes bounds a diff_patch_response payload.
const MaxPatchBytes = 1 << 20

// MaxFilesListLen bounds the number of entries in a files list payload.
const MaxFilesListLen = 500

// Type is the finite set of recognized envelope message types (§6.1).
type Type string

const (
	TypeHello             Type = "hello"
	TypeAgentStatus       Type = "agent_status"
	TypeDiffSummary       Type = "diff_summary"
	TypeDiffPatchRequest  Type = "diff_patch_request"
	TypeDiffPatchResponse Type = "diff_patch_response"
	TypeTaskSummary       Type = "task_summary"
	TypeTaskUpdate        Type = "task_update"
	TypeHeartbeat         Type = "heartbeat"
	TypeError             Type = "error"

	// UDS-only pulse surface.
	TypeSnapshot      Type = "snapshot"
	TypeDelta         Type = "delta"
	TypeCommand       Type = "command"
	TypeCommandResult Type = "command_result"
	TypeSubscribe     Type = "subscribe"
)

var knownTypes = map[Type]bool{
	TypeHello: true, TypeAgentStatus: true, TypeDiffSummary: true,
	TypeDiffPatchRequest: true, TypeDiffPatchResponse: true, TypeTaskSummary: true,
	TypeTaskUpdate: true, TypeHeartbeat: true, TypeError: true,
	TypeSnapshot: true, TypeDelta: true, TypeCommand: true,
	TypeCommandResult: true, TypeSubscribe: true,
}

// Envelope is the wire-stable message container (spec §3).
type Envelope struct {
	Version   int             `json:"version"`
	Type      Type            `json:"type"`
	SessionID string          `json:"session_id"`
	SenderID  string          `json:"sender_id"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
	RequestID string          `json:"request_id,omitempty"`
}

// New builds an envelope with the current protocol version.
func New(typ Type, sessionID, senderID string, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Envelope{
		Version:   Version,
		Type:      typ,
		SessionID: sessionID,
		SenderID:  senderID,
		Timestamp: time.Now().UTC(),
		Payload:   raw,
	}, nil
}

// Encode serializes the envelope and enforces the size bound.
func (e *Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	if len(data) > MaxEnvelopeBytes {
		return nil, &Error{Code: CodeMessageTooLarge, Message: fmt.Sprintf("envelope is %d bytes", len(data))}
	}
	return data, nil
}

// Decode parses an envelope from bytes without validating it. Callers
// should call Validate separately (e.g. after checking session scoping).
func Decode(data []byte) (*Envelope, error) {
	if len(data) > MaxEnvelopeBytes {
		return nil, &Error{Code: CodeMessageTooLarge, Message: fmt.Sprintf("frame is %d bytes", len(data))}
	}
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, &Error{Code: CodeInvalidPayload, Message: err.Error()}
	}
	return &e, nil
}

// Validate checks the envelope against the field-level rules in spec §4.1.
// The size bound is enforced by Encode and Decode, not here. It does not
// check session scoping (callers check that against
// the connection's expected session id) or per-type payload shape (callers
// validate the typed payload separately).
func (e *Envelope) Validate() error {
	if e.Version <= 0 {
		return &Error{Code: CodeInvalidPayload, Message: "version is required"}
	}
	if e.Version > Version {
		return &Error{Code: CodeUnsupportedVersion, Message: fmt.Sprintf("version %d not supported", e.Version)}
	}
	if e.SessionID == "" {
		return &Error{Code: CodeMissingRequiredFields, Message: "session_id is required"}
	}
	if e.SenderID == "" {
		return &Error{Code: CodeMissingRequiredFields, Message: "sender_id is required"}
	}
	if !knownTypes[e.Type] {
		return &Error{Code: CodeUnknownMessage, Message: string(e.Type)}
	}
	if e.Timestamp.IsZero() {
		return &Error{Code: CodeInvalidTimestamp, Message: "timestamp is required"}
	}
	if len(e.Payload) == 0 {
		return &Error{Code: CodeMissingRequiredFields, Message: "payload is required"}
	}
	return nil
}

// CheckSession rejects envelopes whose session id does not match the
// connection's session.
func (e *Envelope) CheckSession(expected string) error {
	if e.SessionID != expected {
		return &Error{Code: CodeSessionMismatch, Message: fmt.Sprintf("expected session %q, got %q", expected, e.SessionID)}
	}
	return nil
}

// Canonical renders v as canonical JSON: object keys sorted
// lexicographically at every depth, array order preserved. This is the sole
// basis for stable hashes used across compact ids, artifact ids, and job
// ids (§4.1).
func Canonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	var buf []byte
	buf, err = canonicalAppend(buf, generic)
	if err != nil {
		return nil, err
	}
	return buf, nil
}

func canonicalAppend(buf []byte, v any) ([]byte, error) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf = append(buf, '{')
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			buf = append(buf, kb...)
			buf = append(buf, ':')
			buf, err = canonicalAppend(buf, val[k])
			if err != nil {
				return nil, err
			}
		}
		buf = append(buf, '}')
		return buf, nil
	case []any:
		buf = append(buf, '[')
		for i, item := range val {
			if i > 0 {
				buf = append(buf, ',')
			}
			var err error
			buf, err = canonicalAppend(buf, item)
			if err != nil {
				return nil, err
			}
		}
		buf = append(buf, ']')
		return buf, nil
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return nil, err
		}
		return append(buf, b...), nil
	}
}

// Hash returns hex(SHA-256(Canonical(v))).
func Hash(v any) (string, error) {
	canon, err := Canonical(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// First16 truncates a hex hash to its first 16 hex characters, used for
// human-scannable stable ids (compact_id, artifact_id, job_id).
func First16(hexHash string) string {
	if len(hexHash) <= 16 {
		return hexHash
	}
	return hexHash[:16]
}

// First24 truncates a hex hash to its first 24 hex characters, used for
// fallback raw event ids.
func First24(hexHash string) string {
	if len(hexHash) <= 24 {
		return hexHash
	}
	return hexHash[:24]
}
