package hub

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aoc/cockpit/internal/envelope"
)

// ConnContext identifies one registered WS connection to the router: its
// role and, for publishers, the agent id declared at handshake.
type ConnContext struct {
	ConnID    string
	SessionID string
	Role      string
	AgentID   string
}

// HandleHello validates the first frame of a connection (spec §4.8
// "Handshake"). It does not register the connection; callers do that once
// validation succeeds.
func (h *Hub) HandleHello(e *envelope.Envelope, connID string) (ConnContext, *envelope.Error) {
	if e.Type != envelope.TypeHello {
		return ConnContext{}, &envelope.Error{Code: envelope.CodeUnexpectedHello, Message: "first frame must be hello"}
	}
	if e.SessionID != h.sessionID {
		return ConnContext{}, &envelope.Error{Code: envelope.CodeSessionMismatch, Message: fmt.Sprintf("expected session %q", h.sessionID)}
	}
	if err := envelope.ValidatePayload(e); err != nil {
		var verr *envelope.Error
		if errors.As(err, &verr) {
			return ConnContext{}, verr
		}
		return ConnContext{}, &envelope.Error{Code: envelope.CodeInvalidPayload, Message: err.Error()}
	}
	var p envelope.HelloPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return ConnContext{}, &envelope.Error{Code: envelope.CodeInvalidPayload, Message: err.Error()}
	}
	if p.ClientID != e.SenderID {
		return ConnContext{}, &envelope.Error{Code: envelope.CodeAgentIDMismatch, Message: "client_id must equal sender_id"}
	}
	switch p.Role {
	case envelope.RolePublisher:
		if !envelope.BelongsToSession(p.AgentID, h.sessionID) {
			return ConnContext{}, &envelope.Error{Code: envelope.CodeRoleViolation, Message: "publisher agent_id must start with session::"}
		}
		return ConnContext{ConnID: connID, SessionID: h.sessionID, Role: envelope.RolePublisher, AgentID: p.AgentID}, nil
	case envelope.RoleSubscriber:
		return ConnContext{ConnID: connID, SessionID: h.sessionID, Role: envelope.RoleSubscriber}, nil
	default:
		return ConnContext{}, &envelope.Error{Code: envelope.CodeRoleViolation, Message: "role must be publisher or subscriber"}
	}
}

// Route dispatches one post-handshake envelope per the message-handling
// rules in spec §4.8. It returns an envelope to send back to the sender
// (e.g. an `error`), or nil when none is needed. fatal reports whether the
// connection must be terminated.
func (h *Hub) Route(ctx ConnContext, e *envelope.Envelope) (reply *envelope.Envelope, fatal bool) {
	if e.SessionID != h.sessionID {
		return errorEnvelope(h.sessionID, envelope.CodeSessionMismatch, "session mismatch"), true
	}

	// Per-type schema validation (spec §4.1): required fields, enums, and
	// the files-list cap on diff_summary all live in the registered
	// schemas, checked once here before any type-specific dispatch. hello
	// is validated in HandleHello instead, and error has no inbound schema.
	if e.Type != envelope.TypeHello && e.Type != envelope.TypeError {
		if verr := validateSchema(h.sessionID, e); verr != nil {
			return verr, false
		}
	}

	switch e.Type {
	case envelope.TypeHello:
		return errorEnvelope(h.sessionID, envelope.CodeUnexpectedHello, "hello only valid as first frame"), false

	case envelope.TypeAgentStatus:
		p, agentID, err := decodeAgentStatus(e.Payload)
		if verr := checkPublisherPayload(ctx, e.Type, agentID, err); verr != nil {
			return errorEnvelope(h.sessionID, verr.Code, verr.Message), false
		}
		h.upsertAgentStatus(p)
		h.broadcastWS(e)
		return nil, false

	case envelope.TypeDiffSummary:
		p, agentID, err := decodeDiffSummary(e.Payload)
		if verr := checkPublisherPayload(ctx, e.Type, agentID, err); verr != nil {
			return errorEnvelope(h.sessionID, verr.Code, verr.Message), false
		}
		h.upsertDiffSummary(p)
		h.broadcastWS(e)
		return nil, false

	case envelope.TypeTaskSummary:
		p, agentID, err := decodeTaskSummary(e.Payload)
		if verr := checkPublisherPayload(ctx, e.Type, agentID, err); verr != nil {
			return errorEnvelope(h.sessionID, verr.Code, verr.Message), false
		}
		h.upsertTaskSummary(p)
		h.broadcastWS(e)
		return nil, false

	case envelope.TypeTaskUpdate:
		if ctx.Role != envelope.RolePublisher {
			return errorEnvelope(h.sessionID, envelope.CodeRoleViolation, "task_update is publisher-only"), false
		}
		h.broadcastWS(e)
		return nil, false

	case envelope.TypeDiffPatchRequest:
		if ctx.Role != envelope.RoleSubscriber {
			return errorEnvelope(h.sessionID, envelope.CodeRoleViolation, "diff_patch_request is subscriber-only"), false
		}
		var p envelope.DiffPatchRequestPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return errorEnvelope(h.sessionID, envelope.CodeInvalidPayload, err.Error()), false
		}
		targets := h.publishersFor(p.AgentID)
		if len(targets) == 0 {
			return errorEnvelope(h.sessionID, envelope.CodePublisherMissing, "forward_miss: no publisher for "+p.AgentID), false
		}
		for _, t := range targets {
			t.send(e)
		}
		return nil, false

	case envelope.TypeDiffPatchResponse:
		p, agentID, err := decodeDiffPatchResponse(e.Payload)
		if verr := checkPublisherPayload(ctx, e.Type, agentID, err); verr != nil {
			return errorEnvelope(h.sessionID, verr.Code, verr.Message), false
		}
		if len(p.Patch) > envelope.MaxPatchBytes {
			return errorEnvelope(h.sessionID, envelope.CodePatchTooLarge, "patch exceeds 1MiB"), false
		}
		h.broadcastWS(e)
		return nil, false

	case envelope.TypeHeartbeat:
		if ctx.Role != envelope.RolePublisher {
			return errorEnvelope(h.sessionID, envelope.CodeRoleViolation, "heartbeat is publisher-only"), false
		}
		var p envelope.HeartbeatPayload
		if err := json.Unmarshal(e.Payload, &p); err == nil {
			h.touchHeartbeat(p.AgentID)
		}
		return nil, false

	case envelope.TypeError:
		h.broadcastWS(e)
		return nil, false

	default:
		return errorEnvelope(h.sessionID, envelope.CodeUnknownMessage, string(e.Type)), false
	}
}

// validateSchema runs envelope.ValidatePayload for e and renders any
// failure as an `error` envelope to send back to the sender.
func validateSchema(sessionID string, e *envelope.Envelope) *envelope.Envelope {
	err := envelope.ValidatePayload(e)
	if err == nil {
		return nil
	}
	var verr *envelope.Error
	if errors.As(err, &verr) {
		return errorEnvelope(sessionID, verr.Code, verr.Message)
	}
	return errorEnvelope(sessionID, envelope.CodeInvalidPayload, err.Error())
}

// checkPublisherPayload enforces the shared publisher-only message rule:
// the sender must hold the publisher role, the payload must decode, and
// payload.agent_id must match the connection's declared agent (spec §4.8
// "publisher-only; payload.agent_id must match the connection's").
func checkPublisherPayload(ctx ConnContext, typ envelope.Type, payloadAgentID string, decodeErr error) *envelope.Error {
	if ctx.Role != envelope.RolePublisher {
		return &envelope.Error{Code: envelope.CodeRoleViolation, Message: string(typ) + " is publisher-only"}
	}
	if decodeErr != nil {
		return &envelope.Error{Code: envelope.CodeInvalidPayload, Message: decodeErr.Error()}
	}
	if payloadAgentID != ctx.AgentID {
		return &envelope.Error{Code: envelope.CodeAgentIDMismatch, Message: "payload.agent_id must match connection"}
	}
	return nil
}

func decodeAgentStatus(raw []byte) (envelope.AgentStatusPayload, string, error) {
	var p envelope.AgentStatusPayload
	err := json.Unmarshal(raw, &p)
	return p, p.AgentID, err
}

func decodeDiffSummary(raw []byte) (envelope.DiffSummaryPayload, string, error) {
	var p envelope.DiffSummaryPayload
	err := json.Unmarshal(raw, &p)
	return p, p.AgentID, err
}

func decodeTaskSummary(raw []byte) (envelope.TaskSummaryPayload, string, error) {
	var p envelope.TaskSummaryPayload
	err := json.Unmarshal(raw, &p)
	return p, p.AgentID, err
}

func decodeDiffPatchResponse(raw []byte) (envelope.DiffPatchResponsePayload, string, error) {
	var p envelope.DiffPatchResponsePayload
	err := json.Unmarshal(raw, &p)
	return p, p.AgentID, err
}

func errorEnvelope(sessionID string, code envelope.Code, message string) *envelope.Envelope {
	e, err := envelope.New(envelope.TypeError, sessionID, "hub", (&envelope.Error{Code: code, Message: message}).Payload())
	if err != nil {
		return nil
	}
	return e
}
