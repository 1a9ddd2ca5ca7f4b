package envelope

import "fmt"

// Code is a stable wire error code from the taxonomy in spec §7.
type Code string

// Envelope-layer codes.
const (
	CodeInvalidPayload        Code = "invalid_payload"
	CodeMissingRequiredFields Code = "missing_required_fields"
	CodeUnsupportedVersion    Code = "unsupported_version"
	CodeInvalidTimestamp      Code = "invalid_timestamp"
	CodeMessageTooLarge       Code = "message_too_large"
	CodeSessionMismatch       Code = "session_mismatch"
	CodeUnexpectedHello       Code = "unexpected_hello"
	CodeRoleViolation         Code = "role_violation"
	CodeAgentIDMismatch       Code = "agent_id_mismatch"
	CodeUnknownMessage        Code = "unknown_message"
	CodePatchTooLarge         Code = "patch_too_large"
)

// Routing codes.
const (
	CodeInvalidTarget       Code = "invalid_target"
	CodePublisherMissing    Code = "publisher_missing"
	CodePublisherUnavail    Code = "publisher_unavailable"
	CodeUnsupportedCommand  Code = "unsupported_command"
	CodeInvalidArgs         Code = "invalid_args"
	CodeFocusFailed         Code = "focus_failed"
)

// Wrap-to-client codes.
const (
	CodeTasksMissing     Code = "tasks_missing"
	CodeTasksMalformed   Code = "tasks_malformed"
	CodeTasksError       Code = "tasks_error"
	CodeGitMissing       Code = "git_missing"
	CodeNotGitRepo       Code = "not_git_repo"
	CodeUntrackedExclude Code = "untracked_excluded"
	CodePatchUnavailable Code = "patch_unavailable"
	CodeNotFound         Code = "not_found"
)

// Semantic codes.
const (
	CodeTimeout       Code = "timeout"
	CodeInvalidOutput Code = "invalid_output"
	CodeBudgetExceed  Code = "budget_exceeded"
	CodeProviderError Code = "provider_error"
	CodeLockConflict  Code = "lock_conflict"
)

// Contract codes.
const (
	CodeT1CrossConversation  Code = "t1_cross_conversation"
	CodeT1OverHardCap        Code = "t1_over_hard_cap"
	CodeInvalidLineage       Code = "invalid_lineage_metadata"
	CodeInvalidConfidenceBps Code = "invalid_confidence_bps"
	CodeInvalidTemporalRange Code = "invalid_temporal_range"
)

// Error is a stable, wire-reportable error. It wraps an optional cause.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Payload renders the error as a wire payload for an `error` envelope.
func (e *Error) Payload() map[string]any {
	return map[string]any{
		"code":    string(e.Code),
		"message": e.Message,
	}
}
