package mindstore

import "time"

// EventKind is the raw event kind tag (spec §3).
type EventKind string

const (
	KindMessage    EventKind = "message"
	KindToolResult EventKind = "tool_result"
	KindTaskSignal EventKind = "task_signal"
	KindOther      EventKind = "other"
)

// MessageBody is the typed body of a message-kind raw event.
type MessageBody struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolResultBody is the typed body of a tool_result-kind raw event.
type ToolResultBody struct {
	ToolName  string `json:"tool_name"`
	Status    string `json:"status"` // "success" | "failure"
	LatencyMs *int64 `json:"latency_ms,omitempty"`
	ExitCode  *int   `json:"exit_code,omitempty"`
	Output    string `json:"output"`
	Redacted  bool   `json:"redacted"`
}

// Tool result status values.
const (
	ToolStatusSuccess = "success"
	ToolStatusFailure = "failure"
)

// TaskSignalBody is the typed body of a task_signal-kind raw event.
type TaskSignalBody struct {
	ActiveTag    string   `json:"active_tag,omitempty"`
	TaskIDs      []string `json:"task_ids,omitempty"`
	Lifecycle    string   `json:"lifecycle,omitempty"`
	SignalSource string   `json:"signal_source,omitempty"`
}

// RawEvent is a parsed, stored conversation event (spec §3).
type RawEvent struct {
	EventID        string
	ConversationID string
	AgentID        string
	Ts             time.Time
	Kind           EventKind
	BodyJSON       string // canonical JSON of the typed body
	Attrs          map[string]any
}

// ToolMeta is the retained tool metadata line in a T0 compact event.
type ToolMeta struct {
	Name        string `json:"name"`
	Status      string `json:"status"`
	LatencyMs   *int64 `json:"latency_ms,omitempty"`
	ExitCode    *int   `json:"exit_code,omitempty"`
	OutputBytes int    `json:"output_bytes"`
	Redacted    bool   `json:"redacted"`
}

// T0Compact is a compact event produced by the T0 compactor (spec §3, §4.4).
type T0Compact struct {
	CompactID      string
	CompactHash    string
	SchemaVersion  int
	ConversationID string
	Ts             time.Time
	Role           *string
	Text           *string
	ToolMeta       *ToolMeta
	Snippet        *string
	SourceEventIDs []string
	PolicyVersion  string
}

// ContextState is an inferred (active_tag, active_tasks) snapshot at a
// conversation timestamp (spec §3).
type ContextState struct {
	ConversationID  string
	Ts              time.Time
	ActiveTag       *string
	ActiveTasks     []string
	Lifecycle       *string
	SignalTaskIDs   []string
	SignalSource    *string
}

// Lineage is a conversation's position in its session-scoped forest (spec
// §3).
type Lineage struct {
	ConversationID       string
	SessionID            string
	ParentConversationID *string
	RootConversationID   string
}

// ArtifactKind distinguishes T1 observations from T2 reflections.
type ArtifactKind string

const (
	ArtifactT1 ArtifactKind = "t1"
	ArtifactT2 ArtifactKind = "t2"
)

// Artifact is a T1 observation or T2 reflection (spec §3, §4.5).
type Artifact struct {
	ArtifactID     string
	Kind           ArtifactKind
	ConversationID string
	Ts             time.Time
	Text           string
	TraceIDs       []string
}

// TaskRelation is the relation kind between an artifact and a task (spec
// §3).
type TaskRelation string

const (
	RelationActive    TaskRelation = "Active"
	RelationWorkedOn  TaskRelation = "WorkedOn"
	RelationMentioned TaskRelation = "Mentioned"
	RelationCompleted TaskRelation = "Completed"
)

// TaskLink is an artifact<->task attribution link (spec §3, §4.6).
type TaskLink struct {
	ArtifactID        string
	TaskID            string
	Relation          TaskRelation
	ConfidenceBps     int
	EvidenceEventIDs  []string
	Source            string
	StartTs           time.Time
	EndTs             *time.Time
}

// SemanticStage distinguishes which distillation stage produced a
// provenance row.
type SemanticStage string

const (
	StageT1Observer  SemanticStage = "T1Observer"
	StageT2Reflector SemanticStage = "T2Reflector"
)

// SemanticRuntime distinguishes the deterministic path from optional
// semantic-provider adapters (spec §4.5).
type SemanticRuntime string

const (
	RuntimeDeterministic    SemanticRuntime = "deterministic"
	RuntimePiSemantic       SemanticRuntime = "pi-semantic"
	RuntimeExternalSemantic SemanticRuntime = "external-semantic"
)

// Provenance records one attempt at producing an artifact (spec §3).
type Provenance struct {
	ArtifactID     string
	Attempt        int
	Stage          SemanticStage
	Runtime        SemanticRuntime
	PromptVersion  string
	InputHash      string
	OutputHash     *string
	LatencyMs      int64
	FallbackUsed   bool
	FallbackReason *string
	FailureKind    *string
}

// Lease is a reflector singleton lease for a scope (spec §3, §4.2).
type Lease struct {
	ScopeID     string
	OwnerID     string
	OwnerPID    *int
	AcquiredAt  time.Time
	HeartbeatAt time.Time
	ExpiresAt   time.Time
}

// JobStatus is the lifecycle state of a reflector job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobClaimed   JobStatus = "claimed"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Job is a reflector work item (spec §3, §4.5).
type Job struct {
	JobID            string
	ActiveTag        string
	ObservationIDs   []string
	ConversationIDs  []string
	EstimatedTokens  int
	Status           JobStatus
	ClaimedBy        *string
	ClaimedAt        *time.Time
	Attempts         int
	LastError        *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Checkpoint is the ingestion cursor state for a conversation (spec §3,
// §4.3).
type Checkpoint struct {
	ConversationID string
	RawCursor      int64
	T0Cursor       int64
	PolicyVersion  string
	UpdatedAt      time.Time
}
