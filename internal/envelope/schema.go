package envelope

import (
	"encoding/json"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// schemaRegistry lazily compiles one JSON schema per payload-bearing
// envelope type, mirroring internal/gateway/ws_schema.go's
// compile-once-validate-many pattern in the teacher.
type schemaRegistry struct {
	once    sync.Once
	initErr error
	schemas map[Type]*jsonschema.Schema
}

var registry schemaRegistry

func initSchemas() error {
	registry.once.Do(func() {
		defs := map[Type]string{
			TypeHello:             helloSchema,
			TypeAgentStatus:       agentStatusSchema,
			TypeDiffSummary:       diffSummarySchema,
			TypeDiffPatchRequest:  diffPatchRequestSchema,
			TypeDiffPatchResponse: diffPatchResponseSchema,
			TypeTaskSummary:       taskSummarySchema,
			TypeTaskUpdate:        taskUpdateSchema,
			TypeHeartbeat:         heartbeatSchema,
		}
		registry.schemas = make(map[Type]*jsonschema.Schema, len(defs))
		for typ, src := range defs {
			compiled, err := jsonschema.CompileString(string(typ), src)
			if err != nil {
				registry.initErr = err
				return
			}
			registry.schemas[typ] = compiled
		}
	})
	return registry.initErr
}

// ValidatePayload validates e.Payload against the schema for e.Type, if one
// is registered. Envelope types with no registered schema (the UDS-only
// pulse shapes) are accepted as-is; their structure is enforced by the Go
// types that decode them.
func ValidatePayload(e *Envelope) error {
	if err := initSchemas(); err != nil {
		return err
	}
	schema, ok := registry.schemas[e.Type]
	if !ok {
		return nil
	}
	var payload any
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return &Error{Code: CodeInvalidPayload, Message: err.Error(), Cause: err}
	}
	if err := schema.Validate(payload); err != nil {
		return &Error{Code: CodeInvalidPayload, Message: err.Error(), Cause: err}
	}
	return nil
}

const helloSchema = `{
  "type": "object",
  "required": ["client_id", "role"],
  "properties": {
    "client_id": {"type": "string", "minLength": 1},
    "role": {"enum": ["publisher", "subscriber"]},
    "agent_id": {"type": "string"}
  },
  "additionalProperties": true
}`

const agentStatusSchema = `{
  "type": "object",
  "required": ["agent_id", "status"],
  "properties": {
    "agent_id": {"type": "string", "minLength": 1},
    "status": {"enum": ["running", "offline"]},
    "reason": {"type": "string"},
    "pane": {"type": "string"},
    "project": {"type": "string"},
    "cwd": {"type": "string"}
  },
  "additionalProperties": true
}`

const diffSummarySchema = `{
  "type": "object",
  "required": ["agent_id", "git_available"],
  "properties": {
    "agent_id": {"type": "string", "minLength": 1},
    "git_available": {"type": "boolean"},
    "reason": {"type": "string"},
    "files": {"type": "array", "maxItems": 500},
    "total_added": {"type": "integer"},
    "total_removed": {"type": "integer"}
  },
  "additionalProperties": true
}`

const diffPatchRequestSchema = `{
  "type": "object",
  "required": ["agent_id", "path"],
  "properties": {
    "agent_id": {"type": "string", "minLength": 1},
    "path": {"type": "string", "minLength": 1},
    "context_lines": {"type": "integer", "minimum": 0},
    "include_untracked": {"type": "boolean"}
  },
  "additionalProperties": true
}`

const diffPatchResponseSchema = `{
  "type": "object",
  "required": ["agent_id", "path", "available"],
  "properties": {
    "agent_id": {"type": "string", "minLength": 1},
    "path": {"type": "string", "minLength": 1},
    "patch": {"type": "string", "maxLength": 1048576},
    "available": {"type": "boolean"},
    "reason": {"type": "string"}
  },
  "additionalProperties": true
}`

const taskSummarySchema = `{
  "type": "object",
  "required": ["agent_id", "tag"],
  "properties": {
    "agent_id": {"type": "string", "minLength": 1},
    "tag": {"type": "string", "minLength": 1},
    "counts": {"type": "object"},
    "active_tasks": {"type": "array"},
    "error": {"type": "string"}
  },
  "additionalProperties": true
}`

const taskUpdateSchema = `{
  "type": "object",
  "required": ["agent_id", "task_id", "action"],
  "properties": {
    "agent_id": {"type": "string", "minLength": 1},
    "tag": {"type": "string"},
    "task_id": {"type": "string", "minLength": 1},
    "action": {"type": "string", "minLength": 1}
  },
  "additionalProperties": true
}`

const heartbeatSchema = `{
  "type": "object",
  "required": ["agent_id"],
  "properties": {
    "agent_id": {"type": "string", "minLength": 1}
  },
  "additionalProperties": true
}`
