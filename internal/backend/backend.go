// Package backend defines the adapter contract between the tool
// dispatcher and the modeling backends, plus the registry that maps a
// backend kind to its adapter.
package backend

import (
	"context"
	"encoding/json"

	"github.com/ashfox/meshgate/internal/auth"
	"github.com/ashfox/meshgate/internal/jobs"
	"github.com/ashfox/meshgate/internal/project"
)

// Error codes carried by the ToolResponse error branch.
const (
	CodeInvalidPayload      = "invalid_payload"
	CodeInvalidState        = "invalid_state"
	CodeNotImplemented      = "not_implemented"
	CodeIOError             = "io_error"
	CodeNoChange            = "no_change"
	CodeToolExecutionFailed = "tool_execution_failed"
	CodeUnknown             = "unknown"
)

// Machine reasons carried in ToolError.Details["reason"].
const (
	ReasonMissingIfRevision = "missing_ifRevision"
	ReasonRevisionMismatch  = "revision_mismatch"
	ReasonProjectLocked     = "project_locked"
	ReasonLockTimeout       = "lock_timeout"
	ReasonProjectNotFound   = "project_not_found"
)

// ToolError is the structured failure carried in-band by a tool response.
type ToolError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Fix     string         `json:"fix,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// Reason returns Details["reason"] when present.
func (e *ToolError) Reason() string {
	if e == nil {
		return ""
	}
	reason, _ := e.Details["reason"].(string)
	return reason
}

// NextAction suggests a follow-up tool call to the client.
type NextAction struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args,omitempty"`
}

// ToolResponse is the discriminated result of one tool call: either OK
// with data, or an in-band error. Both branches may carry nextActions,
// state, diff, and the project revision.
type ToolResponse struct {
	OK          bool            `json:"ok"`
	Data        any             `json:"data,omitempty"`
	Error       *ToolError      `json:"error,omitempty"`
	NextActions []NextAction    `json:"nextActions,omitempty"`
	State       json.RawMessage `json:"state,omitempty"`
	Diff        json.RawMessage `json:"diff,omitempty"`
	Revision    string          `json:"revision,omitempty"`
}

// Ok builds a success response.
func Ok(data any) *ToolResponse {
	return &ToolResponse{OK: true, Data: data}
}

// Fail builds an error response.
func Fail(code, message string) *ToolResponse {
	return &ToolResponse{Error: &ToolError{Code: code, Message: message}}
}

// FailWith builds an error response with a fix hint and details.
func FailWith(code, message, fix string, details map[string]any) *ToolResponse {
	return &ToolResponse{Error: &ToolError{Code: code, Message: message, Fix: fix, Details: details}}
}

// CallContext carries the request identity and project scope into a
// backend tool handler.
type CallContext struct {
	Scope     project.Scope
	Principal *auth.Principal
	SessionID string
	AgentID   string
}

// Backend is a modeling backend adapter. HandleTool serves synchronous
// tool calls; ExecuteJob runs asynchronous work claimed by the worker
// pool.
type Backend interface {
	Kind() string
	HandleTool(ctx context.Context, name string, payload map[string]any, call CallContext) *ToolResponse
	ExecuteJob(ctx context.Context, job *jobs.Job) (json.RawMessage, error)
}
