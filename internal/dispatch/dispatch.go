// Package dispatch routes validated tool calls to a backend, enforcing
// authorization and the per-project lock, and enriching responses with
// revision-guard guidance, state, and diffs.
package dispatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ashfox/meshgate/internal/auth"
	"github.com/ashfox/meshgate/internal/backend"
	"github.com/ashfox/meshgate/internal/clock"
	"github.com/ashfox/meshgate/internal/lock"
	"github.com/ashfox/meshgate/internal/logger"
	"github.com/ashfox/meshgate/internal/metrics"
	"github.com/ashfox/meshgate/internal/project"
	"github.com/ashfox/meshgate/internal/workspace"
)

// DefaultProjectID receives calls that name no project at all.
const DefaultProjectID = "prj_default"

// readOnlyTools is the static classification of tools that never mutate;
// everything else requires write authorization and the project lock.
var readOnlyTools = map[string]bool{
	"get_project_state":     true,
	"get_job_status":        true,
	"list_capabilities":     true,
	"list_backends":         true,
	"workspace_get_metrics": true,
	"workspace_read_demo":   true,
}

// ReadOnly reports whether a tool is classified as read-only.
func ReadOnly(toolName string) bool {
	return readOnlyTools[toolName]
}

// Policy is the dispatcher's behavior toggles.
type Policy struct {
	AutoIncludeState  bool
	AutoIncludeDiff   bool
	AutoRetryRevision bool
	TraceToolCalls    bool
	LockTTL           time.Duration
	LockTimeout       time.Duration
	LockRetry         time.Duration
}

func (p Policy) withDefaults() Policy {
	if p.LockTTL <= 0 {
		p.LockTTL = lock.DefaultTTL
	}
	if p.LockTimeout <= 0 {
		p.LockTimeout = 10 * time.Second
	}
	if p.LockRetry <= 0 {
		p.LockRetry = 100 * time.Millisecond
	}
	return p
}

// Call carries per-request identity into Handle.
type Call struct {
	Principal   *auth.Principal
	SessionID   string
	AgentID     string
	WorkspaceID string
}

// TraceEntry is one recorded tool call.
type TraceEntry struct {
	At        time.Time     `json:"at"`
	Tool      string        `json:"tool"`
	Backend   string        `json:"backend"`
	SessionID string        `json:"sessionId,omitempty"`
	AgentID   string        `json:"agentId,omitempty"`
	OK        bool          `json:"ok"`
	ErrorCode string        `json:"errorCode,omitempty"`
	Duration  time.Duration `json:"durationMs"`
}

// TraceRecorder persists tool-call traces. Failures are swallowed.
type TraceRecorder interface {
	Record(entry TraceEntry) error
}

// ViewportNotifier pushes a refresh hint to connected viewers after a
// viewport-mutating tool. Best effort.
type ViewportNotifier interface {
	RefreshViewport(workspaceID, projectID string) error
}

// Dispatcher routes tool calls to backends.
type Dispatcher struct {
	registry *backend.Registry
	policy   *workspace.Engine
	locks    *lock.Manager
	repo     project.Repository
	opts     Policy
	clock    clock.Clock
	sleeper  clock.Sleeper
	trace    TraceRecorder
	viewport ViewportNotifier
}

// New creates a dispatcher. trace and viewport may be nil; nil clk/slp
// use the system clock.
func New(registry *backend.Registry, policy *workspace.Engine, locks *lock.Manager, repo project.Repository, opts Policy, clk clock.Clock, slp clock.Sleeper) *Dispatcher {
	if clk == nil {
		clk = clock.System{}
	}
	if slp == nil {
		slp = clock.System{}
	}
	return &Dispatcher{
		registry: registry,
		policy:   policy,
		locks:    locks,
		repo:     repo,
		opts:     opts.withDefaults(),
		clock:    clk,
		sleeper:  slp,
	}
}

// SetTrace installs a trace recorder.
func (d *Dispatcher) SetTrace(trace TraceRecorder) { d.trace = trace }

// SetViewport installs a viewport notifier.
func (d *Dispatcher) SetViewport(viewport ViewportNotifier) { d.viewport = viewport }

// Handle runs one tool call end to end.
func (d *Dispatcher) Handle(ctx context.Context, toolName string, payload map[string]any, call Call) *backend.ToolResponse {
	started := d.clock.Now()
	resp, backendKind := d.handle(ctx, toolName, payload, call)

	status := "ok"
	errorCode := ""
	if !resp.OK {
		status = "error"
		errorCode = resp.Error.Code
	}
	metrics.RecordToolCall(toolName, backendKind, status)

	if d.opts.TraceToolCalls && d.trace != nil {
		entry := TraceEntry{
			At:        started,
			Tool:      toolName,
			Backend:   backendKind,
			SessionID: call.SessionID,
			AgentID:   call.AgentID,
			OK:        resp.OK,
			ErrorCode: errorCode,
			Duration:  d.clock.Now().Sub(started),
		}
		if err := d.trace.Record(entry); err != nil {
			logger.Warn("trace record for %s failed: %v", toolName, err)
		}
	}
	return resp
}

func (d *Dispatcher) handle(ctx context.Context, toolName string, payload map[string]any, call Call) (*backend.ToolResponse, string) {
	kind, _ := payload["backend"].(string)
	adapter := d.registry.Resolve(kind)
	if adapter == nil {
		return backend.FailWith(backend.CodeInvalidState,
			fmt.Sprintf("Backend %q is not available", kind),
			"Pick one of the listed backends or omit the backend field",
			map[string]any{"available": d.registry.ListKinds()}), kind
	}

	scope := d.extractScope(payload, call)

	// Capture the pre-call document so a diff can be computed when the
	// backend does not report one itself.
	var before json.RawMessage
	if d.opts.AutoIncludeDiff || boolArg(payload, "includeDiff") {
		if prior, err := d.repo.Find(ctx, scope); err == nil && prior != nil {
			before = prior.State
		}
	}

	bc := backend.CallContext{
		Scope:     scope,
		Principal: call.Principal,
		SessionID: call.SessionID,
		AgentID:   call.AgentID,
	}

	if !ReadOnly(toolName) {
		if denied := d.authorizeWrite(ctx, scope, payload, call); denied != nil {
			return denied, adapter.Kind()
		}

		release, conflict := d.acquireLock(ctx, scope, call)
		if conflict != nil {
			return conflict, adapter.Kind()
		}
		defer release()
	}

	resp := d.invoke(ctx, adapter, toolName, payload, bc)

	if !resp.OK && resp.Error.Reason() == backend.ReasonMissingIfRevision {
		resp = d.reviseOrGuide(ctx, adapter, toolName, payload, bc, resp)
	}

	d.attachState(ctx, scope, payload, before, resp)
	d.refreshViewport(toolName, scope)
	return resp, adapter.Kind()
}

// invoke shields the dispatcher from a panicking backend; the panic is
// surfaced in-band as tool_execution_failed.
func (d *Dispatcher) invoke(ctx context.Context, adapter backend.Backend, toolName string, payload map[string]any, bc backend.CallContext) (resp *backend.ToolResponse) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("backend %s panicked on %s: %v", adapter.Kind(), toolName, r)
			resp = backend.Fail(backend.CodeToolExecutionFailed, fmt.Sprintf("Tool %s failed: %v", toolName, r))
		}
	}()
	resp = adapter.HandleTool(ctx, toolName, payload, bc)
	if resp == nil {
		resp = backend.Fail(backend.CodeUnknown, fmt.Sprintf("Backend %s returned no response for %s", adapter.Kind(), toolName))
	}
	return resp
}

// extractScope resolves the project scope: explicit projectId, then a
// stable hash of the project name, then the default project.
func (d *Dispatcher) extractScope(payload map[string]any, call Call) project.Scope {
	projectID, _ := payload["projectId"].(string)
	if projectID == "" {
		if name, ok := payload["project"].(string); ok && name != "" {
			projectID = HashProjectName(name)
		} else {
			projectID = DefaultProjectID
		}
	}

	workspaceID, _ := payload["workspaceId"].(string)
	if workspaceID == "" {
		workspaceID = call.WorkspaceID
	}
	if workspaceID == "" {
		workspaceID = workspace.DefaultWorkspaceID
	}

	return project.Scope{TenantID: project.DefaultTenant, WorkspaceID: workspaceID, ProjectID: projectID}
}

// HashProjectName maps a human project name onto a stable project id.
func HashProjectName(name string) string {
	sum := sha256.Sum256([]byte(name))
	return "prj_" + hex.EncodeToString(sum[:])[:12]
}

func (d *Dispatcher) authorizeWrite(ctx context.Context, scope project.Scope, payload map[string]any, call Call) *backend.ToolResponse {
	actor := workspace.Actor{}
	if call.Principal != nil {
		actor.AccountID = call.Principal.AccountID
		actor.SystemRoles = call.Principal.SystemRoles
	}

	decision, err := d.policy.AuthorizeWrite(ctx, scope.WorkspaceID, folderPath(payload), actor)
	if err != nil {
		return backend.Fail(backend.CodeIOError, fmt.Sprintf("Authorization check failed: %v", err))
	}
	if !decision.OK {
		details := map[string]any{"reason": decision.Reason, "workspaceId": scope.WorkspaceID}
		if decision.FolderID != "" {
			details["folderId"] = decision.FolderID
		}
		return backend.FailWith(backend.CodeInvalidState,
			fmt.Sprintf("Write to project %s denied: %s", scope.ProjectID, decision.Reason),
			"Ask a workspace admin for write access", details)
	}
	return nil
}

func folderPath(payload map[string]any) []string {
	raw, ok := payload["folderPath"].([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// acquireLock polls the project lock until the configured timeout. The
// returned release runs on every exit path of the call.
func (d *Dispatcher) acquireLock(ctx context.Context, scope project.Scope, call Call) (func(), *backend.ToolResponse) {
	deadline := d.clock.Now().Add(d.opts.LockTimeout)

	for {
		held, err := d.locks.Acquire(scope.WorkspaceID, scope.ProjectID, call.AgentID, call.SessionID, d.opts.LockTTL)
		if err == nil {
			release := func() {
				d.locks.Release(scope.WorkspaceID, scope.ProjectID, held.OwnerAgentID, held.OwnerSessionID)
			}
			return release, nil
		}

		conflict, ok := err.(*lock.ConflictError)
		if !ok {
			return nil, backend.Fail(backend.CodeIOError, fmt.Sprintf("Lock acquisition failed: %v", err))
		}

		if ctx.Err() != nil || !d.clock.Now().Add(d.opts.LockRetry).Before(deadline) {
			return nil, backend.FailWith(backend.CodeInvalidState,
				fmt.Sprintf("Timed out waiting for the lock on project %s held by agent %s", scope.ProjectID, conflict.OwnerAgentID),
				"Wait for the lock to expire or ask the holder to release it",
				map[string]any{
					"reason":         backend.ReasonLockTimeout,
					"ownerAgentId":   conflict.OwnerAgentID,
					"ownerSessionId": conflict.OwnerSessionID,
					"expiresAt":      conflict.ExpiresAt,
				})
		}
		d.sleeper.Sleep(d.opts.LockRetry)
	}
}

// reviseOrGuide handles a missing_ifRevision failure: auto-retry once
// with the current revision when policy allows, otherwise append the
// follow-up actions that let the client recover.
func (d *Dispatcher) reviseOrGuide(ctx context.Context, adapter backend.Backend, toolName string, payload map[string]any, bc backend.CallContext, failed *backend.ToolResponse) *backend.ToolResponse {
	if d.opts.AutoRetryRevision {
		record, err := d.repo.Find(ctx, bc.Scope)
		if err == nil && record != nil {
			retried := make(map[string]any, len(payload)+1)
			for k, v := range payload {
				retried[k] = v
			}
			retried["ifRevision"] = record.Revision
			resp := d.invoke(ctx, adapter, toolName, retried, bc)
			if resp.OK || resp.Error.Reason() != backend.ReasonMissingIfRevision {
				return resp
			}
			failed = resp
		}
	}

	appendAction(failed, backend.NextAction{
		Tool: "get_project_state",
		Args: map[string]any{"projectId": bc.Scope.ProjectID, "detail": "summary"},
	})
	appendAction(failed, backend.NextAction{
		Tool: toolName,
		Args: map[string]any{"ifRevision": "$ref(get_project_state/project/revision)"},
	})
	return failed
}

// appendAction adds an action unless one for the same tool is present.
func appendAction(resp *backend.ToolResponse, action backend.NextAction) {
	for _, existing := range resp.NextActions {
		if existing.Tool == action.Tool {
			return
		}
	}
	resp.NextActions = append(resp.NextActions, action)
}

// attachState fetches and attaches state/diff when policy or the payload
// opts in and the backend did not already provide them.
func (d *Dispatcher) attachState(ctx context.Context, scope project.Scope, payload map[string]any, before json.RawMessage, resp *backend.ToolResponse) {
	wantState := d.opts.AutoIncludeState || boolArg(payload, "includeState")
	wantDiff := d.opts.AutoIncludeDiff || boolArg(payload, "includeDiff")
	if (!wantState || resp.State != nil) && (!wantDiff || resp.Diff != nil) {
		return
	}

	record, err := d.repo.Find(ctx, scope)
	if err != nil || record == nil {
		return
	}
	if wantState && resp.State == nil {
		resp.State = record.State
		if resp.Revision == "" {
			resp.Revision = record.Revision
		}
	}
	if wantDiff && resp.Diff == nil {
		resp.Diff = project.StateDiff(before, record.State)
	}
}

func (d *Dispatcher) refreshViewport(toolName string, scope project.Scope) {
	if d.viewport == nil || !viewportMutating[toolName] {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Warn("viewport refresh for %s panicked: %v", scope.ProjectID, r)
		}
	}()
	if err := d.viewport.RefreshViewport(scope.WorkspaceID, scope.ProjectID); err != nil {
		logger.Warn("viewport refresh for %s failed: %v", scope.ProjectID, err)
	}
}

var viewportMutating = map[string]bool{
	"update_project_state": true,
	"reset_project":        true,
}

func boolArg(payload map[string]any, key string) bool {
	v, _ := payload[key].(bool)
	return v
}
