// Package engine is the reference in-process modeling backend: it keeps
// project state as opaque JSON documents guarded by revision CAS and
// renders previews through the async job plane.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ashfox/meshgate/internal/backend"
	"github.com/ashfox/meshgate/internal/blob"
	"github.com/ashfox/meshgate/internal/clock"
	"github.com/ashfox/meshgate/internal/jobs"
	"github.com/ashfox/meshgate/internal/logger"
	"github.com/ashfox/meshgate/internal/project"
	"github.com/google/uuid"
)

// BackendKind is the registry key for this backend.
const BackendKind = "engine"

// JobKindRenderPreview renders a project preview image asynchronously.
const JobKindRenderPreview = "render_preview"

// PreviewBucket holds rendered preview blobs.
const PreviewBucket = "previews"

const (
	defaultPreviewSize = 512
	maxPreviewSize     = 4096
)

// Capability limits advertised by list_capabilities.
const (
	LimitMaxCubes            = 4096
	LimitMaxTextureSize      = 4096
	LimitMaxAnimationSeconds = 600
)

// Engine is the reference backend.
type Engine struct {
	repo  project.Repository
	queue *jobs.Queue
	blobs blob.Store
	snap  jobs.Snapshotter
	clock clock.Clock

	// ToolRegistryInfo, when set, supplies the registry hash and count
	// for the capabilities envelope.
	ToolRegistryInfo func() (hash string, count int)
}

// New creates the engine backend. snap may be nil; a nil clk uses the
// system clock.
func New(repo project.Repository, queue *jobs.Queue, blobs blob.Store, snap jobs.Snapshotter, clk clock.Clock) *Engine {
	if clk == nil {
		clk = clock.System{}
	}
	return &Engine{repo: repo, queue: queue, blobs: blobs, snap: snap, clock: clk}
}

// Kind implements backend.Backend.
func (e *Engine) Kind() string { return BackendKind }

// HandleTool implements backend.Backend.
func (e *Engine) HandleTool(ctx context.Context, name string, payload map[string]any, call backend.CallContext) *backend.ToolResponse {
	switch name {
	case "get_project_state":
		return e.getProjectState(ctx, payload, call)
	case "update_project_state":
		return e.updateProjectState(ctx, payload, call)
	case "reset_project":
		return e.resetProject(ctx, call)
	case "render_preview":
		return e.renderPreview(payload, call)
	case "get_job_status":
		return e.getJobStatus(payload)
	case "list_capabilities":
		return backend.Ok(e.Capabilities())
	default:
		return backend.Fail(backend.CodeNotImplemented, fmt.Sprintf("Backend %s does not implement tool %s", BackendKind, name))
	}
}

func (e *Engine) getProjectState(ctx context.Context, payload map[string]any, call backend.CallContext) *backend.ToolResponse {
	record, err := e.repo.Find(ctx, call.Scope)
	if err != nil {
		return backend.Fail(backend.CodeIOError, fmt.Sprintf("Failed to load project: %v", err))
	}
	if record == nil {
		return backend.FailWith(backend.CodeInvalidState,
			fmt.Sprintf("Project %s does not exist", call.Scope.ProjectID),
			"Create it first with update_project_state",
			map[string]any{"reason": backend.ReasonProjectNotFound, "projectId": call.Scope.ProjectID})
	}

	detail, _ := payload["detail"].(string)
	data := map[string]any{
		"projectId":   call.Scope.ProjectID,
		"workspaceId": call.Scope.WorkspaceID,
		"revision":    record.Revision,
		"updatedAt":   record.UpdatedAt,
	}
	resp := &backend.ToolResponse{OK: true, Data: map[string]any{"project": data}, Revision: record.Revision}
	if detail != "summary" {
		data["state"] = json.RawMessage(record.State)
		resp.State = record.State
	}
	return resp
}

func (e *Engine) updateProjectState(ctx context.Context, payload map[string]any, call backend.CallContext) *backend.ToolResponse {
	stateVal, ok := payload["state"]
	if !ok {
		return backend.Fail(backend.CodeInvalidPayload, "update_project_state requires a state object")
	}
	newState, err := json.Marshal(stateVal)
	if err != nil {
		return backend.Fail(backend.CodeInvalidPayload, fmt.Sprintf("State is not serializable: %v", err))
	}

	current, err := e.repo.Find(ctx, call.Scope)
	if err != nil {
		return backend.Fail(backend.CodeIOError, fmt.Sprintf("Failed to load project: %v", err))
	}

	if current == nil {
		return e.createProject(ctx, newState, call)
	}

	ifRevision, present := payload["ifRevision"].(string)
	if !present {
		return backend.FailWith(backend.CodeInvalidState,
			"update_project_state on an existing project requires ifRevision",
			"Fetch the current revision with get_project_state and retry with ifRevision set",
			map[string]any{"reason": backend.ReasonMissingIfRevision, "current": current.Revision})
	}
	if ifRevision != current.Revision {
		return backend.FailWith(backend.CodeInvalidState,
			fmt.Sprintf("Revision mismatch: expected %s, project is at %s", ifRevision, current.Revision),
			"Re-read the project state and retry against the current revision",
			map[string]any{"reason": backend.ReasonRevisionMismatch, "expected": ifRevision, "current": current.Revision})
	}
	if bytes.Equal(project.NormalizeJSON(current.State), project.NormalizeJSON(newState)) {
		resp := backend.Fail(backend.CodeNoChange, "Update produced no observable change")
		resp.Revision = current.Revision
		return resp
	}

	next := &project.Record{
		Scope:     call.Scope,
		Revision:  newRevision(),
		State:     newState,
		CreatedAt: current.CreatedAt,
	}
	saved, err := e.repo.SaveIfRevision(ctx, next, &ifRevision)
	if err != nil {
		if errors.Is(err, project.ErrLockTimeout) {
			return backend.FailWith(backend.CodeInvalidState,
				"Could not acquire the project document lock in time",
				"Retry the call once the concurrent writer finishes",
				map[string]any{"reason": backend.ReasonLockTimeout})
		}
		return backend.Fail(backend.CodeIOError, fmt.Sprintf("Failed to save project: %v", err))
	}
	if !saved {
		latest, _ := e.repo.Find(ctx, call.Scope)
		currentRev := ""
		if latest != nil {
			currentRev = latest.Revision
		}
		return backend.FailWith(backend.CodeInvalidState,
			"Revision mismatch: the project changed during the update",
			"Re-read the project state and retry against the current revision",
			map[string]any{"reason": backend.ReasonRevisionMismatch, "expected": ifRevision, "current": currentRev})
	}

	e.emitSnapshot(call.Scope)
	return &backend.ToolResponse{
		OK:       true,
		Data:     map[string]any{"revision": next.Revision},
		Revision: next.Revision,
		State:    newState,
		Diff:     project.StateDiff(current.State, newState),
	}
}

func (e *Engine) createProject(ctx context.Context, state json.RawMessage, call backend.CallContext) *backend.ToolResponse {
	record := &project.Record{Scope: call.Scope, Revision: newRevision(), State: state}
	created, err := e.repo.SaveIfRevision(ctx, record, nil)
	if err != nil {
		return backend.Fail(backend.CodeIOError, fmt.Sprintf("Failed to create project: %v", err))
	}
	if !created {
		// Lost a create race; the caller must now supply ifRevision.
		latest, _ := e.repo.Find(ctx, call.Scope)
		currentRev := ""
		if latest != nil {
			currentRev = latest.Revision
		}
		return backend.FailWith(backend.CodeInvalidState,
			"Project was created concurrently",
			"Retry with ifRevision set to the current revision",
			map[string]any{"reason": backend.ReasonRevisionMismatch, "current": currentRev})
	}

	e.emitSnapshot(call.Scope)
	return &backend.ToolResponse{
		OK:       true,
		Data:     map[string]any{"revision": record.Revision, "created": true},
		Revision: record.Revision,
		State:    state,
	}
}

func (e *Engine) resetProject(ctx context.Context, call backend.CallContext) *backend.ToolResponse {
	record, err := e.repo.Find(ctx, call.Scope)
	if err != nil {
		return backend.Fail(backend.CodeIOError, fmt.Sprintf("Failed to load project: %v", err))
	}
	if record == nil {
		return backend.Fail(backend.CodeNoChange, fmt.Sprintf("Project %s does not exist", call.Scope.ProjectID))
	}
	if err := e.repo.Remove(ctx, call.Scope); err != nil {
		return backend.Fail(backend.CodeIOError, fmt.Sprintf("Failed to reset project: %v", err))
	}

	e.emitSnapshot(call.Scope)
	return backend.Ok(map[string]any{"projectId": call.Scope.ProjectID, "reset": true})
}

func (e *Engine) renderPreview(payload map[string]any, call backend.CallContext) *backend.ToolResponse {
	width := intArg(payload, "width", defaultPreviewSize)
	height := intArg(payload, "height", defaultPreviewSize)
	if width < 1 || width > maxPreviewSize || height < 1 || height > maxPreviewSize {
		return backend.Fail(backend.CodeInvalidPayload,
			fmt.Sprintf("Preview dimensions must be within 1..%d", maxPreviewSize))
	}

	jobPayload, _ := json.Marshal(map[string]any{"width": width, "height": height})
	job, err := e.queue.Submit(jobs.SubmitInput{
		WorkspaceID: call.Scope.WorkspaceID,
		ProjectID:   call.Scope.ProjectID,
		Kind:        JobKindRenderPreview,
		Payload:     jobPayload,
	})
	if err != nil {
		return backend.Fail(backend.CodeIOError, fmt.Sprintf("Failed to submit render job: %v", err))
	}

	resp := backend.Ok(map[string]any{"jobId": job.ID, "status": string(job.Status)})
	resp.NextActions = []backend.NextAction{{Tool: "get_job_status", Args: map[string]any{"jobId": job.ID}}}
	return resp
}

func (e *Engine) getJobStatus(payload map[string]any) *backend.ToolResponse {
	jobID, _ := payload["jobId"].(string)
	job := e.queue.Get(jobID)
	if job == nil {
		return backend.Fail(backend.CodeInvalidState, fmt.Sprintf("Job %s does not exist", jobID))
	}
	return backend.Ok(map[string]any{"job": job})
}

// Capabilities returns the engine capabilities envelope.
func (e *Engine) Capabilities() map[string]any {
	registry := map[string]any{"hash": "", "count": 0}
	if e.ToolRegistryInfo != nil {
		hash, count := e.ToolRegistryInfo()
		registry["hash"] = hash
		registry["count"] = count
	}
	return map[string]any{
		"pluginVersion":     "1.0.0",
		"toolSchemaVersion": "2024-12-01",
		"blockbenchVersion": "",
		"limits": map[string]any{
			"maxCubes":            LimitMaxCubes,
			"maxTextureSize":      LimitMaxTextureSize,
			"maxAnimationSeconds": LimitMaxAnimationSeconds,
		},
		"toolRegistry": registry,
		"authoring":    []string{"project_state", "preview"},
		"formats":      []string{"json"},
	}
}

// ExecuteJob implements backend.Backend for the worker pool.
func (e *Engine) ExecuteJob(ctx context.Context, job *jobs.Job) (json.RawMessage, error) {
	switch job.Kind {
	case JobKindRenderPreview:
		return e.executeRenderPreview(ctx, job)
	default:
		return nil, fmt.Errorf("unsupported job kind %s", job.Kind)
	}
}

func (e *Engine) executeRenderPreview(ctx context.Context, job *jobs.Job) (json.RawMessage, error) {
	var params struct {
		Width  int `json:"width"`
		Height int `json:"height"`
	}
	if err := json.Unmarshal(job.Payload, &params); err != nil {
		return nil, fmt.Errorf("bad render payload: %w", err)
	}

	scope := project.Scope{TenantID: project.DefaultTenant, WorkspaceID: job.WorkspaceID, ProjectID: job.ProjectID}
	record, err := e.repo.Find(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("load project for render: %w", err)
	}
	if record == nil {
		return nil, fmt.Errorf("project %s does not exist", job.ProjectID)
	}

	ptr := blob.Pointer{
		Bucket: PreviewBucket,
		Key:    fmt.Sprintf("%s/%s/%s.png", job.WorkspaceID, job.ProjectID, job.ID),
	}
	err = e.blobs.Put(ctx, ptr, &blob.Blob{
		Bytes:       renderBytes(record, params.Width, params.Height),
		ContentType: "image/png",
		Metadata: map[string]string{
			"revision": record.Revision,
			"width":    fmt.Sprint(params.Width),
			"height":   fmt.Sprint(params.Height),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store preview: %w", err)
	}

	logger.Info("rendered preview for %s/%s at %dx%d", job.WorkspaceID, job.ProjectID, params.Width, params.Height)
	result, err := json.Marshal(map[string]any{
		"blob":     ptr,
		"width":    params.Width,
		"height":   params.Height,
		"revision": record.Revision,
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// renderBytes produces a deterministic stand-in image for a project
// revision. A real deployment swaps this for a rasterizer.
func renderBytes(record *project.Record, width, height int) []byte {
	header := fmt.Sprintf("MGPREVIEW %s %s %dx%d\n", record.Scope.ProjectID, record.Revision, width, height)
	return append([]byte(header), record.State...)
}

func (e *Engine) emitSnapshot(scope project.Scope) {
	if e.snap != nil {
		e.snap.EmitSnapshot(scope.WorkspaceID, scope.ProjectID)
	}
}

func intArg(payload map[string]any, key string, fallback int) int {
	if v, ok := payload[key].(float64); ok {
		return int(v)
	}
	return fallback
}

func newRevision() string {
	return "rev_" + uuid.New().String()[:8]
}
