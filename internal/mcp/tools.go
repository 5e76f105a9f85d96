package mcp

import (
	"context"

	"github.com/ashfox/meshgate/internal/backend"
	"github.com/ashfox/meshgate/internal/dispatch"
	"github.com/ashfox/meshgate/internal/jobs"
	"github.com/ashfox/meshgate/internal/session"
	"github.com/ashfox/meshgate/internal/workspace"
)

// Workspace permissions gating tool visibility.
const (
	PermissionRead   = "read"
	PermissionManage = "manage"
)

type getProjectStateParams struct {
	ProjectID    string `json:"projectId,omitempty" description:"project id; omit to use the default project"`
	Project      string `json:"project,omitempty" description:"human project name, hashed onto a stable id"`
	Backend      string `json:"backend,omitempty" description:"backend kind; omit for the default backend"`
	Detail       string `json:"detail,omitempty" description:"full or summary"`
	IncludeState bool   `json:"includeState,omitempty"`
}

type updateProjectStateParams struct {
	State       map[string]any `json:"state" description:"full replacement project state"`
	ProjectID   string         `json:"projectId,omitempty"`
	Project     string         `json:"project,omitempty"`
	Backend     string         `json:"backend,omitempty"`
	IfRevision  string         `json:"ifRevision,omitempty" description:"expected current revision; required once the project exists"`
	FolderPath  []string       `json:"folderPath,omitempty" description:"folder path for ACL checks, root first"`
	IncludeDiff bool           `json:"includeDiff,omitempty"`
}

type resetProjectParams struct {
	ProjectID  string   `json:"projectId,omitempty"`
	Project    string   `json:"project,omitempty"`
	Backend    string   `json:"backend,omitempty"`
	FolderPath []string `json:"folderPath,omitempty"`
}

type renderPreviewParams struct {
	ProjectID   string `json:"projectId,omitempty"`
	Project     string `json:"project,omitempty"`
	Backend     string `json:"backend,omitempty"`
	Width       int    `json:"width,omitempty" description:"preview width in pixels"`
	Height      int    `json:"height,omitempty" description:"preview height in pixels"`
	MaxAttempts int    `json:"maxAttempts,omitempty" description:"job attempts, clamped to [1,10]"`
	LeaseMs     int64  `json:"leaseMs,omitempty" description:"job lease in ms, clamped to [5000,300000]"`
}

type getJobStatusParams struct {
	JobID   string `json:"jobId" description:"id returned by the submitting tool"`
	Backend string `json:"backend,omitempty"`
}

type listCapabilitiesParams struct {
	Backend string `json:"backend,omitempty"`
}

type listBackendsParams struct{}

type workspaceMetricsParams struct {
	WorkspaceID string `json:"workspaceId,omitempty"`
}

type workspaceReadDemoParams struct {
	WorkspaceID string `json:"workspaceId,omitempty"`
}

type serviceStatusParams struct{}

// CoreToolDeps carries the collaborators the locally-served tools need.
type CoreToolDeps struct {
	Backends   *backend.Registry
	Sessions   *session.Store
	Queue      *jobs.Queue
	Workspaces workspace.Repository
}

// RegisterCoreTools installs the gateway tool set: the modeling tools
// routed through the dispatcher, plus the workspace and service tools
// served locally.
func RegisterCoreTools(r *Registry, deps CoreToolDeps) {
	Register[getProjectStateParams](r, ToolDef{
		Name:        "get_project_state",
		Description: "Read a project's state and revision",
		Permission:  PermissionRead,
	}, nil)

	Register[updateProjectStateParams](r, ToolDef{
		Name:        "update_project_state",
		Description: "Replace a project's state, guarded by ifRevision",
		Permission:  PermissionManage,
	}, nil)

	Register[resetProjectParams](r, ToolDef{
		Name:        "reset_project",
		Description: "Delete a project's state",
		Permission:  PermissionManage,
	}, nil)

	Register[renderPreviewParams](r, ToolDef{
		Name:        "render_preview",
		Description: "Queue an asynchronous preview render",
		Permission:  PermissionManage,
	}, nil)

	Register[getJobStatusParams](r, ToolDef{
		Name:        "get_job_status",
		Description: "Inspect an asynchronous job",
		Permission:  PermissionRead,
	}, nil)

	Register[listCapabilitiesParams](r, ToolDef{
		Name:        "list_capabilities",
		Description: "Describe the backend's limits and formats",
		Permission:  PermissionRead,
	}, nil)

	Register[listBackendsParams](r, ToolDef{
		Name:        "list_backends",
		Description: "List registered backend kinds",
		Permission:  PermissionRead,
	}, func(ctx context.Context, args map[string]any, call dispatch.Call) *backend.ToolResponse {
		kinds := deps.Backends.ListKinds()
		defaultKind := ""
		if def := deps.Backends.Default(); def != nil {
			defaultKind = def.Kind()
		}
		return backend.Ok(map[string]any{"backends": kinds, "default": defaultKind})
	})

	Register[workspaceMetricsParams](r, ToolDef{
		Name:        "workspace_get_metrics",
		Description: "Workspace-level gateway counters",
		Permission:  PermissionManage,
	}, func(ctx context.Context, args map[string]any, call dispatch.Call) *backend.ToolResponse {
		workspaceID, _ := args["workspaceId"].(string)
		if workspaceID == "" {
			workspaceID = call.WorkspaceID
		}
		if workspaceID == "" {
			workspaceID = workspace.DefaultWorkspaceID
		}
		return backend.Ok(map[string]any{
			"workspaceId":    workspaceID,
			"activeSessions": deps.Sessions.Count(),
			"backends":       deps.Backends.ListKinds(),
		})
	})

	Register[workspaceReadDemoParams](r, ToolDef{
		Name:        "workspace_read_demo",
		Description: "Read-access smoke check",
		Permission:  PermissionRead,
	}, func(ctx context.Context, args map[string]any, call dispatch.Call) *backend.ToolResponse {
		workspaceID, _ := args["workspaceId"].(string)
		if workspaceID == "" {
			workspaceID = workspace.DefaultWorkspaceID
		}
		return backend.Ok(map[string]any{
			"workspaceId": workspaceID,
			"message":     "read access confirmed",
		})
	})

	Register[serviceStatusParams](r, ToolDef{
		Name:        "service_status",
		Description: "Gateway liveness for machine integrations",
		ServiceOnly: true,
	}, func(ctx context.Context, args map[string]any, call dispatch.Call) *backend.ToolResponse {
		return backend.Ok(map[string]any{
			"status":         "ok",
			"activeSessions": deps.Sessions.Count(),
		})
	})
}
