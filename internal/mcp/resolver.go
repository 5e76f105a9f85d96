package mcp

import (
	"context"
	"slices"

	"github.com/ashfox/meshgate/internal/auth"
	"github.com/ashfox/meshgate/internal/logger"
	"github.com/ashfox/meshgate/internal/workspace"
)

// Resolver computes the tool set a principal may see. It is consulted
// on every tools/list AND every tools/call, so permission changes are
// visible on the very next request.
type Resolver struct {
	registry   *Registry
	policy     *workspace.Engine
	workspaces workspace.Repository
}

// NewResolver creates a resolver over the registry and workspace policy.
func NewResolver(registry *Registry, policy *workspace.Engine, workspaces workspace.Repository) *Resolver {
	return &Resolver{registry: registry, policy: policy, workspaces: workspaces}
}

// ToolsFor returns the visible tool definitions for a principal, in
// registration order. System admins see the full registry, workspace
// members a permission-filtered subset, service keys only service
// tools, and anonymous principals nothing.
func (r *Resolver) ToolsFor(ctx context.Context, principal *auth.Principal) []*ToolDef {
	all := r.registry.GetAllTools()

	switch {
	case principal == nil || principal.Anonymous:
		return nil
	case principal.IsSystemAdmin():
		return all
	case principal.IsService():
		tools := make([]*ToolDef, 0)
		for _, def := range all {
			if def.ServiceOnly {
				tools = append(tools, def)
			}
		}
		return tools
	}

	perms := r.permissions(ctx, principal)
	tools := make([]*ToolDef, 0, len(all))
	for _, def := range all {
		if def.ServiceOnly {
			continue
		}
		if def.Permission == "" || slices.Contains(perms, def.Permission) {
			tools = append(tools, def)
		}
	}
	return tools
}

// Visible reports whether the named tool is in the principal's current
// registry view.
func (r *Resolver) Visible(ctx context.Context, principal *auth.Principal, name string) bool {
	for _, def := range r.ToolsFor(ctx, principal) {
		if def.Name == name {
			return true
		}
	}
	return false
}

// permissions resolves the principal's effective workspace permissions.
// All-open workspaces grant the full permission set implicitly.
func (r *Resolver) permissions(ctx context.Context, principal *auth.Principal) []string {
	workspaceID := principal.WorkspaceID
	if workspaceID == "" {
		workspaceID = workspace.DefaultWorkspaceID
	}

	ws, err := r.workspaces.GetWorkspace(ctx, workspaceID)
	if err != nil {
		logger.Warn("workspace lookup for %s failed: %v", workspaceID, err)
		return nil
	}
	if ws != nil && ws.Mode == workspace.ModeAllOpen {
		return []string{PermissionRead, PermissionManage}
	}

	actor := workspace.Actor{AccountID: principal.AccountID, SystemRoles: principal.SystemRoles}
	perms, err := r.policy.EffectivePermissions(ctx, workspaceID, actor)
	if err != nil {
		logger.Warn("effective permissions for %s in %s failed: %v", principal.AccountID, workspaceID, err)
		return nil
	}
	return perms
}
