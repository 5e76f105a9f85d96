package workspace

import (
	"context"
	"fmt"
	"slices"
)

// Denial reasons surfaced to callers.
const (
	ReasonWorkspaceNotFound  = "workspace_not_found"
	ReasonForbiddenWorkspace = "forbidden_workspace_project_write"
	ReasonForbiddenFolder    = "forbidden_folder_write"

	ReasonForbiddenWorkspaceRead = "forbidden_workspace_project_read"
	ReasonForbiddenFolderRead    = "forbidden_folder_read"
)

// Actor is the identity a policy decision is made for.
type Actor struct {
	AccountID   string
	SystemRoles []string
}

func (a Actor) isSystemAdmin() bool {
	return slices.Contains(a.SystemRoles, SystemRoleAdmin)
}

// Decision is the policy verdict. When OK is false, Reason carries one of
// the Reason* constants and FolderID the folder that denied, if any.
type Decision struct {
	OK          bool
	Reason      string
	WorkspaceID string
	FolderID    string
}

func allow() Decision { return Decision{OK: true} }

func deny(reason, workspaceID, folderID string) Decision {
	return Decision{Reason: reason, WorkspaceID: workspaceID, FolderID: folderID}
}

// Engine evaluates read/write access against a workspace repository.
type Engine struct {
	repo Repository
}

func NewEngine(repo Repository) *Engine {
	return &Engine{repo: repo}
}

// AuthorizeWrite decides whether the actor may mutate a project. folderPath
// is the ordered folder ids from the root to the target folder; an empty
// path means the project lives at the workspace root.
func (e *Engine) AuthorizeWrite(ctx context.Context, workspaceID string, folderPath []string, actor Actor) (Decision, error) {
	return e.authorize(ctx, workspaceID, folderPath, actor, false)
}

// AuthorizeRead is AuthorizeWrite for read access.
func (e *Engine) AuthorizeRead(ctx context.Context, workspaceID string, folderPath []string, actor Actor) (Decision, error) {
	return e.authorize(ctx, workspaceID, folderPath, actor, true)
}

func (e *Engine) authorize(ctx context.Context, workspaceID string, folderPath []string, actor Actor, read bool) (Decision, error) {
	ws, err := e.repo.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return Decision{}, fmt.Errorf("load workspace %s: %w", workspaceID, err)
	}
	if ws == nil {
		return deny(ReasonWorkspaceNotFound, workspaceID, ""), nil
	}
	if ws.Mode == ModeAllOpen || actor.isSystemAdmin() {
		return allow(), nil
	}

	roles, err := e.memberRoles(ctx, workspaceID, actor.AccountID)
	if err != nil {
		return Decision{}, err
	}
	if len(roles) == 0 {
		if read {
			return deny(ReasonForbiddenWorkspaceRead, workspaceID, ""), nil
		}
		return deny(ReasonForbiddenWorkspace, workspaceID, ""), nil
	}

	acls, err := e.repo.ListFolderACLs(ctx, workspaceID)
	if err != nil {
		return Decision{}, fmt.Errorf("load folder ACLs for %s: %w", workspaceID, err)
	}

	// Walk root-first; the deepest folder that specifies an effect wins,
	// with deny beating allow at the same depth. Nothing specified means
	// membership alone grants access.
	effect := EffectAllow
	deniedAt := ""
	for depth := 0; depth <= len(folderPath); depth++ {
		var folderID *string
		if depth > 0 {
			folderID = &folderPath[depth-1]
		}
		verdict, specified := levelEffect(acls, folderID, roles, read)
		if !specified {
			continue
		}
		effect = verdict
		if verdict == EffectDeny && folderID != nil {
			deniedAt = *folderID
		} else {
			deniedAt = ""
		}
	}

	if effect == EffectDeny {
		if read {
			return deny(ReasonForbiddenFolderRead, workspaceID, deniedAt), nil
		}
		return deny(ReasonForbiddenFolder, workspaceID, deniedAt), nil
	}
	return allow(), nil
}

// levelEffect evaluates the ACL rows for one folder level against the
// actor's roles. Deny wins over allow at the same level.
func levelEffect(acls []*FolderACL, folderID *string, roles []string, read bool) (Effect, bool) {
	sawAllow := false
	for _, acl := range acls {
		if !sameFolder(acl.FolderID, folderID) || !slices.Contains(roles, acl.RoleID) {
			continue
		}
		effect := acl.Write
		if read {
			effect = acl.Read
		}
		switch effect {
		case EffectDeny:
			return EffectDeny, true
		case EffectAllow:
			sawAllow = true
		}
	}
	if sawAllow {
		return EffectAllow, true
	}
	return "", false
}

func sameFolder(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// EffectivePermissions returns the union of permission strings granted by
// the actor's roles in the workspace. In an all_open workspace, or for a
// system admin, every listed role's permissions apply.
func (e *Engine) EffectivePermissions(ctx context.Context, workspaceID string, actor Actor) ([]string, error) {
	ws, err := e.repo.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("load workspace %s: %w", workspaceID, err)
	}
	if ws == nil {
		return nil, nil
	}

	roles, err := e.repo.ListRoles(ctx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("load roles for %s: %w", workspaceID, err)
	}

	wide := ws.Mode == ModeAllOpen || actor.isSystemAdmin()
	var memberRoles []string
	if !wide {
		memberRoles, err = e.memberRoles(ctx, workspaceID, actor.AccountID)
		if err != nil {
			return nil, err
		}
	}

	seen := make(map[string]bool)
	var out []string
	for _, role := range roles {
		if !wide && !slices.Contains(memberRoles, role.RoleID) {
			continue
		}
		for _, perm := range role.Permissions {
			if !seen[perm] {
				seen[perm] = true
				out = append(out, perm)
			}
		}
	}
	return out, nil
}

func (e *Engine) memberRoles(ctx context.Context, workspaceID, accountID string) ([]string, error) {
	member, err := e.repo.GetMember(ctx, workspaceID, accountID)
	if err != nil {
		return nil, fmt.Errorf("load member %s in %s: %w", accountID, workspaceID, err)
	}
	if member == nil {
		return nil, nil
	}
	return member.RoleIDs, nil
}
