// Package workspace models workspaces, roles, members, and folder ACLs,
// and decides whether an account may read or write a project.
package workspace

import (
	"context"
	"time"
)

// AccessMode controls how a workspace authorizes its members.
type AccessMode string

const (
	// ModeAllOpen grants every actor full access.
	ModeAllOpen AccessMode = "all_open"
	// ModeRBAC requires membership and role-based folder ACLs.
	ModeRBAC AccessMode = "rbac"
)

// SystemRoleAdmin bypasses workspace-level authorization entirely.
const SystemRoleAdmin = "system_admin"

// DefaultWorkspaceID is seeded so accounts without memberships still see
// one all_open workspace.
const DefaultWorkspaceID = "ws_default"

// Workspace is a tenant-scoped container of projects.
type Workspace struct {
	ID        string     `json:"workspaceId"`
	TenantID  string     `json:"tenantId"`
	Name      string     `json:"name"`
	Mode      AccessMode `json:"mode"`
	CreatedBy string     `json:"createdBy"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// Role names a permission set inside one workspace.
type Role struct {
	WorkspaceID string   `json:"workspaceId"`
	RoleID      string   `json:"roleId"`
	Builtin     bool     `json:"builtin,omitempty"`
	Permissions []string `json:"permissions"`
}

// Member binds an account to roles inside one workspace.
type Member struct {
	WorkspaceID string    `json:"workspaceId"`
	AccountID   string    `json:"accountId"`
	RoleIDs     []string  `json:"roleIds"`
	JoinedAt    time.Time `json:"joinedAt"`
}

// Effect is an ACL verdict for one access kind.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// FolderACL grants or denies a role access to one folder. A nil FolderID
// targets the workspace root.
type FolderACL struct {
	WorkspaceID string  `json:"workspaceId"`
	FolderID    *string `json:"folderId"`
	RoleID      string  `json:"roleId"`
	Read        Effect  `json:"read"`
	Write       Effect  `json:"write"`
}

// Repository is the persistence port for workspace data. A workspace owns
// its roles, members, and ACL rows; deleting it cascades.
type Repository interface {
	CreateWorkspace(ctx context.Context, ws *Workspace) error
	GetWorkspace(ctx context.Context, id string) (*Workspace, error)
	ListWorkspacesByAccount(ctx context.Context, accountID string) ([]*Workspace, error)
	DeleteWorkspace(ctx context.Context, id string) error

	UpsertRole(ctx context.Context, role *Role) error
	ListRoles(ctx context.Context, workspaceID string) ([]*Role, error)

	UpsertMember(ctx context.Context, member *Member) error
	GetMember(ctx context.Context, workspaceID, accountID string) (*Member, error)
	RemoveMember(ctx context.Context, workspaceID, accountID string) error

	UpsertFolderACL(ctx context.Context, acl *FolderACL) error
	ListFolderACLs(ctx context.Context, workspaceID string) ([]*FolderACL, error)
}
