package workspace

import (
	"context"
	"sync"

	"github.com/ashfox/meshgate/internal/clock"
	"github.com/ashfox/meshgate/internal/project"
)

// MemoryRepository is the in-process workspace store used by tests and
// single-node deployments without a data directory.
type MemoryRepository struct {
	mu         sync.RWMutex
	workspaces map[string]*Workspace
	roles      map[string]map[string]*Role   // workspaceID -> roleID
	members    map[string]map[string]*Member // workspaceID -> accountID
	acls       map[string][]*FolderACL
	clock      clock.Clock
}

// NewMemoryRepository creates a memory store seeded with the default
// all_open workspace. A nil clk uses the system clock.
func NewMemoryRepository(clk clock.Clock) *MemoryRepository {
	if clk == nil {
		clk = clock.System{}
	}
	r := &MemoryRepository{
		workspaces: make(map[string]*Workspace),
		roles:      make(map[string]map[string]*Role),
		members:    make(map[string]map[string]*Member),
		acls:       make(map[string][]*FolderACL),
		clock:      clk,
	}
	now := clk.Now()
	r.workspaces[DefaultWorkspaceID] = &Workspace{
		ID:        DefaultWorkspaceID,
		TenantID:  project.DefaultTenant,
		Name:      "Default Workspace",
		Mode:      ModeAllOpen,
		CreatedBy: "system",
		CreatedAt: now,
		UpdatedAt: now,
	}
	return r
}

func (r *MemoryRepository) CreateWorkspace(_ context.Context, ws *Workspace) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := *ws
	now := r.clock.Now()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	r.workspaces[stored.ID] = &stored
	return nil
}

func (r *MemoryRepository) GetWorkspace(_ context.Context, id string) (*Workspace, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ws, ok := r.workspaces[id]
	if !ok {
		return nil, nil
	}
	out := *ws
	return &out, nil
}

func (r *MemoryRepository) ListWorkspacesByAccount(_ context.Context, accountID string) ([]*Workspace, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Workspace
	for wsID, members := range r.members {
		if _, ok := members[accountID]; !ok {
			continue
		}
		if ws, ok := r.workspaces[wsID]; ok {
			copied := *ws
			out = append(out, &copied)
		}
	}
	if len(out) == 0 {
		if ws, ok := r.workspaces[DefaultWorkspaceID]; ok {
			copied := *ws
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (r *MemoryRepository) DeleteWorkspace(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.workspaces, id)
	delete(r.roles, id)
	delete(r.members, id)
	delete(r.acls, id)
	return nil
}

func (r *MemoryRepository) UpsertRole(_ context.Context, role *Role) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.roles[role.WorkspaceID] == nil {
		r.roles[role.WorkspaceID] = make(map[string]*Role)
	}
	stored := *role
	stored.Permissions = append([]string(nil), role.Permissions...)
	r.roles[role.WorkspaceID][role.RoleID] = &stored
	return nil
}

func (r *MemoryRepository) ListRoles(_ context.Context, workspaceID string) ([]*Role, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Role
	for _, role := range r.roles[workspaceID] {
		copied := *role
		copied.Permissions = append([]string(nil), role.Permissions...)
		out = append(out, &copied)
	}
	return out, nil
}

func (r *MemoryRepository) UpsertMember(_ context.Context, member *Member) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.members[member.WorkspaceID] == nil {
		r.members[member.WorkspaceID] = make(map[string]*Member)
	}
	stored := *member
	stored.RoleIDs = append([]string(nil), member.RoleIDs...)
	if stored.JoinedAt.IsZero() {
		stored.JoinedAt = r.clock.Now()
	}
	r.members[member.WorkspaceID][member.AccountID] = &stored
	return nil
}

func (r *MemoryRepository) GetMember(_ context.Context, workspaceID, accountID string) (*Member, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	member, ok := r.members[workspaceID][accountID]
	if !ok {
		return nil, nil
	}
	copied := *member
	copied.RoleIDs = append([]string(nil), member.RoleIDs...)
	return &copied, nil
}

func (r *MemoryRepository) RemoveMember(_ context.Context, workspaceID, accountID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.members[workspaceID], accountID)
	return nil
}

func (r *MemoryRepository) UpsertFolderACL(_ context.Context, acl *FolderACL) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := *acl
	if acl.FolderID != nil {
		folder := *acl.FolderID
		stored.FolderID = &folder
	}

	// One row per (folder, role); later upserts replace earlier ones.
	rows := r.acls[acl.WorkspaceID]
	for i, existing := range rows {
		if sameFolder(existing.FolderID, acl.FolderID) && existing.RoleID == acl.RoleID {
			rows[i] = &stored
			return nil
		}
	}
	r.acls[acl.WorkspaceID] = append(rows, &stored)
	return nil
}

func (r *MemoryRepository) ListFolderACLs(_ context.Context, workspaceID string) ([]*FolderACL, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*FolderACL, 0, len(r.acls[workspaceID]))
	for _, acl := range r.acls[workspaceID] {
		copied := *acl
		if acl.FolderID != nil {
			folder := *acl.FolderID
			copied.FolderID = &folder
		}
		out = append(out, &copied)
	}
	return out, nil
}
