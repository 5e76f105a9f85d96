// Package auth resolves API keys to principals and guards the HTTP
// surface with per-key rate limiting.
package auth

import (
	"slices"
	"time"
)

// KeySpace says what kind of identity an API key carries.
type KeySpace string

const (
	// KeySpaceService identifies machine integrations; service keys see
	// only service tools.
	KeySpaceService KeySpace = "service"
	// KeySpaceWorkspace identifies a human account inside a workspace.
	KeySpaceWorkspace KeySpace = "workspace"
)

// SystemRoleAdmin grants unrestricted access across workspaces.
const SystemRoleAdmin = "system_admin"

// Key is a stored API key. The secret is the key id itself; it is handed
// out once at creation and never listed back in full.
type Key struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	KeySpace    KeySpace   `json:"keySpace"`
	AccountID   string     `json:"accountId"`
	WorkspaceID string     `json:"workspaceId,omitempty"`
	SystemRoles []string   `json:"systemRoles,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	LastUsedAt  *time.Time `json:"lastUsedAt,omitempty"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
}

// Principal is the authentication outcome attached to every request.
type Principal struct {
	KeySpace    KeySpace `json:"keySpace,omitempty"`
	KeyID       string   `json:"keyId,omitempty"`
	AccountID   string   `json:"accountId,omitempty"`
	WorkspaceID string   `json:"workspaceId,omitempty"`
	SystemRoles []string `json:"systemRoles,omitempty"`
	Anonymous   bool     `json:"anonymous,omitempty"`
}

// AnonymousPrincipal is what a request without credentials resolves to.
// The registry resolver decides what, if anything, it may see.
func AnonymousPrincipal() *Principal {
	return &Principal{Anonymous: true}
}

// Principal converts a validated key into its principal.
func (k *Key) Principal() *Principal {
	return &Principal{
		KeySpace:    k.KeySpace,
		KeyID:       k.ID,
		AccountID:   k.AccountID,
		WorkspaceID: k.WorkspaceID,
		SystemRoles: slices.Clone(k.SystemRoles),
	}
}

// IsSystemAdmin reports whether the principal carries the system_admin role.
func (p *Principal) IsSystemAdmin() bool {
	return p != nil && slices.Contains(p.SystemRoles, SystemRoleAdmin)
}

// IsService reports whether the principal came from a service key.
func (p *Principal) IsService() bool {
	return p != nil && p.KeySpace == KeySpaceService
}
