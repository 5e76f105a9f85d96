package project

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// DefaultTenant is the tenant dimension used when callers do not supply one.
const DefaultTenant = "default"

// ErrLockTimeout is returned when a repository-level document lock could
// not be acquired within the configured timeout.
var ErrLockTimeout = errors.New("lock acquisition timed out")

// Scope addresses a single mutable project instance.
type Scope struct {
	TenantID    string `json:"tenantId"`
	WorkspaceID string `json:"workspaceId"`
	ProjectID   string `json:"projectId"`
}

// Key returns a stable composite key for map storage.
func (s Scope) Key() string {
	return s.TenantID + "/" + s.WorkspaceID + "/" + s.ProjectID
}

// Record is the persisted state of a project: an opaque backend-owned
// state value guarded by an opaque monotonic revision tag.
type Record struct {
	Scope     Scope           `json:"scope"`
	Revision  string          `json:"revision"`
	State     json.RawMessage `json:"state"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Clone returns a deep copy safe to hand out across goroutines.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	out.State = append(json.RawMessage(nil), r.State...)
	return &out
}

// Repository is the persistence port for project records. Implementations
// treat each call as its own transaction boundary; callers never assume
// cross-call atomicity.
type Repository interface {
	// Find returns the record for scope, or nil if absent.
	Find(ctx context.Context, scope Scope) (*Record, error)

	// Save upserts unconditionally.
	Save(ctx context.Context, record *Record) error

	// SaveIfRevision is a compare-and-set. A nil expected revision means
	// create-only (fails if a record exists); otherwise the write applies
	// iff the stored revision equals expected. On success the revision,
	// state, and UpdatedAt are replaced; CreatedAt is preserved.
	SaveIfRevision(ctx context.Context, record *Record, expected *string) (bool, error)

	// Remove deletes the record for scope if present.
	Remove(ctx context.Context, scope Scope) error
}
