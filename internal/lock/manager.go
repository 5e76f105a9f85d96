// Package lock implements the TTL-bounded per-project exclusive lock that
// serializes mutating tool calls.
package lock

import (
	"fmt"
	"sync"
	"time"

	"github.com/ashfox/meshgate/internal/clock"
	"github.com/ashfox/meshgate/internal/logger"
	"github.com/ashfox/meshgate/internal/metrics"
	"github.com/google/uuid"
)

// TTL normalization bounds.
const (
	DefaultTTL = 30 * time.Second
	MinTTL     = 5 * time.Second
	MaxTTL     = 300 * time.Second
)

// ModeMCP marks locks taken by the MCP dispatcher.
const ModeMCP = "mcp"

// Lock is an advisory exclusive lease on a project. Identity is the
// (OwnerAgentID, OwnerSessionID) pair; Token is a capability handed back
// to the client, not the key the dispatcher matches on.
type Lock struct {
	WorkspaceID    string    `json:"workspaceId"`
	ProjectID      string    `json:"projectId"`
	OwnerAgentID   string    `json:"ownerAgentId"`
	OwnerSessionID string    `json:"ownerSessionId,omitempty"`
	Token          string    `json:"token"`
	AcquiredAt     time.Time `json:"acquiredAt"`
	HeartbeatAt    time.Time `json:"heartbeatAt"`
	ExpiresAt      time.Time `json:"expiresAt"`
	Mode           string    `json:"mode"`
}

func (l *Lock) clone() *Lock {
	if l == nil {
		return nil
	}
	out := *l
	return &out
}

func (l *Lock) sameOwner(agentID, sessionID string) bool {
	return l.OwnerAgentID == agentID && l.OwnerSessionID == sessionID
}

// ConflictError reports an active lock held by a different owner.
type ConflictError struct {
	OwnerAgentID   string
	OwnerSessionID string
	ExpiresAt      time.Time
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("project locked by agent %s until %s", e.OwnerAgentID, e.ExpiresAt.Format(time.RFC3339))
}

// Sink observes lock state changes so a project snapshot can be emitted.
// A nil lock means the project is now unlocked.
type Sink interface {
	LockChanged(workspaceID, projectID string, lock *Lock)
}

// Manager holds the in-process lock table.
type Manager struct {
	mu    sync.Mutex
	locks map[string]*Lock
	clock clock.Clock
	sink  Sink
}

// NewManager creates a lock manager. A nil clk uses the system clock;
// a nil sink disables snapshot notifications.
func NewManager(clk clock.Clock, sink Sink) *Manager {
	if clk == nil {
		clk = clock.System{}
	}
	return &Manager{locks: make(map[string]*Lock), clock: clk, sink: sink}
}

func lockKey(workspaceID, projectID string) string {
	return workspaceID + "/" + projectID
}

// NormalizeTTL applies the default and clamps to [MinTTL, MaxTTL].
func NormalizeTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultTTL
	}
	if ttl < MinTTL {
		return MinTTL
	}
	if ttl > MaxTTL {
		return MaxTTL
	}
	return ttl
}

// Acquire takes or renews the project lock for the given owner. A re-acquire
// by the same owner renews ExpiresAt while preserving AcquiredAt and Token.
// An active lock held by another owner fails with *ConflictError.
func (m *Manager) Acquire(workspaceID, projectID, ownerAgentID, ownerSessionID string, ttl time.Duration) (*Lock, error) {
	ttl = NormalizeTTL(ttl)

	m.mu.Lock()
	now := m.clock.Now()
	released := m.sweepLocked(now)
	key := lockKey(workspaceID, projectID)

	if held, ok := m.locks[key]; ok {
		if !held.sameOwner(ownerAgentID, ownerSessionID) {
			conflict := &ConflictError{
				OwnerAgentID:   held.OwnerAgentID,
				OwnerSessionID: held.OwnerSessionID,
				ExpiresAt:      held.ExpiresAt,
			}
			m.mu.Unlock()
			m.notifyAll(released)
			metrics.LockConflicts.Inc()
			return nil, conflict
		}
		held.HeartbeatAt = now
		held.ExpiresAt = now.Add(ttl)
		out := held.clone()
		m.mu.Unlock()
		m.notifyAll(released)
		m.notify(workspaceID, projectID, out)
		return out, nil
	}

	created := &Lock{
		WorkspaceID:    workspaceID,
		ProjectID:      projectID,
		OwnerAgentID:   ownerAgentID,
		OwnerSessionID: ownerSessionID,
		Token:          uuid.New().String(),
		AcquiredAt:     now,
		HeartbeatAt:    now,
		ExpiresAt:      now.Add(ttl),
		Mode:           ModeMCP,
	}
	m.locks[key] = created
	out := created.clone()
	m.mu.Unlock()
	m.notifyAll(released)
	m.notify(workspaceID, projectID, out)
	return out, nil
}

// Renew extends the lock if it is held by this owner; returns nil when the
// lock is absent or owned by someone else.
func (m *Manager) Renew(workspaceID, projectID, ownerAgentID, ownerSessionID string, ttl time.Duration) *Lock {
	ttl = NormalizeTTL(ttl)

	m.mu.Lock()
	now := m.clock.Now()
	released := m.sweepLocked(now)
	held, ok := m.locks[lockKey(workspaceID, projectID)]
	if !ok || !held.sameOwner(ownerAgentID, ownerSessionID) {
		m.mu.Unlock()
		m.notifyAll(released)
		return nil
	}
	held.HeartbeatAt = now
	held.ExpiresAt = now.Add(ttl)
	out := held.clone()
	m.mu.Unlock()
	m.notifyAll(released)
	m.notify(workspaceID, projectID, out)
	return out
}

// Release removes the lock only when the owner matches.
func (m *Manager) Release(workspaceID, projectID, ownerAgentID, ownerSessionID string) bool {
	m.mu.Lock()
	key := lockKey(workspaceID, projectID)
	held, ok := m.locks[key]
	if !ok || !held.sameOwner(ownerAgentID, ownerSessionID) {
		m.mu.Unlock()
		return false
	}
	delete(m.locks, key)
	m.mu.Unlock()
	m.notify(workspaceID, projectID, nil)
	return true
}

// ReleaseByOwner releases all locks held by the agent; with a non-empty
// sessionID only locks bound to that session are released. Used when a
// session terminates.
func (m *Manager) ReleaseByOwner(ownerAgentID, ownerSessionID string) int {
	m.mu.Lock()
	var released []*Lock
	for key, held := range m.locks {
		if held.OwnerAgentID != ownerAgentID {
			continue
		}
		if ownerSessionID != "" && held.OwnerSessionID != ownerSessionID {
			continue
		}
		delete(m.locks, key)
		released = append(released, held)
	}
	m.mu.Unlock()
	m.notifyAll(released)
	if len(released) > 0 {
		logger.Info("released %d project lock(s) for agent %s", len(released), ownerAgentID)
	}
	return len(released)
}

// Get returns the active lock for a project, or nil. Expired locks are
// swept first.
func (m *Manager) Get(workspaceID, projectID string) *Lock {
	m.mu.Lock()
	released := m.sweepLocked(m.clock.Now())
	out := m.locks[lockKey(workspaceID, projectID)].clone()
	m.mu.Unlock()
	m.notifyAll(released)
	return out
}

// SweepExpired releases every expired lock and returns how many were
// reclaimed. The janitor calls this periodically; Acquire/Renew/Get also
// sweep inline.
func (m *Manager) SweepExpired() int {
	m.mu.Lock()
	released := m.sweepLocked(m.clock.Now())
	m.mu.Unlock()
	m.notifyAll(released)
	return len(released)
}

// sweepLocked removes expired locks. Callers must hold m.mu; the released
// locks are returned so notifications can run outside the mutex.
func (m *Manager) sweepLocked(now time.Time) []*Lock {
	var released []*Lock
	for key, held := range m.locks {
		if !held.ExpiresAt.After(now) {
			delete(m.locks, key)
			released = append(released, held)
		}
	}
	return released
}

func (m *Manager) notify(workspaceID, projectID string, lock *Lock) {
	if m.sink != nil {
		m.sink.LockChanged(workspaceID, projectID, lock)
	}
}

func (m *Manager) notifyAll(released []*Lock) {
	for _, l := range released {
		m.notify(l.WorkspaceID, l.ProjectID, nil)
	}
}
