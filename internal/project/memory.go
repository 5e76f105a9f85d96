package project

import (
	"context"
	"sync"
	"time"

	"github.com/ashfox/meshgate/internal/clock"
	"github.com/google/uuid"
)

// Options configures repository document-lock behavior. Writes guarded by
// SaveIfRevision take a short-lived per-scope document lock; a concurrent
// holder is waited out with polling up to LockTimeout.
type Options struct {
	LockTimeout time.Duration
	LockRetry   time.Duration
	LockTTL     time.Duration
	Clock       clock.Clock
	Sleeper     clock.Sleeper
}

func (o Options) withDefaults() Options {
	if o.LockTimeout <= 0 {
		o.LockTimeout = 10 * time.Second
	}
	if o.LockRetry <= 0 {
		o.LockRetry = 100 * time.Millisecond
	}
	if o.LockTTL <= 0 {
		o.LockTTL = 5 * time.Second
	}
	if o.Clock == nil {
		o.Clock = clock.System{}
	}
	if o.Sleeper == nil {
		o.Sleeper = clock.System{}
	}
	return o
}

type docLock struct {
	token     string
	expiresAt time.Time
}

// MemoryRepository is an in-process Repository used by tests and by
// single-node deployments that do not need durability.
type MemoryRepository struct {
	mu      sync.Mutex
	records map[string]*Record
	locks   map[string]docLock
	opts    Options
}

// NewMemoryRepository creates an in-memory project repository.
func NewMemoryRepository(opts Options) *MemoryRepository {
	return &MemoryRepository{
		records: make(map[string]*Record),
		locks:   make(map[string]docLock),
		opts:    opts.withDefaults(),
	}
}

// Find returns the record for scope, or nil if absent.
func (m *MemoryRepository) Find(ctx context.Context, scope Scope) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[scope.Key()].Clone(), nil
}

// Save upserts unconditionally, preserving CreatedAt for existing records.
func (m *MemoryRepository) Save(ctx context.Context, record *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.opts.Clock.Now()
	stored := record.Clone()
	if existing, ok := m.records[record.Scope.Key()]; ok {
		stored.CreatedAt = existing.CreatedAt
	} else if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	m.records[record.Scope.Key()] = stored
	return nil
}

// SaveIfRevision implements compare-and-set under a per-scope document lock.
func (m *MemoryRepository) SaveIfRevision(ctx context.Context, record *Record, expected *string) (bool, error) {
	token, err := m.acquireDocLock(ctx, record.Scope)
	if err != nil {
		return false, err
	}
	defer m.releaseDocLock(record.Scope, token)

	m.mu.Lock()
	defer m.mu.Unlock()

	key := record.Scope.Key()
	existing := m.records[key]
	now := m.opts.Clock.Now()

	if expected == nil {
		if existing != nil {
			return false, nil
		}
		stored := record.Clone()
		if stored.CreatedAt.IsZero() {
			stored.CreatedAt = now
		}
		stored.UpdatedAt = now
		m.records[key] = stored
		return true, nil
	}

	if existing == nil || existing.Revision != *expected {
		return false, nil
	}
	stored := record.Clone()
	stored.CreatedAt = existing.CreatedAt
	stored.UpdatedAt = now
	m.records[key] = stored
	return true, nil
}

// Remove deletes the record for scope if present.
func (m *MemoryRepository) Remove(ctx context.Context, scope Scope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, scope.Key())
	return nil
}

// InstallDocLock installs a document lock directly; used by tests and by
// operators recovering from a crashed writer.
func (m *MemoryRepository) InstallDocLock(scope Scope, token string, expiresAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locks[scope.Key()] = docLock{token: token, expiresAt: expiresAt}
}

// acquireDocLock takes the per-scope document lock, overwriting any expired
// holder, polling until the configured timeout.
func (m *MemoryRepository) acquireDocLock(ctx context.Context, scope Scope) (string, error) {
	deadline := m.opts.Clock.Now().Add(m.opts.LockTimeout)
	key := scope.Key()

	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		m.mu.Lock()
		now := m.opts.Clock.Now()
		held, ok := m.locks[key]
		if !ok || !held.expiresAt.After(now) {
			token := uuid.New().String()
			m.locks[key] = docLock{token: token, expiresAt: now.Add(m.opts.LockTTL)}
			m.mu.Unlock()
			return token, nil
		}
		m.mu.Unlock()

		if !m.opts.Clock.Now().Add(m.opts.LockRetry).Before(deadline) {
			return "", ErrLockTimeout
		}
		m.opts.Sleeper.Sleep(m.opts.LockRetry)
	}
}

func (m *MemoryRepository) releaseDocLock(scope Scope, token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if held, ok := m.locks[scope.Key()]; ok && held.token == token {
		delete(m.locks, scope.Key())
	}
}
