package lock

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ashfox/meshgate/internal/clock"
)

type recordingSink struct {
	mu      sync.Mutex
	changes []*Lock
}

func (s *recordingSink) LockChanged(workspaceID, projectID string, lock *Lock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changes = append(s.changes, lock)
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.changes)
}

func TestAcquire_ReleaseLeavesNoLock(t *testing.T) {
	m := NewManager(nil, nil)

	if _, err := m.Acquire("ws", "p1", "agent-a", "sess-1", 0); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if !m.Release("ws", "p1", "agent-a", "sess-1") {
		t.Fatal("Release returned false for the owner")
	}
	if got := m.Get("ws", "p1"); got != nil {
		t.Errorf("Get after release = %+v, want nil", got)
	}
}

func TestAcquire_SameOwnerRenews(t *testing.T) {
	fake := clock.NewFake(time.UnixMilli(1_000_000))
	m := NewManager(fake, nil)

	first, err := m.Acquire("ws", "p1", "agent-a", "sess-1", 10*time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	fake.Advance(3 * time.Second)
	second, err := m.Acquire("ws", "p1", "agent-a", "sess-1", 10*time.Second)
	if err != nil {
		t.Fatalf("re-Acquire: %v", err)
	}

	if second.Token != first.Token {
		t.Errorf("Token changed on renew: %s -> %s", first.Token, second.Token)
	}
	if !second.AcquiredAt.Equal(first.AcquiredAt) {
		t.Errorf("AcquiredAt changed on renew")
	}
	if !second.ExpiresAt.After(first.ExpiresAt) {
		t.Errorf("ExpiresAt not extended: %v -> %v", first.ExpiresAt, second.ExpiresAt)
	}
}

func TestAcquire_DifferentOwnerConflicts(t *testing.T) {
	m := NewManager(nil, nil)

	if _, err := m.Acquire("ws", "p1", "agent-a", "sess-1", 30*time.Second); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	_, err := m.Acquire("ws", "p1", "agent-b", "sess-2", 30*time.Second)
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("err = %v, want ConflictError", err)
	}
	if conflict.OwnerAgentID != "agent-a" || conflict.OwnerSessionID != "sess-1" {
		t.Errorf("conflict owner = %s/%s, want agent-a/sess-1", conflict.OwnerAgentID, conflict.OwnerSessionID)
	}

	// Same agent under a different session is a different owner too.
	if _, err := m.Acquire("ws", "p1", "agent-a", "sess-other", 30*time.Second); err == nil {
		t.Error("Acquire with a different session succeeded, want conflict")
	}
}

func TestAcquire_ReclaimAfterExpiry(t *testing.T) {
	fake := clock.NewFake(time.UnixMilli(1_000_000))
	m := NewManager(fake, nil)

	if _, err := m.Acquire("ws", "p1", "agent-a", "sess-1", 5*time.Second); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := m.Acquire("ws", "p1", "agent-b", "sess-2", 5*time.Second); err == nil {
		t.Fatal("reclaim before expiry succeeded")
	}

	fake.Advance(6 * time.Second)
	got, err := m.Acquire("ws", "p1", "agent-b", "sess-2", 5*time.Second)
	if err != nil {
		t.Fatalf("Acquire after expiry: %v", err)
	}
	if got.OwnerAgentID != "agent-b" {
		t.Errorf("owner = %s, want agent-b", got.OwnerAgentID)
	}
}

func TestRenew_NoOpWhenAbsentOrMismatched(t *testing.T) {
	m := NewManager(nil, nil)

	if got := m.Renew("ws", "p1", "agent-a", "sess-1", 0); got != nil {
		t.Errorf("Renew on absent lock = %+v, want nil", got)
	}

	_, _ = m.Acquire("ws", "p1", "agent-a", "sess-1", 0)
	if got := m.Renew("ws", "p1", "agent-b", "sess-2", 0); got != nil {
		t.Errorf("Renew by non-owner = %+v, want nil", got)
	}
	if got := m.Renew("ws", "p1", "agent-a", "sess-1", 0); got == nil {
		t.Error("Renew by owner = nil, want lock")
	}
}

func TestReleaseByOwner(t *testing.T) {
	m := NewManager(nil, nil)

	_, _ = m.Acquire("ws", "p1", "agent-a", "sess-1", 0)
	_, _ = m.Acquire("ws", "p2", "agent-a", "sess-2", 0)
	_, _ = m.Acquire("ws", "p3", "agent-b", "sess-3", 0)

	// Session-bound release only drops that session's locks.
	if n := m.ReleaseByOwner("agent-a", "sess-1"); n != 1 {
		t.Errorf("ReleaseByOwner(agent-a, sess-1) = %d, want 1", n)
	}
	if m.Get("ws", "p2") == nil {
		t.Error("p2 lock released unexpectedly")
	}

	// Agent-wide release drops the rest.
	if n := m.ReleaseByOwner("agent-a", ""); n != 1 {
		t.Errorf("ReleaseByOwner(agent-a) = %d, want 1", n)
	}
	if m.Get("ws", "p3") == nil {
		t.Error("agent-b lock released by agent-a cleanup")
	}
}

func TestNormalizeTTL(t *testing.T) {
	cases := []struct {
		in   time.Duration
		want time.Duration
	}{
		{0, DefaultTTL},
		{-time.Second, DefaultTTL},
		{time.Second, MinTTL},
		{10 * time.Second, 10 * time.Second},
		{time.Hour, MaxTTL},
	}
	for _, tc := range cases {
		if got := NormalizeTTL(tc.in); got != tc.want {
			t.Errorf("NormalizeTTL(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestSink_ObservesTransitions(t *testing.T) {
	fake := clock.NewFake(time.UnixMilli(1_000_000))
	sink := &recordingSink{}
	m := NewManager(fake, sink)

	_, _ = m.Acquire("ws", "p1", "agent-a", "sess-1", 5*time.Second)
	if sink.count() != 1 {
		t.Fatalf("changes after acquire = %d, want 1", sink.count())
	}

	fake.Advance(6 * time.Second)
	if n := m.SweepExpired(); n != 1 {
		t.Fatalf("SweepExpired = %d, want 1", n)
	}
	sink.mu.Lock()
	last := sink.changes[len(sink.changes)-1]
	sink.mu.Unlock()
	if last != nil {
		t.Errorf("sweep notification = %+v, want nil lock", last)
	}
}

func TestAcquire_ConcurrentSingleWinner(t *testing.T) {
	m := NewManager(nil, nil)
	var wg sync.WaitGroup
	var winners atomicCounter

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := m.Acquire("ws", "p1", "agent", string(rune('a'+i)), 30*time.Second); err == nil {
				winners.inc()
			}
		}(i)
	}
	wg.Wait()

	if winners.get() != 1 {
		t.Errorf("winners = %d, want exactly 1", winners.get())
	}
}

type atomicCounter struct {
	mu sync.Mutex
	n  int
}

func (c *atomicCounter) inc() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *atomicCounter) get() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}
