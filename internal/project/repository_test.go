package project

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/ashfox/meshgate/internal/clock"
)

type lockInstaller interface {
	Repository
	installLock(t *testing.T, scope Scope, token string, expiresAt time.Time)
}

type memoryUnderTest struct{ *MemoryRepository }

func (m memoryUnderTest) installLock(t *testing.T, scope Scope, token string, expiresAt time.Time) {
	t.Helper()
	m.InstallDocLock(scope, token, expiresAt)
}

type sqliteUnderTest struct{ *SQLiteRepository }

func (s sqliteUnderTest) installLock(t *testing.T, scope Scope, token string, expiresAt time.Time) {
	t.Helper()
	if err := s.InstallDocLock(scope, token, expiresAt); err != nil {
		t.Fatalf("InstallDocLock: %v", err)
	}
}

func repositories(t *testing.T, opts Options) map[string]lockInstaller {
	t.Helper()
	sqlite, err := NewSQLiteRepository(t.TempDir(), opts)
	if err != nil {
		t.Fatalf("NewSQLiteRepository: %v", err)
	}
	t.Cleanup(func() { _ = sqlite.Close() })
	return map[string]lockInstaller{
		"memory": memoryUnderTest{NewMemoryRepository(opts)},
		"sqlite": sqliteUnderTest{sqlite},
	}
}

func testScope() Scope {
	return Scope{TenantID: DefaultTenant, WorkspaceID: "ws-1", ProjectID: "prj_test"}
}

func strptr(s string) *string { return &s }

func TestSaveIfRevision_CompareAndSet(t *testing.T) {
	for name, repo := range repositories(t, Options{}) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			scope := testScope()

			initial := &Record{
				Scope:    scope,
				Revision: "rev-1",
				State:    json.RawMessage(`{"ok":true,"items":[1,2,3]}`),
			}
			if err := repo.Save(ctx, initial); err != nil {
				t.Fatalf("Save: %v", err)
			}

			next := &Record{Scope: scope, Revision: "rev-3", State: json.RawMessage(`{"ok":true}`)}
			ok, err := repo.SaveIfRevision(ctx, next, strptr("wrong"))
			if err != nil {
				t.Fatalf("SaveIfRevision(wrong): %v", err)
			}
			if ok {
				t.Error("SaveIfRevision with wrong revision succeeded, want failure")
			}

			ok, err = repo.SaveIfRevision(ctx, next, strptr("rev-1"))
			if err != nil {
				t.Fatalf("SaveIfRevision(rev-1): %v", err)
			}
			if !ok {
				t.Fatal("SaveIfRevision with matching revision failed, want success")
			}

			found, err := repo.Find(ctx, scope)
			if err != nil {
				t.Fatalf("Find: %v", err)
			}
			if found == nil || found.Revision != "rev-3" {
				t.Errorf("Find().Revision = %v, want rev-3", found)
			}
		})
	}
}

func TestSaveIfRevision_CreateOnly(t *testing.T) {
	for name, repo := range repositories(t, Options{}) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			scope := testScope()
			record := &Record{Scope: scope, Revision: "rev-1", State: json.RawMessage(`{}`)}

			ok, err := repo.SaveIfRevision(ctx, record, nil)
			if err != nil {
				t.Fatalf("SaveIfRevision(nil): %v", err)
			}
			if !ok {
				t.Fatal("create-only save failed on empty scope")
			}

			// A second create-only write must fail until the record is removed.
			ok, err = repo.SaveIfRevision(ctx, record, nil)
			if err != nil {
				t.Fatalf("SaveIfRevision(nil) second: %v", err)
			}
			if ok {
				t.Error("create-only save succeeded over an existing record")
			}

			if err := repo.Remove(ctx, scope); err != nil {
				t.Fatalf("Remove: %v", err)
			}
			ok, err = repo.SaveIfRevision(ctx, record, nil)
			if err != nil {
				t.Fatalf("SaveIfRevision(nil) after remove: %v", err)
			}
			if !ok {
				t.Error("create-only save failed after Remove")
			}
		})
	}
}

func TestSaveIfRevision_PreservesCreatedAt(t *testing.T) {
	fake := clock.NewFake(time.UnixMilli(1_000_000))
	for name, repo := range repositories(t, Options{Clock: fake, Sleeper: fake}) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			scope := testScope()
			if err := repo.Save(ctx, &Record{Scope: scope, Revision: "rev-1", State: json.RawMessage(`{}`)}); err != nil {
				t.Fatalf("Save: %v", err)
			}
			before, _ := repo.Find(ctx, scope)

			fake.Advance(time.Minute)
			ok, err := repo.SaveIfRevision(ctx, &Record{Scope: scope, Revision: "rev-2", State: json.RawMessage(`{"v":2}`)}, strptr("rev-1"))
			if err != nil || !ok {
				t.Fatalf("SaveIfRevision = %v, %v", ok, err)
			}

			after, _ := repo.Find(ctx, scope)
			if !after.CreatedAt.Equal(before.CreatedAt) {
				t.Errorf("CreatedAt changed: %v -> %v", before.CreatedAt, after.CreatedAt)
			}
			if !after.UpdatedAt.After(before.UpdatedAt) {
				t.Errorf("UpdatedAt not advanced: %v -> %v", before.UpdatedAt, after.UpdatedAt)
			}
		})
	}
}

func TestSaveIfRevision_DocLockTimeout(t *testing.T) {
	fake := clock.NewFake(time.UnixMilli(1000))
	opts := Options{
		LockTimeout: 20 * time.Millisecond,
		LockRetry:   time.Millisecond,
		Clock:       fake,
		Sleeper:     fake,
	}
	for name, repo := range repositories(t, opts) {
		t.Run(name, func(t *testing.T) {
			scope := testScope()
			// Another writer holds the doc lock well past our timeout.
			repo.installLock(t, scope, "other-writer", time.UnixMilli(2999))

			record := &Record{Scope: scope, Revision: "rev-1", State: json.RawMessage(`{}`)}
			_, err := repo.SaveIfRevision(context.Background(), record, nil)
			if err == nil {
				t.Fatal("SaveIfRevision succeeded under a held doc lock")
			}
			if !strings.Contains(err.Error(), "lock acquisition timed out") {
				t.Errorf("error = %q, want lock acquisition timed out", err)
			}
		})
	}
}

func TestSaveIfRevision_StaleDocLockReclaimed(t *testing.T) {
	fake := clock.NewFake(time.UnixMilli(10_000))
	opts := Options{
		LockTimeout: 20 * time.Millisecond,
		LockRetry:   time.Millisecond,
		Clock:       fake,
		Sleeper:     fake,
	}
	for name, repo := range repositories(t, opts) {
		t.Run(name, func(t *testing.T) {
			scope := testScope()
			// An expired lock row from a crashed writer must be overwritten.
			repo.installLock(t, scope, "crashed-writer", time.UnixMilli(9_000))

			record := &Record{Scope: scope, Revision: "rev-1", State: json.RawMessage(`{}`)}
			ok, err := repo.SaveIfRevision(context.Background(), record, nil)
			if err != nil {
				t.Fatalf("SaveIfRevision: %v", err)
			}
			if !ok {
				t.Error("SaveIfRevision failed over a stale doc lock")
			}
		})
	}
}
