package project

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteRepository persists project records in SQLite. The document lock
// used by SaveIfRevision lives in a sidecar table so a crashed writer's
// stale lock row is simply overwritten once it expires.
type SQLiteRepository struct {
	db   *sql.DB
	opts Options
}

// NewSQLiteRepository opens (creating if needed) the project database under
// dataDir.
func NewSQLiteRepository(dataDir string, opts Options) (*SQLiteRepository, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "projects.db")
	// WAL mode and busy timeout for better concurrent access
	db, err := sql.Open("sqlite", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	repo := &SQLiteRepository{db: db, opts: opts.withDefaults()}
	if err := repo.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return repo, nil
}

func (r *SQLiteRepository) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS projects (
		tenant_id TEXT NOT NULL,
		workspace_id TEXT NOT NULL,
		project_id TEXT NOT NULL,
		revision TEXT NOT NULL,
		state BLOB NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (tenant_id, workspace_id, project_id)
	);

	CREATE TABLE IF NOT EXISTS project_doc_locks (
		tenant_id TEXT NOT NULL,
		workspace_id TEXT NOT NULL,
		project_id TEXT NOT NULL,
		token TEXT NOT NULL,
		expires_at_ms INTEGER NOT NULL,
		PRIMARY KEY (tenant_id, workspace_id, project_id)
	);
	`
	_, err := r.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

// Find returns the record for scope, or nil if absent.
func (r *SQLiteRepository) Find(ctx context.Context, scope Scope) (*Record, error) {
	record := &Record{Scope: scope}
	err := r.db.QueryRowContext(ctx, `
		SELECT revision, state, created_at, updated_at
		FROM projects WHERE tenant_id = ? AND workspace_id = ? AND project_id = ?`,
		scope.TenantID, scope.WorkspaceID, scope.ProjectID,
	).Scan(&record.Revision, &record.State, &record.CreatedAt, &record.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query project: %w", err)
	}
	return record, nil
}

// Save upserts unconditionally, preserving created_at for existing rows.
func (r *SQLiteRepository) Save(ctx context.Context, record *Record) error {
	now := r.opts.Clock.Now().UTC()
	createdAt := record.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO projects (tenant_id, workspace_id, project_id, revision, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, workspace_id, project_id)
		DO UPDATE SET revision = excluded.revision, state = excluded.state, updated_at = excluded.updated_at`,
		record.Scope.TenantID, record.Scope.WorkspaceID, record.Scope.ProjectID,
		record.Revision, []byte(record.State), createdAt, now,
	)
	if err != nil {
		return fmt.Errorf("failed to save project: %w", err)
	}
	return nil
}

// SaveIfRevision implements compare-and-set under the sidecar document lock.
func (r *SQLiteRepository) SaveIfRevision(ctx context.Context, record *Record, expected *string) (bool, error) {
	token, err := r.acquireDocLock(ctx, record.Scope)
	if err != nil {
		return false, err
	}
	defer r.releaseDocLock(record.Scope, token)

	now := r.opts.Clock.Now().UTC()
	if expected == nil {
		createdAt := record.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		res, err := r.db.ExecContext(ctx, `
			INSERT INTO projects (tenant_id, workspace_id, project_id, revision, state, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(tenant_id, workspace_id, project_id) DO NOTHING`,
			record.Scope.TenantID, record.Scope.WorkspaceID, record.Scope.ProjectID,
			record.Revision, []byte(record.State), createdAt, now,
		)
		if err != nil {
			return false, fmt.Errorf("failed to create project: %w", err)
		}
		rows, _ := res.RowsAffected()
		return rows == 1, nil
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE projects SET revision = ?, state = ?, updated_at = ?
		WHERE tenant_id = ? AND workspace_id = ? AND project_id = ? AND revision = ?`,
		record.Revision, []byte(record.State), now,
		record.Scope.TenantID, record.Scope.WorkspaceID, record.Scope.ProjectID, *expected,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update project: %w", err)
	}
	rows, _ := res.RowsAffected()
	return rows == 1, nil
}

// Remove deletes the record for scope if present.
func (r *SQLiteRepository) Remove(ctx context.Context, scope Scope) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM projects WHERE tenant_id = ? AND workspace_id = ? AND project_id = ?`,
		scope.TenantID, scope.WorkspaceID, scope.ProjectID,
	)
	if err != nil {
		return fmt.Errorf("failed to remove project: %w", err)
	}
	return nil
}

// InstallDocLock installs a document lock row directly; used by tests.
func (r *SQLiteRepository) InstallDocLock(scope Scope, token string, expiresAt time.Time) error {
	_, err := r.db.Exec(`
		INSERT INTO project_doc_locks (tenant_id, workspace_id, project_id, token, expires_at_ms)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, workspace_id, project_id)
		DO UPDATE SET token = excluded.token, expires_at_ms = excluded.expires_at_ms`,
		scope.TenantID, scope.WorkspaceID, scope.ProjectID, token, expiresAt.UnixMilli(),
	)
	return err
}

// acquireDocLock claims the per-scope document lock, overwriting an expired
// holder, polling until the configured timeout.
func (r *SQLiteRepository) acquireDocLock(ctx context.Context, scope Scope) (string, error) {
	deadline := r.opts.Clock.Now().Add(r.opts.LockTimeout)

	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		claimed, token, err := r.tryClaimDocLock(ctx, scope)
		if err != nil {
			return "", err
		}
		if claimed {
			return token, nil
		}

		if !r.opts.Clock.Now().Add(r.opts.LockRetry).Before(deadline) {
			return "", ErrLockTimeout
		}
		r.opts.Sleeper.Sleep(r.opts.LockRetry)
	}
}

func (r *SQLiteRepository) tryClaimDocLock(ctx context.Context, scope Scope) (bool, string, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := r.opts.Clock.Now()
	var heldToken string
	var heldExpiry int64
	err = tx.QueryRowContext(ctx, `
		SELECT token, expires_at_ms FROM project_doc_locks
		WHERE tenant_id = ? AND workspace_id = ? AND project_id = ?`,
		scope.TenantID, scope.WorkspaceID, scope.ProjectID,
	).Scan(&heldToken, &heldExpiry)
	if err != nil && err != sql.ErrNoRows {
		return false, "", fmt.Errorf("failed to query doc lock: %w", err)
	}
	if err == nil && heldExpiry > now.UnixMilli() {
		return false, "", nil
	}

	token := uuid.New().String()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO project_doc_locks (tenant_id, workspace_id, project_id, token, expires_at_ms)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, workspace_id, project_id)
		DO UPDATE SET token = excluded.token, expires_at_ms = excluded.expires_at_ms`,
		scope.TenantID, scope.WorkspaceID, scope.ProjectID, token, now.Add(r.opts.LockTTL).UnixMilli(),
	)
	if err != nil {
		return false, "", fmt.Errorf("failed to claim doc lock: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, "", fmt.Errorf("failed to commit doc lock: %w", err)
	}
	return true, token, nil
}

func (r *SQLiteRepository) releaseDocLock(scope Scope, token string) {
	_, _ = r.db.Exec(`
		DELETE FROM project_doc_locks
		WHERE tenant_id = ? AND workspace_id = ? AND project_id = ? AND token = ?`,
		scope.TenantID, scope.WorkspaceID, scope.ProjectID, token,
	)
}
