package workspace

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ashfox/meshgate/internal/clock"
	"github.com/ashfox/meshgate/internal/project"
	_ "modernc.org/sqlite"
)

// SQLiteRepository persists workspace data in SQLite. Role and member
// lists are small, so role ids and permissions are stored as JSON columns
// rather than join tables.
type SQLiteRepository struct {
	db    *sql.DB
	clock clock.Clock
}

// NewSQLiteRepository opens (creating if needed) the workspace database
// under dataDir and seeds the default all_open workspace.
func NewSQLiteRepository(dataDir string, clk clock.Clock) (*SQLiteRepository, error) {
	if clk == nil {
		clk = clock.System{}
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "workspaces.db")
	// WAL mode and busy timeout for better concurrent access
	db, err := sql.Open("sqlite", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	repo := &SQLiteRepository{db: db, clock: clk}
	if err := repo.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	if err := repo.seedDefault(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to seed default workspace: %w", err)
	}
	return repo, nil
}

func (r *SQLiteRepository) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS workspaces (
		workspace_id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		name TEXT NOT NULL,
		mode TEXT NOT NULL,
		created_by TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS workspace_roles (
		workspace_id TEXT NOT NULL,
		role_id TEXT NOT NULL,
		builtin INTEGER NOT NULL DEFAULT 0,
		permissions TEXT NOT NULL,
		PRIMARY KEY (workspace_id, role_id)
	);

	CREATE TABLE IF NOT EXISTS workspace_members (
		workspace_id TEXT NOT NULL,
		account_id TEXT NOT NULL,
		role_ids TEXT NOT NULL,
		joined_at DATETIME NOT NULL,
		PRIMARY KEY (workspace_id, account_id)
	);

	CREATE TABLE IF NOT EXISTS workspace_folder_acls (
		workspace_id TEXT NOT NULL,
		folder_id TEXT,
		role_id TEXT NOT NULL,
		read_effect TEXT NOT NULL,
		write_effect TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_folder_acls_workspace
		ON workspace_folder_acls (workspace_id);
	`
	_, err := r.db.Exec(schema)
	return err
}

func (r *SQLiteRepository) seedDefault() error {
	now := r.clock.Now().UTC()
	_, err := r.db.Exec(`
		INSERT INTO workspaces (workspace_id, tenant_id, name, mode, created_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(workspace_id) DO NOTHING`,
		DefaultWorkspaceID, project.DefaultTenant, "Default Workspace", string(ModeAllOpen), "system", now, now,
	)
	return err
}

// Close closes the database connection.
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

func (r *SQLiteRepository) CreateWorkspace(ctx context.Context, ws *Workspace) error {
	now := r.clock.Now().UTC()
	createdAt := ws.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO workspaces (workspace_id, tenant_id, name, mode, created_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(workspace_id)
		DO UPDATE SET name = excluded.name, mode = excluded.mode, updated_at = excluded.updated_at`,
		ws.ID, ws.TenantID, ws.Name, string(ws.Mode), ws.CreatedBy, createdAt, now,
	)
	if err != nil {
		return fmt.Errorf("failed to save workspace: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) GetWorkspace(ctx context.Context, id string) (*Workspace, error) {
	ws := &Workspace{}
	var mode string
	err := r.db.QueryRowContext(ctx, `
		SELECT workspace_id, tenant_id, name, mode, created_by, created_at, updated_at
		FROM workspaces WHERE workspace_id = ?`, id,
	).Scan(&ws.ID, &ws.TenantID, &ws.Name, &mode, &ws.CreatedBy, &ws.CreatedAt, &ws.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query workspace: %w", err)
	}
	ws.Mode = AccessMode(mode)
	return ws, nil
}

func (r *SQLiteRepository) ListWorkspacesByAccount(ctx context.Context, accountID string) ([]*Workspace, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT w.workspace_id, w.tenant_id, w.name, w.mode, w.created_by, w.created_at, w.updated_at
		FROM workspaces w
		JOIN workspace_members m ON m.workspace_id = w.workspace_id
		WHERE m.account_id = ?
		ORDER BY w.workspace_id`, accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list workspaces: %w", err)
	}
	defer rows.Close()

	var out []*Workspace
	for rows.Next() {
		ws := &Workspace{}
		var mode string
		if err := rows.Scan(&ws.ID, &ws.TenantID, &ws.Name, &mode, &ws.CreatedBy, &ws.CreatedAt, &ws.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan workspace: %w", err)
		}
		ws.Mode = AccessMode(mode)
		out = append(out, ws)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Accounts with no memberships still see the default workspace.
	if len(out) == 0 {
		def, err := r.GetWorkspace(ctx, DefaultWorkspaceID)
		if err != nil {
			return nil, err
		}
		if def != nil {
			out = append(out, def)
		}
	}
	return out, nil
}

// DeleteWorkspace removes the workspace and all of its roles, members,
// and ACL rows in one transaction.
func (r *SQLiteRepository) DeleteWorkspace(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range []string{
		`DELETE FROM workspace_folder_acls WHERE workspace_id = ?`,
		`DELETE FROM workspace_members WHERE workspace_id = ?`,
		`DELETE FROM workspace_roles WHERE workspace_id = ?`,
		`DELETE FROM workspaces WHERE workspace_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			return fmt.Errorf("failed to delete workspace: %w", err)
		}
	}
	return tx.Commit()
}

func (r *SQLiteRepository) UpsertRole(ctx context.Context, role *Role) error {
	perms, err := json.Marshal(role.Permissions)
	if err != nil {
		return fmt.Errorf("failed to encode permissions: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO workspace_roles (workspace_id, role_id, builtin, permissions)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(workspace_id, role_id)
		DO UPDATE SET builtin = excluded.builtin, permissions = excluded.permissions`,
		role.WorkspaceID, role.RoleID, boolToInt(role.Builtin), string(perms),
	)
	if err != nil {
		return fmt.Errorf("failed to save role: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) ListRoles(ctx context.Context, workspaceID string) ([]*Role, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT role_id, builtin, permissions FROM workspace_roles
		WHERE workspace_id = ? ORDER BY role_id`, workspaceID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}
	defer rows.Close()

	var out []*Role
	for rows.Next() {
		role := &Role{WorkspaceID: workspaceID}
		var builtin int
		var perms string
		if err := rows.Scan(&role.RoleID, &builtin, &perms); err != nil {
			return nil, fmt.Errorf("failed to scan role: %w", err)
		}
		role.Builtin = builtin != 0
		if err := json.Unmarshal([]byte(perms), &role.Permissions); err != nil {
			return nil, fmt.Errorf("failed to decode permissions: %w", err)
		}
		out = append(out, role)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) UpsertMember(ctx context.Context, member *Member) error {
	roleIDs, err := json.Marshal(member.RoleIDs)
	if err != nil {
		return fmt.Errorf("failed to encode role ids: %w", err)
	}
	joinedAt := member.JoinedAt
	if joinedAt.IsZero() {
		joinedAt = r.clock.Now().UTC()
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO workspace_members (workspace_id, account_id, role_ids, joined_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(workspace_id, account_id)
		DO UPDATE SET role_ids = excluded.role_ids`,
		member.WorkspaceID, member.AccountID, string(roleIDs), joinedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save member: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) GetMember(ctx context.Context, workspaceID, accountID string) (*Member, error) {
	member := &Member{WorkspaceID: workspaceID, AccountID: accountID}
	var roleIDs string
	err := r.db.QueryRowContext(ctx, `
		SELECT role_ids, joined_at FROM workspace_members
		WHERE workspace_id = ? AND account_id = ?`, workspaceID, accountID,
	).Scan(&roleIDs, &member.JoinedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query member: %w", err)
	}
	if err := json.Unmarshal([]byte(roleIDs), &member.RoleIDs); err != nil {
		return nil, fmt.Errorf("failed to decode role ids: %w", err)
	}
	return member, nil
}

func (r *SQLiteRepository) RemoveMember(ctx context.Context, workspaceID, accountID string) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM workspace_members WHERE workspace_id = ? AND account_id = ?`,
		workspaceID, accountID,
	)
	if err != nil {
		return fmt.Errorf("failed to remove member: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) UpsertFolderACL(ctx context.Context, acl *FolderACL) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// NULL never matches = in SQLite, so the root row needs its own predicate.
	if acl.FolderID == nil {
		_, err = tx.ExecContext(ctx, `
			DELETE FROM workspace_folder_acls
			WHERE workspace_id = ? AND folder_id IS NULL AND role_id = ?`,
			acl.WorkspaceID, acl.RoleID,
		)
	} else {
		_, err = tx.ExecContext(ctx, `
			DELETE FROM workspace_folder_acls
			WHERE workspace_id = ? AND folder_id = ? AND role_id = ?`,
			acl.WorkspaceID, *acl.FolderID, acl.RoleID,
		)
	}
	if err != nil {
		return fmt.Errorf("failed to replace folder acl: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO workspace_folder_acls (workspace_id, folder_id, role_id, read_effect, write_effect)
		VALUES (?, ?, ?, ?, ?)`,
		acl.WorkspaceID, acl.FolderID, acl.RoleID, string(acl.Read), string(acl.Write),
	)
	if err != nil {
		return fmt.Errorf("failed to save folder acl: %w", err)
	}
	return tx.Commit()
}

func (r *SQLiteRepository) ListFolderACLs(ctx context.Context, workspaceID string) ([]*FolderACL, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT folder_id, role_id, read_effect, write_effect
		FROM workspace_folder_acls WHERE workspace_id = ?`, workspaceID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list folder acls: %w", err)
	}
	defer rows.Close()

	var out []*FolderACL
	for rows.Next() {
		acl := &FolderACL{WorkspaceID: workspaceID}
		var folderID sql.NullString
		var read, write string
		if err := rows.Scan(&folderID, &acl.RoleID, &read, &write); err != nil {
			return nil, fmt.Errorf("failed to scan folder acl: %w", err)
		}
		if folderID.Valid {
			acl.FolderID = &folderID.String
		}
		acl.Read = Effect(read)
		acl.Write = Effect(write)
		out = append(out, acl)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
