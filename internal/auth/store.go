package auth

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const keyPrefix = "mgk_"

var (
	ErrKeyNotFound = errors.New("key not found")
	ErrKeyExpired  = errors.New("key expired")
	ErrInvalidKey  = errors.New("invalid key format")
)

// Store handles API key persistence.
type Store struct {
	db *sql.DB
}

// NewStore creates a new auth store with SQLite backend.
func NewStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "auth.db")
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS api_keys (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		key_space TEXT NOT NULL,
		account_id TEXT NOT NULL,
		workspace_id TEXT,
		system_roles TEXT NOT NULL DEFAULT '[]',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		last_used_at DATETIME,
		expires_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_api_keys_account ON api_keys(account_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateKey mints a new API key. The returned string is the only time the
// full secret is available.
func (s *Store) CreateKey(name string, keySpace KeySpace, accountID, workspaceID string, systemRoles []string, expiresAt *time.Time) (*Key, string, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, "", fmt.Errorf("failed to generate key: %w", err)
	}
	keyID := keyPrefix + hex.EncodeToString(secret)

	roles, err := json.Marshal(systemRoles)
	if err != nil {
		return nil, "", fmt.Errorf("failed to encode system roles: %w", err)
	}

	key := &Key{
		ID:          keyID,
		Name:        name,
		KeySpace:    keySpace,
		AccountID:   accountID,
		WorkspaceID: workspaceID,
		SystemRoles: systemRoles,
		CreatedAt:   time.Now(),
		ExpiresAt:   expiresAt,
	}

	var wsValue any
	if workspaceID != "" {
		wsValue = workspaceID
	}
	_, err = s.db.Exec(
		`INSERT INTO api_keys (id, name, key_space, account_id, workspace_id, system_roles, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		key.ID, key.Name, string(key.KeySpace), key.AccountID, wsValue, string(roles), key.CreatedAt, key.ExpiresAt,
	)
	if err != nil {
		return nil, "", fmt.Errorf("failed to insert key: %w", err)
	}

	return key, keyID, nil
}

// ValidateKey validates a presented key and returns its record.
func (s *Store) ValidateKey(keyID string) (*Key, error) {
	if len(keyID) < len(keyPrefix) || keyID[:len(keyPrefix)] != keyPrefix {
		return nil, ErrInvalidKey
	}

	var key Key
	var keySpace, roles string
	var workspaceID sql.NullString
	var lastUsedAt, expiresAt sql.NullTime

	err := s.db.QueryRow(
		`SELECT id, name, key_space, account_id, workspace_id, system_roles, created_at, last_used_at, expires_at
		 FROM api_keys WHERE id = ?`,
		keyID,
	).Scan(&key.ID, &key.Name, &keySpace, &key.AccountID, &workspaceID, &roles, &key.CreatedAt, &lastUsedAt, &expiresAt)

	if err == sql.ErrNoRows {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query key: %w", err)
	}

	key.KeySpace = KeySpace(keySpace)
	if workspaceID.Valid {
		key.WorkspaceID = workspaceID.String
	}
	if err := json.Unmarshal([]byte(roles), &key.SystemRoles); err != nil {
		return nil, fmt.Errorf("failed to decode system roles: %w", err)
	}
	if lastUsedAt.Valid {
		key.LastUsedAt = &lastUsedAt.Time
	}
	if expiresAt.Valid {
		key.ExpiresAt = &expiresAt.Time
		if time.Now().After(expiresAt.Time) {
			return nil, ErrKeyExpired
		}
	}

	// Update last used time
	go s.updateLastUsed(keyID)

	return &key, nil
}

func (s *Store) updateLastUsed(keyID string) {
	_, _ = s.db.Exec(`UPDATE api_keys SET last_used_at = ? WHERE id = ?`, time.Now(), keyID)
}

// ListKeys returns all keys ordered newest first.
func (s *Store) ListKeys() ([]*Key, error) {
	rows, err := s.db.Query(
		`SELECT id, name, key_space, account_id, workspace_id, system_roles, created_at, last_used_at, expires_at
		 FROM api_keys ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var keys []*Key
	for rows.Next() {
		var key Key
		var keySpace, roles string
		var workspaceID sql.NullString
		var lastUsedAt, expiresAt sql.NullTime

		if err := rows.Scan(&key.ID, &key.Name, &keySpace, &key.AccountID, &workspaceID, &roles, &key.CreatedAt, &lastUsedAt, &expiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		key.KeySpace = KeySpace(keySpace)
		if workspaceID.Valid {
			key.WorkspaceID = workspaceID.String
		}
		if err := json.Unmarshal([]byte(roles), &key.SystemRoles); err != nil {
			return nil, fmt.Errorf("failed to decode system roles: %w", err)
		}
		if lastUsedAt.Valid {
			key.LastUsedAt = &lastUsedAt.Time
		}
		if expiresAt.Valid {
			key.ExpiresAt = &expiresAt.Time
		}
		keys = append(keys, &key)
	}

	return keys, rows.Err()
}

// RevokeKey deletes a key.
func (s *Store) RevokeKey(keyID string) error {
	result, err := s.db.Exec(`DELETE FROM api_keys WHERE id = ?`, keyID)
	if err != nil {
		return fmt.Errorf("failed to revoke key: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrKeyNotFound
	}

	return nil
}
