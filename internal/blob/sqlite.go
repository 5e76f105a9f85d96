package blob

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ashfox/meshgate/internal/clock"
	_ "modernc.org/sqlite"
)

// chunkSize keeps individual rows small; large blobs span several chunk
// rows written in one transaction.
const chunkSize = 1 << 20

// SQLiteStore persists blobs in SQLite, chunked across rows.
type SQLiteStore struct {
	db    *sql.DB
	clock clock.Clock
}

// NewSQLiteStore opens (creating if needed) the blob database under dataDir.
func NewSQLiteStore(dataDir string, clk clock.Clock) (*SQLiteStore, error) {
	if clk == nil {
		clk = clock.System{}
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "blobs.db")
	// WAL mode and busy timeout for better concurrent access
	db, err := sql.Open("sqlite", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &SQLiteStore{db: db, clock: clk}
	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS blobs (
		bucket TEXT NOT NULL,
		key TEXT NOT NULL,
		content_type TEXT NOT NULL,
		cache_control TEXT,
		metadata TEXT NOT NULL DEFAULT '{}',
		size INTEGER NOT NULL,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (bucket, key)
	);

	CREATE TABLE IF NOT EXISTS blob_chunks (
		bucket TEXT NOT NULL,
		key TEXT NOT NULL,
		idx INTEGER NOT NULL,
		data BLOB NOT NULL,
		PRIMARY KEY (bucket, key, idx)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Put upserts the blob, replacing any previous chunks.
func (s *SQLiteStore) Put(ctx context.Context, ptr Pointer, blob *Blob) error {
	metadata, err := json.Marshal(blob.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.clock.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO blobs (bucket, key, content_type, cache_control, metadata, size, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(bucket, key)
		DO UPDATE SET content_type = excluded.content_type, cache_control = excluded.cache_control,
			metadata = excluded.metadata, size = excluded.size, updated_at = excluded.updated_at`,
		ptr.Bucket, ptr.Key, blob.ContentType, nullable(blob.CacheControl), string(metadata), len(blob.Bytes), now,
	)
	if err != nil {
		return fmt.Errorf("failed to save blob: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM blob_chunks WHERE bucket = ? AND key = ?`, ptr.Bucket, ptr.Key); err != nil {
		return fmt.Errorf("failed to clear chunks: %w", err)
	}
	for idx, offset := 0, 0; offset < len(blob.Bytes); idx, offset = idx+1, offset+chunkSize {
		end := offset + chunkSize
		if end > len(blob.Bytes) {
			end = len(blob.Bytes)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO blob_chunks (bucket, key, idx, data) VALUES (?, ?, ?, ?)`,
			ptr.Bucket, ptr.Key, idx, blob.Bytes[offset:end],
		); err != nil {
			return fmt.Errorf("failed to save chunk: %w", err)
		}
	}
	return tx.Commit()
}

// Get returns the blob at ptr, or nil if absent.
func (s *SQLiteStore) Get(ctx context.Context, ptr Pointer) (*Blob, error) {
	blob := &Blob{}
	var cacheControl sql.NullString
	var metadata string
	var size int
	err := s.db.QueryRowContext(ctx, `
		SELECT content_type, cache_control, metadata, size, updated_at
		FROM blobs WHERE bucket = ? AND key = ?`,
		ptr.Bucket, ptr.Key,
	).Scan(&blob.ContentType, &cacheControl, &metadata, &size, &blob.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query blob: %w", err)
	}
	if cacheControl.Valid {
		blob.CacheControl = cacheControl.String
	}
	if err := json.Unmarshal([]byte(metadata), &blob.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}
	if len(blob.Metadata) == 0 {
		blob.Metadata = nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT data FROM blob_chunks WHERE bucket = ? AND key = ? ORDER BY idx`,
		ptr.Bucket, ptr.Key,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	defer rows.Close()

	blob.Bytes = make([]byte, 0, size)
	for rows.Next() {
		var chunk []byte
		if err := rows.Scan(&chunk); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		blob.Bytes = append(blob.Bytes, chunk...)
	}
	return blob, rows.Err()
}

// Delete removes the blob and its chunks.
func (s *SQLiteStore) Delete(ctx context.Context, ptr Pointer) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM blob_chunks WHERE bucket = ? AND key = ?`, ptr.Bucket, ptr.Key); err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM blobs WHERE bucket = ? AND key = ?`, ptr.Bucket, ptr.Key); err != nil {
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	return tx.Commit()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
