// Package backup archives the gateway data directory (project,
// workspace, and blob databases plus API keys) into timestamped
// tar.gz snapshots with a retention policy.
package backup

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ashfox/meshgate/internal/logger"
)

const snapshotPrefix = "meshgate_"

// Manager handles snapshot and restore operations.
type Manager struct {
	dataDir   string
	backupDir string
	retention int
}

// Config holds backup settings.
type Config struct {
	DataDir   string
	BackupDir string
	Retention int // number of snapshots to keep, 0 keeps all
}

// Snapshot describes one archive on disk.
type Snapshot struct {
	Timestamp time.Time `json:"timestamp"`
	Filename  string    `json:"filename"`
	SizeBytes int64     `json:"size_bytes"`
}

// New creates a Manager and ensures the backup directory exists.
func New(cfg Config) (*Manager, error) {
	if err := os.MkdirAll(cfg.BackupDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}
	return &Manager{
		dataDir:   cfg.DataDir,
		backupDir: cfg.BackupDir,
		retention: cfg.Retention,
	}, nil
}

// Create archives the data directory into a new snapshot. Log files
// and prior snapshots under the data directory are skipped.
func (m *Manager) Create() (*Snapshot, error) {
	if _, err := os.Stat(m.dataDir); err != nil {
		return nil, fmt.Errorf("data directory unavailable: %w", err)
	}

	timestamp := time.Now()
	filename := fmt.Sprintf("%s%s.tar.gz", snapshotPrefix, timestamp.Format("20060102_150405"))
	archivePath := filepath.Join(m.backupDir, filename)

	file, err := os.Create(archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot file: %w", err)
	}
	defer func() { _ = file.Close() }()

	gw := gzip.NewWriter(file)
	defer func() { _ = gw.Close() }()
	tw := tar.NewWriter(gw)
	defer func() { _ = tw.Close() }()

	absBackupDir, _ := filepath.Abs(m.backupDir)

	err = filepath.Walk(m.dataDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		relPath, err := filepath.Rel(m.dataDir, path)
		if err != nil {
			return err
		}
		if relPath == "." {
			return nil
		}
		if info.IsDir() {
			abs, _ := filepath.Abs(path)
			if abs == absBackupDir || filepath.Base(path) == "logs" {
				return filepath.SkipDir
			}
			return nil
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = relPath

		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		_ = os.Remove(archivePath)
		return nil, fmt.Errorf("failed to create snapshot: %w", err)
	}

	// Flush before stat so the reported size is final.
	_ = tw.Close()
	_ = gw.Close()
	_ = file.Close()

	stat, err := os.Stat(archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat snapshot: %w", err)
	}

	logger.Info("created snapshot %s (%d bytes)", filename, stat.Size())
	m.enforceRetention()

	return &Snapshot{Timestamp: timestamp, Filename: filename, SizeBytes: stat.Size()}, nil
}

// Restore unpacks a snapshot into the data directory, overwriting
// existing files. The gateway should not be running.
func (m *Manager) Restore(filename string) error {
	archivePath := filepath.Join(m.backupDir, filepath.Base(filename))
	file, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("snapshot not found: %s", filename)
	}
	defer func() { _ = file.Close() }()

	gr, err := gzip.NewReader(file)
	if err != nil {
		return fmt.Errorf("failed to decompress snapshot: %w", err)
	}
	defer func() { _ = gr.Close() }()

	tr := tar.NewReader(gr)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read snapshot: %w", err)
		}

		// Reject entries that would escape the data directory.
		name := filepath.Clean(header.Name)
		if name == ".." || strings.HasPrefix(name, ".."+string(filepath.Separator)) || filepath.IsAbs(name) {
			return fmt.Errorf("snapshot entry escapes data directory: %s", header.Name)
		}
		targetPath := filepath.Join(m.dataDir, name)

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(targetPath, 0o755); err != nil {
				return fmt.Errorf("failed to create directory: %w", err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
				return fmt.Errorf("failed to create parent directory: %w", err)
			}
			f, err := os.Create(targetPath)
			if err != nil {
				return fmt.Errorf("failed to create file: %w", err)
			}
			if _, err := io.Copy(f, tr); err != nil {
				_ = f.Close()
				return fmt.Errorf("failed to write file: %w", err)
			}
			_ = f.Close()
		}
	}

	logger.Info("restored snapshot %s", filename)
	return nil
}

// List returns all snapshots, newest first.
func (m *Manager) List() ([]Snapshot, error) {
	entries, err := os.ReadDir(m.backupDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read backup directory: %w", err)
	}

	var snapshots []Snapshot
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, snapshotPrefix) || !strings.HasSuffix(name, ".tar.gz") {
			continue
		}
		dateStr := strings.TrimSuffix(strings.TrimPrefix(name, snapshotPrefix), ".tar.gz")
		timestamp, err := time.Parse("20060102_150405", dateStr)
		if err != nil {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		snapshots = append(snapshots, Snapshot{
			Timestamp: timestamp,
			Filename:  name,
			SizeBytes: info.Size(),
		})
	}

	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].Timestamp.After(snapshots[j].Timestamp)
	})
	return snapshots, nil
}

func (m *Manager) enforceRetention() {
	if m.retention <= 0 {
		return
	}
	snapshots, err := m.List()
	if err != nil || len(snapshots) <= m.retention {
		return
	}
	for i := m.retention; i < len(snapshots); i++ {
		path := filepath.Join(m.backupDir, snapshots[i].Filename)
		if err := os.Remove(path); err == nil {
			logger.Info("removed old snapshot %s", snapshots[i].Filename)
		}
	}
}
