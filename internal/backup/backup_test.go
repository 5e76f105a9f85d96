package backup

import (
	"os"
	"path/filepath"
	"testing"
)

func newTestManager(t *testing.T, retention int) (*Manager, string) {
	t.Helper()
	dataDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dataDir, "projects.db"), []byte("projects"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dataDir, "workspaces.db"), []byte("workspaces"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(dataDir, "logs"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dataDir, "logs", "server.log"), []byte("noise"), 0o644); err != nil {
		t.Fatal(err)
	}

	m, err := New(Config{DataDir: dataDir, BackupDir: t.TempDir(), Retention: retention})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m, dataDir
}

func TestCreateListRestore(t *testing.T) {
	m, dataDir := newTestManager(t, 0)

	snap, err := m.Create()
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if snap.SizeBytes <= 0 {
		t.Errorf("snapshot size = %d", snap.SizeBytes)
	}

	snapshots, err := m.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(snapshots) != 1 || snapshots[0].Filename != snap.Filename {
		t.Fatalf("list = %+v", snapshots)
	}

	// Corrupt the live data, then restore.
	if err := os.WriteFile(filepath.Join(dataDir, "projects.db"), []byte("garbage"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := m.Restore(snap.Filename); err != nil {
		t.Fatalf("restore: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(dataDir, "projects.db"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "projects" {
		t.Errorf("restored projects.db = %q", got)
	}

	// Log files stay out of snapshots, so restore leaves them alone.
	if _, err := os.Stat(filepath.Join(dataDir, "logs", "server.log")); err != nil {
		t.Errorf("log file disturbed: %v", err)
	}
}

func TestRestoreUnknownSnapshot(t *testing.T) {
	m, _ := newTestManager(t, 0)
	if err := m.Restore("meshgate_20990101_000000.tar.gz"); err == nil {
		t.Error("restore of missing snapshot succeeded")
	}
}
