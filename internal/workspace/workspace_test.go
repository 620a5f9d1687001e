package workspace

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPrepareCreatesLayout(t *testing.T) {
	m, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	s, err := m.Prepare("attempt-1")
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	for _, dir := range []string{s.Source, s.Output} {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			t.Fatalf("expected directory %s", dir)
		}
	}
	if filepath.Dir(s.Archive) != s.Dir {
		t.Fatalf("archive should live in attempt dir, got %s", s.Archive)
	}
}

func TestPrepareRejectsTraversal(t *testing.T) {
	m, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	for _, id := range []string{"", "..", "a/b", `a\b`} {
		if _, err := m.Prepare(id); err == nil {
			t.Fatalf("expected %q to be rejected", id)
		}
	}
}

func TestCleanupRefusesOutsideRoot(t *testing.T) {
	m, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	outside := t.TempDir()
	if err := m.Cleanup(outside); err == nil {
		t.Fatalf("expected cleanup outside root to fail")
	}
	if err := m.Cleanup(m.Root()); err == nil {
		t.Fatalf("expected cleanup of root itself to fail")
	}
	if _, err := os.Stat(outside); err != nil {
		t.Fatalf("outside dir should survive: %v", err)
	}
}

func TestCleanupByIDRemovesScratch(t *testing.T) {
	m, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	s, err := m.Prepare("attempt-2")
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if err := os.WriteFile(filepath.Join(s.Output, "index.html"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := m.CleanupByID("attempt-2"); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if _, err := os.Stat(s.Dir); !os.IsNotExist(err) {
		t.Fatalf("expected scratch removed, stat err=%v", err)
	}
}

func TestSweepKeepsMountedAttempts(t *testing.T) {
	m, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	orphan, err := m.Prepare("orphan")
	if err != nil {
		t.Fatalf("prepare orphan: %v", err)
	}
	mounted, err := m.Prepare("mounted")
	if err != nil {
		t.Fatalf("prepare mounted: %v", err)
	}
	if err := os.WriteFile(filepath.Join(m.Root(), "stray.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write stray file: %v", err)
	}
	removed, err := m.Sweep(func(id string) bool { return id == "mounted" })
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removal, got %d", removed)
	}
	if _, err := os.Stat(orphan.Dir); !os.IsNotExist(err) {
		t.Fatalf("orphaned attempt should be removed, got %v", err)
	}
	if _, err := os.Stat(mounted.Source); err != nil {
		t.Fatalf("mounted attempt should survive: %v", err)
	}
}
