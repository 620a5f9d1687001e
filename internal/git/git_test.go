package git

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
)

func TestCloneValidatesArguments(t *testing.T) {
	c := NewCloner()
	if err := c.Clone(context.Background(), "", "", t.TempDir()); err == nil {
		t.Fatalf("expected error for empty url")
	}
	if err := c.Clone(context.Background(), "https://example.com/r.git", "", ""); err == nil {
		t.Fatalf("expected error for empty destination")
	}
}

func TestCloneLocalRepositoryDropsMetadata(t *testing.T) {
	origin := t.TempDir()
	repo, err := gogit.PlainInit(origin, false)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := os.WriteFile(filepath.Join(origin, "package.json"), []byte(`{"name":"app"}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatalf("worktree: %v", err)
	}
	if _, err := wt.Add("package.json"); err != nil {
		t.Fatalf("add: %v", err)
	}
	sig := &object.Signature{Name: "test", Email: "test@example.com", When: time.Now()}
	if _, err := wt.Commit("init", &gogit.CommitOptions{Author: sig}); err != nil {
		t.Fatalf("commit: %v", err)
	}

	dest := filepath.Join(t.TempDir(), "clone")
	c := &Cloner{}
	if err := c.Clone(context.Background(), origin, "", dest); err != nil {
		t.Fatalf("clone: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dest, "package.json")); err != nil {
		t.Fatalf("expected package.json in clone: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dest, ".git")); !os.IsNotExist(err) {
		t.Fatalf("expected .git to be removed, stat err=%v", err)
	}
}
