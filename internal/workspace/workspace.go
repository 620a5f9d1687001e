package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Manager owns attempt-scoped scratch directories under a common root.
type Manager struct {
	root string
}

// Scratch is the directory layout handed to one build or run attempt.
type Scratch struct {
	ID string
	// Dir is the attempt root; removing it reclaims everything below.
	Dir string
	// Archive is where a downloaded source archive is persisted.
	Archive string
	// Source receives the extracted or cloned tree.
	Source string
	// Output is the only directory a sandbox may write to.
	Output string
}

// New ensures the workspace root exists and is accessible.
func New(root string) (*Manager, error) {
	if root == "" {
		return nil, fmt.Errorf("workspace root cannot be empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &Manager{root: abs}, nil
}

// Root returns the absolute workspace root.
func (m *Manager) Root() string { return m.root }

// Prepare creates an isolated directory for the provided identifier.
func (m *Manager) Prepare(identifier string) (Scratch, error) {
	if err := validIdentifier(identifier); err != nil {
		return Scratch{}, err
	}
	dir := filepath.Join(m.root, identifier)
	if err := os.RemoveAll(dir); err != nil {
		return Scratch{}, fmt.Errorf("cleanup workspace: %w", err)
	}
	s := Scratch{
		ID:      identifier,
		Dir:     dir,
		Archive: filepath.Join(dir, "source.zip"),
		Source:  filepath.Join(dir, "src"),
		Output:  filepath.Join(dir, "output"),
	}
	for _, d := range []string{s.Source, s.Output} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return Scratch{}, fmt.Errorf("create workspace: %w", err)
		}
	}
	return s, nil
}

// Cleanup removes the workspace directory.
func (m *Manager) Cleanup(path string) error {
	if path == "" {
		return nil
	}
	// Only directories strictly inside the root may be removed.
	rel, err := filepath.Rel(m.root, path)
	if err != nil || rel == "." || rel == "" || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("refusing to cleanup path outside workspace root")
	}
	return os.RemoveAll(path)
}

// CleanupByID removes the workspace associated with the provided identifier.
func (m *Manager) CleanupByID(identifier string) error {
	if err := validIdentifier(identifier); err != nil {
		return err
	}
	return m.Cleanup(filepath.Join(m.root, identifier))
}

// Sweep removes every attempt directory whose identifier keep rejects. It
// reclaims scratch left behind by a process that died mid-job, so it must run
// before any new attempt is prepared.
func (m *Manager) Sweep(keep func(identifier string) bool) (int, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return 0, fmt.Errorf("read workspace root: %w", err)
	}
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() || (keep != nil && keep(entry.Name())) {
			continue
		}
		if err := m.Cleanup(filepath.Join(m.root, entry.Name())); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func validIdentifier(identifier string) error {
	if identifier == "" {
		return fmt.Errorf("workspace identifier cannot be empty")
	}
	if strings.ContainsAny(identifier, `/\`) || identifier == "." || identifier == ".." {
		return fmt.Errorf("invalid workspace identifier %q", identifier)
	}
	return nil
}
