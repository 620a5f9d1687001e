package classify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"sync"

	"github.com/splax/hoster/internal/domain"
)

// ErrNotDirectory is returned by DirSource when a listed path is a file.
var ErrNotDirectory = errors.New("not a directory")

// DirSource exposes a local directory as a Source. Reads cannot escape the
// directory.
type DirSource struct {
	root string
}

// NewDirSource returns a Source rooted at dir.
func NewDirSource(dir string) *DirSource {
	return &DirSource{root: dir}
}

// List returns the entries of dir sorted by name.
func (d *DirSource) List(ctx context.Context, dir string) ([]domain.TreeEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	root, err := os.OpenRoot(d.root)
	if err != nil {
		return nil, err
	}
	defer root.Close()
	name := cleanRel(dir)
	info, err := root.Stat(name)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s: %w", dir, ErrNotDirectory)
	}
	entries, err := fs.ReadDir(root.FS(), name)
	if err != nil {
		return nil, err
	}
	out := make([]domain.TreeEntry, 0, len(entries))
	for _, e := range entries {
		typ := domain.EntryFile
		if e.IsDir() {
			typ = domain.EntryDir
		}
		out = append(out, domain.TreeEntry{Name: e.Name(), Type: typ})
	}
	return out, nil
}

// ReadFile returns the content of file.
func (d *DirSource) ReadFile(ctx context.Context, file string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	root, err := os.OpenRoot(d.root)
	if err != nil {
		return nil, err
	}
	defer root.Close()
	f, err := root.Open(cleanRel(file))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func cleanRel(p string) string {
	c := path.Clean("/" + p)
	if c == "/" {
		return "."
	}
	return c[1:]
}

// cachingSource memoises a Source for the duration of one Classify call, which
// walks the same tree twice.
type cachingSource struct {
	inner Source
	mu    sync.Mutex
	lists map[string]listResult
	files map[string]fileResult
}

type listResult struct {
	entries []domain.TreeEntry
	err     error
}

type fileResult struct {
	data []byte
	err  error
}

func newCachingSource(inner Source) *cachingSource {
	return &cachingSource{
		inner: inner,
		lists: map[string]listResult{},
		files: map[string]fileResult{},
	}
}

func (c *cachingSource) List(ctx context.Context, dir string) ([]domain.TreeEntry, error) {
	c.mu.Lock()
	r, ok := c.lists[dir]
	c.mu.Unlock()
	if ok {
		return r.entries, r.err
	}
	entries, err := c.inner.List(ctx, dir)
	c.mu.Lock()
	c.lists[dir] = listResult{entries: entries, err: err}
	c.mu.Unlock()
	return entries, err
}

func (c *cachingSource) ReadFile(ctx context.Context, file string) ([]byte, error) {
	c.mu.Lock()
	r, ok := c.files[file]
	c.mu.Unlock()
	if ok {
		return r.data, r.err
	}
	data, err := c.inner.ReadFile(ctx, file)
	c.mu.Lock()
	c.files[file] = fileResult{data: data, err: err}
	c.mu.Unlock()
	return data, err
}
