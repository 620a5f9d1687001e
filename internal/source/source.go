// Package source turns a remote repository into a local directory tree.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/splax/hoster/internal/domain"
	"github.com/splax/hoster/internal/workspace"
)

// Modes select how the tree is fetched.
const (
	ModeArchive = "archive"
	ModeGit     = "git"
)

// Downloader fetches a repository archive.
type Downloader interface {
	DownloadArchive(ctx context.Context, token, owner, repo string) (io.ReadCloser, error)
}

// Cloner clones a repository into a directory.
type Cloner interface {
	Clone(ctx context.Context, repoURL, token, dest string) error
}

// Config tunes the materializer.
type Config struct {
	Mode     string
	MaxBytes int64
	// GitBaseURL prefixes owner/repo to form clone URLs in git mode.
	GitBaseURL string
	GitTimeout time.Duration
}

// Materializer downloads and unpacks repositories into job scratch space.
type Materializer struct {
	logger     *slog.Logger
	cfg        Config
	downloader Downloader
	cloner     Cloner
}

// New constructs a Materializer. cloner may be nil when git mode is unused.
func New(logger *slog.Logger, cfg Config, downloader Downloader, cloner Cloner) *Materializer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeArchive
	}
	if cfg.GitBaseURL == "" {
		cfg.GitBaseURL = "https://github.com"
	}
	return &Materializer{logger: logger, cfg: cfg, downloader: downloader, cloner: cloner}
}

// Request identifies what to materialize.
type Request struct {
	Token       string
	Owner       string
	Repo        string
	ProjectPath string
}

// Tree is a materialized repository.
type Tree struct {
	// ExtractionRoot is the repository root folder.
	ExtractionRoot string
	// ProjectRoot is ExtractionRoot joined with the classified project path.
	ProjectRoot string
	Files       int
}

// Materialize fetches the repository into scratch.Source. The caller owns
// scratch and removes it when the job ends.
func (m *Materializer) Materialize(ctx context.Context, req Request, scratch workspace.Scratch) (Tree, error) {
	var (
		root  string
		files int
		err   error
	)
	switch m.cfg.Mode {
	case ModeGit:
		root, err = m.clone(ctx, req, scratch)
	default:
		root, files, err = m.unpack(ctx, req, scratch)
	}
	if err != nil {
		return Tree{}, err
	}
	projectRoot, err := ResolveProjectRoot(root, req.ProjectPath)
	if err != nil {
		return Tree{}, err
	}
	m.logger.Info("source materialized",
		"owner", req.Owner,
		"repo", req.Repo,
		"mode", m.cfg.Mode,
		"files", files,
		"project_path", req.ProjectPath,
	)
	return Tree{ExtractionRoot: root, ProjectRoot: projectRoot, Files: files}, nil
}

func (m *Materializer) unpack(ctx context.Context, req Request, scratch workspace.Scratch) (string, int, error) {
	if m.downloader == nil {
		return "", 0, domain.E(domain.KindDownloadFailed, "no archive downloader configured")
	}
	if err := m.download(ctx, req, scratch.Archive); err != nil {
		return "", 0, err
	}
	files, err := Extract(scratch.Archive, scratch.Source, m.cfg.MaxBytes)
	if err != nil {
		return "", files, domain.Wrap(domain.KindExtractionError, "extract archive", err)
	}
	// The archive is no longer needed once extracted.
	_ = os.Remove(scratch.Archive)
	root, err := SelectRoot(scratch.Source)
	if err != nil {
		return "", files, err
	}
	return root, files, nil
}

func (m *Materializer) download(ctx context.Context, req Request, dest string) error {
	body, err := m.downloader.DownloadArchive(ctx, req.Token, req.Owner, req.Repo)
	if err != nil {
		return domain.Wrap(domain.KindDownloadFailed, "download archive", err)
	}
	defer body.Close()
	out, err := os.Create(dest)
	if err != nil {
		return domain.Wrap(domain.KindDownloadFailed, "create archive file", err)
	}
	var src io.Reader = body
	if m.cfg.MaxBytes > 0 {
		src = io.LimitReader(body, m.cfg.MaxBytes+1)
	}
	n, err := io.Copy(out, src)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return domain.Wrap(domain.KindDownloadFailed, "persist archive", err)
	}
	if m.cfg.MaxBytes > 0 && n > m.cfg.MaxBytes {
		return domain.Wrap(domain.KindDownloadFailed, "persist archive", ErrArchiveTooLarge)
	}
	return nil
}

func (m *Materializer) clone(ctx context.Context, req Request, scratch workspace.Scratch) (string, error) {
	if m.cloner == nil {
		return "", domain.E(domain.KindDownloadFailed, "no git cloner configured")
	}
	dest := filepath.Join(scratch.Source, req.Repo)
	url := strings.TrimRight(m.cfg.GitBaseURL, "/") + "/" + req.Owner + "/" + req.Repo + ".git"
	if m.cfg.GitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.GitTimeout)
		defer cancel()
	}
	if err := m.cloner.Clone(ctx, url, req.Token, dest); err != nil {
		return "", domain.Wrap(domain.KindDownloadFailed, "clone repository", err)
	}
	return dest, nil
}

// SelectRoot returns the single top-level folder of an extracted archive.
// When the archive was not wrapped in one folder, dir itself is the root.
func SelectRoot(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", domain.Wrap(domain.KindExtractionError, "read extraction directory", err)
	}
	if len(entries) == 0 {
		return "", domain.E(domain.KindExtractionError, "archive contained no entries")
	}
	if len(entries) == 1 && entries[0].IsDir() {
		return filepath.Join(dir, entries[0].Name()), nil
	}
	return dir, nil
}

// ResolveProjectRoot joins root with a slash separated project path and checks
// the result is an existing directory inside root.
func ResolveProjectRoot(root, projectPath string) (string, error) {
	p := strings.Trim(projectPath, "/")
	if p == "" {
		return root, nil
	}
	clean := path.Clean(p)
	if clean == ".." || strings.HasPrefix(clean, "../") || path.IsAbs(clean) {
		return "", domain.E(domain.KindPathNotFound, fmt.Sprintf("project path %q is outside the repository", projectPath))
	}
	full := filepath.Join(root, filepath.FromSlash(clean))
	info, err := os.Stat(full)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", domain.E(domain.KindPathNotFound, fmt.Sprintf("project path %q not found", projectPath))
		}
		return "", domain.Wrap(domain.KindPathNotFound, "stat project path", err)
	}
	if !info.IsDir() {
		return "", domain.E(domain.KindPathNotFound, fmt.Sprintf("project path %q is not a directory", projectPath))
	}
	return full, nil
}
