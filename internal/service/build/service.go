package build

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/splax/hoster/internal/classify"
	"github.com/splax/hoster/internal/domain"
	"github.com/splax/hoster/internal/patch"
	"github.com/splax/hoster/internal/source"
	"github.com/splax/hoster/internal/workspace"
)

// SourceFunc opens a remote repository for classification.
type SourceFunc func(token, owner, repo string) classify.Source

// Materializer fetches a repository into a scratch directory.
type Materializer interface {
	Materialize(ctx context.Context, req source.Request, scratch workspace.Scratch) (source.Tree, error)
}

// Publisher uploads validated artifacts. A nil Publisher means object
// storage is not configured.
type Publisher interface {
	Publish(ctx context.Context, owner, repo string, artifact domain.BuildArtifact) (domain.PublishResult, error)
	Delete(ctx context.Context, owner, repo string) (int, error)
	List(ctx context.Context) ([]domain.BuildSummary, error)
	WebsiteURL(owner, repo string) string
}

// Config controls the build pipeline.
type Config struct {
	SandboxAvailable bool
	KeepLocalCopy    bool
	BuildsDir        string
	PatchIndexPaths  bool
	// LogLimit bounds the lines retained on a job; zero keeps everything.
	LogLimit int
}

// failureLogTail is how many trailing output lines a failed build logs.
const failureLogTail = 20

// Service runs the classify, materialize, patch, build, publish pipeline.
type Service struct {
	sources    SourceFunc
	classifier *classify.Classifier
	source     Materializer
	patcher    *patch.Patcher
	executor   *Executor
	publisher  Publisher
	workspace  *workspace.Manager
	logger     *slog.Logger
	cfg        Config
	now        func() time.Time
}

// Deps groups the collaborators of a Service.
type Deps struct {
	Sources    SourceFunc
	Classifier *classify.Classifier
	Source     Materializer
	Patcher    *patch.Patcher
	Executor   *Executor
	Publisher  Publisher
	Workspace  *workspace.Manager
	Logger     *slog.Logger
}

// New creates a build service.
func New(deps Deps, cfg Config) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BuildsDir == "" {
		cfg.BuildsDir = "./builds"
	}
	return &Service{
		sources:    deps.Sources,
		classifier: deps.Classifier,
		source:     deps.Source,
		patcher:    deps.Patcher,
		executor:   deps.Executor,
		publisher:  deps.Publisher,
		workspace:  deps.Workspace,
		logger:     logger,
		cfg:        cfg,
		now:        time.Now,
	}
}

// Request identifies the repository to build.
type Request struct {
	Token string
	Owner string
	Repo  string
}

// Outcome describes a build attempt. It is returned alongside failures so
// callers can surface the job log.
type Outcome struct {
	Job            *domain.BuildJob             `json:"job"`
	Classification domain.ProjectClassification `json:"classification"`
	Patch          patch.Report                 `json:"patch"`
	Artifact       domain.BuildArtifact         `json:"artifact"`
	Publish        *domain.PublishResult        `json:"publish,omitempty"`
	LocalPath      string                       `json:"local_path,omitempty"`
	Warnings       []string                     `json:"warnings,omitempty"`
}

// Build runs one attempt end to end. Scratch state is removed on every path.
func (s *Service) Build(ctx context.Context, req Request) (*Outcome, error) {
	req.Owner = strings.TrimSpace(req.Owner)
	req.Repo = strings.TrimSpace(req.Repo)
	if err := domain.ValidateProject(req.Owner, req.Repo); err != nil {
		return nil, err
	}
	if !s.cfg.SandboxAvailable {
		return nil, domain.ErrSandboxUnavailable
	}
	if s.publisher == nil && !s.cfg.KeepLocalCopy {
		return nil, domain.ErrStorageNotConfigured
	}

	attemptID := uuid.NewString()
	job := domain.NewBuildJob(req.Owner, req.Repo, attemptID, s.now())
	out := &Outcome{Job: job}
	logger := s.logger.With("job_id", job.ID, "attempt_id", attemptID)
	agg := newLogAggregator(s.cfg.LogLimit, func(line string) {
		logger.Debug("build output", "line", line)
	})
	defer func() {
		agg.Flush()
		job.LogLines = agg.Lines()
	}()

	err := s.run(ctx, req, job, out, agg, logger)
	if err != nil {
		agg.Flush()
		tail := agg.Snapshot(failureLogTail)
		agg.Add("build failed: " + err.Error())
		agg.Flush()
		job.LogLines = agg.Lines()
		job.Fail(domain.KindOf(err), s.now())
		logger.Warn("build failed", "stage", job.Status, "kind", domain.KindOf(err), "error", err, "output_tail", tail)
		return out, err
	}
	logger.Info("build succeeded", "files", len(out.Artifact.FileList))
	return out, nil
}

func (s *Service) run(ctx context.Context, req Request, job *domain.BuildJob, out *Outcome, agg *logAggregator, logger *slog.Logger) error {
	agg.Add(fmt.Sprintf("classifying %s", job.ID))
	classification := s.classifier.ClassifyFrontend(ctx, s.sources(req.Token, req.Owner, req.Repo))
	out.Classification = classification
	if classification.Kind != domain.KindFrontendReact {
		return domain.E(domain.KindNotAReactProject, "no React project found at the repository root or one level below")
	}
	out.Warnings = append(out.Warnings, classification.Warnings...)
	job.ProjectPath = classification.ProjectPath
	agg.Add(fmt.Sprintf("detected %s project at %q", classification.FrameworkProfile, displayPath(classification.ProjectPath)))

	scratch, err := s.workspace.Prepare(job.AttemptID)
	if err != nil {
		return domain.Wrap(domain.KindInternal, "prepare workspace", err)
	}
	defer func() {
		if err := s.workspace.Cleanup(scratch.Dir); err != nil {
			logger.Warn("workspace cleanup failed", "path", scratch.Dir, "error", err)
		}
	}()
	job.OutputDir = scratch.Output

	tree, err := s.source.Materialize(ctx, source.Request{
		Token:       req.Token,
		Owner:       req.Owner,
		Repo:        req.Repo,
		ProjectPath: classification.ProjectPath,
	}, scratch)
	if err != nil {
		return err
	}
	job.SourceRoot = tree.ExtractionRoot
	agg.Add("source materialized")

	if err := job.Advance(domain.BuildPatching); err != nil {
		return domain.Wrap(domain.KindInternal, "advance job", err)
	}
	report := s.patcher.Apply(tree.ProjectRoot, classification.FrameworkProfile)
	out.Patch = report
	for _, line := range report.Lines() {
		agg.Add(line)
	}

	if err := job.Advance(domain.BuildBuilding); err != nil {
		return domain.Wrap(domain.KindInternal, "advance job", err)
	}
	artifact, err := s.executor.Run(ctx, ExecInput{
		AttemptID:         job.AttemptID,
		Owner:             req.Owner,
		Repo:              req.Repo,
		ProjectRoot:       tree.ProjectRoot,
		OutputDir:         scratch.Output,
		RequiredNodeMajor: report.RequiredNodeMajor,
	}, ExecHooks{
		OnState: func(state ExecState) {
			agg.Add("sandbox: " + string(state))
			if state == StateLocatingOutput {
				_ = job.Advance(domain.BuildValidatingOutput)
			}
		},
		Log: agg.Add,
	})
	if err != nil {
		return err
	}
	out.Artifact = artifact

	if s.cfg.PatchIndexPaths {
		changed, err := patch.RelativizeIndex(artifact.SourceFolder)
		switch {
		case err != nil:
			agg.Add("index path rewrite skipped: " + err.Error())
		case changed:
			agg.Add("index.html asset paths made relative")
		}
	}

	if err := job.Advance(domain.BuildPublishing); err != nil {
		return domain.Wrap(domain.KindInternal, "advance job", err)
	}
	if s.cfg.KeepLocalCopy {
		dest, err := s.keepLocalCopy(req.Owner, req.Repo, artifact.SourceFolder)
		if err != nil {
			return domain.Wrap(domain.KindInternal, "retain local copy", err)
		}
		out.LocalPath = dest
		agg.Add("local copy written to " + dest)
	}
	if s.publisher != nil {
		result, err := s.publisher.Publish(ctx, req.Owner, req.Repo, artifact)
		if err != nil {
			return err
		}
		out.Publish = &result
		agg.Add(fmt.Sprintf("uploaded %d files", result.Uploaded))
		if result.Skipped > 0 {
			warn := domain.E(domain.KindUploadPartialFailure, fmt.Sprintf("%d of %d files failed to upload", result.Skipped, result.Uploaded+result.Skipped))
			out.Warnings = append(out.Warnings, warn.Error())
			agg.Add(warn.Error())
		}
	}
	return job.Succeed(s.now())
}

// localDir resolves the retained copy of owner/repo. The result is always a
// direct child of BuildsDir.
func (s *Service) localDir(owner, repo string) (string, error) {
	if err := domain.ValidateProject(owner, repo); err != nil {
		return "", err
	}
	base, err := filepath.Abs(s.cfg.BuildsDir)
	if err != nil {
		return "", domain.Wrap(domain.KindInternal, "resolve builds dir", err)
	}
	dir := filepath.Join(base, owner+"_"+repo)
	if filepath.Dir(dir) != base {
		return "", domain.E(domain.KindInvalidRequest, fmt.Sprintf("build path for %s/%s escapes the builds directory", owner, repo))
	}
	return dir, nil
}

func (s *Service) keepLocalCopy(owner, repo, folder string) (string, error) {
	dest, err := s.localDir(owner, repo)
	if err != nil {
		return "", err
	}
	if err := os.RemoveAll(dest); err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", err
	}
	if err := os.CopyFS(dest, os.DirFS(folder)); err != nil {
		return "", err
	}
	return dest, nil
}

// ListBuilds merges published builds with retained local copies.
func (s *Service) ListBuilds(ctx context.Context) ([]domain.BuildSummary, error) {
	var builds []domain.BuildSummary
	if s.publisher != nil {
		published, err := s.publisher.List(ctx)
		if err != nil {
			return nil, err
		}
		builds = append(builds, published...)
	}
	local, err := s.listLocal()
	if err != nil {
		return nil, err
	}
	builds = append(builds, local...)
	sort.SliceStable(builds, func(i, j int) bool {
		if builds[i].Owner != builds[j].Owner {
			return builds[i].Owner < builds[j].Owner
		}
		if builds[i].Repo != builds[j].Repo {
			return builds[i].Repo < builds[j].Repo
		}
		return builds[i].Location < builds[j].Location
	})
	return builds, nil
}

func (s *Service) listLocal() ([]domain.BuildSummary, error) {
	entries, err := os.ReadDir(s.cfg.BuildsDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read builds dir: %w", err)
	}
	var out []domain.BuildSummary
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		owner, repo, ok := strings.Cut(entry.Name(), "_")
		if !ok || owner == "" || repo == "" {
			continue
		}
		files := 0
		_ = filepath.WalkDir(filepath.Join(s.cfg.BuildsDir, entry.Name()), func(_ string, d os.DirEntry, err error) error {
			if err == nil && d.Type().IsRegular() {
				files++
			}
			return nil
		})
		out = append(out, domain.BuildSummary{Owner: owner, Repo: repo, FileCount: files, Location: "local"})
	}
	return out, nil
}

// DeleteBuild removes the published objects and any local copy. It returns
// the number of objects deleted from storage.
func (s *Service) DeleteBuild(ctx context.Context, owner, repo string) (int, error) {
	owner = strings.TrimSpace(owner)
	repo = strings.TrimSpace(repo)
	dir, err := s.localDir(owner, repo)
	if err != nil {
		return 0, err
	}
	if s.publisher == nil && !s.cfg.KeepLocalCopy {
		return 0, domain.ErrStorageNotConfigured
	}
	deleted := 0
	if s.publisher != nil {
		n, err := s.publisher.Delete(ctx, owner, repo)
		if err != nil {
			return 0, err
		}
		deleted = n
	}
	if err := os.RemoveAll(dir); err != nil {
		return deleted, domain.Wrap(domain.KindInternal, "remove local copy", err)
	}
	s.logger.Info("build deleted", "owner", owner, "repo", repo, "objects", deleted)
	return deleted, nil
}

// Website reports where a published build is served from.
func (s *Service) Website(owner, repo string) (string, error) {
	if err := domain.ValidateProject(owner, repo); err != nil {
		return "", err
	}
	if s.publisher == nil {
		return "", domain.ErrStorageNotConfigured
	}
	return s.publisher.WebsiteURL(owner, repo), nil
}

func displayPath(p string) string {
	if p == "" {
		return "."
	}
	return p
}
