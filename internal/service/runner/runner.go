package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/splax/hoster/internal/classify"
	"github.com/splax/hoster/internal/docker"
	"github.com/splax/hoster/internal/domain"
	"github.com/splax/hoster/internal/source"
	"github.com/splax/hoster/internal/workspace"
)

// Sandbox is the container runtime backends run on.
type Sandbox interface {
	EnsureImage(ctx context.Context, ref string, onOutput docker.OutputCallback) error
	RunContainer(ctx context.Context, spec docker.RunSpec) (docker.ContainerInfo, error)
	Stop(ctx context.Context, containerID string, grace time.Duration) error
	RemoveContainer(ctx context.Context, containerID string) error
	WaitForStop(ctx context.Context, containerID string) (int64, error)
	IsRunning(ctx context.Context, containerID string) (bool, error)
	Logs(ctx context.Context, containerID string, tail int) ([]string, error)
	FollowLogs(ctx context.Context, containerID string, tail int, onLine docker.OutputCallback) error
	ListManaged(ctx context.Context, role string) ([]docker.ManagedContainer, error)
}

// SourceFunc opens a remote repository for classification.
type SourceFunc func(token, owner, repo string) classify.Source

// Materializer fetches a repository into a scratch directory.
type Materializer interface {
	Materialize(ctx context.Context, req source.Request, scratch workspace.Scratch) (source.Tree, error)
}

// Config controls backend sandboxes.
type Config struct {
	SandboxAvailable bool
	NodeImage        string
	NodeMajor        int
	PythonImage      string
	PortStrategy     PortStrategy
	InternalPort     int
	StopGrace        time.Duration
	StartTimeout     time.Duration
	LogTail          int
	MemoryBytes      int64
	NanoCPUs         int64
	PidsLimit        int64
}

// Deps groups the collaborators of a Runner.
type Deps struct {
	Sandbox    Sandbox
	Sources    SourceFunc
	Classifier *classify.Classifier
	Source     Materializer
	Workspace  *workspace.Manager
	Logger     *slog.Logger
}

// Runner starts, tracks and stops backend sandboxes.
type Runner struct {
	sandbox    Sandbox
	sources    SourceFunc
	classifier *classify.Classifier
	source     Materializer
	workspace  *workspace.Manager
	logger     *slog.Logger
	cfg        Config
	registry   *Registry
	starts     singleflight.Group
	now        func() time.Time

	// monitors outlive the request that started them.
	monitorCtx    context.Context
	stopMonitors  context.CancelFunc
	monitors      sync.WaitGroup
	monitorExited func(domain.RunningInstance)
}

// New creates a runner. Close stops its monitors.
func New(deps Deps, cfg Config) *Runner {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.NodeImage == "" {
		cfg.NodeImage = "node:20-alpine"
	}
	if cfg.NodeMajor == 0 {
		cfg.NodeMajor = 20
	}
	if cfg.PythonImage == "" {
		cfg.PythonImage = "python:3.11-slim"
	}
	if cfg.InternalPort <= 0 {
		cfg.InternalPort = 8080
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 10 * time.Second
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 10 * time.Minute
	}
	if cfg.LogTail <= 0 {
		cfg.LogTail = 200
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		sandbox:      deps.Sandbox,
		sources:      deps.Sources,
		classifier:   deps.Classifier,
		source:       deps.Source,
		workspace:    deps.Workspace,
		logger:       logger,
		cfg:          cfg,
		registry:     NewRegistry(),
		now:          time.Now,
		monitorCtx:   ctx,
		stopMonitors: cancel,
	}
}

// Close detaches every monitor without touching the sandboxes, which stay
// running and are adopted again by Reconcile.
func (r *Runner) Close() {
	r.stopMonitors()
	r.monitors.Wait()
}

// Registry exposes the live instance table.
func (r *Runner) Registry() *Registry {
	return r.registry
}

// Request identifies the backend to start.
type Request struct {
	Token string
	Owner string
	Repo  string
}

// Start runs the backend for owner/repo, or returns the live instance if one
// is already registered. Concurrent callers for the same project share one
// attempt, which is bounded by StartTimeout rather than by any single
// caller's context. A caller that gives up early leaves the attempt running
// for the others.
func (r *Runner) Start(ctx context.Context, req Request) (domain.RunningInstance, error) {
	req.Owner = strings.TrimSpace(req.Owner)
	req.Repo = strings.TrimSpace(req.Repo)
	if err := domain.ValidateProject(req.Owner, req.Repo); err != nil {
		return domain.RunningInstance{}, err
	}
	if !r.cfg.SandboxAvailable {
		return domain.RunningInstance{}, domain.ErrSandboxUnavailable
	}
	key := domain.ProjectKey(req.Owner, req.Repo)
	ch := r.starts.DoChan(key, func() (any, error) {
		startCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.StartTimeout)
		defer cancel()
		if inst, ok := r.live(startCtx, key); ok {
			return inst, nil
		}
		return r.start(startCtx, req)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return domain.RunningInstance{}, res.Err
		}
		return res.Val.(domain.RunningInstance), nil
	case <-ctx.Done():
		return domain.RunningInstance{}, domain.Wrap(domain.KindInternal, "wait for backend start", ctx.Err())
	}
}

// live returns the registered instance if its sandbox still runs, pruning a
// stale entry otherwise.
func (r *Runner) live(ctx context.Context, key string) (domain.RunningInstance, bool) {
	inst, ok := r.registry.Get(key)
	if !ok {
		return domain.RunningInstance{}, false
	}
	running, err := r.sandbox.IsRunning(ctx, inst.ContainerID)
	if err != nil {
		r.logger.Warn("inspect backend failed", "key", key, "container_id", inst.ContainerID, "error", err)
		return inst, true
	}
	if running {
		return inst, true
	}
	r.logger.Info("pruning stale backend", "key", key, "container_id", inst.ContainerID)
	r.release(ctx, key, inst.ContainerID)
	return domain.RunningInstance{}, false
}

func (r *Runner) start(ctx context.Context, req Request) (inst domain.RunningInstance, err error) {
	logger := r.logger.With("owner", req.Owner, "repo", req.Repo)
	classification := r.classifier.ClassifyBackend(ctx, r.sources(req.Token, req.Owner, req.Repo))
	if !classification.Kind.IsBackend() {
		return inst, domain.E(domain.KindNotABackendProject, "no Node.js or Python backend found at the repository root or one level below")
	}

	attemptID := uuid.NewString()
	scratch, err := r.workspace.Prepare(attemptID)
	if err != nil {
		return inst, domain.Wrap(domain.KindInternal, "prepare workspace", err)
	}
	defer func() {
		if err != nil {
			r.cleanupScratch(attemptID)
		}
	}()

	tree, err := r.source.Materialize(ctx, source.Request{
		Token:       req.Token,
		Owner:       req.Owner,
		Repo:        req.Repo,
		ProjectPath: classification.ProjectPath,
	}, scratch)
	if err != nil {
		return inst, err
	}
	if local := r.classifier.ClassifyBackend(ctx, classify.NewDirSource(tree.ExtractionRoot)); local.Kind.IsBackend() && local.ProjectPath == classification.ProjectPath {
		classification = local
	}

	plan, err := planLaunch(classification, tree.ProjectRoot, images{
		node:      r.cfg.NodeImage,
		nodeMajor: r.cfg.NodeMajor,
		python:    r.cfg.PythonImage,
	})
	if err != nil {
		return inst, err
	}
	ports, err := planPorts(r.cfg.PortStrategy, r.cfg.InternalPort)
	if err != nil {
		return inst, domain.Wrap(domain.KindSandboxUnavailable, "allocate port", err)
	}

	if err := r.sandbox.EnsureImage(ctx, plan.image, func(line string) {
		logger.Debug("image pull", "image", plan.image, "line", line)
	}); err != nil {
		return inst, domain.Wrap(domain.KindSandboxUnavailable, "pull "+plan.image, err)
	}

	info, err := r.sandbox.RunContainer(ctx, docker.RunSpec{
		Name:       "hoster-run-" + attemptID,
		Image:      plan.image,
		Cmd:        docker.ShellCommand(plan.script()),
		Env:        []string{"PORT=" + strconv.Itoa(ports.listen), "HOST=0.0.0.0", "PYTHONUNBUFFERED=1", "HOME=/tmp"},
		WorkingDir: "/",
		Mounts:     []docker.Mount{{Source: tree.ProjectRoot, Target: sourceMount, ReadOnly: true}},
		Ports:      ports.bindings,
		Labels: map[string]string{
			docker.LabelManaged: "true",
			docker.LabelRole:    docker.RoleBackend,
			docker.LabelOwner:   req.Owner,
			docker.LabelRepo:    req.Repo,
			docker.LabelKind:    string(classification.Kind),
			docker.LabelProfile: string(classification.FrameworkProfile),
			docker.LabelPort:    strconv.Itoa(ports.listen),
			docker.LabelAttempt: attemptID,
		},
		Limits: docker.Limits{
			MemoryBytes: r.cfg.MemoryBytes,
			NanoCPUs:    r.cfg.NanoCPUs,
			PidsLimit:   r.cfg.PidsLimit,
		},
	})
	if err != nil {
		if info.ID != "" {
			r.removeContainer(info.ID)
		}
		return inst, domain.Wrap(domain.KindSandboxUnavailable, "start backend sandbox", err)
	}
	hostPort, convErr := strconv.Atoi(info.HostPort(ports.containerPort()))
	if convErr != nil || hostPort == 0 {
		r.removeContainer(info.ID)
		return inst, domain.Wrap(domain.KindSandboxUnavailable, "backend sandbox has no published port", convErr)
	}

	inst = domain.RunningInstance{
		Owner:       req.Owner,
		Repo:        req.Repo,
		ContainerID: info.ID,
		Port:        hostPort,
		BackendKind: classification.Kind,
		Profile:     classification.FrameworkProfile,
		LocalURL:    localURL(hostPort),
		StartedAt:   r.now(),
		Status:      domain.InstanceRunning,
	}
	registered, inserted := r.registry.InsertIfAbsent(inst, attemptID)
	if !inserted {
		r.removeContainer(info.ID)
		r.cleanupScratch(attemptID)
		return registered, nil
	}
	r.watch(inst)
	logger.Info("backend started",
		"container_id", info.ID,
		"port", hostPort,
		"profile", classification.FrameworkProfile,
		"command", plan.start,
	)
	return inst, nil
}

// watch attaches the exit monitor for inst.
func (r *Runner) watch(inst domain.RunningInstance) {
	r.monitors.Add(1)
	go func() {
		defer r.monitors.Done()
		r.monitor(inst)
	}()
}

func (r *Runner) monitor(inst domain.RunningInstance) {
	exitCode, err := r.sandbox.WaitForStop(r.monitorCtx, inst.ContainerID)
	if r.monitorCtx.Err() != nil {
		return
	}
	logger := r.logger.With("owner", inst.Owner, "repo", inst.Repo, "container_id", inst.ContainerID)
	if err != nil {
		logger.Warn("backend wait failed", "error", err)
	} else {
		logger.Info("backend exited", "exit_code", exitCode, "uptime_seconds", int64(r.now().Sub(inst.StartedAt).Seconds()))
	}
	r.release(r.monitorCtx, inst.Key(), inst.ContainerID)
	if r.monitorExited != nil {
		r.monitorExited(inst)
	}
}

// release unregisters the instance and reclaims its sandbox and scratch.
func (r *Runner) release(ctx context.Context, key, containerID string) {
	attemptID, removed := r.registry.RemoveIfPresent(key, containerID)
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := r.sandbox.RemoveContainer(cleanupCtx, containerID); err != nil {
		r.logger.Warn("backend cleanup failed", "key", key, "container_id", containerID, "error", err)
	}
	if removed {
		r.cleanupScratch(attemptID)
	}
}

func (r *Runner) removeContainer(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := r.sandbox.RemoveContainer(ctx, containerID); err != nil {
		r.logger.Warn("backend cleanup failed", "container_id", containerID, "error", err)
	}
}

func (r *Runner) cleanupScratch(attemptID string) {
	if attemptID == "" || r.workspace == nil {
		return
	}
	if err := r.workspace.CleanupByID(attemptID); err != nil {
		r.logger.Warn("workspace cleanup failed", "attempt_id", attemptID, "error", err)
	}
}

// Stop asks the backend to exit within the grace period and then removes it.
// Unknown keys fail with NotRunning without touching the sandbox runtime.
func (r *Runner) Stop(ctx context.Context, owner, repo string) error {
	key := domain.ProjectKey(owner, repo)
	inst, ok := r.registry.Get(key)
	if !ok {
		return domain.Wrap(domain.KindNotRunning, key+" is not running", nil)
	}
	if err := r.sandbox.Stop(ctx, inst.ContainerID, r.cfg.StopGrace); err != nil && !errors.Is(err, docker.ErrNotFound) {
		r.logger.Warn("graceful stop failed, forcing removal", "key", key, "container_id", inst.ContainerID, "error", err)
	}
	r.release(ctx, key, inst.ContainerID)
	r.logger.Info("backend stopped", "key", key, "container_id", inst.ContainerID)
	return nil
}

// Status returns the registered instance after confirming it still runs.
func (r *Runner) Status(ctx context.Context, owner, repo string) (domain.RunningInstance, error) {
	key := domain.ProjectKey(owner, repo)
	inst, ok := r.live(ctx, key)
	if !ok {
		return domain.RunningInstance{}, domain.Wrap(domain.KindNotRunning, key+" is not running", nil)
	}
	return inst, nil
}

// Logs returns the most recent output of the backend.
func (r *Runner) Logs(ctx context.Context, owner, repo string) ([]string, error) {
	key := domain.ProjectKey(owner, repo)
	inst, ok := r.registry.Get(key)
	if !ok {
		return nil, domain.Wrap(domain.KindNotRunning, key+" is not running", nil)
	}
	lines, err := r.sandbox.Logs(ctx, inst.ContainerID, r.cfg.LogTail)
	if err != nil {
		if errors.Is(err, docker.ErrNotFound) {
			r.release(ctx, key, inst.ContainerID)
			return nil, domain.Wrap(domain.KindNotRunning, key+" is not running", err)
		}
		return nil, fmt.Errorf("backend logs: %w", err)
	}
	return lines, nil
}

// Follow streams backend output to onLine until ctx ends or the backend exits.
func (r *Runner) Follow(ctx context.Context, owner, repo string, onLine func(string)) error {
	key := domain.ProjectKey(owner, repo)
	inst, ok := r.registry.Get(key)
	if !ok {
		return domain.Wrap(domain.KindNotRunning, key+" is not running", nil)
	}
	return r.sandbox.FollowLogs(ctx, inst.ContainerID, r.cfg.LogTail, onLine)
}

// List returns every registered instance.
func (r *Runner) List() []domain.RunningInstance {
	return r.registry.List()
}

// Reconcile adopts backends left running by a previous process and removes
// the ones that have exited.
func (r *Runner) Reconcile(ctx context.Context) (adopted, removed int, err error) {
	if !r.cfg.SandboxAvailable {
		return 0, 0, domain.ErrSandboxUnavailable
	}
	containers, err := r.sandbox.ListManaged(ctx, docker.RoleBackend)
	if err != nil {
		return 0, 0, fmt.Errorf("list backends: %w", err)
	}
	for _, c := range containers {
		owner, repo := c.Labels[docker.LabelOwner], c.Labels[docker.LabelRepo]
		if !c.Running || owner == "" || repo == "" {
			if err := r.sandbox.RemoveContainer(ctx, c.ID); err != nil {
				r.logger.Warn("remove exited backend failed", "container_id", c.ID, "error", err)
				continue
			}
			r.cleanupScratch(c.Labels[docker.LabelAttempt])
			removed++
			continue
		}
		listen, _ := strconv.Atoi(c.Labels[docker.LabelPort])
		hostPort := c.HostPorts[listen]
		inst := domain.RunningInstance{
			Owner:       owner,
			Repo:        repo,
			ContainerID: c.ID,
			Port:        hostPort,
			BackendKind: domain.ProjectKind(c.Labels[docker.LabelKind]),
			Profile:     domain.FrameworkProfile(c.Labels[docker.LabelProfile]),
			LocalURL:    localURL(hostPort),
			StartedAt:   c.Created,
			Status:      domain.InstanceRunning,
		}
		if _, inserted := r.registry.InsertIfAbsent(inst, c.Labels[docker.LabelAttempt]); !inserted {
			continue
		}
		r.watch(inst)
		adopted++
	}
	r.logger.Info("backend reconciliation finished", "adopted", adopted, "removed", removed)
	return adopted, removed, nil
}

// ReclaimScratch removes every scratch directory that no registered backend
// mounts. Run it after Reconcile and before serving requests; nothing else
// holds scratch at that point.
func (r *Runner) ReclaimScratch() (int, error) {
	if r.workspace == nil {
		return 0, nil
	}
	keep := r.registry.Attempts()
	n, err := r.workspace.Sweep(func(id string) bool { return keep[id] })
	if err != nil {
		return n, fmt.Errorf("sweep scratch: %w", err)
	}
	if n > 0 {
		r.logger.Info("reclaimed orphaned scratch", "count", n, "kept", len(keep))
	}
	return n, nil
}

func localURL(port int) string {
	if port == 0 {
		return ""
	}
	return fmt.Sprintf("http://127.0.0.1:%d", port)
}
