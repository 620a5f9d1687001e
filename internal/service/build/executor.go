package build

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/splax/hoster/internal/docker"
	"github.com/splax/hoster/internal/domain"
	"github.com/splax/hoster/internal/manifest"
)

// ExecState is the executor's position within one build.
type ExecState string

const (
	StateStarting         ExecState = "Starting"
	StateInstalling       ExecState = "Installing"
	StateBuilding         ExecState = "Building"
	StateLocatingOutput   ExecState = "LocatingOutput"
	StateValidatingOutput ExecState = "ValidatingOutput"
	StateDone             ExecState = "Done"
)

const (
	sandboxSourceDir = "/src"
	sandboxWorkDir   = "/work"
	sandboxOutputDir = "/output"
	// The sandbox idles until the executor's steps finish; the sleep bounds
	// the life of a sandbox orphaned by a crash.
	sandboxIdleSeconds = 7200
	cleanupTimeout     = 30 * time.Second
	livenessLogTail    = 50
)

// ExecutorConfig bounds and parameterises build sandboxes.
type ExecutorConfig struct {
	NodeImage     string
	NodeMajor     int
	MemoryBytes   int64
	NanoCPUs      int64
	PidsLimit     int64
	LivenessDelay time.Duration
	MinIndexBytes int
	// User is the uid:gid the sandbox runs as so the host can reclaim output.
	User string
}

// Executor runs install and build inside a throwaway sandbox.
type Executor struct {
	sandbox Sandbox
	logger  *slog.Logger
	cfg     ExecutorConfig
}

// NewExecutor constructs an Executor.
func NewExecutor(sandbox Sandbox, logger *slog.Logger, cfg ExecutorConfig) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.NodeImage == "" {
		cfg.NodeImage = "node:20-alpine"
	}
	if cfg.NodeMajor == 0 {
		cfg.NodeMajor = 20
	}
	if cfg.MinIndexBytes <= 0 {
		cfg.MinIndexBytes = 100
	}
	return &Executor{sandbox: sandbox, logger: logger, cfg: cfg}
}

// ExecInput is one build to run.
type ExecInput struct {
	AttemptID   string
	Owner       string
	Repo        string
	ProjectRoot string
	OutputDir   string
	// RequiredNodeMajor selects a newer image when the project needs one.
	RequiredNodeMajor int
}

// ExecHooks observe progress. Both fields are optional.
type ExecHooks struct {
	OnState func(ExecState)
	Log     func(string)
}

func (h ExecHooks) state(s ExecState) {
	if h.OnState != nil {
		h.OnState(s)
	}
}

func (h ExecHooks) log(line string) {
	if h.Log != nil {
		h.Log(line)
	}
}

type buildStep struct {
	name   string
	script string
	kind   domain.ErrorKind
}

// Run executes the build and returns the validated artifact. The sandbox
// image and container are removed before Run returns on every path.
func (e *Executor) Run(ctx context.Context, in ExecInput, hooks ExecHooks) (domain.BuildArtifact, error) {
	logger := e.logger.With("attempt_id", in.AttemptID, "owner", in.Owner, "repo", in.Repo)
	hooks.state(StateStarting)

	image := e.imageFor(in.RequiredNodeMajor)
	tag := "hoster-build:" + in.AttemptID
	labels := map[string]string{
		docker.LabelManaged: "true",
		docker.LabelRole:    docker.RoleBuild,
		docker.LabelOwner:   in.Owner,
		docker.LabelRepo:    in.Repo,
	}
	hooks.log("using build image " + image)

	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer cancel()
		if err := e.sandbox.RemoveImage(cleanupCtx, tag); err != nil {
			logger.Warn("build image cleanup failed", "image", tag, "error", err)
		}
	}()
	if err := e.sandbox.BuildImage(ctx, tag, renderBuildDockerfile(image), labels, hooks.log); err != nil {
		return domain.BuildArtifact{}, domain.Wrap(domain.KindSandboxUnavailable, "prepare build sandbox", err)
	}

	info, err := e.sandbox.RunContainer(ctx, docker.RunSpec{
		Name:       "hoster-build-" + in.AttemptID,
		Image:      tag,
		Cmd:        []string{"sleep", fmt.Sprint(sandboxIdleSeconds)},
		WorkingDir: sandboxWorkDir,
		User:       e.cfg.User,
		Mounts: []docker.Mount{
			{Source: in.ProjectRoot, Target: sandboxSourceDir, ReadOnly: true},
			{Source: in.OutputDir, Target: sandboxOutputDir},
		},
		Labels: labels,
		Limits: docker.Limits{
			MemoryBytes: e.cfg.MemoryBytes,
			NanoCPUs:    e.cfg.NanoCPUs,
			PidsLimit:   e.cfg.PidsLimit,
		},
	})
	if info.ID != "" {
		defer func() {
			cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
			defer cancel()
			if err := e.sandbox.RemoveContainer(cleanupCtx, info.ID); err != nil {
				logger.Warn("build container cleanup failed", "container_id", info.ID, "error", err)
			}
		}()
	}
	if err != nil {
		return domain.BuildArtifact{}, domain.Wrap(domain.KindSandboxUnavailable, "start build sandbox", err)
	}

	if err := e.checkLiveness(ctx, info.ID, hooks); err != nil {
		return domain.BuildArtifact{}, err
	}

	pm := detectPackageManager(in.ProjectRoot)
	steps := []struct {
		state ExecState
		step  buildStep
	}{
		{StateInstalling, buildStep{"stage", stageScript(), domain.KindInternal}},
		{StateInstalling, buildStep{"install", pm.installScript(), domain.KindDependencyInstallError}},
		{StateBuilding, buildStep{"build", pm.buildScript(), domain.KindBuildCommandError}},
		{StateBuilding, buildStep{"collect", collectScript(), domain.KindInternal}},
	}
	current := StateStarting
	for _, s := range steps {
		if s.state != current {
			current = s.state
			hooks.state(current)
		}
		if err := e.exec(ctx, info.ID, s.step, hooks); err != nil {
			logger.Info("build step failed", "step", s.step.name, "error", err)
			return domain.BuildArtifact{}, err
		}
	}

	hooks.state(StateLocatingOutput)
	folder, err := LocateOutput(in.OutputDir)
	if err != nil {
		return domain.BuildArtifact{}, err
	}
	rel, _ := filepath.Rel(in.OutputDir, folder)
	hooks.log("build output located: " + filepath.ToSlash(rel))

	hooks.state(StateValidatingOutput)
	artifact, err := ValidateOutput(folder, e.cfg.MinIndexBytes)
	if err != nil {
		return artifact, err
	}
	hooks.state(StateDone)
	logger.Info("build completed", "files", len(artifact.FileList), "package_manager", pm.String())
	return artifact, nil
}

func (e *Executor) imageFor(requiredMajor int) string {
	if requiredMajor > e.cfg.NodeMajor {
		return fmt.Sprintf("node:%d-alpine", requiredMajor)
	}
	return e.cfg.NodeImage
}

func (e *Executor) checkLiveness(ctx context.Context, containerID string, hooks ExecHooks) error {
	if e.cfg.LivenessDelay > 0 {
		select {
		case <-ctx.Done():
			return domain.Wrap(domain.KindBuildCommandError, "build cancelled", ctx.Err())
		case <-time.After(e.cfg.LivenessDelay):
		}
	}
	running, err := e.sandbox.IsRunning(ctx, containerID)
	if err != nil {
		return domain.Wrap(domain.KindSandboxUnavailable, "inspect build sandbox", err)
	}
	if running {
		return nil
	}
	lines, err := e.sandbox.Logs(ctx, containerID, livenessLogTail)
	if err != nil {
		hooks.log("sandbox logs unavailable: " + err.Error())
	}
	for _, line := range lines {
		hooks.log(line)
	}
	return domain.E(domain.KindBuildCommandError, "build sandbox exited immediately")
}

func (e *Executor) exec(ctx context.Context, containerID string, step buildStep, hooks ExecHooks) error {
	hooks.log("$ " + step.script)
	code, err := e.sandbox.Exec(ctx, containerID, docker.ExecSpec{
		Cmd:        docker.ShellCommand(step.script),
		Env:        []string{"HOSTER_STEP=" + step.name},
		WorkingDir: sandboxWorkDir,
	}, hooks.log)
	if err != nil {
		return domain.Wrap(step.kind, step.name+" step could not run", err)
	}
	if code != 0 {
		return domain.E(step.kind, fmt.Sprintf("%s step exited with status %d", step.name, code))
	}
	return nil
}

func renderBuildDockerfile(image string) string {
	var b strings.Builder
	b.WriteString("FROM " + image + "\n")
	if strings.Contains(image, "alpine") {
		b.WriteString("RUN apk add --no-cache git\n")
	}
	b.WriteString("RUN mkdir -p " + sandboxWorkDir + " " + sandboxOutputDir + " && chmod 0777 " + sandboxWorkDir + "\n")
	b.WriteString("WORKDIR " + sandboxWorkDir + "\n")
	b.WriteString("ENV CI=false \\\n")
	b.WriteString("    HOME=/tmp \\\n")
	b.WriteString("    GENERATE_SOURCEMAP=false \\\n")
	b.WriteString("    npm_config_cache=/tmp/.npm \\\n")
	b.WriteString("    npm_config_update_notifier=false \\\n")
	b.WriteString("    npm_config_fund=false \\\n")
	b.WriteString("    npm_config_audit=false\n")
	return b.String()
}

func stageScript() string {
	return "cp -a " + sandboxSourceDir + "/. " + sandboxWorkDir + "/"
}

func collectScript() string {
	return `for d in build dist; do if [ -d "` + sandboxWorkDir + `/$d" ]; then rm -rf "` + sandboxOutputDir + `/$d" && cp -a "` + sandboxWorkDir + `/$d" ` + sandboxOutputDir + `/; fi; done`
}

type packageManager string

const (
	pmNPM  packageManager = "npm"
	pmYarn packageManager = "yarn"
	pmPNPM packageManager = "pnpm"
)

func (pm packageManager) String() string {
	if pm == "" {
		return string(pmNPM)
	}
	return string(pm)
}

func (pm packageManager) installScript() string {
	switch pm {
	case pmYarn:
		return "corepack enable --install-directory /tmp/bin && PATH=/tmp/bin:$PATH yarn install"
	case pmPNPM:
		return "corepack enable --install-directory /tmp/bin && PATH=/tmp/bin:$PATH pnpm install"
	default:
		return "npm install"
	}
}

func (pm packageManager) buildScript() string {
	switch pm {
	case pmYarn:
		return "PATH=/tmp/bin:$PATH yarn run build"
	case pmPNPM:
		return "PATH=/tmp/bin:$PATH pnpm run build"
	default:
		return "npm run build"
	}
}

func detectPackageManager(root string) packageManager {
	if pkg, err := manifest.Load(root); err == nil {
		if parsed := parsePackageManager(pkg.PackageManager); parsed != "" {
			return parsed
		}
	}
	switch {
	case fileExists(filepath.Join(root, "yarn.lock")):
		return pmYarn
	case fileExists(filepath.Join(root, "pnpm-lock.yaml")):
		return pmPNPM
	default:
		return pmNPM
	}
}

func parsePackageManager(value string) packageManager {
	trimmed := strings.ToLower(strings.TrimSpace(value))
	if idx := strings.Index(trimmed, "@"); idx > 0 {
		trimmed = trimmed[:idx]
	}
	switch trimmed {
	case "yarn":
		return pmYarn
	case "pnpm":
		return pmPNPM
	case "npm":
		return pmNPM
	default:
		return ""
	}
}
