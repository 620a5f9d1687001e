package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/splax/hoster/internal/classify"
	"github.com/splax/hoster/internal/docker"
	"github.com/splax/hoster/internal/git"
	"github.com/splax/hoster/internal/github"
	httpx "github.com/splax/hoster/internal/http"
	"github.com/splax/hoster/internal/patch"
	"github.com/splax/hoster/internal/service/build"
	"github.com/splax/hoster/internal/service/runner"
	"github.com/splax/hoster/internal/source"
	"github.com/splax/hoster/internal/storage"
	"github.com/splax/hoster/internal/workspace"
	"github.com/splax/hoster/pkg/config"
	"github.com/splax/hoster/pkg/logger"
)

func main() {
	cfg := config.LoadHosterConfig()
	log := logger.New("hoster", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dockerClient, err := docker.New(cfg.DockerHost)
	if err != nil {
		log.Error("failed to create docker client", "error", err)
		os.Exit(1)
	}
	defer dockerClient.Close()

	sandboxAvailable := true
	pingCtx, cancelPing := context.WithTimeout(ctx, 5*time.Second)
	if err := dockerClient.Ping(pingCtx); err != nil {
		sandboxAvailable = false
		log.Warn("docker unreachable, sandbox operations disabled", "error", err, "host", cfg.DockerHost)
	}
	cancelPing()

	gh, err := github.New(cfg.GitHubAPIURL)
	if err != nil {
		log.Error("github client init failed", "error", err)
		os.Exit(1)
	}
	sources := func(token, owner, repo string) classify.Source {
		return gh.Repository(token, owner, repo)
	}

	workspaceManager, err := workspace.New(cfg.Workdir)
	if err != nil {
		log.Error("workspace init failed", "error", err, "workdir", cfg.Workdir)
		os.Exit(1)
	}

	classifier := classify.New(log.With("component", "classify"), classify.Options{
		StrictBackend:    cfg.ClassifyStrictBackend,
		SandboxNodeMajor: cfg.SandboxNodeMajor,
	})
	materializer := source.New(log.With("component", "source"), source.Config{
		Mode:       cfg.SourceMode,
		MaxBytes:   cfg.MaxArchiveBytes,
		GitBaseURL: cfg.GitBaseURL,
		GitTimeout: cfg.GitTimeout,
	}, gh, git.NewCloner())
	patcher := patch.New(log.With("component", "patch"), patch.Options{SandboxNodeMajor: cfg.SandboxNodeMajor})

	memoryBytes := cfg.SandboxMemoryMB << 20
	nanoCPUs := int64(cfg.SandboxCPUs * 1e9)
	executor := build.NewExecutor(dockerClient, log.With("component", "executor"), build.ExecutorConfig{
		NodeImage:     cfg.SandboxNodeImage,
		NodeMajor:     cfg.SandboxNodeMajor,
		MemoryBytes:   memoryBytes,
		NanoCPUs:      nanoCPUs,
		PidsLimit:     cfg.SandboxPids,
		LivenessDelay: cfg.SandboxLivenessDelay,
		MinIndexBytes: cfg.MinIndexBytes,
		User:          fmt.Sprintf("%d:%d", os.Getuid(), os.Getgid()),
	})

	var publisher build.Publisher
	var storageHealth httpx.HealthCheck
	if cfg.StorageConfigured() {
		store, err := storage.NewS3Store(storage.S3Config{
			Endpoint:  cfg.StorageEndpoint,
			Region:    cfg.StorageRegion,
			AccessKey: cfg.StorageAccessKey,
			SecretKey: cfg.StorageSecretKey,
			Bucket:    cfg.StorageBucket,
			UseSSL:    cfg.StorageUseSSL,
		})
		if err != nil {
			log.Error("object storage init failed", "error", err)
			os.Exit(1)
		}
		pub := storage.NewPublisher(store, log.With("component", "publisher"), storage.PublisherConfig{
			PublicURL:   cfg.StoragePublicURL,
			Concurrency: cfg.UploadConcurrency,
		})
		publisher = pub
		storageHealth = pub.Ping
	} else {
		log.Warn("object storage not configured, builds are kept locally only", "keep_local_copy", cfg.KeepLocalCopy)
	}

	buildSvc := build.New(build.Deps{
		Sources:    sources,
		Classifier: classifier,
		Source:     materializer,
		Patcher:    patcher,
		Executor:   executor,
		Publisher:  publisher,
		Workspace:  workspaceManager,
		Logger:     log.With("component", "build"),
	}, build.Config{
		SandboxAvailable: sandboxAvailable,
		KeepLocalCopy:    cfg.KeepLocalCopy,
		BuildsDir:        cfg.BuildsDir,
		PatchIndexPaths:  cfg.PatchIndexPaths,
	})

	backendRunner := runner.New(runner.Deps{
		Sandbox:    dockerClient,
		Sources:    sources,
		Classifier: classifier,
		Source:     materializer,
		Workspace:  workspaceManager,
		Logger:     log.With("component", "runner"),
	}, runner.Config{
		SandboxAvailable: sandboxAvailable,
		NodeImage:        cfg.SandboxNodeImage,
		NodeMajor:        cfg.SandboxNodeMajor,
		PythonImage:      cfg.SandboxPythonImage,
		PortStrategy:     runner.ParsePortStrategy(cfg.PortStrategy),
		InternalPort:     cfg.RunnerInternalPort,
		StopGrace:        cfg.StopGrace,
		StartTimeout:     cfg.BackendStartTimeout,
		LogTail:          cfg.LogTailLines,
		MemoryBytes:      memoryBytes,
		NanoCPUs:         nanoCPUs,
		PidsLimit:        cfg.SandboxPids,
	})
	defer backendRunner.Close()

	if sandboxAvailable {
		adopted, removed, err := backendRunner.Reconcile(ctx)
		if err != nil {
			log.Warn("backend reconciliation failed", "error", err)
		} else {
			log.Info("backend reconciliation complete", "adopted", adopted, "removed", removed)
			if _, err := backendRunner.ReclaimScratch(); err != nil {
				log.Warn("scratch sweep failed", "error", err, "workdir", cfg.Workdir)
			}
		}
	}

	var dockerHealth httpx.HealthCheck = func(ctx context.Context) error {
		if !sandboxAvailable {
			return errors.New("sandbox unavailable at startup")
		}
		return dockerClient.Ping(ctx)
	}
	router := httpx.New(httpx.Deps{
		Logger:     log.With("component", "http"),
		Repos:      gh,
		Sources:    sources,
		Classifier: classifier,
		Builds:     buildSvc,
		Backends:   backendRunner,
		Docker:     dockerHealth,
		Storage:    storageHealth,
	}, httpx.SessionConfig{Secret: cfg.SessionSecret, TTL: cfg.SessionTTL})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("hoster server starting", "addr", cfg.Addr, "sandbox", sandboxAvailable, "storage", publisher != nil)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("hoster server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
