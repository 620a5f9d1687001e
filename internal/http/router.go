package httpx

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/hoster/internal/classify"
	"github.com/splax/hoster/internal/domain"
	"github.com/splax/hoster/internal/github"
	"github.com/splax/hoster/internal/service/build"
	"github.com/splax/hoster/internal/service/runner"
)

// Builds is the static site pipeline.
type Builds interface {
	Build(ctx context.Context, req build.Request) (*build.Outcome, error)
	ListBuilds(ctx context.Context) ([]domain.BuildSummary, error)
	DeleteBuild(ctx context.Context, owner, repo string) (int, error)
	Website(owner, repo string) (string, error)
}

// Backends manages running backend sandboxes.
type Backends interface {
	Start(ctx context.Context, req runner.Request) (domain.RunningInstance, error)
	Stop(ctx context.Context, owner, repo string) error
	Status(ctx context.Context, owner, repo string) (domain.RunningInstance, error)
	Logs(ctx context.Context, owner, repo string) ([]string, error)
	Follow(ctx context.Context, owner, repo string, onLine func(string)) error
	List() []domain.RunningInstance
}

// Repositories is the repository hosting API used for sessions and listings.
type Repositories interface {
	GetUser(ctx context.Context, token string) (github.User, error)
	ListRepos(ctx context.Context, token string) ([]github.Repo, error)
}

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) error

// Deps groups the router's collaborators. Storage may be nil when object
// storage is not configured.
type Deps struct {
	Logger     *slog.Logger
	Repos      Repositories
	Sources    build.SourceFunc
	Classifier *classify.Classifier
	Builds     Builds
	Backends   Backends
	Docker     HealthCheck
	Storage    HealthCheck
}

// SessionConfig controls session tokens.
type SessionConfig struct {
	Secret string
	TTL    time.Duration
}

// Router exposes the hoster HTTP API.
type Router struct {
	mux        *http.ServeMux
	logger     *slog.Logger
	repos      Repositories
	sources    build.SourceFunc
	classifier *classify.Classifier
	builds     Builds
	backends   Backends
	docker     HealthCheck
	storage    HealthCheck
	session    SessionConfig
	upgrader   websocket.Upgrader

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	buildResults       *prometheus.CounterVec
	runningInstances   prometheus.GaugeFunc
}

const (
	healthCheckTimeout = 2 * time.Second
	repoClassifyLimit  = 4
)

// New creates and registers handlers.
func New(deps Deps, session SessionConfig) *Router {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if session.TTL <= 0 {
		session.TTL = 12 * time.Hour
	}
	r := &Router{
		mux:        http.NewServeMux(),
		logger:     logger,
		repos:      deps.Repos,
		sources:    deps.Sources,
		classifier: deps.Classifier,
		builds:     deps.Builds,
		backends:   deps.Backends,
		docker:     deps.Docker,
		storage:    deps.Storage,
		session:    session,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	r.initMetrics()
	r.routes()
	return r
}

// ServeHTTP satisfies http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func (r *Router) routes() {
	r.mux.Handle("GET /metrics", promhttp.Handler())
	r.mux.HandleFunc("GET /healthz", r.instrument("/healthz", r.handleHealth))

	r.mux.HandleFunc("POST /api/session", r.instrument("/api/session", r.handleSession))
	r.mux.HandleFunc("GET /api/repos", r.instrument("/api/repos", r.requireAuth(r.handleRepos)))
	r.mux.HandleFunc("GET /api/projects/{owner}/{repo}/classify", r.instrument("/api/projects/:owner/:repo/classify", r.requireAuth(r.handleClassify)))
	r.mux.HandleFunc("POST /api/projects/{owner}/{repo}/build", r.instrument("/api/projects/:owner/:repo/build", r.requireAuth(r.handleBuild)))

	r.mux.HandleFunc("GET /api/builds", r.instrument("/api/builds", r.requireAuth(r.handleListBuilds)))
	r.mux.HandleFunc("GET /api/builds/{owner}/{repo}", r.instrument("/api/builds/:owner/:repo", r.requireAuth(r.handleBuildInfo)))
	r.mux.HandleFunc("DELETE /api/builds/{owner}/{repo}", r.instrument("/api/builds/:owner/:repo", r.requireAuth(r.handleDeleteBuild)))

	r.mux.HandleFunc("POST /api/backends/{owner}/{repo}", r.instrument("/api/backends/:owner/:repo", r.requireAuth(r.handleStartBackend)))
	r.mux.HandleFunc("GET /api/backends", r.instrument("/api/backends", r.requireAuth(r.handleListBackends)))
	r.mux.HandleFunc("GET /api/backends/{owner}/{repo}", r.instrument("/api/backends/:owner/:repo", r.requireAuth(r.handleBackendStatus)))
	r.mux.HandleFunc("GET /api/backends/{owner}/{repo}/logs", r.instrument("/api/backends/:owner/:repo/logs", r.requireAuth(r.handleBackendLogs)))
	r.mux.HandleFunc("GET /api/backends/{owner}/{repo}/logs/stream", r.requireAuth(r.handleBackendStream))
	r.mux.HandleFunc("DELETE /api/backends/{owner}/{repo}", r.instrument("/api/backends/:owner/:repo", r.requireAuth(r.handleStopBackend)))
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
	defer cancel()
	status := "ok"
	components := map[string]any{
		"docker":  r.probe(ctx, r.docker, &status),
		"storage": r.probe(ctx, r.storage, &status),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (r *Router) probe(ctx context.Context, check HealthCheck, status *string) map[string]any {
	if check == nil {
		return map[string]any{"status": "not_configured"}
	}
	if err := check(ctx); err != nil {
		*status = "degraded"
		return map[string]any{"status": "down", "error": err.Error()}
	}
	return map[string]any{"status": "up"}
}
