package config

import "time"

// HosterConfig holds runtime configuration for the hoster service.
type HosterConfig struct {
	Environment string
	Addr        string
	LogLevel    string

	DockerHost    string
	Workdir       string
	BuildsDir     string
	KeepLocalCopy bool

	SourceMode      string
	MaxArchiveBytes int64
	GitHubAPIURL    string
	GitBaseURL      string
	GitTimeout      time.Duration

	SessionSecret string
	SessionTTL    time.Duration

	SandboxNodeImage     string
	SandboxNodeMajor     int
	SandboxPythonImage   string
	SandboxMemoryMB      int64
	SandboxCPUs          float64
	SandboxPids          int64
	SandboxLivenessDelay time.Duration
	MinIndexBytes        int
	PatchIndexPaths      bool

	PortStrategy          string
	RunnerInternalPort    int
	StopGrace             time.Duration
	BackendStartTimeout   time.Duration
	LogTailLines          int
	ClassifyStrictBackend bool

	StorageEndpoint   string
	StorageRegion     string
	StorageAccessKey  string
	StorageSecretKey  string
	StorageBucket     string
	StorageUseSSL     bool
	StoragePublicURL  string
	UploadConcurrency int
}

// StorageConfigured reports whether object storage credentials are present.
func (c HosterConfig) StorageConfigured() bool {
	return c.StorageEndpoint != "" && c.StorageAccessKey != "" && c.StorageSecretKey != "" && c.StorageBucket != ""
}

// LoadHosterConfig constructs a HosterConfig from environment variables.
func LoadHosterConfig() HosterConfig {
	LoadDotEnv()
	return HosterConfig{
		Environment: GetString("APP_ENV", "development"),
		Addr:        GetString("HOSTER_ADDR", ":8000"),
		LogLevel:    GetString("LOG_LEVEL", "info"),

		DockerHost:    GetString("DOCKER_HOST", "unix:///var/run/docker.sock"),
		Workdir:       GetString("HOSTER_WORKDIR", "/tmp/hoster"),
		BuildsDir:     GetString("BUILDS_DIR", "./builds"),
		KeepLocalCopy: GetBool("KEEP_LOCAL_COPY", false),

		SourceMode:      GetString("SOURCE_MODE", "archive"),
		MaxArchiveBytes: GetInt64("MAX_ARCHIVE_BYTES", 512<<20),
		GitHubAPIURL:    GetString("GITHUB_API_URL", "https://api.github.com"),
		GitBaseURL:      GetString("GIT_BASE_URL", "https://github.com"),
		GitTimeout:      GetSeconds("GIT_TIMEOUT_SECONDS", 120),

		SessionSecret: GetString("SESSION_SECRET", "change-me"),
		SessionTTL:    time.Duration(GetInt("SESSION_TTL_MIN", 720)) * time.Minute,

		SandboxNodeImage:     GetString("SANDBOX_NODE_IMAGE", "node:20-alpine"),
		SandboxNodeMajor:     GetInt("SANDBOX_NODE_MAJOR", 20),
		SandboxPythonImage:   GetString("SANDBOX_PYTHON_IMAGE", "python:3.11-slim"),
		SandboxMemoryMB:      GetInt64("SANDBOX_MEMORY_MB", 2048),
		SandboxCPUs:          GetFloat("SANDBOX_CPUS", 2),
		SandboxPids:          GetInt64("SANDBOX_PIDS", 512),
		SandboxLivenessDelay: time.Duration(GetInt("SANDBOX_LIVENESS_DELAY_MS", 2000)) * time.Millisecond,
		MinIndexBytes:        GetInt("MIN_INDEX_BYTES", 100),
		PatchIndexPaths:      GetBool("PATCH_INDEX_PATHS", true),

		PortStrategy:          GetString("PORT_STRATEGY", "runtime"),
		RunnerInternalPort:    GetInt("RUNNER_INTERNAL_PORT", 8080),
		StopGrace:             GetSeconds("STOP_GRACE_SECONDS", 10),
		BackendStartTimeout:   GetSeconds("BACKEND_START_TIMEOUT_SECONDS", 600),
		LogTailLines:          GetInt("LOG_TAIL_LINES", 200),
		ClassifyStrictBackend: GetBool("CLASSIFY_STRICT_BACKEND", false),

		StorageEndpoint:   GetString("STORAGE_ENDPOINT", ""),
		StorageRegion:     GetString("STORAGE_REGION", "us-east-1"),
		StorageAccessKey:  GetString("STORAGE_ACCESS_KEY", ""),
		StorageSecretKey:  GetString("STORAGE_SECRET_KEY", ""),
		StorageBucket:     GetString("STORAGE_BUCKET", ""),
		StorageUseSSL:     GetBool("STORAGE_USE_SSL", true),
		StoragePublicURL:  GetString("STORAGE_PUBLIC_URL", ""),
		UploadConcurrency: GetInt("UPLOAD_CONCURRENCY", 8),
	}
}
