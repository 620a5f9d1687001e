package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client provides typed access to the hoster API for interactive tools.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:8000"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Minute},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API. Logs carries build
// output when the failure came from a build.
type APIError struct {
	Status  int
	Kind    string
	Message string
	Logs    []string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	if e.Kind != "" {
		return fmt.Sprintf("api request failed (%d %s): %s", e.Status, e.Kind, e.Message)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

type envelope struct {
	Success   bool            `json:"success"`
	Error     string          `json:"error"`
	ErrorKind string          `json:"error_kind"`
	Logs      []string        `json:"logs"`
	Data      json.RawMessage `json:"data"`
}

func (c *Client) do(ctx context.Context, method, path string, body any, token string, v any) (envelope, error) {
	if c == nil {
		return envelope{}, fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	endpoint := c.baseURL + path
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return envelope{}, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return envelope{}, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(token) != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return envelope{}, fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return envelope{}, fmt.Errorf("read response: %w", err)
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		if resp.StatusCode >= http.StatusBadRequest {
			return envelope{}, APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		}
		return envelope{}, fmt.Errorf("decode response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest || !env.Success {
		return env, APIError{Status: resp.StatusCode, Kind: env.ErrorKind, Message: env.Error, Logs: env.Logs}
	}
	if v != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, v); err != nil {
			return env, fmt.Errorf("decode response data: %w", err)
		}
	}
	return env, nil
}

func projectPath(prefix, owner, repo string) string {
	return prefix + "/" + url.PathEscape(owner) + "/" + url.PathEscape(repo)
}

// Session is the signed token issued for a GitHub login.
type Session struct {
	Token string `json:"token"`
	Login string `json:"login"`
	Name  string `json:"name"`
}

// Login exchanges a GitHub token for a hoster session.
func (c *Client) Login(ctx context.Context, githubToken string) (Session, error) {
	var s Session
	if _, err := c.do(ctx, http.MethodPost, "/api/session", map[string]string{"token": githubToken}, "", &s); err != nil {
		return Session{}, err
	}
	return s, nil
}

// Classification mirrors the classifier result.
type Classification struct {
	ProjectPath      string   `json:"project_path"`
	Kind             string   `json:"kind"`
	FrameworkProfile string   `json:"framework_profile"`
	HasBuildScript   bool     `json:"has_build_script"`
	HasStartScript   bool     `json:"has_start_script"`
	Warnings         []string `json:"warnings"`
}

// Repo is a repository visible to the session.
type Repo struct {
	Owner          string          `json:"owner"`
	Name           string          `json:"name"`
	FullName       string          `json:"full_name"`
	Private        bool            `json:"private"`
	Classification *Classification `json:"classification"`
}

// ListRepos returns repositories, classified unless classify is false.
func (c *Client) ListRepos(ctx context.Context, token string, classify bool) ([]Repo, error) {
	path := "/api/repos"
	if !classify {
		path += "?classify=false"
	}
	var repos []Repo
	if _, err := c.do(ctx, http.MethodGet, path, nil, token, &repos); err != nil {
		return nil, err
	}
	return repos, nil
}

// ClassifyResult pairs a classification with diagnostics.
type ClassifyResult struct {
	Classification Classification `json:"classification"`
	Diagnostics    []string       `json:"diagnostics"`
}

// Classify inspects a repository. kind is "frontend", "backend" or empty.
func (c *Client) Classify(ctx context.Context, token, owner, repo, kind string) (ClassifyResult, error) {
	path := projectPath("/api/projects", owner, repo) + "/classify"
	if kind != "" {
		path += "?kind=" + url.QueryEscape(kind)
	}
	var res ClassifyResult
	if _, err := c.do(ctx, http.MethodGet, path, nil, token, &res); err != nil {
		return ClassifyResult{}, err
	}
	return res, nil
}

// PublishResult summarises an upload.
type PublishResult struct {
	Uploaded   int    `json:"uploaded"`
	Skipped    int    `json:"skipped"`
	WebsiteURL string `json:"website_url"`
}

// BuildResult is the outcome of a build request.
type BuildResult struct {
	Publish   *PublishResult `json:"publish"`
	LocalPath string         `json:"local_path"`
	Warnings  []string       `json:"warnings"`
	Logs      []string       `json:"-"`
}

// Build runs the static build pipeline for owner/repo and waits for it.
func (c *Client) Build(ctx context.Context, token, owner, repo string) (BuildResult, error) {
	var res BuildResult
	env, err := c.do(ctx, http.MethodPost, projectPath("/api/projects", owner, repo)+"/build", nil, token, &res)
	if err != nil {
		return BuildResult{}, err
	}
	res.Logs = env.Logs
	return res, nil
}

// BuildSummary describes a stored build.
type BuildSummary struct {
	Owner      string `json:"owner"`
	Repo       string `json:"repo"`
	FileCount  int    `json:"file_count"`
	WebsiteURL string `json:"website_url"`
	Location   string `json:"location"`
}

// ListBuilds returns published and locally retained builds.
func (c *Client) ListBuilds(ctx context.Context, token string) ([]BuildSummary, error) {
	var builds []BuildSummary
	if _, err := c.do(ctx, http.MethodGet, "/api/builds", nil, token, &builds); err != nil {
		return nil, err
	}
	return builds, nil
}

// DeleteBuild removes a build and returns the number of deleted objects.
func (c *Client) DeleteBuild(ctx context.Context, token, owner, repo string) (int, error) {
	var res struct {
		Deleted int `json:"deleted"`
	}
	if _, err := c.do(ctx, http.MethodDelete, projectPath("/api/builds", owner, repo), nil, token, &res); err != nil {
		return 0, err
	}
	return res.Deleted, nil
}

// Instance is a running backend.
type Instance struct {
	Owner            string    `json:"owner"`
	Repo             string    `json:"repo"`
	ContainerID      string    `json:"container_id"`
	Port             int       `json:"port"`
	BackendKind      string    `json:"backend_kind"`
	FrameworkProfile string    `json:"framework_profile"`
	LocalURL         string    `json:"local_url"`
	StartedAt        time.Time `json:"started_at"`
	Status           string    `json:"status"`
}

// StartBackend runs the backend of owner/repo.
func (c *Client) StartBackend(ctx context.Context, token, owner, repo string) (Instance, error) {
	var inst Instance
	if _, err := c.do(ctx, http.MethodPost, projectPath("/api/backends", owner, repo), nil, token, &inst); err != nil {
		return Instance{}, err
	}
	return inst, nil
}

// BackendStatus returns the running instance for owner/repo.
func (c *Client) BackendStatus(ctx context.Context, token, owner, repo string) (Instance, error) {
	var inst Instance
	if _, err := c.do(ctx, http.MethodGet, projectPath("/api/backends", owner, repo), nil, token, &inst); err != nil {
		return Instance{}, err
	}
	return inst, nil
}

// ListBackends returns every running instance.
func (c *Client) ListBackends(ctx context.Context, token string) ([]Instance, error) {
	var instances []Instance
	if _, err := c.do(ctx, http.MethodGet, "/api/backends", nil, token, &instances); err != nil {
		return nil, err
	}
	return instances, nil
}

// BackendLogs returns recent output of a running backend.
func (c *Client) BackendLogs(ctx context.Context, token, owner, repo string) ([]string, error) {
	env, err := c.do(ctx, http.MethodGet, projectPath("/api/backends", owner, repo)+"/logs", nil, token, nil)
	if err != nil {
		return nil, err
	}
	return env.Logs, nil
}

// StopBackend stops the backend of owner/repo.
func (c *Client) StopBackend(ctx context.Context, token, owner, repo string) error {
	_, err := c.do(ctx, http.MethodDelete, projectPath("/api/backends", owner, repo), nil, token, nil)
	return err
}
