package github

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/splax/hoster/internal/domain"
)

// ErrNotFound indicates the repository or path does not exist or is not visible.
var ErrNotFound = errors.New("github: not found")

// Client talks to the GitHub REST API on behalf of a session token.
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
		trimmed = "https://api.github.com"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "https://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid github api url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents a non-success response from GitHub.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("github request failed with status %d", e.Status)
	}
	return fmt.Sprintf("github request failed (%d): %s", e.Status, e.Message)
}

// Repo is the subset of repository metadata the hoster needs.
type Repo struct {
	Name          string `json:"name"`
	FullName      string `json:"full_name"`
	Private       bool   `json:"private"`
	Description   string `json:"description"`
	CloneURL      string `json:"clone_url"`
	DefaultBranch string `json:"default_branch"`
	Owner         struct {
		Login string `json:"login"`
	} `json:"owner"`
}

type contentItem struct {
	Name     string `json:"name"`
	Path     string `json:"path"`
	Type     string `json:"type"`
	Encoding string `json:"encoding"`
	Content  string `json:"content"`
}

func (c *Client) newRequest(ctx context.Context, method, path, token string) (*http.Request, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if t := strings.TrimSpace(token); t != "" {
		req.Header.Set("Authorization", "Bearer "+t)
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, path, token string, v any) error {
	if c == nil {
		return fmt.Errorf("github client is nil")
	}
	req, err := c.newRequest(ctx, http.MethodGet, path, token)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < http.StatusBadRequest {
		return nil
	}
	var payload struct {
		Message string `json:"message"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err := json.Unmarshal(data, &payload); err != nil {
		payload.Message = strings.TrimSpace(string(data))
	}
	return APIError{Status: resp.StatusCode, Message: payload.Message}
}

func escapePath(p string) string {
	p = strings.Trim(p, "/")
	if p == "" {
		return ""
	}
	parts := strings.Split(p, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}

func repoPath(owner, repo string) string {
	return "/repos/" + url.PathEscape(owner) + "/" + url.PathEscape(repo)
}

// User is the authenticated account.
type User struct {
	Login string `json:"login"`
	Name  string `json:"name"`
}

// GetUser returns the account the token belongs to.
func (c *Client) GetUser(ctx context.Context, token string) (User, error) {
	var u User
	if err := c.do(ctx, "/user", token, &u); err != nil {
		return User{}, err
	}
	return u, nil
}

// ListRepos returns repositories visible to the token owner.
func (c *Client) ListRepos(ctx context.Context, token string) ([]Repo, error) {
	var repos []Repo
	if err := c.do(ctx, "/user/repos?per_page=100&sort=updated", token, &repos); err != nil {
		return nil, err
	}
	return repos, nil
}

// GetRepo returns metadata for a single repository.
func (c *Client) GetRepo(ctx context.Context, token, owner, repo string) (Repo, error) {
	var r Repo
	if err := c.do(ctx, repoPath(owner, repo), token, &r); err != nil {
		return Repo{}, err
	}
	return r, nil
}

// ListContents lists the entries of a directory; "" is the repository root.
func (c *Client) ListContents(ctx context.Context, token, owner, repo, dir string) ([]domain.TreeEntry, error) {
	path := repoPath(owner, repo) + "/contents"
	if p := escapePath(dir); p != "" {
		path += "/" + p
	}
	var items []contentItem
	if err := c.do(ctx, path, token, &items); err != nil {
		return nil, err
	}
	entries := make([]domain.TreeEntry, 0, len(items))
	for _, item := range items {
		typ := domain.EntryFile
		if item.Type == "dir" {
			typ = domain.EntryDir
		}
		entries = append(entries, domain.TreeEntry{Name: item.Name, Type: typ})
	}
	return entries, nil
}

// GetFileContent fetches a file and returns its decoded bytes with the
// encoding GitHub reported.
func (c *Client) GetFileContent(ctx context.Context, token, owner, repo, file string) ([]byte, string, error) {
	var item contentItem
	if err := c.do(ctx, repoPath(owner, repo)+"/contents/"+escapePath(file), token, &item); err != nil {
		return nil, "", err
	}
	if item.Type != "" && item.Type != "file" {
		return nil, item.Encoding, fmt.Errorf("%s is a %s, not a file", file, item.Type)
	}
	if item.Encoding != "base64" {
		return nil, item.Encoding, fmt.Errorf("unsupported encoding %q for %s", item.Encoding, file)
	}
	data, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(item.Content, "\n", ""))
	if err != nil {
		return nil, item.Encoding, fmt.Errorf("decode %s: %w", file, err)
	}
	return data, item.Encoding, nil
}

// DownloadArchive streams the zipball of the default branch. The caller closes
// the returned reader.
func (c *Client) DownloadArchive(ctx context.Context, token, owner, repo string) (io.ReadCloser, error) {
	req, err := c.newRequest(ctx, http.MethodGet, repoPath(owner, repo)+"/zipball", token)
	if err != nil {
		return nil, err
	}
	// Archive downloads can take far longer than API calls.
	client := *c.httpClient
	client.Timeout = 0
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download archive: %w", err)
	}
	if err := checkStatus(resp); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp.Body, nil
}

// Repository binds a token and repository so it can be handed to the
// classifier as a tree source.
func (c *Client) Repository(token, owner, repo string) *RepoHandle {
	return &RepoHandle{client: c, token: token, owner: owner, repo: repo}
}

// RepoHandle is a token-scoped view of one repository.
type RepoHandle struct {
	client *Client
	token  string
	owner  string
	repo   string
}

// List returns directory entries.
func (h *RepoHandle) List(ctx context.Context, dir string) ([]domain.TreeEntry, error) {
	return h.client.ListContents(ctx, h.token, h.owner, h.repo, dir)
}

// ReadFile returns decoded file content.
func (h *RepoHandle) ReadFile(ctx context.Context, file string) ([]byte, error) {
	data, _, err := h.client.GetFileContent(ctx, h.token, h.owner, h.repo, file)
	return data, err
}
