package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/splax/hoster/internal/classify"
	"github.com/splax/hoster/internal/domain"
	"github.com/splax/hoster/internal/github"
	"github.com/splax/hoster/internal/service/build"
	"github.com/splax/hoster/internal/service/runner"
	"github.com/splax/hoster/pkg/logger"
)

const testSecret = "router-test-secret"

type reposStub struct {
	user     github.User
	userErr  error
	repos    []github.Repo
	gotToken string
}

func (s *reposStub) GetUser(_ context.Context, token string) (github.User, error) {
	s.gotToken = token
	return s.user, s.userErr
}

func (s *reposStub) ListRepos(_ context.Context, token string) ([]github.Repo, error) {
	s.gotToken = token
	return s.repos, nil
}

type buildsStub struct {
	outcome *build.Outcome
	err     error
	deleted int
	website string
	got     build.Request
	calls   int
}

func (s *buildsStub) Build(_ context.Context, req build.Request) (*build.Outcome, error) {
	s.got = req
	return s.outcome, s.err
}

func (s *buildsStub) ListBuilds(context.Context) ([]domain.BuildSummary, error) {
	return nil, nil
}

func (s *buildsStub) DeleteBuild(context.Context, string, string) (int, error) {
	s.calls++
	return s.deleted, nil
}

func (s *buildsStub) Website(string, string) (string, error) {
	if s.website == "" {
		return "", domain.ErrStorageNotConfigured
	}
	return s.website, nil
}

type backendsStub struct {
	mu        sync.Mutex
	instances map[string]domain.RunningInstance
	lines     []string
	started   runner.Request
}

func (s *backendsStub) Start(_ context.Context, req runner.Request) (domain.RunningInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = req
	inst := domain.RunningInstance{Owner: req.Owner, Repo: req.Repo, Port: 41000, Status: domain.InstanceRunning}
	if s.instances == nil {
		s.instances = map[string]domain.RunningInstance{}
	}
	s.instances[inst.Key()] = inst
	return inst, nil
}

func (s *backendsStub) get(owner, repo string) (domain.RunningInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[domain.ProjectKey(owner, repo)]
	if !ok {
		return domain.RunningInstance{}, domain.ErrNotRunning
	}
	return inst, nil
}

func (s *backendsStub) Stop(_ context.Context, owner, repo string) error {
	if _, err := s.get(owner, repo); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.instances, domain.ProjectKey(owner, repo))
	s.mu.Unlock()
	return nil
}

func (s *backendsStub) Status(_ context.Context, owner, repo string) (domain.RunningInstance, error) {
	return s.get(owner, repo)
}

func (s *backendsStub) Logs(_ context.Context, owner, repo string) ([]string, error) {
	if _, err := s.get(owner, repo); err != nil {
		return nil, err
	}
	return s.lines, nil
}

func (s *backendsStub) Follow(ctx context.Context, owner, repo string, onLine func(string)) error {
	if _, err := s.get(owner, repo); err != nil {
		return err
	}
	for _, line := range s.lines {
		onLine(line)
	}
	<-ctx.Done()
	return ctx.Err()
}

func (s *backendsStub) List() []domain.RunningInstance {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.RunningInstance, 0, len(s.instances))
	for _, inst := range s.instances {
		out = append(out, inst)
	}
	return out
}

type fixture struct {
	router   *Router
	repos    *reposStub
	builds   *buildsStub
	backends *backendsStub
	tree     string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	tree := t.TempDir()
	writeFile(t, filepath.Join(tree, "package.json"), `{"scripts":{"build":"vite build"},"dependencies":{"react":"^18.2.0","react-dom":"^18.2.0"},"devDependencies":{"vite":"^5.0.0"}}`)
	f := &fixture{
		repos:    &reposStub{user: github.User{Login: "octocat", Name: "Mona"}, repos: []github.Repo{{Name: "site", FullName: "octocat/site"}}},
		builds:   &buildsStub{},
		backends: &backendsStub{},
		tree:     tree,
	}
	f.repos.repos[0].Owner.Login = "octocat"
	f.router = New(Deps{
		Logger: logger.Discard(),
		Repos:  f.repos,
		Sources: func(token, owner, repo string) classify.Source {
			return classify.NewDirSource(tree)
		},
		Classifier: classify.New(logger.Discard(), classify.Options{SandboxNodeMajor: 20}),
		Builds:     f.builds,
		Backends:   f.backends,
		Docker:     func(context.Context) error { return nil },
	}, SessionConfig{Secret: testSecret, TTL: time.Hour})
	return f
}

func (f *fixture) login(t *testing.T) string {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/session", "", `{"token":"ghp_test"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("session status = %d body=%s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Success bool            `json:"success"`
		Data    sessionResponse `json:"data"`
	}
	decode(t, rec, &resp)
	if !resp.Success || resp.Data.Token == "" || resp.Data.Login != "octocat" {
		t.Fatalf("unexpected session response: %+v", resp)
	}
	return resp.Data.Token
}

func (f *fixture) do(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

type envelopeBody struct {
	Success   bool            `json:"success"`
	Error     string          `json:"error"`
	ErrorKind string          `json:"error_kind"`
	Logs      []string        `json:"logs"`
	Data      json.RawMessage `json:"data"`
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestSessionRoundTripCarriesGitHubToken(t *testing.T) {
	f := newFixture(t)
	token := f.login(t)
	if strings.Contains(token, "ghp_test") {
		t.Fatalf("session token leaks github token")
	}

	rec := f.do(t, http.MethodPost, "/api/backends/octocat/api", token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("start status = %d body=%s", rec.Code, rec.Body.String())
	}
	if f.backends.started.Token != "ghp_test" {
		t.Fatalf("runner got token %q", f.backends.started.Token)
	}
}

func TestSessionRejectedByGitHub(t *testing.T) {
	f := newFixture(t)
	f.repos.userErr = errors.New("bad credentials")
	rec := f.do(t, http.MethodPost, "/api/session", "", `{"token":"nope"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
	var body envelopeBody
	decode(t, rec, &body)
	if body.ErrorKind != string(domain.KindNotAuthenticated) {
		t.Fatalf("error_kind = %q", body.ErrorKind)
	}
}

func TestRequireAuthRejectsMissingAndForgedTokens(t *testing.T) {
	f := newFixture(t)
	for _, token := range []string{"", "not-a-jwt"} {
		rec := f.do(t, http.MethodGet, "/api/backends", token, "")
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("token %q: status = %d", token, rec.Code)
		}
		var body envelopeBody
		decode(t, rec, &body)
		if body.Success || body.ErrorKind != string(domain.KindNotAuthenticated) {
			t.Fatalf("token %q: unexpected body %+v", token, body)
		}
	}
}

func TestBuildFailureReturnsLogsAndKind(t *testing.T) {
	f := newFixture(t)
	token := f.login(t)
	job := domain.NewBuildJob("octocat", "site", "attempt-1", time.Now())
	job.LogLines = []string{"npm run build", "build failed: build exited with status 1"}
	f.builds.outcome = &build.Outcome{Job: job}
	f.builds.err = domain.E(domain.KindBuildCommandError, "build exited with status 1")

	counter := f.router.buildResults.WithLabelValues("failure", string(domain.KindBuildCommandError))
	before := testutil.ToFloat64(counter)

	rec := f.do(t, http.MethodPost, "/api/projects/octocat/site/build", token, "")
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	var body envelopeBody
	decode(t, rec, &body)
	if body.Success || body.ErrorKind != string(domain.KindBuildCommandError) {
		t.Fatalf("unexpected envelope: %+v", body)
	}
	if len(body.Logs) != 2 || body.Logs[1] != "build failed: build exited with status 1" {
		t.Fatalf("logs = %v", body.Logs)
	}
	if got := testutil.ToFloat64(counter); got != before+1 {
		t.Fatalf("build failure counter = %v, want %v", got, before+1)
	}
	if f.builds.got.Owner != "octocat" || f.builds.got.Repo != "site" || f.builds.got.Token != "ghp_test" {
		t.Fatalf("build request = %+v", f.builds.got)
	}
}

func TestBuildStatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{domain.ErrStorageNotConfigured, http.StatusServiceUnavailable},
		{domain.ErrSandboxUnavailable, http.StatusServiceUnavailable},
		{domain.E(domain.KindNotAReactProject, "no react"), http.StatusUnprocessableEntity},
		{domain.E(domain.KindInvalidRequest, "owner"), http.StatusBadRequest},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	f := newFixture(t)
	token := f.login(t)
	for _, tc := range cases {
		f.builds.outcome = nil
		f.builds.err = tc.err
		rec := f.do(t, http.MethodPost, "/api/projects/octocat/site/build", token, "")
		if rec.Code != tc.want {
			t.Fatalf("%v: status = %d, want %d", tc.err, rec.Code, tc.want)
		}
	}
}

func TestBuildSuccess(t *testing.T) {
	f := newFixture(t)
	token := f.login(t)
	job := domain.NewBuildJob("octocat", "site", "attempt-2", time.Now())
	job.LogLines = []string{"source materialized"}
	f.builds.outcome = &build.Outcome{
		Job:      job,
		Artifact: domain.BuildArtifact{FileList: []string{"index.html"}, HasIndexHTML: true},
		Publish:  &domain.PublishResult{Uploaded: 1, WebsiteURL: "http://localhost:9000/builds/projects/octocat/site/index.html"},
	}
	rec := f.do(t, http.MethodPost, "/api/projects/octocat/site/build", token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	var body envelopeBody
	decode(t, rec, &body)
	if !body.Success || len(body.Logs) != 1 {
		t.Fatalf("unexpected envelope: %+v", body)
	}
	if !strings.Contains(string(body.Data), "projects/octocat/site/index.html") {
		t.Fatalf("data missing website url: %s", body.Data)
	}
}

func TestClassifyEndpoint(t *testing.T) {
	f := newFixture(t)
	token := f.login(t)

	rec := f.do(t, http.MethodGet, "/api/projects/octocat/site/classify?kind=frontend", token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	var body struct {
		Data classifyResponse `json:"data"`
	}
	decode(t, rec, &body)
	if body.Data.Classification.Kind != domain.KindFrontendReact {
		t.Fatalf("kind = %s", body.Data.Classification.Kind)
	}
	if body.Data.Classification.FrameworkProfile != domain.ProfileViteReact {
		t.Fatalf("profile = %s", body.Data.Classification.FrameworkProfile)
	}

	rec = f.do(t, http.MethodGet, "/api/projects/octocat/site/classify?kind=backend", token, "")
	decode(t, rec, &body)
	if body.Data.Classification.Kind.IsBackend() {
		t.Fatalf("react tree classified as backend")
	}

	rec = f.do(t, http.MethodGet, "/api/projects/octocat/site/classify?kind=mobile", token, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown kind status = %d", rec.Code)
	}
}

func TestReposListingClassifies(t *testing.T) {
	f := newFixture(t)
	token := f.login(t)

	rec := f.do(t, http.MethodGet, "/api/repos", token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	var body struct {
		Data []repoSummary `json:"data"`
	}
	decode(t, rec, &body)
	if len(body.Data) != 1 || body.Data[0].Owner != "octocat" {
		t.Fatalf("repos = %+v", body.Data)
	}
	if c := body.Data[0].Classification; c == nil || c.Kind != domain.KindFrontendReact {
		t.Fatalf("classification = %+v", c)
	}

	rec = f.do(t, http.MethodGet, "/api/repos?classify=false", token, "")
	var plain struct {
		Data []repoSummary `json:"data"`
	}
	decode(t, rec, &plain)
	if len(plain.Data) != 1 || plain.Data[0].Classification != nil {
		t.Fatalf("classification present with classify=false")
	}
}

func TestBackendLifecycleEndpoints(t *testing.T) {
	f := newFixture(t)
	token := f.login(t)

	rec := f.do(t, http.MethodDelete, "/api/backends/octocat/api", token, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("stop unknown status = %d", rec.Code)
	}
	var body envelopeBody
	decode(t, rec, &body)
	if body.ErrorKind != string(domain.KindNotRunning) {
		t.Fatalf("error_kind = %q", body.ErrorKind)
	}

	f.do(t, http.MethodPost, "/api/backends/octocat/api", token, "")
	f.backends.lines = []string{"listening on 3000"}

	rec = f.do(t, http.MethodGet, "/api/backends/octocat/api/logs", token, "")
	decode(t, rec, &body)
	if rec.Code != http.StatusOK || len(body.Logs) != 1 {
		t.Fatalf("logs status = %d body=%+v", rec.Code, body)
	}

	rec = f.do(t, http.MethodGet, "/api/backends", token, "")
	var list struct {
		Data []domain.RunningInstance `json:"data"`
	}
	decode(t, rec, &list)
	if len(list.Data) != 1 || list.Data[0].Port != 41000 {
		t.Fatalf("instances = %+v", list.Data)
	}

	rec = f.do(t, http.MethodDelete, "/api/backends/octocat/api", token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("stop status = %d", rec.Code)
	}
	rec = f.do(t, http.MethodGet, "/api/backends/octocat/api", token, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status after stop = %d", rec.Code)
	}
}

func TestBuildInfoAndDelete(t *testing.T) {
	f := newFixture(t)
	token := f.login(t)

	rec := f.do(t, http.MethodGet, "/api/builds/octocat/site", token, "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("website without storage status = %d", rec.Code)
	}

	f.builds.website = "http://localhost:9000/builds/projects/octocat/site/index.html"
	rec = f.do(t, http.MethodGet, "/api/builds/octocat/site", token, "")
	var info struct {
		Data websiteResponse `json:"data"`
	}
	decode(t, rec, &info)
	if info.Data.WebsiteURL != f.builds.website {
		t.Fatalf("website = %q", info.Data.WebsiteURL)
	}

	f.builds.deleted = 3
	rec = f.do(t, http.MethodDelete, "/api/builds/octocat/site", token, "")
	var deleted struct {
		Data map[string]int `json:"data"`
	}
	decode(t, rec, &deleted)
	if deleted.Data["deleted"] != 3 {
		t.Fatalf("deleted = %v", deleted.Data)
	}

	rec = f.do(t, http.MethodGet, "/api/builds", token, "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"data":[]`) {
		t.Fatalf("list builds = %d %s", rec.Code, rec.Body.String())
	}
}

func TestProjectPathRejectsTraversal(t *testing.T) {
	f := newFixture(t)
	token := f.login(t)

	for _, path := range []string{
		"/api/builds/x/..%2F..%2F..%2Fvictim",
		"/api/builds/..%2F..%2Fetc/passwd",
	} {
		rec := f.do(t, http.MethodDelete, path, token, "")
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: status = %d %s", path, rec.Code, rec.Body.String())
		}
		var env envelopeBody
		decode(t, rec, &env)
		if env.ErrorKind != string(domain.KindInvalidRequest) {
			t.Fatalf("%s: error kind = %q", path, env.ErrorKind)
		}
	}
	if f.builds.calls != 0 {
		t.Fatalf("delete reached the build service %d times", f.builds.calls)
	}

	rec := f.do(t, http.MethodPost, "/api/backends/octocat/my%20api", token, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("backend start with invalid repo status = %d", rec.Code)
	}
}

func TestHealthReportsComponents(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"not_configured"`) {
		t.Fatalf("storage should be not_configured: %s", rec.Body.String())
	}

	f.router.docker = func(context.Context) error { return errors.New("daemon unreachable") }
	rec = f.do(t, http.MethodGet, "/healthz", "", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("degraded status = %d", rec.Code)
	}
}

func TestBackendStreamSendsLines(t *testing.T) {
	f := newFixture(t)
	token := f.login(t)
	f.do(t, http.MethodPost, "/api/backends/octocat/api", token, "")
	f.backends.lines = []string{"booting", "listening on 3000"}

	srv := httptest.NewServer(f.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/backends/octocat/api/logs/stream?access_token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial: %v (status %d)", err, status)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for _, want := range f.backends.lines {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if string(msg) != want {
			t.Fatalf("line = %q, want %q", msg, want)
		}
	}
}

func TestBackendStreamUnknownInstance(t *testing.T) {
	f := newFixture(t)
	token := f.login(t)
	rec := f.do(t, http.MethodGet, "/api/backends/octocat/nope/logs/stream", token, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}
