package docker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

func TestContainerConfigMountsAndLimits(t *testing.T) {
	port := nat.Port("8080/tcp")
	spec := RunSpec{
		Name:  "hoster-build-1",
		Image: "node:20-alpine",
		Cmd:   []string{"sleep", "3600"},
		Mounts: []Mount{
			{Source: "/scratch/src", Target: "/src", ReadOnly: true},
			{Source: "/scratch/output", Target: "/output"},
		},
		Ports:  nat.PortMap{port: []nat.PortBinding{{HostIP: "127.0.0.1"}}},
		Labels: map[string]string{LabelManaged: "true"},
		Limits: Limits{MemoryBytes: 512 << 20, NanoCPUs: 1e9, PidsLimit: 256},
	}
	cfg, host := containerConfig(spec)

	if _, ok := cfg.ExposedPorts[port]; !ok {
		t.Fatalf("expected port %s to be exposed", port)
	}
	if cfg.Labels[LabelManaged] != "true" {
		t.Fatalf("expected managed label")
	}
	if host.RestartPolicy.Name != container.RestartPolicyDisabled {
		t.Fatalf("expected no restart policy, got %q", host.RestartPolicy.Name)
	}
	if host.Resources.Memory != 512<<20 || host.Resources.NanoCPUs != 1e9 {
		t.Fatalf("unexpected resources %+v", host.Resources)
	}
	if host.Resources.PidsLimit == nil || *host.Resources.PidsLimit != 256 {
		t.Fatalf("expected pids limit")
	}
	writable := 0
	for _, m := range host.Mounts {
		if m.Type != mount.TypeBind {
			t.Fatalf("expected bind mount, got %s", m.Type)
		}
		if !m.ReadOnly {
			writable++
			if m.Target != "/output" {
				t.Fatalf("only /output may be writable, got %s", m.Target)
			}
		}
	}
	if writable != 1 {
		t.Fatalf("expected exactly one writable mount, got %d", writable)
	}
}

func TestContainerInfoHostPort(t *testing.T) {
	info := ContainerInfo{PortBinding: nat.PortMap{
		"8080/tcp": {{HostIP: "0.0.0.0", HostPort: ""}, {HostIP: "::", HostPort: "49153"}},
	}}
	if got := info.HostPort("8080/tcp"); got != "49153" {
		t.Fatalf("expected 49153, got %q", got)
	}
	if got := info.HostPort("9000/tcp"); got != "" {
		t.Fatalf("expected no binding, got %q", got)
	}
}

func TestDecodeBuildStream(t *testing.T) {
	stream := `{"stream":"Step 1/2 : FROM node:20-alpine\n"}
{"status":"Downloading","id":"abc","progressDetail":{"current":5,"total":10}}
{"aux":{"ID":"sha256:123"}}
`
	var lines []string
	if err := decodeBuildStream(strings.NewReader(stream), func(l string) { lines = append(lines, l) }); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := []string{"Step 1/2 : FROM node:20-alpine", "abc Downloading 5/10", "image id: sha256:123"}
	if strings.Join(lines, "|") != strings.Join(want, "|") {
		t.Fatalf("unexpected lines %q", lines)
	}

	failing := `{"stream":"Step 1/1"}
{"errorDetail":{"message":"manifest unknown"},"error":""}
`
	if err := decodeBuildStream(strings.NewReader(failing), nil); err == nil || !strings.Contains(err.Error(), "manifest unknown") {
		t.Fatalf("expected build error, got %v", err)
	}
}

func TestLineWriterSplitsAndFlushes(t *testing.T) {
	var lines []string
	w := newLineWriter(func(l string) { lines = append(lines, l) })
	_, _ = w.Write([]byte("first\r\nsec"))
	_, _ = w.Write([]byte("ond\nthird"))
	if len(lines) != 2 {
		t.Fatalf("expected two complete lines before flush, got %q", lines)
	}
	w.Flush()
	if strings.Join(lines, ",") != "first,second,third" {
		t.Fatalf("unexpected lines %q", lines)
	}
}

func TestNilClientIsNotInitialized(t *testing.T) {
	var c *Client
	if err := c.Stop(context.Background(), "x", time.Second); err != ErrNotInitialized {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}

// daemonStub answers the handful of Engine API calls RunContainer makes.
type daemonStub struct {
	mu      sync.Mutex
	inspect func(w http.ResponseWriter)
	removed []string
}

func (d *daemonStub) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	d.mu.Lock()
	defer d.mu.Unlock()
	path := req.URL.Path
	switch {
	case req.Method == http.MethodPost && strings.HasSuffix(path, "/containers/create"):
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"Id":"ctr-abc","Warnings":[]}`))
	case req.Method == http.MethodPost && strings.HasSuffix(path, "/containers/ctr-abc/start"):
		w.WriteHeader(http.StatusNoContent)
	case req.Method == http.MethodGet && strings.HasSuffix(path, "/containers/ctr-abc/json"):
		d.inspect(w)
	case req.Method == http.MethodDelete && strings.HasSuffix(path, "/containers/ctr-abc"):
		d.removed = append(d.removed, "ctr-abc")
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, `{"message":"unexpected call"}`, http.StatusNotImplemented)
	}
}

func (d *daemonStub) removedIDs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.removed...)
}

func newStubClient(t *testing.T, stub *daemonStub) *Client {
	t.Helper()
	srv := httptest.NewServer(stub)
	t.Cleanup(srv.Close)
	inner, err := client.NewClientWithOpts(
		client.WithHost("tcp://"+strings.TrimPrefix(srv.URL, "http://")),
		client.WithHTTPClient(srv.Client()),
		client.WithVersion("1.43"),
	)
	if err != nil {
		t.Fatalf("docker client: %v", err)
	}
	t.Cleanup(func() { _ = inner.Close() })
	return &Client{inner: inner}
}

func TestRunContainerRemovesContainerWhenInspectFails(t *testing.T) {
	stub := &daemonStub{inspect: func(w http.ResponseWriter) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"message":"inspect exploded"}`))
	}}
	c := newStubClient(t, stub)

	info, err := c.RunContainer(context.Background(), RunSpec{
		Name:  "hoster-run-1",
		Image: "node:20-alpine",
		Ports: nat.PortMap{"8080/tcp": {{HostIP: "127.0.0.1"}}},
	})
	if err == nil {
		t.Fatalf("expected inspect error")
	}
	if info.ID != "" {
		t.Fatalf("failed run should not hand back a container id, got %q", info.ID)
	}
	if got := stub.removedIDs(); len(got) != 1 {
		t.Fatalf("expected the created container to be removed, got %v", got)
	}
}

func TestRunContainerRemovesContainerWhenContextEnds(t *testing.T) {
	stub := &daemonStub{inspect: func(w http.ResponseWriter) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"Id":"ctr-abc","State":{"Running":true},"NetworkSettings":{"Ports":{}}}`))
	}}
	c := newStubClient(t, stub)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := c.RunContainer(ctx, RunSpec{
		Name:  "hoster-run-2",
		Image: "node:20-alpine",
		Ports: nat.PortMap{"8080/tcp": {{HostIP: "127.0.0.1"}}},
	}); err == nil {
		t.Fatalf("expected the port wait to be cut short")
	}
	if got := stub.removedIDs(); len(got) != 1 {
		t.Fatalf("expected the created container to be removed, got %v", got)
	}
}
