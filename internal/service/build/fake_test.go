package build

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/splax/hoster/internal/docker"
)

// fakeSandbox plays the container runtime. The collect step copies outputs
// into the /output mount so tests control what the build produced.
type fakeSandbox struct {
	mu sync.Mutex

	buildErr  error
	runErr    error
	notAlive  bool
	exitCodes map[string]int
	outputs   map[string]string

	dockerfile string
	spec       docker.RunSpec
	steps      []string
	removed    []string
	removedImg []string
}

func newFakeSandbox() *fakeSandbox {
	return &fakeSandbox{
		exitCodes: map[string]int{},
		outputs: map[string]string{
			"build/index.html":       validIndex,
			"build/static/js/app.js": "console.log('hi')",
		},
	}
}

const validIndex = `<!doctype html><html><head><title>app</title></head><body><div id="root"></div><script src="/static/js/app.js"></script></body></html>`

func (f *fakeSandbox) BuildImage(_ context.Context, _ string, dockerfile string, _ map[string]string, onOutput docker.OutputCallback) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dockerfile = dockerfile
	if onOutput != nil {
		onOutput("Step 1/4 : FROM node")
	}
	return f.buildErr
}

func (f *fakeSandbox) RemoveImage(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removedImg = append(f.removedImg, ref)
	return nil
}

func (f *fakeSandbox) RunContainer(_ context.Context, spec docker.RunSpec) (docker.ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spec = spec
	if f.runErr != nil {
		return docker.ContainerInfo{}, f.runErr
	}
	return docker.ContainerInfo{ID: "ctr-1"}, nil
}

func (f *fakeSandbox) Exec(_ context.Context, _ string, spec docker.ExecSpec, onOutput docker.OutputCallback) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	step := ""
	for _, env := range spec.Env {
		if v, ok := strings.CutPrefix(env, "HOSTER_STEP="); ok {
			step = v
		}
	}
	f.steps = append(f.steps, step)
	if onOutput != nil {
		onOutput("running " + step)
	}
	if code := f.exitCodes[step]; code != 0 {
		return code, nil
	}
	if step == "collect" {
		if err := f.writeOutputs(); err != nil {
			return -1, err
		}
	}
	return 0, nil
}

func (f *fakeSandbox) writeOutputs() error {
	var outDir string
	for _, m := range f.spec.Mounts {
		if m.Target == sandboxOutputDir {
			outDir = m.Source
		}
	}
	if outDir == "" {
		return errors.New("no output mount")
	}
	for name, content := range f.outputs {
		path := filepath.Join(outDir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeSandbox) IsRunning(context.Context, string) (bool, error) {
	return !f.notAlive, nil
}

func (f *fakeSandbox) Logs(context.Context, string, int) ([]string, error) {
	return []string{"sh: exec format error"}, nil
}

func (f *fakeSandbox) RemoveContainer(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return nil
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}
