// Package patch rewrites a materialized front-end so its build output works
// when served from an object-storage prefix.
package patch

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/splax/hoster/internal/domain"
	"github.com/splax/hoster/internal/manifest"
)

// Operation names used in reports.
const (
	OpHomepage     = "homepage"
	OpViteConfig   = "vite-config"
	OpSPARedirects = "spa-redirects"
	OpCompatShim   = "compat-shim"
)

// Options configure the patcher.
type Options struct {
	// SandboxNodeMajor is the Node major of the default build image.
	SandboxNodeMajor int
}

// Report describes what Apply did.
type Report struct {
	Applied []string `json:"applied"`
	Skipped []string `json:"skipped"`
	// RequiredNodeMajor is the Node major the declared tooling needs, 0 if
	// nothing requires a specific version.
	RequiredNodeMajor int `json:"required_node_major,omitempty"`
}

func (r *Report) applied(op string) { r.Applied = append(r.Applied, op) }

func (r *Report) skipped(op, reason string) {
	r.Skipped = append(r.Skipped, op+": "+reason)
}

// Lines renders the report for build logs.
func (r Report) Lines() []string {
	lines := make([]string, 0, len(r.Applied)+len(r.Skipped))
	for _, op := range r.Applied {
		lines = append(lines, "patch applied: "+op)
	}
	for _, s := range r.Skipped {
		lines = append(lines, "patch skipped: "+s)
	}
	return lines
}

// Patcher applies idempotent fixes to a project tree.
type Patcher struct {
	logger *slog.Logger
	opts   Options
}

// New constructs a Patcher.
func New(logger *slog.Logger, opts Options) *Patcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Patcher{logger: logger, opts: opts}
}

// Apply patches the project rooted at root for the given profile. It never
// fails; problems are logged and recorded in the report.
func (p *Patcher) Apply(root string, profile domain.FrameworkProfile) Report {
	var report Report
	pkg, err := manifest.Load(root)
	if err != nil {
		p.logger.Warn("manifest unreadable, no patch applied", "root", root, "error", err)
		report.skipped("manifest", err.Error())
		return report
	}

	p.step(&report, OpHomepage, func() (bool, error) { return setHomepage(root, pkg) })

	if profile == domain.ProfileViteReact {
		p.step(&report, OpViteConfig, func() (bool, error) { return writeViteConfig(root, pkg) })
	} else {
		report.skipped(OpViteConfig, "not a vite project")
	}

	if profile == domain.ProfileCreateReactApp {
		p.step(&report, OpSPARedirects, func() (bool, error) { return writeRedirects(root) })
	} else {
		report.skipped(OpSPARedirects, "not a create-react-app project")
	}

	report.RequiredNodeMajor = pkg.RequiredNodeMajor()
	if report.RequiredNodeMajor > p.opts.SandboxNodeMajor {
		p.step(&report, OpCompatShim, func() (bool, error) { return applyCompatShim(root, report.RequiredNodeMajor) })
	} else {
		report.skipped(OpCompatShim, "runtime already satisfies tooling")
	}
	return report
}

func (p *Patcher) step(report *Report, op string, fn func() (bool, error)) {
	changed, err := fn()
	switch {
	case err != nil:
		p.logger.Warn("patch step failed", "op", op, "error", err)
		report.skipped(op, err.Error())
	case changed:
		p.logger.Info("patch step applied", "op", op)
		report.applied(op)
	default:
		report.skipped(op, "already up to date")
	}
}

func setHomepage(root string, pkg *manifest.Package) (bool, error) {
	if pkg.Homepage == "." {
		return false, nil
	}
	if err := editManifest(root, map[string]any{"homepage": "."}); err != nil {
		return false, err
	}
	pkg.Homepage = "."
	return true, nil
}

func writeViteConfig(root string, pkg *manifest.Package) (bool, error) {
	return writeIfChanged(filepath.Join(root, "vite.config.js"), renderViteConfig(pkg))
}

func renderViteConfig(pkg *manifest.Package) string {
	var b strings.Builder
	b.WriteString("import { defineConfig } from 'vite'\n")
	plugin := ""
	switch {
	case pkg.HasDependency("@vitejs/plugin-react-swc"):
		plugin = "@vitejs/plugin-react-swc"
	case pkg.HasDependency("@vitejs/plugin-react"):
		plugin = "@vitejs/plugin-react"
	}
	if plugin != "" {
		b.WriteString("import react from '" + plugin + "'\n")
	}
	b.WriteString("\nexport default defineConfig({\n")
	b.WriteString("  base: './',\n")
	if plugin != "" {
		b.WriteString("  plugins: [react()],\n")
	}
	b.WriteString("  build: {\n")
	b.WriteString("    outDir: 'dist',\n")
	b.WriteString("    assetsDir: 'assets',\n")
	b.WriteString("    sourcemap: false,\n")
	b.WriteString("  },\n")
	b.WriteString("})\n")
	return b.String()
}

func writeRedirects(root string) (bool, error) {
	dir := filepath.Join(root, "public")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, fmt.Errorf("create public dir: %w", err)
	}
	return writeIfChanged(filepath.Join(dir, "_redirects"), "/*    /index.html    200\n")
}

var npmrcSettings = []string{"legacy-peer-deps=true", "engine-strict=false", "fund=false"}

func applyCompatShim(root string, nodeMajor int) (bool, error) {
	changed := false
	pkg, err := manifest.Load(root)
	if err != nil {
		return false, err
	}
	want := fmt.Sprintf(">=%d.0.0", nodeMajor)
	if pkg.Engines["node"] != want {
		engines := map[string]string{}
		for k, v := range pkg.Engines {
			engines[k] = v
		}
		engines["node"] = want
		if err := editManifest(root, map[string]any{"engines": engines}); err != nil {
			return false, err
		}
		changed = true
	}
	npmrcChanged, err := mergeNpmrc(filepath.Join(root, ".npmrc"))
	if err != nil {
		return changed, err
	}
	return changed || npmrcChanged, nil
}

// mergeNpmrc sets the compatibility keys, replacing conflicting values and
// keeping unrelated lines.
func mergeNpmrc(path string) (bool, error) {
	existing, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("read .npmrc: %w", err)
	}
	wanted := map[string]string{}
	for _, kv := range npmrcSettings {
		k, _, _ := strings.Cut(kv, "=")
		wanted[k] = kv
	}
	var lines []string
	for _, line := range strings.Split(strings.TrimRight(string(existing), "\n"), "\n") {
		if line == "" {
			continue
		}
		key, _, _ := strings.Cut(line, "=")
		if _, ok := wanted[strings.TrimSpace(key)]; ok {
			continue
		}
		lines = append(lines, line)
	}
	lines = append(lines, npmrcSettings...)
	return writeIfChanged(path, strings.Join(lines, "\n")+"\n")
}

func editManifest(root string, set map[string]any) error {
	path := filepath.Join(root, manifest.FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}
	out, err := manifest.Edit(data, set)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

func writeIfChanged(path, content string) (bool, error) {
	current, err := os.ReadFile(path)
	if err == nil && string(current) == content {
		return false, nil
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return false, fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return true, nil
}
