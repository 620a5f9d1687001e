// Package classify decides what kind of project a repository tree holds.
package classify

import (
	"context"
	"log/slog"
	"path"
	"strings"

	"github.com/splax/hoster/internal/domain"
	"github.com/splax/hoster/internal/manifest"
)

// Source lists directories and reads files of a repository tree. Paths are
// slash separated and relative to the tree root; "" is the root itself.
type Source interface {
	List(ctx context.Context, dir string) ([]domain.TreeEntry, error)
	ReadFile(ctx context.Context, file string) ([]byte, error)
}

// Options tunes classification behaviour.
type Options struct {
	// StrictBackend requires an explicit framework dependency for Node
	// backends instead of accepting a bare start or dev script.
	StrictBackend bool
	// SandboxNodeMajor is the Node major of the build image, used by Diagnose.
	SandboxNodeMajor int
}

// Classifier inspects manifests through a Source. It never returns errors;
// anything it cannot read or parse simply does not qualify.
type Classifier struct {
	logger *slog.Logger
	opts   Options
}

// New constructs a Classifier.
func New(logger *slog.Logger, opts Options) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{logger: logger, opts: opts}
}

var (
	backendFrameworks = []struct {
		dep     string
		profile domain.FrameworkProfile
	}{
		{"@nestjs/core", domain.ProfileNestJS},
		{"express", domain.ProfileExpress},
		{"fastify", domain.ProfileFastify},
		{"koa", domain.ProfileKoa},
	}
	frontendBuildTools = []string{"vite", "react-scripts", "next", "webpack-dev-server", "parcel"}
	trackedTools       = []string{"vite", "react", "react-scripts"}
)

type checkFunc func(ctx context.Context, src Source, dir string, entries []domain.TreeEntry) (domain.ProjectClassification, bool)

// ClassifyFrontend looks for a React front-end at the root, then in each
// root-level directory in listing order.
func (c *Classifier) ClassifyFrontend(ctx context.Context, src Source) domain.ProjectClassification {
	return c.finish(c.search(ctx, src, c.checkFrontend))
}

// ClassifyBackend looks for a Node or Python backend the same way.
func (c *Classifier) ClassifyBackend(ctx context.Context, src Source) domain.ProjectClassification {
	return c.finish(c.search(ctx, src, c.checkBackend))
}

// Classify runs the front-end search, then the backend search, and returns the
// first match.
func (c *Classifier) Classify(ctx context.Context, src Source) domain.ProjectClassification {
	src = newCachingSource(src)
	if res := c.search(ctx, src, c.checkFrontend); res.Kind != domain.KindUnclassified {
		return c.finish(res)
	}
	return c.finish(c.search(ctx, src, c.checkBackend))
}

func (c *Classifier) finish(res domain.ProjectClassification) domain.ProjectClassification {
	res.Warnings = c.Diagnose(res)
	return res
}

func (c *Classifier) search(ctx context.Context, src Source, check checkFunc) domain.ProjectClassification {
	rootEntries, err := src.List(ctx, "")
	if err != nil {
		c.logger.Warn("list repository root", "error", err)
		return domain.Unclassified()
	}
	if res, ok := check(ctx, src, "", rootEntries); ok {
		return res
	}
	for _, entry := range rootEntries {
		if ctx.Err() != nil {
			return domain.Unclassified()
		}
		if !entry.IsDir() {
			continue
		}
		entries, err := src.List(ctx, entry.Name)
		if err != nil {
			c.logger.Debug("list directory", "dir", entry.Name, "error", err)
			continue
		}
		if res, ok := check(ctx, src, entry.Name, entries); ok {
			return res
		}
	}
	return domain.Unclassified()
}

func (c *Classifier) loadManifest(ctx context.Context, src Source, dir string, entries []domain.TreeEntry) (*manifest.Package, bool) {
	if !hasFile(entries, manifest.FileName) {
		return nil, false
	}
	file := path.Join(dir, manifest.FileName)
	data, err := src.ReadFile(ctx, file)
	if err != nil {
		c.logger.Debug("read manifest", "file", file, "error", err)
		return nil, false
	}
	pkg, err := manifest.Parse(data)
	if err != nil {
		c.logger.Debug("manifest does not qualify", "file", file, "error", err)
		return nil, false
	}
	return pkg, true
}

func (c *Classifier) checkFrontend(ctx context.Context, src Source, dir string, entries []domain.TreeEntry) (domain.ProjectClassification, bool) {
	pkg, ok := c.loadManifest(ctx, src, dir, entries)
	if !ok || !pkg.HasDependency("react") {
		return domain.ProjectClassification{}, false
	}
	profile := domain.ProfileCustomReact
	switch {
	case usesTool(pkg, "vite"):
		profile = domain.ProfileViteReact
	case usesTool(pkg, "react-scripts"):
		profile = domain.ProfileCreateReactApp
	}
	return fromManifest(dir, pkg, domain.KindFrontendReact, profile), true
}

// usesTool reports whether tool is declared or invoked by the build script.
func usesTool(pkg *manifest.Package, tool string) bool {
	if pkg.HasDependency(tool) {
		return true
	}
	for _, word := range strings.Fields(pkg.Scripts["build"]) {
		if word == tool {
			return true
		}
	}
	return false
}

func (c *Classifier) checkBackend(ctx context.Context, src Source, dir string, entries []domain.TreeEntry) (domain.ProjectClassification, bool) {
	if pkg, ok := c.loadManifest(ctx, src, dir, entries); ok {
		if profile, ok := c.nodeBackendProfile(pkg); ok {
			return fromManifest(dir, pkg, domain.KindBackendNode, profile), true
		}
	}
	return c.checkPython(ctx, src, dir, entries)
}

func (c *Classifier) nodeBackendProfile(pkg *manifest.Package) (domain.FrameworkProfile, bool) {
	for _, fw := range backendFrameworks {
		if pkg.HasDependency(fw.dep) {
			return fw.profile, true
		}
	}
	if c.opts.StrictBackend {
		return "", false
	}
	if !pkg.HasScript("start") && !pkg.HasScript("dev") {
		return "", false
	}
	if pkg.HasDependency("react") {
		return "", false
	}
	for _, tool := range frontendBuildTools {
		if pkg.HasDependency(tool) {
			return "", false
		}
	}
	return domain.ProfileGenericNode, true
}

func fromManifest(dir string, pkg *manifest.Package, kind domain.ProjectKind, profile domain.FrameworkProfile) domain.ProjectClassification {
	versions := map[string]string{}
	for _, tool := range trackedTools {
		if v, ok := pkg.Version(tool); ok {
			versions[tool] = v
		}
	}
	if v := pkg.Engines["node"]; v != "" {
		versions["node"] = v
	}
	return domain.ProjectClassification{
		ProjectPath:             dir,
		Kind:                    kind,
		FrameworkProfile:        profile,
		HasBuildScript:          pkg.HasScript("build"),
		HasStartScript:          pkg.HasScript("start") || pkg.HasScript("dev"),
		DeclaredDependencies:    domain.NewStringSet(pkg.Dependencies).Sorted(),
		DeclaredDevDependencies: domain.NewStringSet(pkg.DevDependencies).Sorted(),
		ToolVersions:            versions,
	}
}

func hasFile(entries []domain.TreeEntry, name string) bool {
	for _, e := range entries {
		if !e.IsDir() && e.Name == name {
			return true
		}
	}
	return false
}
