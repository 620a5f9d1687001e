package classify

import (
	"fmt"

	"github.com/splax/hoster/internal/domain"
	"github.com/splax/hoster/internal/manifest"
)

// Diagnose lists problems likely to break a build or run of the classified
// project. It never changes the classification itself.
func (c *Classifier) Diagnose(res domain.ProjectClassification) []string {
	var warnings []string
	switch res.Kind {
	case domain.KindFrontendReact:
		if !res.HasBuildScript {
			warnings = append(warnings, "package.json has no build script")
		}
		if !res.HasDependency("react-dom") {
			warnings = append(warnings, "react-dom is not declared")
		}
		if v, ok := res.ToolVersions["vite"]; ok {
			need := manifest.NodeMajorForVite(v)
			if need > 0 && c.opts.SandboxNodeMajor > 0 && need > c.opts.SandboxNodeMajor {
				warnings = append(warnings, fmt.Sprintf("vite %s needs Node %d or newer, build image has Node %d; a newer image will be selected", v, need, c.opts.SandboxNodeMajor))
			}
		}
	case domain.KindBackendNode:
		if !res.HasStartScript {
			warnings = append(warnings, "no start or dev script; falling back to node on the main entry")
		}
	case domain.KindBackendPython:
		if len(res.DeclaredDependencies) == 0 {
			warnings = append(warnings, "no requirements.txt dependencies declared")
		}
		if len(res.EntryPoints) == 0 {
			warnings = append(warnings, "no recognised entry file (main.py, server.py, app.py)")
		}
	}
	return warnings
}
