package runner

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/splax/hoster/internal/domain"
	"github.com/splax/hoster/internal/manifest"
)

const (
	sourceMount = "/src"
	workDir     = "/work"
)

// launch is how a backend is started inside its sandbox.
type launch struct {
	image   string
	install string
	start   string
}

// script stages the read-only source into a writable directory, installs
// dependencies and replaces the shell with the server process.
func (l launch) script() string {
	steps := []string{
		"mkdir -p " + workDir,
		"cp -a " + sourceMount + "/. " + workDir + "/",
		"cd " + workDir,
	}
	if l.install != "" {
		steps = append(steps, l.install)
	}
	steps = append(steps, "exec "+l.start)
	return strings.Join(steps, " && ")
}

type images struct {
	node      string
	nodeMajor int
	python    string
}

func planLaunch(c domain.ProjectClassification, projectRoot string, imgs images) (launch, error) {
	switch c.Kind {
	case domain.KindBackendNode:
		return planNode(projectRoot, imgs)
	case domain.KindBackendPython:
		return planPython(c, projectRoot, imgs)
	default:
		return launch{}, domain.E(domain.KindNotABackendProject, "no Node.js or Python backend found")
	}
}

func planNode(projectRoot string, imgs images) (launch, error) {
	pkg, err := manifest.Load(projectRoot)
	if err != nil {
		return launch{}, domain.Wrap(domain.KindNotABackendProject, "read package.json", err)
	}
	l := launch{image: imgs.node, install: "npm install --no-audit --no-fund"}
	major := pkg.RequiredNodeMajor()
	if engine := manifest.MajorVersion(pkg.Engines["node"]); engine > major {
		major = engine
	}
	if major > imgs.nodeMajor {
		l.image = fmt.Sprintf("node:%d-alpine", major)
	}
	switch {
	case pkg.HasScript("dev"):
		l.start = "npm run dev"
	case pkg.HasScript("start"):
		l.start = "npm start"
	default:
		entry := nodeEntry(projectRoot, pkg)
		if entry == "" {
			return launch{}, domain.E(domain.KindNotABackendProject, "no dev or start script and no entry file")
		}
		l.start = "node " + entry
	}
	return l, nil
}

func nodeEntry(projectRoot string, pkg *manifest.Package) string {
	candidates := []string{}
	if pkg.Main != "" {
		candidates = append(candidates, path.Clean(pkg.Main))
	}
	candidates = append(candidates, "index.js", "server.js", "app.js", "main.js")
	for _, c := range candidates {
		if strings.HasPrefix(c, "..") || path.IsAbs(c) {
			continue
		}
		if fileExists(filepath.Join(projectRoot, filepath.FromSlash(c))) {
			return c
		}
	}
	return ""
}

// pythonEntries is the start priority for Python backends.
var pythonEntries = []string{"main.py", "server.py", "app.py"}

func planPython(c domain.ProjectClassification, projectRoot string, imgs images) (launch, error) {
	l := launch{image: imgs.python}
	if fileExists(filepath.Join(projectRoot, "requirements.txt")) {
		l.install = "pip install --no-cache-dir -r requirements.txt"
	}
	entry := ""
	for _, name := range pythonEntries {
		if fileExists(filepath.Join(projectRoot, name)) {
			entry = name
			break
		}
	}
	switch c.FrameworkProfile {
	case domain.ProfileDjango:
		if fileExists(filepath.Join(projectRoot, "manage.py")) {
			l.start = `python manage.py runserver "0.0.0.0:$PORT"`
			return l, nil
		}
	case domain.ProfileFastAPI:
		if entry != "" {
			l.install = withPackage(l.install, "uvicorn")
			l.start = fmt.Sprintf(`uvicorn %s:app --host 0.0.0.0 --port "$PORT"`, strings.TrimSuffix(entry, ".py"))
			return l, nil
		}
	case domain.ProfileFlask:
		if entry != "" {
			l.install = withPackage(l.install, "flask")
			l.start = fmt.Sprintf(`flask --app %s run --host 0.0.0.0 --port "$PORT"`, entry)
			return l, nil
		}
	}
	if entry == "" {
		return launch{}, domain.E(domain.KindNotABackendProject, "no main.py, server.py or app.py to start")
	}
	l.start = "python " + entry
	return l, nil
}

// withPackage makes sure the server binary is present even when the project
// does not pin it in requirements.txt.
func withPackage(install, pkg string) string {
	add := "pip install --no-cache-dir " + pkg
	if install == "" {
		return add
	}
	return install + " && " + add
}

func fileExists(p string) bool {
	info, err := os.Stat(p)
	return err == nil && !info.IsDir()
}
