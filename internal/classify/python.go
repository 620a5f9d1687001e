package classify

import (
	"bufio"
	"bytes"
	"context"
	"path"
	"strings"

	"github.com/splax/hoster/internal/domain"
)

const requirementsFile = "requirements.txt"

// pythonMarkers qualify a directory as a Python backend.
var pythonMarkers = []string{requirementsFile, "app.py", "main.py", "server.py", "wsgi.py", "asgi.py"}

// pythonEntryFiles are recorded for the runner; manage.py alone does not qualify.
var pythonEntryFiles = []string{"main.py", "server.py", "app.py", "wsgi.py", "asgi.py", "manage.py"}

var pythonFrameworks = []struct {
	needle  string
	profile domain.FrameworkProfile
}{
	{"fastapi", domain.ProfileFastAPI},
	{"flask", domain.ProfileFlask},
	{"django", domain.ProfileDjango},
	{"tornado", domain.ProfileGenericPython},
}

func (c *Classifier) checkPython(ctx context.Context, src Source, dir string, entries []domain.TreeEntry) (domain.ProjectClassification, bool) {
	qualifies := false
	for _, marker := range pythonMarkers {
		if hasFile(entries, marker) {
			qualifies = true
			break
		}
	}
	if !qualifies {
		return domain.ProjectClassification{}, false
	}
	res := domain.ProjectClassification{
		ProjectPath:      dir,
		Kind:             domain.KindBackendPython,
		FrameworkProfile: domain.ProfileGenericPython,
	}
	for _, name := range pythonEntryFiles {
		if hasFile(entries, name) {
			res.EntryPoints = append(res.EntryPoints, name)
		}
	}
	if !hasFile(entries, requirementsFile) {
		return res, true
	}
	file := path.Join(dir, requirementsFile)
	data, err := src.ReadFile(ctx, file)
	if err != nil {
		c.logger.Debug("read requirements", "file", file, "error", err)
		return res, true
	}
	res.FrameworkProfile = pythonProfile(data)
	res.DeclaredDependencies = requirementNames(data)
	return res, true
}

func pythonProfile(requirements []byte) domain.FrameworkProfile {
	lower := strings.ToLower(string(requirements))
	for _, fw := range pythonFrameworks {
		if strings.Contains(lower, fw.needle) {
			return fw.profile
		}
	}
	return domain.ProfileGenericPython
}

// requirementNames extracts distribution names from a requirements file,
// ignoring comments, options and version specifiers.
func requirementNames(requirements []byte) []string {
	set := domain.StringSet{}
	scanner := bufio.NewScanner(bytes.NewReader(requirements))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if i := strings.Index(line, "#"); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		if line == "" || strings.HasPrefix(line, "-") {
			continue
		}
		if i := strings.IndexAny(line, "<>=!~;[ @"); i >= 0 {
			line = line[:i]
		}
		if line != "" {
			set[strings.ToLower(line)] = struct{}{}
		}
	}
	return set.Sorted()
}
