// Package manifest reads the parts of package.json the hoster cares about.
package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// FileName is the Node manifest file name.
const FileName = "package.json"

// Package is the subset of package.json used for classification and patching.
type Package struct {
	Name            string            `json:"name"`
	Homepage        string            `json:"homepage"`
	Main            string            `json:"main"`
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
	PackageManager  string            `json:"packageManager"`
	Scripts         map[string]string `json:"scripts"`
	Engines         map[string]string `json:"engines"`
}

// Parse decodes a manifest. Missing maps are replaced with empty ones.
func Parse(data []byte) (*Package, error) {
	var pkg Package
	if err := json.Unmarshal(data, &pkg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", FileName, err)
	}
	if pkg.Dependencies == nil {
		pkg.Dependencies = map[string]string{}
	}
	if pkg.DevDependencies == nil {
		pkg.DevDependencies = map[string]string{}
	}
	if pkg.Scripts == nil {
		pkg.Scripts = map[string]string{}
	}
	if pkg.Engines == nil {
		pkg.Engines = map[string]string{}
	}
	return &pkg, nil
}

// Load reads and parses dir/package.json.
func Load(dir string) (*Package, error) {
	data, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// HasDependency reports whether name appears in dependencies or devDependencies.
func (p *Package) HasDependency(name string) bool {
	_, ok := p.Version(name)
	return ok
}

// Version returns the declared version range, preferring dependencies.
func (p *Package) Version(name string) (string, bool) {
	if p == nil {
		return "", false
	}
	if v, ok := p.Dependencies[name]; ok {
		return v, true
	}
	v, ok := p.DevDependencies[name]
	return v, ok
}

// HasScript reports whether a non-empty script is declared.
func (p *Package) HasScript(name string) bool {
	if p == nil {
		return false
	}
	return strings.TrimSpace(p.Scripts[name]) != ""
}

// MajorVersion extracts the leading major number of a semver range such as
// "^7.0.1", "~5", ">=18.0.0" or "7.x". It returns 0 when none is found.
func MajorVersion(spec string) int {
	s := strings.TrimSpace(spec)
	s = strings.TrimLeft(s, "^~>=<v ")
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0
	}
	n, err := strconv.Atoi(s[:end])
	if err != nil {
		return 0
	}
	return n
}

// Edit rewrites selected top-level keys of a manifest. Every other key keeps
// its position and its original string escapes. New keys are appended in
// sorted order and the document's indentation is reused. set maps keys to
// values that are JSON encoded without HTML escaping.
func Edit(data []byte, set map[string]any) ([]byte, error) {
	keys, values, err := topLevel(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", FileName, err)
	}
	added := make([]string, 0, len(set))
	for key := range set {
		if _, ok := values[key]; !ok {
			added = append(added, key)
		}
	}
	sort.Strings(added)
	keys = append(keys, added...)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, key := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, err := encodeJSON(key)
		if err != nil {
			return nil, fmt.Errorf("encode key %s: %w", key, err)
		}
		buf.Write(name)
		buf.WriteByte(':')
		value := values[key]
		if v, ok := set[key]; ok {
			if value, err = encodeJSON(v); err != nil {
				return nil, fmt.Errorf("encode %s: %w", key, err)
			}
		}
		buf.Write(value)
	}
	buf.WriteByte('}')

	var out bytes.Buffer
	if err := json.Indent(&out, buf.Bytes(), "", detectIndent(data)); err != nil {
		return nil, fmt.Errorf("encode %s: %w", FileName, err)
	}
	out.WriteByte('\n')
	return out.Bytes(), nil
}

// topLevel splits a JSON object into its keys in document order and their raw
// values. A repeated key keeps its first position and its last value.
func topLevel(data []byte) ([]string, map[string]json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, nil, fmt.Errorf("not an object")
	}
	var keys []string
	values := map[string]json.RawMessage{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, nil, fmt.Errorf("unexpected token %v", tok)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, nil, err
		}
		if _, seen := values[key]; !seen {
			keys = append(keys, key)
		}
		values[key] = raw
	}
	if _, err := dec.Token(); err != nil {
		return nil, nil, err
	}
	return keys, values, nil
}

func encodeJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// detectIndent returns the whitespace in front of the first key, falling back
// to two spaces for compact documents.
func detectIndent(data []byte) string {
	i := bytes.IndexByte(data, '{')
	if i < 0 {
		return "  "
	}
	rest := data[i+1:]
	nl := bytes.IndexByte(rest, '\n')
	if nl < 0 {
		return "  "
	}
	line := rest[nl+1:]
	n := 0
	for n < len(line) && (line[n] == ' ' || line[n] == '\t') {
		n++
	}
	if n == 0 {
		return "  "
	}
	return string(line[:n])
}

// RequiredNodeMajor returns the minimum Node major the declared build tooling
// needs, or 0 when nothing in the manifest imposes one.
func (p *Package) RequiredNodeMajor() int {
	v, ok := p.Version("vite")
	if !ok {
		return 0
	}
	return NodeMajorForVite(v)
}

// NodeMajorForVite maps a declared vite range to the Node major it requires.
func NodeMajorForVite(spec string) int {
	switch major := MajorVersion(spec); {
	case major >= 7:
		return 20
	case major >= 5:
		return 18
	default:
		return 0
	}
}
