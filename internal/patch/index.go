package patch

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var absoluteRef = regexp.MustCompile(`\b(src|href)="(/[^"]*)"`)

// RelativizeIndex rewrites root-absolute src and href attributes in
// dir/index.html to document-relative ones. Protocol-relative URLs are left
// alone. It reports whether the file changed.
func RelativizeIndex(dir string) (bool, error) {
	path := filepath.Join(dir, "index.html")
	data, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("read index: %w", err)
	}
	out := RelativizeHTML(string(data))
	if out == string(data) {
		return false, nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return false, fmt.Errorf("stat index: %w", err)
	}
	if err := os.WriteFile(path, []byte(out), info.Mode().Perm()); err != nil {
		return false, fmt.Errorf("write index: %w", err)
	}
	return true, nil
}

// RelativizeHTML applies the RelativizeIndex rewrite to a document.
func RelativizeHTML(doc string) string {
	return absoluteRef.ReplaceAllStringFunc(doc, func(m string) string {
		parts := absoluteRef.FindStringSubmatch(m)
		if strings.HasPrefix(parts[2], "//") {
			return m
		}
		return parts[1] + `=".` + parts[2] + `"`
	})
}
