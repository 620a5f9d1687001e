package build

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/splax/hoster/internal/domain"
)

// outputCandidates are searched in order below the output root.
var outputCandidates = []string{"build", "dist"}

// LocateOutput picks the directory to publish. An index.html directly in root
// wins over the conventional build and dist folders.
func LocateOutput(root string) (string, error) {
	if fileExists(filepath.Join(root, "index.html")) {
		return root, nil
	}
	for _, name := range outputCandidates {
		dir := filepath.Join(root, name)
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir, nil
		}
	}
	return "", domain.E(domain.KindNoOutputDirectory, "build produced neither build/ nor dist/")
}

// ValidateOutput checks the folder holds a usable index document and lists its
// files as slash separated relative paths.
func ValidateOutput(folder string, minIndexBytes int) (domain.BuildArtifact, error) {
	artifact := domain.BuildArtifact{SourceFolder: folder}
	err := filepath.WalkDir(folder, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(folder, path)
		if err != nil {
			return err
		}
		artifact.FileList = append(artifact.FileList, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return artifact, domain.Wrap(domain.KindNoOutputDirectory, "list build output", err)
	}

	index, err := os.ReadFile(filepath.Join(folder, "index.html"))
	if err != nil {
		return artifact, domain.E(domain.KindMissingIndexDocument, "build output has no index.html")
	}
	if !bytes.Contains(bytes.ToLower(index), []byte("<script")) {
		return artifact, domain.E(domain.KindNoScriptReferences, "index.html references no scripts")
	}
	if len(index) < minIndexBytes {
		return artifact, domain.E(domain.KindCorruptIndexDocument, fmt.Sprintf("index.html is %d bytes, below the %d byte minimum", len(index), minIndexBytes))
	}
	artifact.HasIndexHTML = true
	return artifact, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
