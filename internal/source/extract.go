package source

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrArchiveTooLarge is returned when extraction would exceed the byte budget.
var ErrArchiveTooLarge = errors.New("archive exceeds size limit")

// Extract unpacks the zip archive at archivePath into dest. Entries that would
// land outside dest are rejected, symlinks are skipped and the total number of
// uncompressed bytes is bounded by maxBytes when positive.
func Extract(archivePath, dest string, maxBytes int64) (int, error) {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return 0, fmt.Errorf("open archive: %w", err)
	}
	defer r.Close()

	base, err := filepath.Abs(dest)
	if err != nil {
		return 0, fmt.Errorf("resolve destination: %w", err)
	}
	var written int64
	files := 0
	for _, f := range r.File {
		target, err := safeJoin(base, f.Name)
		if err != nil {
			return files, err
		}
		mode := f.Mode()
		switch {
		case mode.IsDir():
			if err := os.MkdirAll(target, 0o755); err != nil {
				return files, fmt.Errorf("create directory %s: %w", f.Name, err)
			}
			continue
		case mode&os.ModeSymlink != 0:
			continue
		}
		if maxBytes > 0 && written+int64(f.UncompressedSize64) > maxBytes {
			return files, ErrArchiveTooLarge
		}
		n, err := extractFile(f, target, maxBytes-written, maxBytes > 0)
		written += n
		if err != nil {
			return files, err
		}
		files++
	}
	return files, nil
}

func extractFile(f *zip.File, target string, budget int64, bounded bool) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, fmt.Errorf("create directory for %s: %w", f.Name, err)
	}
	rc, err := f.Open()
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", f.Name, err)
	}
	defer rc.Close()
	perm := f.Mode().Perm() | 0o600
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", f.Name, err)
	}
	var src io.Reader = rc
	if bounded {
		// Declared sizes can lie; cap what is actually inflated.
		src = io.LimitReader(rc, budget+1)
	}
	n, err := io.Copy(out, src)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, fmt.Errorf("write %s: %w", f.Name, err)
	}
	if bounded && n > budget {
		return n, ErrArchiveTooLarge
	}
	return n, nil
}

// safeJoin resolves name under base and rejects anything escaping it.
func safeJoin(base, name string) (string, error) {
	if name == "" || strings.Contains(name, "\x00") {
		return "", fmt.Errorf("invalid entry name %q", name)
	}
	if filepath.IsAbs(name) || strings.HasPrefix(name, "/") || strings.HasPrefix(name, `\`) {
		return "", fmt.Errorf("entry %q has an absolute path", name)
	}
	target := filepath.Join(base, filepath.FromSlash(name))
	rel, err := filepath.Rel(base, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("entry %q escapes extraction root", name)
	}
	return target, nil
}
