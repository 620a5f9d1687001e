package git

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	gogit "github.com/go-git/go-git/v5"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
)

// Cloner performs shallow clones of remote repositories.
type Cloner struct {
	// Depth limits history; 0 fetches everything.
	Depth int
	// KeepMetadata leaves the .git directory in place after cloning.
	KeepMetadata bool
}

// NewCloner returns a Cloner that fetches only the tip commit.
func NewCloner() *Cloner {
	return &Cloner{Depth: 1}
}

// Clone clones the repository into the provided destination directory. A
// non-empty token is sent as HTTP basic auth the way GitHub expects for
// installation and OAuth tokens.
func (c *Cloner) Clone(ctx context.Context, repoURL, token, dest string) error {
	if repoURL == "" {
		return fmt.Errorf("repository URL cannot be empty")
	}
	if dest == "" {
		return fmt.Errorf("destination cannot be empty")
	}
	var progress bytes.Buffer
	opts := &gogit.CloneOptions{
		URL:          repoURL,
		Depth:        c.Depth,
		SingleBranch: true,
		Progress:     &progress,
	}
	if t := strings.TrimSpace(token); t != "" {
		opts.Auth = &githttp.BasicAuth{Username: "x-access-token", Password: t}
	}
	if _, err := gogit.PlainCloneContext(ctx, dest, false, opts); err != nil {
		return fmt.Errorf("git clone failed: %w: %s", err, tail(progress.String(), 512))
	}
	if !c.KeepMetadata {
		if err := os.RemoveAll(filepath.Join(dest, ".git")); err != nil {
			return fmt.Errorf("remove git metadata: %w", err)
		}
	}
	return nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
