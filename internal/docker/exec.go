package docker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
)

// ExecSpec describes a command to run inside a running container.
type ExecSpec struct {
	Cmd        []string
	Env        []string
	WorkingDir string
}

// Exec runs a command in the container, streaming combined output line by
// line, and returns its exit code. A non-zero exit code is not an error.
func (c *Client) Exec(ctx context.Context, containerID string, spec ExecSpec, onOutput OutputCallback) (int, error) {
	if err := c.ready(); err != nil {
		return -1, err
	}
	if len(spec.Cmd) == 0 {
		return -1, fmt.Errorf("exec command cannot be empty")
	}
	created, err := c.inner.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          spec.Cmd,
		Env:          spec.Env,
		WorkingDir:   spec.WorkingDir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return -1, fmt.Errorf("exec create: %w", err)
	}
	attach, err := c.inner.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return -1, fmt.Errorf("exec attach: %w", err)
	}
	defer attach.Close()

	lw := newLineWriter(onOutput)
	if _, err := stdcopy.StdCopy(lw, lw, attach.Reader); err != nil {
		return -1, fmt.Errorf("exec output: %w", err)
	}
	lw.Flush()

	for {
		inspect, err := c.inner.ContainerExecInspect(ctx, created.ID)
		if err != nil {
			return -1, fmt.Errorf("exec inspect: %w", err)
		}
		if !inspect.Running {
			return inspect.ExitCode, nil
		}
		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// ShellCommand wraps a shell snippet for Exec.
func ShellCommand(script string) []string {
	return []string{"sh", "-c", strings.TrimSpace(script)}
}
