package build

import (
	"context"

	"github.com/splax/hoster/internal/docker"
)

// Sandbox is the container runtime the executor drives.
type Sandbox interface {
	BuildImage(ctx context.Context, tag, dockerfile string, labels map[string]string, onOutput docker.OutputCallback) error
	RemoveImage(ctx context.Context, ref string) error
	RunContainer(ctx context.Context, spec docker.RunSpec) (docker.ContainerInfo, error)
	Exec(ctx context.Context, containerID string, spec docker.ExecSpec, onOutput docker.OutputCallback) (int, error)
	IsRunning(ctx context.Context, containerID string) (bool, error)
	Logs(ctx context.Context, containerID string, tail int) ([]string, error)
	RemoveContainer(ctx context.Context, containerID string) error
}
