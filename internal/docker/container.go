package docker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

// Mount is a host directory bound into a container.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// Limits bound the resources a container may consume. Zero means unlimited.
type Limits struct {
	MemoryBytes int64
	NanoCPUs    int64
	PidsLimit   int64
}

// RunSpec describes a container to create and start.
type RunSpec struct {
	Name       string
	Image      string
	Cmd        []string
	Env        []string
	WorkingDir string
	// User runs the container as uid[:gid] when set.
	User   string
	Mounts []Mount
	// Ports maps container ports to host bindings. An empty HostPort lets
	// Docker pick a free port on start.
	Ports  nat.PortMap
	Labels map[string]string
	Limits Limits
}

// ContainerInfo captures minimal runtime details about a started container.
type ContainerInfo struct {
	ID          string
	PortBinding nat.PortMap
}

// HostPort returns the first host port bound to the container port p.
func (i ContainerInfo) HostPort(p nat.Port) string {
	for _, b := range i.PortBinding[p] {
		if strings.TrimSpace(b.HostPort) != "" {
			return b.HostPort
		}
	}
	return ""
}

func containerConfig(spec RunSpec) (*container.Config, *container.HostConfig) {
	cfg := &container.Config{
		Image:        spec.Image,
		Cmd:          spec.Cmd,
		Env:          spec.Env,
		WorkingDir:   spec.WorkingDir,
		User:         spec.User,
		Labels:       spec.Labels,
		ExposedPorts: nat.PortSet{},
	}
	for p := range spec.Ports {
		cfg.ExposedPorts[p] = struct{}{}
	}

	mounts := make([]mount.Mount, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}
	useInit := true
	hostCfg := &container.HostConfig{
		PortBindings:  spec.Ports,
		Mounts:        mounts,
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyDisabled},
		Init:          &useInit,
		SecurityOpt:   []string{"no-new-privileges"},
		Resources: container.Resources{
			Memory:   spec.Limits.MemoryBytes,
			NanoCPUs: spec.Limits.NanoCPUs,
		},
	}
	if spec.Limits.PidsLimit > 0 {
		pids := spec.Limits.PidsLimit
		hostCfg.Resources.PidsLimit = &pids
	}
	return cfg, hostCfg
}

// RunContainer creates and starts a container. Any container created by a
// call that returns an error is removed before returning.
func (c *Client) RunContainer(ctx context.Context, spec RunSpec) (ContainerInfo, error) {
	if err := c.ready(); err != nil {
		return ContainerInfo{}, err
	}
	if strings.TrimSpace(spec.Name) == "" {
		return ContainerInfo{}, fmt.Errorf("container name cannot be empty")
	}
	if strings.TrimSpace(spec.Image) == "" {
		return ContainerInfo{}, fmt.Errorf("image name cannot be empty")
	}

	cfg, hostCfg := containerConfig(spec)
	r, err := c.inner.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return ContainerInfo{}, fmt.Errorf("container create: %w", err)
	}
	if err := c.inner.ContainerStart(ctx, r.ID, container.StartOptions{}); err != nil {
		_ = c.RemoveContainer(context.WithoutCancel(ctx), r.ID)
		return ContainerInfo{}, fmt.Errorf("container start: %w", err)
	}
	if len(spec.Ports) == 0 {
		return ContainerInfo{ID: r.ID, PortBinding: nat.PortMap{}}, nil
	}

	var inspect types.ContainerJSON
	for attempt := 0; attempt < 10; attempt++ {
		inspect, err = c.inner.ContainerInspect(ctx, r.ID)
		if err != nil {
			_ = c.RemoveContainer(context.WithoutCancel(ctx), r.ID)
			return ContainerInfo{}, fmt.Errorf("container inspect: %w", err)
		}
		if hasHostPort(inspect.NetworkSettings) || attempt == 9 {
			break
		}
		select {
		case <-ctx.Done():
			_ = c.RemoveContainer(context.WithoutCancel(ctx), r.ID)
			return ContainerInfo{}, fmt.Errorf("wait for host port: %w", ctx.Err())
		case <-time.After(200 * time.Millisecond):
		}
	}

	portsBinding := nat.PortMap{}
	if inspect.NetworkSettings != nil && inspect.NetworkSettings.Ports != nil {
		portsBinding = inspect.NetworkSettings.Ports
	}
	return ContainerInfo{ID: r.ID, PortBinding: portsBinding}, nil
}

func hasHostPort(settings *types.NetworkSettings) bool {
	if settings == nil || settings.Ports == nil {
		return false
	}
	for _, bindings := range settings.Ports {
		for _, binding := range bindings {
			if strings.TrimSpace(binding.HostPort) != "" {
				return true
			}
		}
	}
	return false
}

// Stop asks the container to exit and kills it after grace.
func (c *Client) Stop(ctx context.Context, containerID string, grace time.Duration) error {
	if err := c.ready(); err != nil {
		return err
	}
	secs := int(grace.Round(time.Second) / time.Second)
	if err := c.inner.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &secs}); err != nil {
		if client.IsErrNotFound(err) {
			return fmt.Errorf("stop %s: %w", containerID, ErrNotFound)
		}
		return fmt.Errorf("stop container: %w", err)
	}
	return nil
}

// RemoveContainer removes an existing container if it exists.
func (c *Client) RemoveContainer(ctx context.Context, name string) error {
	if err := c.ready(); err != nil {
		return err
	}
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("container name cannot be empty")
	}
	if err := c.inner.ContainerRemove(ctx, name, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

// WaitForStop blocks until the container stops and returns the exit code.
func (c *Client) WaitForStop(ctx context.Context, containerID string) (int64, error) {
	if err := c.ready(); err != nil {
		return 0, err
	}
	if strings.TrimSpace(containerID) == "" {
		return 0, fmt.Errorf("container id cannot be empty")
	}
	statusCh, errCh := c.inner.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	for {
		select {
		case err := <-errCh:
			if err == nil {
				continue
			}
			if client.IsErrNotFound(err) {
				return 0, nil
			}
			return 0, fmt.Errorf("wait for container stop: %w", err)
		case status := <-statusCh:
			return status.StatusCode, nil
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// IsRunning reports whether the container exists and is running.
func (c *Client) IsRunning(ctx context.Context, containerID string) (bool, error) {
	if err := c.ready(); err != nil {
		return false, err
	}
	inspect, err := c.inner.ContainerInspect(ctx, containerID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("container inspect: %w", err)
	}
	return inspect.State != nil && inspect.State.Running, nil
}

// ManagedContainer is a labelled container found by ListManaged.
type ManagedContainer struct {
	ID      string
	Labels  map[string]string
	Running bool
	// HostPorts maps private container ports to published host ports.
	HostPorts map[int]int
	Created   time.Time
}

// ListManaged returns all containers, running or not, carrying the managed
// label with the given role.
func (c *Client) ListManaged(ctx context.Context, role string) ([]ManagedContainer, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	args := filters.NewArgs(filters.Arg("label", LabelManaged+"=true"))
	if role != "" {
		args.Add("label", LabelRole+"="+role)
	}
	list, err := c.inner.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("container list: %w", err)
	}
	out := make([]ManagedContainer, 0, len(list))
	for _, item := range list {
		mc := ManagedContainer{
			ID:        item.ID,
			Labels:    item.Labels,
			Running:   item.State == "running",
			HostPorts: map[int]int{},
			Created:   time.Unix(item.Created, 0),
		}
		for _, p := range item.Ports {
			if p.PublicPort != 0 {
				mc.HostPorts[int(p.PrivatePort)] = int(p.PublicPort)
			}
		}
		out = append(out, mc)
	}
	return out, nil
}
