package docker

import (
	"context"
	"fmt"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"
)

// Label keys stamped on every sandbox the hoster creates.
const (
	LabelManaged = "hoster.managed"
	LabelOwner   = "hoster.owner"
	LabelRepo    = "hoster.repo"
	LabelKind    = "hoster.kind"
	LabelProfile = "hoster.profile"
	LabelPort    = "hoster.port"
	LabelRole    = "hoster.role"
	LabelAttempt = "hoster.attempt"
)

// Roles distinguish build sandboxes from long-running backends.
const (
	RoleBuild   = "build"
	RoleBackend = "backend"
)

// Client wraps the Docker SDK client.
type Client struct {
	inner *client.Client
}

// New creates a new Docker client using environment defaults.
func New(host string) (*Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	inner, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Client{inner: inner}, nil
}

// Ping validates connectivity to the Docker daemon.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.ready(); err != nil {
		return err
	}
	var ping types.Ping
	ping, err := c.inner.Ping(ctx)
	if err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	if ping.APIVersion == "" {
		return fmt.Errorf("docker ping returned empty API version")
	}
	return nil
}

// Close releases resources held by the Docker client.
func (c *Client) Close() error {
	if c == nil || c.inner == nil {
		return nil
	}
	return c.inner.Close()
}

func (c *Client) ready() error {
	if c == nil || c.inner == nil {
		return ErrNotInitialized
	}
	return nil
}
