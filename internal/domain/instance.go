package domain

import "time"

// InstanceStatus is the observed state of a backend sandbox.
type InstanceStatus string

const (
	InstanceStarting InstanceStatus = "Starting"
	InstanceRunning  InstanceStatus = "Running"
	InstanceStopped  InstanceStatus = "Stopped"
	InstanceVanished InstanceStatus = "Vanished"
)

// RunningInstance is one live backend process keyed by (owner, repo).
type RunningInstance struct {
	Owner       string           `json:"owner"`
	Repo        string           `json:"repo"`
	ContainerID string           `json:"container_id"`
	Port        int              `json:"port"`
	BackendKind ProjectKind      `json:"backend_kind"`
	Profile     FrameworkProfile `json:"framework_profile"`
	LocalURL    string           `json:"local_url"`
	StartedAt   time.Time        `json:"started_at"`
	Status      InstanceStatus   `json:"status"`
}

// Key returns the registry key for the instance.
func (r RunningInstance) Key() string {
	return ProjectKey(r.Owner, r.Repo)
}
