// Package docker provides a Docker client for image publishing and container lifecycle management.
package docker

import (
	"context"
	"time"

	"github.com/artpar/deployer/internal/core/deployment"
)

// =============================================================================
// Image Types
// =============================================================================

// BuildSpec defines the specification for building an image.
type BuildSpec struct {
	ContextDir string            // Directory sent to the daemon as the build context
	Dockerfile string            // Relative to ContextDir; "" means "Dockerfile"
	Tags       []string          // Full references, e.g. "registry/repo:tag"
	BuildArgs  map[string]string
	Labels     map[string]string
	Platform   string // e.g. "linux/amd64"
	NoCache    bool
}

// =============================================================================
// Container Types
// =============================================================================

// ContainerSpec defines the specification for creating a container.
type ContainerSpec struct {
	Name          string
	Image         string
	Env           map[string]string
	Labels        map[string]string
	Ports         []PortBinding
	Networks      []string
	RestartPolicy RestartPolicy
}

// PortBinding defines a port mapping.
type PortBinding struct {
	ContainerPort int
	HostPort      int    // 0 for auto-assign
	Protocol      string // "tcp" or "udp"
	HostIP        string // "" for 0.0.0.0
}

// RestartPolicy defines the container restart policy.
type RestartPolicy struct {
	Name string // "no", "always", "on-failure", "unless-stopped"
}

// ContainerStatus represents the container status.
type ContainerStatus string

const (
	ContainerStatusCreated    ContainerStatus = "created"
	ContainerStatusRunning    ContainerStatus = "running"
	ContainerStatusRestarting ContainerStatus = "restarting"
	ContainerStatusExited     ContainerStatus = "exited"
	ContainerStatusDead       ContainerStatus = "dead"
)

// ContainerInfo contains information about a container.
type ContainerInfo struct {
	ID        string
	Name      string
	Image     string
	Status    ContainerStatus
	CreatedAt time.Time
	StartedAt *time.Time
	ExitCode  int
}

// RemoveOptions defines options for removing containers.
type RemoveOptions struct {
	Force bool
}

// =============================================================================
// Client Interface
// =============================================================================

// Client defines the Docker client interface.
type Client interface {
	// Image operations
	BuildImage(ctx context.Context, spec BuildSpec) error
	TagImage(ctx context.Context, source, target string) error
	PushImage(ctx context.Context, ref string, creds deployment.RegistryCredentials) error
	PullImage(ctx context.Context, ref string, creds deployment.RegistryCredentials) error
	ListImages(ctx context.Context, repository string) ([]string, error)
	RemoveImage(ctx context.Context, ref string) error

	// Container operations
	CreateContainer(ctx context.Context, spec ContainerSpec) (containerID string, err error)
	StartContainer(ctx context.Context, containerID string) error
	StopContainer(ctx context.Context, containerID string, timeout *time.Duration) error
	RemoveContainer(ctx context.Context, containerID string, opts RemoveOptions) error
	InspectContainer(ctx context.Context, containerID string) (*ContainerInfo, error)

	// Network operations
	CreateNetwork(ctx context.Context, name string) (networkID string, err error)

	// Health operations
	Ping(ctx context.Context) error
	Close() error
}

// =============================================================================
// Label Constants
// =============================================================================

const (
	LabelManaged = "com.deployer.managed"
	LabelImage   = "com.deployer.image"
)

// SpecFromPlan converts a planned container into a ContainerSpec.
func SpecFromPlan(plan deployment.ContainerPlan) ContainerSpec {
	spec := ContainerSpec{
		Name:  plan.Name,
		Image: plan.Image,
		Env:   make(map[string]string, len(plan.Env)),
		Labels: map[string]string{
			LabelManaged: "true",
			LabelImage:   plan.Image,
		},
		RestartPolicy: RestartPolicy{Name: plan.RestartPolicy.Name},
	}
	for _, e := range plan.Env {
		spec.Env[e.Name] = e.Value
	}
	for _, p := range plan.Ports {
		spec.Ports = append(spec.Ports, PortBinding{
			ContainerPort: p.ContainerPort,
			HostPort:      p.HostPort,
			Protocol:      p.Protocol,
		})
	}
	if plan.Network != "" {
		spec.Networks = []string{plan.Network}
	}
	return spec
}
