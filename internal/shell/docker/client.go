// Package docker provides a Docker client for image publishing and container lifecycle management.
package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/go-connections/nat"
	"github.com/moby/patternmatcher/ignorefile"

	"github.com/artpar/deployer/internal/core/deployment"
)

// =============================================================================
// Docker Client Implementation
// =============================================================================

const dockerignoreFile = ".dockerignore"

// DockerClient implements the Client interface using the Docker SDK.
type DockerClient struct {
	cli      *client.Client
	progress io.Writer // build/push/pull progress stream
}

// NewDockerClient creates a new Docker client.
// If host is empty, it uses the default Docker host from environment.
// On macOS with Docker Desktop, it automatically detects the correct socket.
func NewDockerClient(host string, progress io.Writer) (*DockerClient, error) {
	if progress == nil {
		progress = io.Discard
	}

	var opts []client.Opt
	opts = append(opts, client.FromEnv)
	opts = append(opts, client.WithAPIVersionNegotiation())

	if host != "" {
		opts = append(opts, client.WithHost(host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, NewDockerError("NewDockerClient", "", "", "failed to create client", ErrConnectionFailed)
	}

	// Try to ping with default settings
	ctx := context.Background()
	if _, pingErr := cli.Ping(ctx); pingErr != nil && host == "" {
		// If default socket fails, try Docker Desktop socket on macOS
		homeDir, _ := os.UserHomeDir()
		dockerDesktopSocket := "unix://" + homeDir + "/.docker/run/docker.sock"

		cli2, err2 := client.NewClientWithOpts(
			client.WithHost(dockerDesktopSocket),
			client.WithAPIVersionNegotiation(),
		)
		if err2 == nil {
			if _, pingErr2 := cli2.Ping(ctx); pingErr2 == nil {
				cli.Close()
				return &DockerClient{cli: cli2, progress: progress}, nil
			}
			cli2.Close()
		}
	}

	return &DockerClient{cli: cli, progress: progress}, nil
}

// Ping checks if Docker daemon is reachable.
func (d *DockerClient) Ping(ctx context.Context) error {
	_, err := d.cli.Ping(ctx)
	if err != nil {
		return NewDockerError("Ping", "", "", fmt.Sprintf("failed to ping docker: %v", err), ErrConnectionFailed)
	}
	return nil
}

// Close closes the Docker client connection.
func (d *DockerClient) Close() error {
	return d.cli.Close()
}

// =============================================================================
// Image Operations
// =============================================================================

// BuildImage builds an image from a local context directory.
func (d *DockerClient) BuildImage(ctx context.Context, spec BuildSpec) error {
	id := strings.Join(spec.Tags, ",")

	dockerfile := spec.Dockerfile
	if dockerfile == "" {
		dockerfile = "Dockerfile"
	}

	excludes, err := contextExcludes(spec.ContextDir, dockerfile)
	if err != nil {
		return NewDockerError("BuildImage", "image", id, fmt.Sprintf("failed to read .dockerignore: %v", err), ErrImageBuildFailed)
	}

	buildContext, err := archive.TarWithOptions(spec.ContextDir, &archive.TarOptions{ExcludePatterns: excludes})
	if err != nil {
		return NewDockerError("BuildImage", "image", id, fmt.Sprintf("failed to archive build context %s: %v", spec.ContextDir, err), ErrImageBuildFailed)
	}
	defer buildContext.Close()

	buildArgs := make(map[string]*string, len(spec.BuildArgs))
	for k, v := range spec.BuildArgs {
		buildArgs[k] = &v
	}

	resp, err := d.cli.ImageBuild(ctx, buildContext, build.ImageBuildOptions{
		Tags:        spec.Tags,
		Dockerfile:  dockerfile,
		BuildArgs:   buildArgs,
		Labels:      spec.Labels,
		Platform:    spec.Platform,
		NoCache:     spec.NoCache,
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return NewDockerError("BuildImage", "image", id, err.Error(), wrapContext(ctx, ErrImageBuildFailed))
	}
	defer resp.Body.Close()

	// The daemon reports build failures inside the stream, not as an HTTP error.
	if err := jsonmessage.DisplayJSONMessagesStream(resp.Body, d.progress, 0, false, nil); err != nil {
		return NewDockerError("BuildImage", "image", id, err.Error(), wrapContext(ctx, ErrImageBuildFailed))
	}
	return nil
}

// contextExcludes reads the .dockerignore patterns of contextDir. The
// Dockerfile and .dockerignore itself are always sent, as the docker CLI does.
func contextExcludes(contextDir, dockerfile string) ([]string, error) {
	f, err := os.Open(filepath.Join(contextDir, dockerignoreFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	excludes, err := ignorefile.ReadAll(f)
	if err != nil {
		return nil, err
	}
	if len(excludes) == 0 {
		return nil, nil
	}
	return append(excludes, "!"+filepath.ToSlash(filepath.Clean(dockerfile)), "!"+dockerignoreFile), nil
}

// TagImage adds target as a reference to the image known as source.
func (d *DockerClient) TagImage(ctx context.Context, source, target string) error {
	if err := d.cli.ImageTag(ctx, source, target); err != nil {
		if client.IsErrNotFound(err) {
			return NewDockerError("TagImage", "image", source, "image not found", ErrImageNotFound)
		}
		return NewDockerError("TagImage", "image", source, err.Error(), err)
	}
	return nil
}

// PushImage uploads an image to its registry.
func (d *DockerClient) PushImage(ctx context.Context, ref string, creds deployment.RegistryCredentials) error {
	auth, err := encodeAuth(creds)
	if err != nil {
		return NewDockerError("PushImage", "image", ref, err.Error(), ErrImagePushFailed)
	}

	reader, err := d.cli.ImagePush(ctx, ref, image.PushOptions{RegistryAuth: auth})
	if err != nil {
		if client.IsErrNotFound(err) {
			return NewDockerError("PushImage", "image", ref, "image not found", ErrImageNotFound)
		}
		return NewDockerError("PushImage", "image", ref, err.Error(), wrapContext(ctx, ErrImagePushFailed))
	}
	defer reader.Close()

	if err := jsonmessage.DisplayJSONMessagesStream(reader, d.progress, 0, false, nil); err != nil {
		return NewDockerError("PushImage", "image", ref, err.Error(), wrapContext(ctx, ErrImagePushFailed))
	}
	return nil
}

// PullImage pulls an image from the registry.
func (d *DockerClient) PullImage(ctx context.Context, ref string, creds deployment.RegistryCredentials) error {
	auth, err := encodeAuth(creds)
	if err != nil {
		return NewDockerError("PullImage", "image", ref, err.Error(), ErrImagePullFailed)
	}

	reader, err := d.cli.ImagePull(ctx, ref, image.PullOptions{RegistryAuth: auth})
	if err != nil {
		errStr := err.Error()
		if strings.Contains(errStr, "not found") ||
			strings.Contains(errStr, "manifest unknown") ||
			strings.Contains(errStr, "repository does not exist") ||
			strings.Contains(errStr, "pull access denied") {
			return NewDockerError("PullImage", "image", ref, "image not found", ErrImageNotFound)
		}
		return NewDockerError("PullImage", "image", ref, err.Error(), wrapContext(ctx, ErrImagePullFailed))
	}
	defer reader.Close()

	if err := jsonmessage.DisplayJSONMessagesStream(reader, d.progress, 0, false, nil); err != nil {
		return NewDockerError("PullImage", "image", ref, err.Error(), wrapContext(ctx, ErrImagePullFailed))
	}
	return nil
}

// ListImages returns every local "repository:tag" reference of repository.
func (d *DockerClient) ListImages(ctx context.Context, repository string) ([]string, error) {
	summaries, err := d.cli.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", repository)),
	})
	if err != nil {
		return nil, NewDockerError("ListImages", "image", repository, err.Error(), err)
	}

	var refs []string
	for _, s := range summaries {
		for _, tag := range s.RepoTags {
			if strings.HasPrefix(tag, repository+":") {
				refs = append(refs, tag)
			}
		}
	}
	return refs, nil
}

// RemoveImage removes a local image reference.
func (d *DockerClient) RemoveImage(ctx context.Context, ref string) error {
	_, err := d.cli.ImageRemove(ctx, ref, image.RemoveOptions{PruneChildren: true})
	if err != nil {
		if client.IsErrNotFound(err) {
			return NewDockerError("RemoveImage", "image", ref, "image not found", ErrImageNotFound)
		}
		if strings.Contains(err.Error(), "being used") || strings.Contains(err.Error(), "conflict") {
			return NewDockerError("RemoveImage", "image", ref, err.Error(), ErrImageInUse)
		}
		return NewDockerError("RemoveImage", "image", ref, err.Error(), err)
	}
	return nil
}

// =============================================================================
// Container Operations
// =============================================================================

// CreateContainer creates a new container from the given spec.
func (d *DockerClient) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	// Build container config
	config := &container.Config{
		Image:  spec.Image,
		Labels: spec.Labels,
	}

	// Set environment variables
	for k, v := range spec.Env {
		config.Env = append(config.Env, fmt.Sprintf("%s=%s", k, v))
	}

	// Build host config
	hostConfig := &container.HostConfig{}

	// Port bindings
	if len(spec.Ports) > 0 {
		portBindings := nat.PortMap{}
		exposedPorts := nat.PortSet{}

		for _, p := range spec.Ports {
			proto := p.Protocol
			if proto == "" {
				proto = "tcp"
			}
			containerPort := nat.Port(fmt.Sprintf("%d/%s", p.ContainerPort, proto))
			exposedPorts[containerPort] = struct{}{}

			hostPort := ""
			if p.HostPort != 0 {
				hostPort = fmt.Sprintf("%d", p.HostPort)
			}

			portBindings[containerPort] = []nat.PortBinding{
				{
					HostIP:   p.HostIP,
					HostPort: hostPort,
				},
			}
		}

		config.ExposedPorts = exposedPorts
		hostConfig.PortBindings = portBindings
	}

	// Restart policy
	if spec.RestartPolicy.Name != "" {
		hostConfig.RestartPolicy = container.RestartPolicy{
			Name: container.RestartPolicyMode(spec.RestartPolicy.Name),
		}
	}

	// Network config
	var networkConfig *network.NetworkingConfig
	if len(spec.Networks) > 0 {
		networkConfig = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{},
		}
		for _, n := range spec.Networks {
			networkConfig.EndpointsConfig[n] = &network.EndpointSettings{}
		}
	}

	resp, err := d.cli.ContainerCreate(ctx, config, hostConfig, networkConfig, nil, spec.Name)
	if err != nil {
		if strings.Contains(err.Error(), "Conflict") {
			return "", NewDockerError("CreateContainer", "container", spec.Name, "container already exists", ErrContainerAlreadyExists)
		}
		return "", NewDockerError("CreateContainer", "container", spec.Name, err.Error(), err)
	}

	return resp.ID, nil
}

// StartContainer starts a created container.
func (d *DockerClient) StartContainer(ctx context.Context, containerID string) error {
	err := d.cli.ContainerStart(ctx, containerID, container.StartOptions{})
	if err != nil {
		if client.IsErrNotFound(err) {
			return NewDockerError("StartContainer", "container", containerID, "container not found", ErrContainerNotFound)
		}
		if strings.Contains(err.Error(), "port is already allocated") {
			return NewDockerError("StartContainer", "container", containerID, err.Error(), ErrPortAlreadyAllocated)
		}
		return NewDockerError("StartContainer", "container", containerID, err.Error(), err)
	}
	return nil
}

// StopContainer stops a running container.
func (d *DockerClient) StopContainer(ctx context.Context, containerID string, timeout *time.Duration) error {
	stopOptions := container.StopOptions{}
	if timeout != nil {
		seconds := int(timeout.Seconds())
		stopOptions.Timeout = &seconds
	}

	err := d.cli.ContainerStop(ctx, containerID, stopOptions)
	if err != nil {
		if client.IsErrNotFound(err) {
			return NewDockerError("StopContainer", "container", containerID, "container not found", ErrContainerNotFound)
		}
		if strings.Contains(err.Error(), "is not running") {
			return NewDockerError("StopContainer", "container", containerID, "container is not running", ErrContainerNotRunning)
		}
		return NewDockerError("StopContainer", "container", containerID, err.Error(), err)
	}
	return nil
}

// RemoveContainer removes a container.
func (d *DockerClient) RemoveContainer(ctx context.Context, containerID string, opts RemoveOptions) error {
	err := d.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: opts.Force})
	if err != nil {
		if client.IsErrNotFound(err) {
			return NewDockerError("RemoveContainer", "container", containerID, "container not found", ErrContainerNotFound)
		}
		return NewDockerError("RemoveContainer", "container", containerID, err.Error(), err)
	}
	return nil
}

// InspectContainer returns information about a container.
func (d *DockerClient) InspectContainer(ctx context.Context, containerID string) (*ContainerInfo, error) {
	resp, err := d.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, NewDockerError("InspectContainer", "container", containerID, "container not found", ErrContainerNotFound)
		}
		return nil, NewDockerError("InspectContainer", "container", containerID, err.Error(), err)
	}

	createdAt, _ := time.Parse(time.RFC3339Nano, resp.Created)

	var startedAt *time.Time
	if resp.State.StartedAt != "" && resp.State.StartedAt != "0001-01-01T00:00:00Z" {
		t, _ := time.Parse(time.RFC3339Nano, resp.State.StartedAt)
		startedAt = &t
	}

	return &ContainerInfo{
		ID:        resp.ID,
		Name:      strings.TrimPrefix(resp.Name, "/"),
		Image:     resp.Config.Image,
		Status:    ContainerStatus(resp.State.Status),
		CreatedAt: createdAt,
		StartedAt: startedAt,
		ExitCode:  resp.State.ExitCode,
	}, nil
}

// =============================================================================
// Network Operations
// =============================================================================

// CreateNetwork creates a bridge network.
func (d *DockerClient) CreateNetwork(ctx context.Context, name string) (string, error) {
	resp, err := d.cli.NetworkCreate(ctx, name, network.CreateOptions{
		Driver: "bridge",
		Labels: map[string]string{LabelManaged: "true"},
	})
	if err != nil {
		if strings.Contains(err.Error(), "already exists") {
			return "", NewDockerError("CreateNetwork", "network", name, "network already exists", ErrNetworkAlreadyExists)
		}
		return "", NewDockerError("CreateNetwork", "network", name, err.Error(), err)
	}
	return resp.ID, nil
}

// =============================================================================
// Helpers
// =============================================================================

// encodeAuth converts registry credentials to the header value the daemon expects.
// Empty credentials produce an empty header.
func encodeAuth(creds deployment.RegistryCredentials) (string, error) {
	if creds.Username == "" && creds.Password == "" {
		return "", nil
	}
	return registry.EncodeAuthConfig(registry.AuthConfig{
		Username:      creds.Username,
		Password:      creds.Password,
		ServerAddress: creds.ServerAddress,
	})
}

// wrapContext keeps a context deadline visible to errors.Is callers.
func wrapContext(ctx context.Context, sentinel error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %w", sentinel, ctxErr)
	}
	return sentinel
}
