package docker

import (
	"archive/tar"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/deployer/internal/core/deployment"
)

// =============================================================================
// Test Helpers
// =============================================================================

func skipIfNoDocker(t *testing.T) *DockerClient {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping Docker daemon test in short mode")
	}
	cli, err := NewDockerClient("", io.Discard)
	if err != nil {
		t.Skip("Docker not available:", err)
	}
	if err := cli.Ping(context.Background()); err != nil {
		cli.Close()
		t.Skip("Docker not reachable:", err)
	}
	return cli
}

func cleanupContainer(t *testing.T, cli Client, containerID string) {
	t.Helper()
	ctx := context.Background()
	timeout := 5 * time.Second
	cli.StopContainer(ctx, containerID, &timeout)
	cli.RemoveContainer(ctx, containerID, RemoveOptions{Force: true})
}

// Test container name prefix to identify test containers
const testPrefix = "deployer-test-"

const testImage = "alpine:3.20"

// =============================================================================
// Helper Tests
// =============================================================================

func TestEncodeAuth(t *testing.T) {
	t.Run("empty credentials", func(t *testing.T) {
		header, err := encodeAuth(deployment.RegistryCredentials{})
		require.NoError(t, err)
		assert.Empty(t, header)
	})

	t.Run("registry login", func(t *testing.T) {
		header, err := encodeAuth(deployment.RegistryCredentials{
			Username:      "AWS",
			Password:      "token",
			ServerAddress: "https://123456789012.dkr.ecr.us-east-1.amazonaws.com",
		})
		require.NoError(t, err)

		raw, err := base64.URLEncoding.DecodeString(header)
		require.NoError(t, err)
		var decoded map[string]string
		require.NoError(t, json.Unmarshal(raw, &decoded))
		assert.Equal(t, "AWS", decoded["username"])
		assert.Equal(t, "token", decoded["password"])
		assert.Equal(t, "https://123456789012.dkr.ecr.us-east-1.amazonaws.com", decoded["serveraddress"])
	})
}

func TestWrapContext(t *testing.T) {
	assert.Equal(t, ErrImagePullFailed, wrapContext(context.Background(), ErrImagePullFailed))

	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()

	err := wrapContext(ctx, ErrImagePullFailed)
	assert.ErrorIs(t, err, ErrImagePullFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDockerError(t *testing.T) {
	tests := []struct {
		name string
		err  *DockerError
		want string
	}{
		{"with id", NewDockerError("StopContainer", "container", "web", "not running", ErrContainerNotRunning), "StopContainer container web: not running"},
		{"entity only", NewDockerError("ListImages", "image", "", "daemon error", nil), "ListImages image: daemon error"},
		{"op only", NewDockerError("Ping", "", "", "refused", ErrConnectionFailed), "Ping: refused"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestIsAbsent(t *testing.T) {
	assert.True(t, IsAbsent(NewDockerError("StopContainer", "container", "web", "", ErrContainerNotFound)))
	assert.True(t, IsAbsent(NewDockerError("StopContainer", "container", "web", "", ErrContainerNotRunning)))
	assert.False(t, IsAbsent(NewDockerError("StopContainer", "container", "web", "", errors.New("timeout"))))
	assert.False(t, IsAbsent(nil))
}

func TestSpecFromPlan(t *testing.T) {
	plan := deployment.ContainerPlan{
		Name:  "cicd-backend",
		Image: "registry.example.com/app:main-latest",
		Env: []deployment.EnvVar{
			{Name: "PORT", Value: "3001"},
			{Name: "DATABASE_URL", Value: "postgres://db/app"},
		},
		Ports:         []deployment.PortPlan{{ContainerPort: 3001, HostPort: 3001, Protocol: "tcp"}},
		Network:       "backend-net",
		RestartPolicy: deployment.RestartUnlessStopped,
	}

	spec := SpecFromPlan(plan)
	assert.Equal(t, "cicd-backend", spec.Name)
	assert.Equal(t, "registry.example.com/app:main-latest", spec.Image)
	assert.Equal(t, map[string]string{"PORT": "3001", "DATABASE_URL": "postgres://db/app"}, spec.Env)
	assert.Equal(t, []PortBinding{{ContainerPort: 3001, HostPort: 3001, Protocol: "tcp"}}, spec.Ports)
	assert.Equal(t, []string{"backend-net"}, spec.Networks)
	assert.Equal(t, "unless-stopped", spec.RestartPolicy.Name)
	assert.Equal(t, "true", spec.Labels[LabelManaged])
	assert.Equal(t, plan.Image, spec.Labels[LabelImage])
}

func writeContext(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return dir
}

func TestContextExcludes(t *testing.T) {
	t.Run("no dockerignore", func(t *testing.T) {
		excludes, err := contextExcludes(t.TempDir(), "Dockerfile")
		require.NoError(t, err)
		assert.Nil(t, excludes)
	})

	t.Run("patterns keep build files", func(t *testing.T) {
		dir := writeContext(t, map[string]string{
			".dockerignore": "# local only\n.env\nnode_modules\n*\n",
		})
		excludes, err := contextExcludes(dir, "./docker/Dockerfile.prod")
		require.NoError(t, err)
		assert.Equal(t, []string{".env", "node_modules", "*", "!docker/Dockerfile.prod", "!.dockerignore"}, excludes)
	})

	t.Run("empty dockerignore", func(t *testing.T) {
		dir := writeContext(t, map[string]string{".dockerignore": "# nothing\n"})
		excludes, err := contextExcludes(dir, "Dockerfile")
		require.NoError(t, err)
		assert.Nil(t, excludes)
	})
}

// buildDaemon is a minimal Engine API that records the build context it receives.
type buildDaemon struct {
	mu      sync.Mutex
	entries []string
}

func (b *buildDaemon) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case strings.HasSuffix(r.URL.Path, "/_ping"):
		w.Header().Set("API-Version", "1.44")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "OK")
	case strings.HasSuffix(r.URL.Path, "/build"):
		tr := tar.NewReader(r.Body)
		var entries []string
		for {
			hdr, err := tr.Next()
			if err != nil {
				break
			}
			entries = append(entries, hdr.Name)
		}
		b.mu.Lock()
		b.entries = entries
		b.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"stream":"Successfully built"}`+"\n")
	default:
		http.NotFound(w, r)
	}
}

func TestBuildImage_HonorsDockerignore(t *testing.T) {
	t.Setenv("DOCKER_HOST", "")
	t.Setenv("DOCKER_TLS_VERIFY", "")
	t.Setenv("DOCKER_CERT_PATH", "")

	daemon := &buildDaemon{}
	srv := httptest.NewServer(daemon)
	defer srv.Close()

	cli, err := NewDockerClient("tcp://"+strings.TrimPrefix(srv.URL, "http://"), io.Discard)
	require.NoError(t, err)
	defer cli.Close()

	dir := writeContext(t, map[string]string{
		"Dockerfile":          "FROM alpine:3.20\nCOPY . /app\n",
		".dockerignore":       ".env\nnode_modules\n",
		".env":                "DATABASE_URL=postgres://secret",
		"node_modules/x/a.js": "module.exports = 1",
		"src/main.go":         "package main",
	})

	err = cli.BuildImage(context.Background(), BuildSpec{
		ContextDir: dir,
		Tags:       []string{"registry.example.com/app:abc123"},
	})
	require.NoError(t, err)

	daemon.mu.Lock()
	defer daemon.mu.Unlock()
	assert.Contains(t, daemon.entries, "Dockerfile")
	assert.Contains(t, daemon.entries, ".dockerignore")
	assert.Contains(t, daemon.entries, "src/main.go")
	assert.NotContains(t, daemon.entries, ".env")
	for _, name := range daemon.entries {
		assert.False(t, strings.HasPrefix(name, "node_modules"), name)
	}
}

// =============================================================================
// Daemon Tests
// =============================================================================

func TestContainerLifecycle(t *testing.T) {
	cli := skipIfNoDocker(t)
	defer cli.Close()
	ctx := context.Background()

	require.NoError(t, cli.PullImage(ctx, testImage, deployment.RegistryCredentials{}))

	refs, err := cli.ListImages(ctx, "alpine")
	require.NoError(t, err)
	assert.Contains(t, refs, testImage)

	id, err := cli.CreateContainer(ctx, ContainerSpec{
		Name:          testPrefix + "lifecycle",
		Image:         testImage,
		Env:           map[string]string{"PORT": "3001"},
		Ports:         []PortBinding{{ContainerPort: 3001, Protocol: "tcp"}},
		RestartPolicy: RestartPolicy{Name: "unless-stopped"},
		Labels:        map[string]string{LabelManaged: "true"},
	})
	require.NoError(t, err)
	defer cleanupContainer(t, cli, id)

	_, err = cli.CreateContainer(ctx, ContainerSpec{Name: testPrefix + "lifecycle", Image: testImage})
	assert.ErrorIs(t, err, ErrContainerAlreadyExists)

	info, err := cli.InspectContainer(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, testPrefix+"lifecycle", info.Name)
	assert.Equal(t, ContainerStatusCreated, info.Status)
	assert.Nil(t, info.StartedAt)

	timeout := time.Second
	require.NoError(t, cli.RemoveContainer(ctx, id, RemoveOptions{Force: true}))
	assert.True(t, IsAbsent(cli.StopContainer(ctx, id, &timeout)))
}

func TestMissingContainer(t *testing.T) {
	cli := skipIfNoDocker(t)
	defer cli.Close()
	ctx := context.Background()
	name := testPrefix + "does-not-exist"

	timeout := time.Second
	assert.ErrorIs(t, cli.StopContainer(ctx, name, &timeout), ErrContainerNotFound)
	assert.ErrorIs(t, cli.RemoveContainer(ctx, name, RemoveOptions{}), ErrContainerNotFound)
	_, err := cli.InspectContainer(ctx, name)
	assert.ErrorIs(t, err, ErrContainerNotFound)
	assert.ErrorIs(t, cli.RemoveImage(ctx, "deployer-test/missing:none"), ErrImageNotFound)
}

func TestCreateNetwork_AlreadyExists(t *testing.T) {
	cli := skipIfNoDocker(t)
	defer cli.Close()
	ctx := context.Background()
	name := testPrefix + "net"

	id, err := cli.CreateNetwork(ctx, name)
	require.NoError(t, err)
	defer cli.cli.NetworkRemove(ctx, id)

	_, err = cli.CreateNetwork(ctx, name)
	assert.ErrorIs(t, err, ErrNetworkAlreadyExists)
}
