package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/deployer/internal/core/deployment"
)

// =============================================================================
// Config Loading Tests
// =============================================================================

func TestLoadConfig_DefaultValues(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "cicd-backend", cfg.App.ContainerName)
	assert.Equal(t, 3001, cfg.App.Port)
	assert.Equal(t, "branch-derived", cfg.Deploy.TagSource)
	assert.False(t, cfg.Deploy.UseDockerNetwork)
	assert.Equal(t, "/var/log/cicd-deploy.log", cfg.Remote.LogFile)
	assert.Equal(t, "/var/lock/cicd-deploy.lock", cfg.Remote.LockFile)
	assert.Equal(t, 10*time.Minute, cfg.Remote.Timeout)
	assert.Equal(t, 2*time.Second, cfg.Remote.PollInterval)
	assert.Equal(t, "ssm", cfg.Target.Executor)
	assert.Equal(t, ".", cfg.Build.Context)
	assert.Equal(t, "Dockerfile", cfg.Build.Dockerfile)
	assert.Equal(t, 30*time.Minute, cfg.Build.Timeout)
	assert.True(t, cfg.History.Enabled)
	assert.Equal(t, "./data/deployer.db", cfg.History.DSN)
	assert.Equal(t, 30*time.Minute, cfg.History.LeaseTTL)
	assert.Equal(t, 22, cfg.SSH.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)

	// Required values have no defaults.
	assert.Empty(t, cfg.AWS.Region)
	assert.Empty(t, cfg.Registry.Address)
	assert.Empty(t, cfg.Target.Host)
}

func TestLoadConfig_FromFile(t *testing.T) {
	clearEnv(t)

	configContent := `
aws:
  region: "eu-west-1"
registry:
  address: "123456789012.dkr.ecr.eu-west-1.amazonaws.com"
  repository: "backend"
build:
  tag: "abc123"
  branch: "main"
  context: "./app"
  platform: "linux/amd64"
  args:
    GIT_SHA: "abc123"
target:
  host: "i-0123456789abcdef0"
  executor: "ssh"
app:
  database_url: "postgres://db/app"
  port: 4000
deploy:
  tag_source: "fixed"
  use_docker_network: true
  network_name: "backend-net"
remote:
  timeout: 5m
ssh:
  user: "deploy"
  key_file: "/etc/deployer/id_ed25519"
history:
  dsn: "/tmp/runs.db"
  lease_ttl: 1h
log:
  level: "debug"
  format: "text"
`
	tmpFile := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(tmpFile, []byte(configContent), 0644))

	cfg, err := LoadConfig(tmpFile)
	require.NoError(t, err)

	assert.Equal(t, "eu-west-1", cfg.AWS.Region)
	assert.Equal(t, "backend", cfg.Registry.Repository)
	assert.Equal(t, "./app", cfg.Build.Context)
	assert.Equal(t, "linux/amd64", cfg.Build.Platform)
	assert.Equal(t, "abc123", cfg.Build.Args["git_sha"], "viper lower-cases map keys")
	assert.Equal(t, "ssh", cfg.Target.Executor)
	assert.Equal(t, 4000, cfg.App.Port)
	assert.Equal(t, "cicd-backend", cfg.App.ContainerName)
	assert.True(t, cfg.Deploy.UseDockerNetwork)
	assert.Equal(t, 5*time.Minute, cfg.Remote.Timeout)
	assert.Equal(t, "deploy", cfg.SSH.User)
	assert.Equal(t, time.Hour, cfg.History.LeaseTTL)
	assert.Equal(t, "debug", cfg.Log.Level)

	dc := cfg.DeploymentConfig()
	require.NoError(t, deployment.Validate(dc))
	assert.Equal(t, deployment.TagSourceFixed, dc.TagSource)
	assert.Equal(t, "123456789012.dkr.ecr.eu-west-1.amazonaws.com/backend:abc123", dc.DeployImage())
	assert.Equal(t, "backend-net", dc.NetworkName)
}

func TestLoadConfig_EnvironmentOverride(t *testing.T) {
	clearEnv(t)

	t.Setenv("DEPLOYER_AWS_REGION", "us-east-1")
	t.Setenv("DEPLOYER_TARGET_HOST", "i-0abc")
	t.Setenv("DEPLOYER_APP_PORT", "8081")
	t.Setenv("DEPLOYER_DEPLOY_USE_DOCKER_NETWORK", "true")
	t.Setenv("DEPLOYER_REMOTE_POLL_INTERVAL", "500ms")
	t.Setenv("DEPLOYER_HISTORY_ENABLED", "false")
	t.Setenv("DEPLOYER_LOG_LEVEL", "warn")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "us-east-1", cfg.AWS.Region)
	assert.Equal(t, "i-0abc", cfg.Target.Host)
	assert.Equal(t, 8081, cfg.App.Port)
	assert.True(t, cfg.Deploy.UseDockerNetwork)
	assert.Equal(t, 500*time.Millisecond, cfg.Remote.PollInterval)
	assert.False(t, cfg.History.Enabled)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadConfig_EnvironmentOverridesFile(t *testing.T) {
	clearEnv(t)

	tmpFile := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(tmpFile, []byte("build:\n  tag: \"from-file\"\n"), 0644))
	t.Setenv("DEPLOYER_BUILD_TAG", "from-env")

	cfg, err := LoadConfig(tmpFile)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Build.Tag)
}

func TestLoadConfig_FileNotFound_UsesDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadConfig("/nonexistent/path/config.yaml")
	require.NoError(t, err)

	assert.Equal(t, "cicd-backend", cfg.App.ContainerName)
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestLoadConfig_InvalidFile(t *testing.T) {
	clearEnv(t)

	tmpFile := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(tmpFile, []byte("invalid: yaml: content: [[["), 0644))

	_, err := LoadConfig(tmpFile)
	assert.Error(t, err)
}

func TestDeploymentConfig_MissingValues(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	err = deployment.Validate(cfg.DeploymentConfig())
	var cfgErr *deployment.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, []string{
		deployment.KeyRegion,
		deployment.KeyRegistry,
		deployment.KeyRepository,
		deployment.KeyContentTag,
		deployment.KeyBranch,
		deployment.KeyTargetHost,
		deployment.KeyDatabaseURL,
	}, cfgErr.Missing)
}

func TestDeploymentConfig_TrimsWhitespace(t *testing.T) {
	cfg := &Config{
		AWS:    AWSConfig{Region: " us-east-1 "},
		Target: TargetConfig{Host: "i-0abc\n"},
		App:    AppConfig{ContainerName: " web "},
	}

	dc := cfg.DeploymentConfig()
	assert.Equal(t, "us-east-1", dc.Region)
	assert.Equal(t, "i-0abc", dc.TargetHost)
	assert.Equal(t, "web", dc.ContainerName)
}

// =============================================================================
// Logger Setup Tests
// =============================================================================

func TestSetupLogger(t *testing.T) {
	tests := []struct {
		level, format string
	}{
		{"info", "json"},
		{"debug", "text"},
		{"warn", "json"},
		{"error", "json"},
		{"invalid", "json"},
	}

	for _, tt := range tests {
		t.Run(tt.level+"/"+tt.format, func(t *testing.T) {
			logger := SetupLogger(&Config{Log: LogConfig{Level: tt.level, Format: tt.format}})
			assert.NotNil(t, logger)
		})
	}
}

func TestConfig_Address(t *testing.T) {
	cfg := &Config{
		Server: ServerConfig{
			Host: "localhost",
			Port: 8080,
		},
	}

	assert.Equal(t, "localhost:8080", cfg.Server.Address())
}

// =============================================================================
// Test Helpers
// =============================================================================

// clearEnv unsets every DEPLOYER_ variable for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		name, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(name, "DEPLOYER_") {
			t.Setenv(name, "")
			os.Unsetenv(name)
		}
	}
}
