package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/artpar/deployer/internal/core/deployment"
)

// =============================================================================
// Config Types
// =============================================================================

// Config holds all application configuration.
type Config struct {
	AWS      AWSConfig      `mapstructure:"aws"`
	Registry RegistryConfig `mapstructure:"registry"`
	Build    BuildConfig    `mapstructure:"build"`
	Target   TargetConfig   `mapstructure:"target"`
	App      AppConfig      `mapstructure:"app"`
	Deploy   DeployConfig   `mapstructure:"deploy"`
	Remote   RemoteConfig   `mapstructure:"remote"`
	SSH      SSHConfig      `mapstructure:"ssh"`
	Docker   DockerConfig   `mapstructure:"docker"`
	History  HistoryConfig  `mapstructure:"history"`
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
}

// AWSConfig holds AWS client configuration. Empty keys use the default credential chain.
type AWSConfig struct {
	Region          string `mapstructure:"region"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	SessionToken    string `mapstructure:"session_token"`
}

// RegistryConfig holds the image registry location.
type RegistryConfig struct {
	Address    string `mapstructure:"address"`
	Repository string `mapstructure:"repository"`
}

// BuildConfig holds image build configuration.
type BuildConfig struct {
	Tag         string            `mapstructure:"tag"`
	Branch      string            `mapstructure:"branch"`
	Context     string            `mapstructure:"context"`
	Dockerfile  string            `mapstructure:"dockerfile"`
	Platform    string            `mapstructure:"platform"`
	NoCache     bool              `mapstructure:"no_cache"`
	Args        map[string]string `mapstructure:"args"`
	Timeout     time.Duration     `mapstructure:"timeout"`
	PushTimeout time.Duration     `mapstructure:"push_timeout"`
}

// TargetConfig selects the host and the channel used to reach it.
type TargetConfig struct {
	Host     string `mapstructure:"host"`
	Executor string `mapstructure:"executor"` // "ssm", "ssh" or "docker"
}

// AppConfig describes the deployed container.
type AppConfig struct {
	DatabaseURL   string `mapstructure:"database_url"`
	ContainerName string `mapstructure:"container_name"`
	Port          int    `mapstructure:"port"`
}

// DeployConfig holds options of the remote procedure.
type DeployConfig struct {
	TagSource        string `mapstructure:"tag_source"`
	UseDockerNetwork bool   `mapstructure:"use_docker_network"`
	NetworkName      string `mapstructure:"network_name"`
}

// RemoteConfig holds remote execution configuration.
type RemoteConfig struct {
	LogFile      string        `mapstructure:"log_file"`
	LockFile     string        `mapstructure:"lock_file"`
	Timeout      time.Duration `mapstructure:"timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	OutputLines  int           `mapstructure:"output_lines"`
}

// SSHConfig holds configuration of the SSH executor.
type SSHConfig struct {
	User           string        `mapstructure:"user"`
	Port           int           `mapstructure:"port"`
	KeyFile        string        `mapstructure:"key_file"`
	KnownHosts     string        `mapstructure:"known_hosts"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// DockerConfig holds Docker client configuration.
type DockerConfig struct {
	Host string `mapstructure:"host"`
}

// HistoryConfig holds run history configuration.
type HistoryConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	DSN      string        `mapstructure:"dsn"`
	LeaseTTL time.Duration `mapstructure:"lease_ttl"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Address returns the server address in host:port format.
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Executor names.
const (
	ExecutorSSM    = "ssm"
	ExecutorSSH    = "ssh"
	ExecutorDocker = "docker"
)

// =============================================================================
// Config Loading
// =============================================================================

// LoadConfig loads configuration from file and environment.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults. Every key needs one so that AutomaticEnv can see it.
	v.SetDefault("aws.region", "")
	v.SetDefault("aws.access_key_id", "")
	v.SetDefault("aws.secret_access_key", "")
	v.SetDefault("aws.session_token", "")
	v.SetDefault("registry.address", "")
	v.SetDefault("registry.repository", "")
	v.SetDefault("build.tag", "")
	v.SetDefault("build.branch", "")
	v.SetDefault("build.context", ".")
	v.SetDefault("build.dockerfile", "Dockerfile")
	v.SetDefault("build.platform", "")
	v.SetDefault("build.no_cache", false)
	v.SetDefault("build.timeout", "30m")
	v.SetDefault("build.push_timeout", "15m")
	v.SetDefault("target.host", "")
	v.SetDefault("target.executor", ExecutorSSM)
	v.SetDefault("app.database_url", "")
	v.SetDefault("app.container_name", deployment.DefaultContainerName)
	v.SetDefault("app.port", deployment.DefaultPort)
	v.SetDefault("deploy.tag_source", string(deployment.TagSourceBranch))
	v.SetDefault("deploy.use_docker_network", false)
	v.SetDefault("deploy.network_name", "")
	v.SetDefault("remote.log_file", deployment.DefaultLogFile)
	v.SetDefault("remote.lock_file", deployment.DefaultLockFile)
	v.SetDefault("remote.timeout", "10m")
	v.SetDefault("remote.poll_interval", "2s")
	v.SetDefault("remote.output_lines", 50)
	v.SetDefault("ssh.user", "ec2-user")
	v.SetDefault("ssh.port", 22)
	v.SetDefault("ssh.key_file", "")
	v.SetDefault("ssh.known_hosts", "")
	v.SetDefault("ssh.connect_timeout", "30s")
	v.SetDefault("docker.host", "")
	v.SetDefault("history.enabled", true)
	v.SetDefault("history.dsn", "./data/deployer.db")
	v.SetDefault("history.lease_ttl", "30m")
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Load from file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigParseError); ok {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
			// File not found is OK, we'll use defaults
		}
	}

	// Enable environment variable overrides
	v.SetEnvPrefix("DEPLOYER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// DeploymentConfig returns the immutable run configuration.
// It does not validate; the orchestrator does that before any stage runs.
func (c *Config) DeploymentConfig() deployment.DeploymentConfig {
	return deployment.DeploymentConfig{
		Region:           strings.TrimSpace(c.AWS.Region),
		Registry:         strings.TrimSpace(c.Registry.Address),
		Repository:       strings.TrimSpace(c.Registry.Repository),
		ContentTag:       strings.TrimSpace(c.Build.Tag),
		Branch:           strings.TrimSpace(c.Build.Branch),
		TargetHost:       strings.TrimSpace(c.Target.Host),
		DatabaseURL:      c.App.DatabaseURL,
		ContainerName:    strings.TrimSpace(c.App.ContainerName),
		Port:             c.App.Port,
		TagSource:        deployment.TagSource(c.Deploy.TagSource),
		UseDockerNetwork: c.Deploy.UseDockerNetwork,
		NetworkName:      c.Deploy.NetworkName,
		LogFile:          c.Remote.LogFile,
		LockFile:         c.Remote.LockFile,
	}
}

// =============================================================================
// Logger Setup
// =============================================================================

// SetupLogger creates a logger with the configured level and format.
// Logs go to stderr so that plan and history output stays clean on stdout.
func SetupLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Log.Format) == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}
