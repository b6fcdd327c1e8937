package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/artpar/deployer/internal/shell/docker"
	"github.com/artpar/deployer/internal/shell/orchestrator"
	"github.com/artpar/deployer/internal/shell/provider"
	"github.com/artpar/deployer/internal/shell/publish"
	"github.com/artpar/deployer/internal/shell/remote"
	"github.com/artpar/deployer/internal/shell/store"
)

// =============================================================================
// Application Wiring
// =============================================================================

// app builds the components a command needs from the loaded config and
// releases them in reverse order on close.
type app struct {
	cfg     *Config
	logger  *slog.Logger
	closers []func() error
}

func newApp(configPath string) (*app, error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, &usageError{err: fmt.Errorf("configuration error: %w", err)}
	}
	return &app{cfg: cfg, logger: SetupLogger(cfg)}, nil
}

func (a *app) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}

// openHistory opens the run history, or returns nil when it is disabled.
func (a *app) openHistory() (*store.SQLiteStore, error) {
	if !a.cfg.History.Enabled {
		return nil, nil
	}
	if err := ensureDir(a.cfg.History.DSN); err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	s, err := store.NewSQLiteStore(a.cfg.History.DSN)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	a.onClose(s.Close)
	return s, nil
}

// ensureDir creates the parent directory of a file DSN.
func ensureDir(dsn string) error {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" || path == ":memory:" {
		return nil
	}
	return os.MkdirAll(filepath.Dir(path), 0o755)
}

func (a *app) newDocker() (*docker.DockerClient, error) {
	progress := io.Discard
	if strings.EqualFold(a.cfg.Log.Level, "debug") {
		progress = os.Stderr
	}
	d, err := docker.NewDockerClient(a.cfg.Docker.Host, progress)
	if err != nil {
		return nil, fmt.Errorf("connect to docker: %w", err)
	}
	a.onClose(d.Close)
	return d, nil
}

func (a *app) newProvider(ctx context.Context) (*provider.AWSProvider, error) {
	return provider.NewAWSProvider(ctx, provider.AWSOptions{
		Region:          a.cfg.AWS.Region,
		AccessKeyID:     a.cfg.AWS.AccessKeyID,
		SecretAccessKey: a.cfg.AWS.SecretAccessKey,
		SessionToken:    a.cfg.AWS.SessionToken,
	}, a.logger)
}

// newExecutor returns the transport selected by target.executor.
func (a *app) newExecutor(aws *provider.AWSProvider, d docker.Client) (remote.Executor, error) {
	switch strings.ToLower(a.cfg.Target.Executor) {
	case ExecutorSSM:
		return remote.NewSSMExecutor(aws.SSM(), aws, remote.SSMOptions{
			Timeout:      a.cfg.Remote.Timeout,
			PollInterval: a.cfg.Remote.PollInterval,
		}, a.logger), nil

	case ExecutorSSH:
		key, err := os.ReadFile(a.cfg.SSH.KeyFile)
		if err != nil {
			return nil, &usageError{err: fmt.Errorf("read ssh.key_file: %w", err)}
		}
		e, err := remote.NewSSHExecutor(remote.SSHConfig{
			User:           a.cfg.SSH.User,
			Port:           a.cfg.SSH.Port,
			PrivateKey:     key,
			KnownHostsFile: a.cfg.SSH.KnownHosts,
			ConnectTimeout: a.cfg.SSH.ConnectTimeout,
			CommandTimeout: a.cfg.Remote.Timeout,
		}, a.logger)
		if err != nil {
			return nil, &usageError{err: err}
		}
		a.onClose(e.Close)
		return e, nil

	case ExecutorDocker:
		return docker.NewProcedureRunner(d, aws, a.openLocalLog(), a.logger), nil

	default:
		return nil, &usageError{err: fmt.Errorf("target.executor: unknown executor %q (want %s, %s or %s)",
			a.cfg.Target.Executor, ExecutorSSM, ExecutorSSH, ExecutorDocker)}
	}
}

// openLocalLog opens remote.log_file for the local Docker executor.
// A log that cannot be opened is skipped, matching the procedure's best-effort logging.
func (a *app) openLocalLog() io.Writer {
	f, err := os.OpenFile(a.cfg.Remote.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		a.logger.Warn("deployment log unavailable", "path", a.cfg.Remote.LogFile, "error", err)
		return io.Discard
	}
	a.onClose(f.Close)
	return f
}

// newOrchestrator wires the publisher, the executor and the history.
func (a *app) newOrchestrator(ctx context.Context) (*orchestrator.Orchestrator, error) {
	aws, err := a.newProvider(ctx)
	if err != nil {
		return nil, err
	}
	d, err := a.newDocker()
	if err != nil {
		return nil, err
	}
	exec, err := a.newExecutor(aws, d)
	if err != nil {
		return nil, err
	}

	pub := publish.NewPublisher(d, aws, publish.Options{
		BuildTimeout: a.cfg.Build.Timeout,
		PushTimeout:  a.cfg.Build.PushTimeout,
	}, a.logger)

	opts := orchestrator.Options{
		ContextDir:  a.cfg.Build.Context,
		Dockerfile:  a.cfg.Build.Dockerfile,
		BuildArgs:   a.cfg.Build.Args,
		Platform:    a.cfg.Build.Platform,
		NoCache:     a.cfg.Build.NoCache,
		LeaseTTL:    a.cfg.History.LeaseTTL,
		OutputLines: a.cfg.Remote.OutputLines,
	}

	hist, err := a.openHistory()
	if err != nil {
		return nil, err
	}
	if hist == nil {
		return orchestrator.New(pub, exec, nil, opts, a.logger), nil
	}
	return orchestrator.New(pub, exec, hist, opts, a.logger), nil
}
