package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/artpar/deployer/internal/core/deployment"
)

// SSHConfig configures the SSH executor.
type SSHConfig struct {
	User           string
	Port           int    // Default: 22
	PrivateKey     []byte // PEM encoded, unencrypted
	KnownHostsFile string // "" disables host key verification
	Shell          string // Default: "sh -s"
	ConnectTimeout time.Duration
	CommandTimeout time.Duration
}

// SSHExecutor runs scripts over SSH by feeding them to a remote shell on stdin.
type SSHExecutor struct {
	cfg     SSHConfig
	signer  ssh.Signer
	hostKey ssh.HostKeyCallback
	logger  *slog.Logger

	mu      sync.Mutex // Protects clients
	clients map[string]*ssh.Client
}

// NewSSHExecutor parses the key material and prepares host key verification.
func NewSSHExecutor(cfg SSHConfig, logger *slog.Logger) (*SSHExecutor, error) {
	signer, err := ssh.ParsePrivateKey(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("parse SSH private key: %w", err)
	}

	hostKey := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHostsFile != "" {
		hostKey, err = knownhosts.New(cfg.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("load known hosts %s: %w", cfg.KnownHostsFile, err)
		}
	}

	if cfg.User == "" {
		cfg.User = "root"
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.Shell == "" {
		cfg.Shell = "sh -s"
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &SSHExecutor{
		cfg:     cfg,
		signer:  signer,
		hostKey: hostKey,
		logger:  logger.With("executor", "ssh"),
		clients: make(map[string]*ssh.Client),
	}, nil
}

// =============================================================================
// Connection Management
// =============================================================================

func (e *SSHExecutor) address(target string) string {
	if _, _, err := net.SplitHostPort(target); err == nil {
		return target
	}
	return net.JoinHostPort(target, strconv.Itoa(e.cfg.Port))
}

// connect returns a live connection to addr, dialing if needed.
func (e *SSHExecutor) connect(ctx context.Context, addr string) (*ssh.Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if client, ok := e.clients[addr]; ok {
		if _, _, err := client.SendRequest("keepalive@deployer", true, nil); err == nil {
			return client, nil
		}
		client.Close()
		delete(e.clients, addr)
	}

	config := &ssh.ClientConfig{
		User:            e.cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(e.signer)},
		HostKeyCallback: e.hostKey,
		Timeout:         e.cfg.ConnectTimeout,
	}

	dialCtx, cancel := context.WithTimeout(ctx, e.cfg.ConnectTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("SSH dial %s: %w", addr, err)
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("SSH handshake %s: %w", addr, err)
	}

	client := ssh.NewClient(c, chans, reqs)
	e.clients[addr] = client
	return client, nil
}

// Close closes every open connection.
func (e *SSHExecutor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var errs []error
	for addr, client := range e.clients {
		if err := client.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(e.clients, addr)
	}
	return errors.Join(errs...)
}

// =============================================================================
// Execution
// =============================================================================

// Execute runs the rendered script on target. target is a host or host:port.
func (e *SSHExecutor) Execute(ctx context.Context, target string, script deployment.Script) (*deployment.ExecutionOutput, error) {
	if e.cfg.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.CommandTimeout)
		defer cancel()
	}

	addr := e.address(target)
	client, err := e.connect(ctx, addr)
	if err != nil {
		return nil, deployment.NewStageError(deployment.StageDispatching, "connect", deployment.ErrDispatch, err)
	}

	session, err := client.NewSession()
	if err != nil {
		return nil, deployment.NewStageError(deployment.StageDispatching, "open session", deployment.ErrDispatch, err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	session.Stdin = strings.NewReader(deployment.Render(script))

	logger := e.logger.With("host", addr)
	logger.Info("running script", "steps", script.Len())

	done := make(chan error, 1)
	go func() {
		done <- session.Run(e.cfg.Shell)
	}()

	select {
	case <-ctx.Done():
		// The buffers are still owned by the session goroutine.
		session.Close()
		status := "Cancelled"
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			status = "TimedOut"
		}
		// failure reports a deadline as ErrDependencyTimeout.
		return nil, failure(deployment.ErrRemoteExecution, status, -1, "", "", ctx.Err())
	case err := <-done:
		out := &deployment.ExecutionOutput{
			Status: "Success",
			Stdout: stdout.String(),
			Stderr: stderr.String(),
		}
		if err == nil {
			logger.Info("script succeeded")
			return out, nil
		}

		var exitErr *ssh.ExitError
		var missing *ssh.ExitMissingError
		switch {
		case errors.As(err, &exitErr):
			out.Status = "Failed"
			out.ExitCode = exitErr.ExitStatus()
		case errors.As(err, &missing):
			out.Status = "Failed"
			out.ExitCode = -1
		default:
			return nil, deployment.NewStageError(deployment.StageDispatching, "run", deployment.ErrDispatch, err)
		}

		logger.Error("script failed", "exit_code", out.ExitCode)
		return out, failure(deployment.ErrRemoteExecution, out.Status, out.ExitCode, out.Stdout, out.Stderr, nil)
	}
}
