package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/artpar/deployer/internal/shell/api"
	"github.com/artpar/deployer/internal/shell/store"
)

// ServerError wraps a server failure with the exit code it maps to.
type ServerError struct {
	Op       string
	Err      error
	ExitCode int
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ServerError) Unwrap() error {
	return e.Err
}

func serveCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the read-only deployment status API",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(root.configPath)
			if err != nil {
				return err
			}
			defer a.close()

			if !a.cfg.History.Enabled {
				return &usageError{err: errors.New("serve needs the run history (history.enabled=false)")}
			}

			server, err := NewServer(a)
			if err != nil {
				return err
			}
			return server.Start(cmd.Context())
		},
	}
}

// =============================================================================
// Server
// =============================================================================

// Server serves the status API over the run history.
type Server struct {
	config     *Config
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer opens the run history and builds the HTTP server.
func NewServer(a *app) (*Server, error) {
	s, err := a.openHistory()
	if err != nil {
		return nil, &ServerError{Op: "NewServer", Err: err, ExitCode: ExitFailure}
	}

	handler := api.NewHandler(s, a.logger, Version)
	handler.AddCheck("database", func(ctx context.Context) error {
		_, err := s.ListRuns(ctx, store.ListOptions{Limit: 1})
		return err
	})

	httpServer := &http.Server{
		Addr:         a.cfg.Server.Address(),
		Handler:      handler.Routes(),
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
	}

	return &Server{
		config:     a.cfg,
		httpServer: httpServer,
		logger:     a.logger,
	}, nil
}

// Start starts the server and blocks until shutdown.
func (s *Server) Start(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server",
			"address", s.config.Server.Address(),
			"version", Version)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case sig := <-sigCh:
		s.logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		return &ServerError{
			Op:       "Start",
			Err:      err,
			ExitCode: ExitFailure,
		}
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown(context.Background())
}

// Shutdown gracefully shuts down the HTTP server. The store is closed by the caller.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("initiating graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.Server.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
		return &ServerError{Op: "Shutdown", Err: err, ExitCode: ExitFailure}
	}

	s.logger.Info("shutdown complete")
	return nil
}
