package store

import (
	"context"
	"time"

	"github.com/artpar/deployer/internal/core/deployment"
)

// =============================================================================
// Store Interface
// =============================================================================

// Store records deployment runs and guards each (target, container) pair
// with a time-bounded lease.
type Store interface {
	// AcquireLease records run as running and takes the lease for its
	// target and container. Expired leases are released first.
	AcquireLease(ctx context.Context, run *deployment.Result, ttl time.Duration) error

	// CompleteRun stores the terminal state of run and releases its lease.
	CompleteRun(ctx context.Context, run *deployment.Result) error

	GetRun(ctx context.Context, id string) (*deployment.Result, error)
	ListRuns(ctx context.Context, opts ListOptions) ([]deployment.Result, error)
	// CountRuns counts recorded runs, optionally for one target ("" for all).
	CountRuns(ctx context.Context, target string) (int, error)

	// Lifecycle
	Close() error
}

// =============================================================================
// Options
// =============================================================================

// ListOptions defines pagination and filtering options.
type ListOptions struct {
	Limit  int
	Offset int
	Target string // "" for all targets
}

// DefaultListOptions returns default list options.
func DefaultListOptions() ListOptions {
	return ListOptions{
		Limit:  100,
		Offset: 0,
	}
}

// Normalize ensures list options have valid values.
func (o ListOptions) Normalize() ListOptions {
	if o.Limit <= 0 {
		o.Limit = 100
	}
	if o.Limit > 1000 {
		o.Limit = 1000
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}
