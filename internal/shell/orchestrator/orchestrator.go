// Package orchestrator drives one deployment run through its stages:
// validate, build, push, dispatch, and the remote procedure.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/artpar/deployer/internal/core/deployment"
	"github.com/artpar/deployer/internal/shell/publish"
	"github.com/artpar/deployer/internal/shell/remote"
	"github.com/artpar/deployer/internal/shell/store"
)

// Publisher builds and uploads the image.
type Publisher interface {
	Build(ctx context.Context, req publish.Request) error
	Push(ctx context.Context, req publish.Request) error
}

// History records runs and guards the target container with a lease.
type History interface {
	AcquireLease(ctx context.Context, run *deployment.Result, ttl time.Duration) error
	CompleteRun(ctx context.Context, run *deployment.Result) error
}

// Options configures a run.
type Options struct {
	ContextDir string
	Dockerfile string
	BuildArgs  map[string]string
	Platform   string
	NoCache    bool
	LeaseTTL   time.Duration
	// OutputLines bounds how much remote output is kept in the run log.
	OutputLines int
}

// Orchestrator runs deployments. It is safe to reuse across runs but each
// Run call is strictly sequential.
type Orchestrator struct {
	publisher Publisher
	executor  remote.Executor
	history   History
	opts      Options
	logger    *slog.Logger

	now   func() time.Time
	newID func() string
}

// New creates an orchestrator. history may be nil to run without a lease.
func New(publisher Publisher, executor remote.Executor, history History, opts Options, logger *slog.Logger) *Orchestrator {
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 30 * time.Minute
	}
	if opts.OutputLines <= 0 {
		opts.OutputLines = 50
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		publisher: publisher,
		executor:  executor,
		history:   history,
		opts:      opts,
		logger:    logger.With("component", "orchestrator"),
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// Plan validates cfg and returns the procedure a run would send to the target.
func Plan(cfg deployment.DeploymentConfig) (deployment.Script, error) {
	if err := deployment.Validate(cfg); err != nil {
		return deployment.Script{}, err
	}
	return deployment.BuildProcedure(cfg), nil
}

// Run executes one deployment. The returned result is always non-nil and
// terminal; err is non-nil exactly when the result failed.
func (o *Orchestrator) Run(ctx context.Context, cfg deployment.DeploymentConfig) (*deployment.Result, error) {
	r := &run{
		o:       o,
		result:  deployment.NewResult(o.newID(), cfg, o.now()),
		tracker: deployment.NewTracker(),
	}
	r.logger = o.logger.With("run_id", r.result.ID, "target", cfg.TargetHost, "container", cfg.ContainerName)
	r.log("run started")

	script, err := Plan(cfg)
	if err != nil {
		return r.fail(err)
	}

	if o.history != nil {
		if err := o.history.AcquireLease(ctx, r.result, o.opts.LeaseTTL); err != nil {
			if errors.Is(err, store.ErrLeaseHeld) {
				return r.fail(deployment.NewStageError(deployment.StageValidating, "acquire lease", deployment.ErrDeploymentLocked, err))
			}
			return r.fail(fmt.Errorf("acquire lease: %w", err))
		}
		defer r.record()
	}

	req := publish.NewRequest(cfg, o.opts.ContextDir, o.opts.Dockerfile)
	req.BuildArgs = o.opts.BuildArgs
	req.Platform = o.opts.Platform
	req.NoCache = o.opts.NoCache

	if err := r.enter(deployment.StageBuilding); err != nil {
		return r.fail(err)
	}
	if err := o.publisher.Build(ctx, req); err != nil {
		return r.fail(err)
	}
	r.log("built " + req.ContentRef)

	if err := r.enter(deployment.StagePushing); err != nil {
		return r.fail(err)
	}
	if err := o.publisher.Push(ctx, req); err != nil {
		return r.fail(err)
	}
	r.log("pushed " + req.ContentRef + " and " + req.BranchRef)

	if err := r.enter(deployment.StageDispatching); err != nil {
		return r.fail(err)
	}
	out, err := o.executor.Execute(ctx, cfg.TargetHost, script)
	r.captureOutput(out)
	if err != nil {
		return r.fail(err)
	}

	for _, stage := range []deployment.Stage{deployment.StageRemoteCleanup, deployment.StagePulling, deployment.StageStarting, deployment.StageDone} {
		if err := r.enter(stage); err != nil {
			return r.fail(err)
		}
	}

	r.result.Succeed(o.now())
	r.logger.Info("deployment succeeded", "image", r.result.Image, "duration", r.result.Duration())
	return r.result, nil
}

// =============================================================================
// Run State
// =============================================================================

type run struct {
	o       *Orchestrator
	result  *deployment.Result
	tracker *deployment.Tracker
	logger  *slog.Logger
}

func (r *run) log(msg string) {
	line := fmt.Sprintf("%s %s: %s", r.o.now().UTC().Format(time.RFC3339), r.tracker.Current(), msg)
	r.result.Logs = append(r.result.Logs, line)
}

func (r *run) enter(stage deployment.Stage) error {
	if err := r.tracker.Advance(stage); err != nil {
		return err
	}
	r.result.Stage = stage
	r.log("entered")
	r.logger.Info("stage entered", "stage", stage)
	return nil
}

func (r *run) captureOutput(out *deployment.ExecutionOutput) {
	if out == nil {
		return
	}
	text := strings.TrimSpace(out.Stdout + "\n" + out.Stderr)
	if text == "" {
		return
	}
	for _, line := range strings.Split(deployment.Tail(text, r.o.opts.OutputLines), "\n") {
		r.result.Logs = append(r.result.Logs, "remote: "+line)
	}
}

// fail moves the run to Failed in the stage the error reports.
func (r *run) fail(err error) (*deployment.Result, error) {
	// Remote stages are only known once the executor reports where it stopped.
	if stage := deployment.FailedStage(err); r.reachable(stage) {
		for r.tracker.Current() != stage {
			next, _ := r.tracker.Current().Next()
			if advErr := r.enter(next); advErr != nil {
				break
			}
		}
	}
	failedIn := r.tracker.Fail()
	r.result.Fail(failedIn, err, r.o.now())
	r.log(err.Error())
	r.logger.Error("deployment failed", "stage", failedIn, "error", err)
	return r.result, err
}

// reachable reports whether stage lies ahead of the current stage, short of Done.
func (r *run) reachable(stage deployment.Stage) bool {
	for s, ok := r.tracker.Current().Next(); ok && s != deployment.StageDone; s, ok = s.Next() {
		if s == stage {
			return true
		}
	}
	return false
}

// record stores the terminal result; it runs even if the caller's context was cancelled.
func (r *run) record() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.o.history.CompleteRun(ctx, r.result); err != nil {
		r.logger.Error("failed to record run", "error", err)
	}
}
