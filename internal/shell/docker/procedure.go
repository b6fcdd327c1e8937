package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/artpar/deployer/internal/core/deployment"
)

// =============================================================================
// ProcedureRunner - Applies a Procedure Against a Docker Daemon
// =============================================================================

// CredentialSource provides registry credentials for the login step.
type CredentialSource interface {
	RegistryCredentials(ctx context.Context) (deployment.RegistryCredentials, error)
}

// ProcedureRunner executes a deployment script step by step through the
// Docker SDK instead of a shell. It is used when the deployer runs on the
// target host or talks to its daemon through DOCKER_HOST.
type ProcedureRunner struct {
	docker      Client
	creds       CredentialSource
	logger      *slog.Logger
	sink        io.Writer // log sink every step appends to
	stopTimeout time.Duration
	now         func() time.Time
}

// NewProcedureRunner creates a runner. sink receives the step log; it may be nil.
func NewProcedureRunner(docker Client, creds CredentialSource, sink io.Writer, logger *slog.Logger) *ProcedureRunner {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = io.Discard
	}
	return &ProcedureRunner{
		docker:      docker,
		creds:       creds,
		logger:      logger.With("executor", "docker"),
		sink:        sink,
		stopTimeout: 10 * time.Second,
		now:         time.Now,
	}
}

// Execute runs every step of script in order. Best-effort failures are
// logged and skipped; the first fatal failure stops the run.
func (r *ProcedureRunner) Execute(ctx context.Context, target string, script deployment.Script) (*deployment.ExecutionOutput, error) {
	var out bytes.Buffer
	w := io.MultiWriter(&out, r.sink)
	var creds deployment.RegistryCredentials

	r.logger.Info("applying procedure", "target", target, "steps", script.Len())

	for _, step := range script.Steps() {
		err := r.runStep(ctx, step, &creds, w)
		if err == nil {
			continue
		}

		if step.Policy == deployment.BestEffort {
			fmt.Fprintf(w, "%s %s: ignored: %v\n", r.timestamp(), step.Kind, err)
			r.logger.Warn("best-effort step failed", "step", step.Kind, "error", err)
			continue
		}

		fmt.Fprintf(w, "%s %s\n", deployment.FailedStepMarker, step.Kind)
		r.logger.Error("procedure step failed", "step", step.Kind, "error", err)
		output := &deployment.ExecutionOutput{
			Status:   "Failed",
			ExitCode: deployment.ExitFailure,
			Stdout:   out.String(),
		}
		return output, deployment.NewStageError(
			deployment.StageForStep(step.Kind),
			string(step.Kind),
			deployment.ErrRemoteExecution,
			&deployment.RemoteError{
				Status:     output.Status,
				ExitCode:   output.ExitCode,
				FailedStep: step.Kind,
				Err:        err,
			},
		)
	}

	return &deployment.ExecutionOutput{
		Status:   "Success",
		ExitCode: deployment.ExitSuccess,
		Stdout:   out.String(),
	}, nil
}

func (r *ProcedureRunner) runStep(ctx context.Context, step deployment.Step, creds *deployment.RegistryCredentials, w io.Writer) error {
	switch step.Kind {
	case deployment.StepLock:
		// Only one deployer process talks to this daemon; the run history lease covers it.
		fmt.Fprintf(w, "%s lock %s: held by run lease\n", r.timestamp(), step.Path)
		return nil

	case deployment.StepMarker:
		fmt.Fprintf(w, "%s %s\n", r.timestamp(), step.Message)
		return nil

	case deployment.StepStopContainer:
		err := r.docker.StopContainer(ctx, step.Container, &r.stopTimeout)
		if IsAbsent(err) {
			fmt.Fprintf(w, "%s stop %s: not running\n", r.timestamp(), step.Container)
			return nil
		}
		return err

	case deployment.StepRemoveContainer:
		err := r.docker.RemoveContainer(ctx, step.Container, RemoveOptions{})
		if errors.Is(err, ErrContainerNotFound) {
			fmt.Fprintf(w, "%s rm %s: not found\n", r.timestamp(), step.Container)
			return nil
		}
		return err

	case deployment.StepPruneImages:
		return r.pruneImages(ctx, step, w)

	case deployment.StepRegistryLogin:
		if r.creds == nil {
			return nil
		}
		c, err := r.creds.RegistryCredentials(ctx)
		if err != nil {
			return err
		}
		*creds = c
		fmt.Fprintf(w, "%s login %s: ok\n", r.timestamp(), c.ServerAddress)
		return nil

	case deployment.StepEnsureNetwork:
		_, err := r.docker.CreateNetwork(ctx, step.Network)
		if errors.Is(err, ErrNetworkAlreadyExists) {
			return nil
		}
		return err

	case deployment.StepPullImage:
		if err := r.docker.PullImage(ctx, step.Image, *creds); err != nil {
			return err
		}
		fmt.Fprintf(w, "%s pulled %s\n", r.timestamp(), step.Image)
		return nil

	case deployment.StepRunContainer:
		return r.runContainer(ctx, step, w)

	default:
		return fmt.Errorf("unknown step kind %q", step.Kind)
	}
}

func (r *ProcedureRunner) pruneImages(ctx context.Context, step deployment.Step, w io.Writer) error {
	refs, err := r.docker.ListImages(ctx, step.Repository)
	if err != nil {
		return err
	}
	for _, ref := range refs {
		if ref == step.Image {
			continue
		}
		if err := r.docker.RemoveImage(ctx, ref); err != nil {
			// Busy or already removed images stay; this never fails the step.
			fmt.Fprintf(w, "%s rmi %s: %v\n", r.timestamp(), ref, err)
			continue
		}
		fmt.Fprintf(w, "%s rmi %s: removed\n", r.timestamp(), ref)
	}
	return nil
}

func (r *ProcedureRunner) runContainer(ctx context.Context, step deployment.Step, w io.Writer) error {
	if step.Run == nil {
		return fmt.Errorf("run step for %s has no container plan", step.Container)
	}

	id, err := r.docker.CreateContainer(ctx, SpecFromPlan(*step.Run))
	if err != nil {
		return err
	}
	if err := r.docker.StartContainer(ctx, id); err != nil {
		return err
	}

	info, err := r.docker.InspectContainer(ctx, id)
	if err != nil {
		r.logger.Warn("failed to inspect started container", "container_id", id, "error", err)
		fmt.Fprintf(w, "%s started %s (%s)\n", r.timestamp(), step.Container, id)
		return nil
	}
	fmt.Fprintf(w, "%s started %s (%s) status=%s\n", r.timestamp(), info.Name, id, info.Status)
	return nil
}

func (r *ProcedureRunner) timestamp() string {
	return r.now().UTC().Format(time.RFC3339)
}
