package deployment

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// Error Kinds
// =============================================================================

var (
	// ErrConfiguration is returned when a required configuration value is missing or invalid.
	ErrConfiguration = errors.New("configuration error")

	// ErrBuild is returned when the container image cannot be built.
	ErrBuild = errors.New("image build failed")

	// ErrAuth is returned when registry credentials cannot be obtained.
	ErrAuth = errors.New("registry authentication failed")

	// ErrPush is returned when an image upload fails.
	ErrPush = errors.New("image push failed")

	// ErrDispatch is returned when the remote command could not be submitted.
	ErrDispatch = errors.New("remote dispatch failed")

	// ErrRemoteExecution is returned when the remote command sequence exits non-zero.
	ErrRemoteExecution = errors.New("remote execution failed")

	// ErrDependencyTimeout is returned when a call to the registry or the
	// remote execution channel exceeds its bound. It is never retried.
	ErrDependencyTimeout = errors.New("dependency timeout")

	// ErrDeploymentLocked is returned when another run holds the target container.
	ErrDeploymentLocked = errors.New("deployment already in progress for target")
)

// =============================================================================
// ConfigurationError
// =============================================================================

// ConfigurationError names every required key that is missing or invalid.
type ConfigurationError struct {
	Missing []string
	Invalid map[string]string // key -> reason
}

func (e *ConfigurationError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing required configuration: "+strings.Join(e.Missing, ", "))
	}
	for _, key := range sortedKeys(e.Invalid) {
		parts = append(parts, fmt.Sprintf("invalid %s: %s", key, e.Invalid[key]))
	}
	if len(parts) == 0 {
		return ErrConfiguration.Error()
	}
	return strings.Join(parts, "; ")
}

func (e *ConfigurationError) Unwrap() error {
	return ErrConfiguration
}

// =============================================================================
// StageError
// =============================================================================

// StageError reports which stage of a run failed and why.
// Err is one of the error kinds above; Cause is the underlying error, if any.
type StageError struct {
	Stage   Stage
	Op      string
	Message string
	Err     error
	Cause   error
}

func (e *StageError) Error() string {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s %s: %s", e.Stage, e.Op, e.Err, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Stage, e.Err, msg)
}

func (e *StageError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

// NewStageError creates a StageError. If cause is a context deadline, the
// kind is replaced with ErrDependencyTimeout.
func NewStageError(stage Stage, op string, kind error, cause error) *StageError {
	if cause != nil && errors.Is(cause, context.DeadlineExceeded) {
		kind = ErrDependencyTimeout
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return &StageError{
		Stage:   stage,
		Op:      op,
		Message: msg,
		Err:     kind,
		Cause:   cause,
	}
}

// FailedStage returns the stage recorded in err, or "" if err carries none.
func FailedStage(err error) Stage {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	var ce *ConfigurationError
	if errors.As(err, &ce) {
		return StageValidating
	}
	return ""
}

// =============================================================================
// RemoteError
// =============================================================================

// RemoteError describes a command sequence that ran on the target but did not succeed.
type RemoteError struct {
	Status     string
	ExitCode   int
	FailedStep StepKind
	Output     string
	Err        error
}

func (e *RemoteError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "remote status %s, exit code %d", e.Status, e.ExitCode)
	if e.FailedStep != "" {
		fmt.Fprintf(&b, ", failed step %s", e.FailedStep)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if e.Output != "" {
		fmt.Fprintf(&b, ": %s", e.Output)
	}
	return b.String()
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}
