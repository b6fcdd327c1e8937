package deployment

import (
	"fmt"
	"strconv"
)

// =============================================================================
// Steps
// =============================================================================

// StepKind identifies one action of the remote deployment procedure.
type StepKind string

const (
	StepLock            StepKind = "lock"
	StepMarker          StepKind = "marker"
	StepStopContainer   StepKind = "stop"
	StepRemoveContainer StepKind = "remove"
	StepPruneImages     StepKind = "prune-images"
	StepRegistryLogin   StepKind = "registry-login"
	StepEnsureNetwork   StepKind = "ensure-network"
	StepPullImage       StepKind = "pull"
	StepRunContainer    StepKind = "run"
)

// FailurePolicy decides whether a failed step aborts the procedure.
type FailurePolicy string

const (
	// BestEffort failures are logged and the procedure continues.
	BestEffort FailurePolicy = "best-effort"
	// Fatal failures abort the procedure.
	Fatal FailurePolicy = "fatal"
)

// Step is one action of the procedure. Command steps carry an argv in Args;
// the typed fields are what non-shell executors act on.
type Step struct {
	Kind   StepKind      `yaml:"kind"`
	Policy FailurePolicy `yaml:"policy"`
	Args   []string      `yaml:"args,omitempty"`

	Container  string         `yaml:"container,omitempty"`
	Image      string         `yaml:"image,omitempty"`
	Repository string         `yaml:"repository,omitempty"`
	Registry   string         `yaml:"registry,omitempty"`
	Region     string         `yaml:"region,omitempty"`
	Network    string         `yaml:"network,omitempty"`
	Message    string         `yaml:"message,omitempty"`
	Path       string         `yaml:"path,omitempty"`
	Run        *ContainerPlan `yaml:"run,omitempty"`
}

// StageForStep maps a step to the remote stage it belongs to.
func StageForStep(kind StepKind) Stage {
	switch kind {
	case StepPullImage:
		return StagePulling
	case StepRunContainer:
		return StageStarting
	default:
		return StageRemoteCleanup
	}
}

// =============================================================================
// Script
// =============================================================================

// Script is the ordered command sequence sent to the target host.
// It is built once per run and is not modified afterwards.
type Script struct {
	steps   []Step
	logFile string
}

// NewScript creates a script from steps. The slice is copied.
func NewScript(logFile string, steps ...Step) Script {
	s := make([]Step, len(steps))
	copy(s, steps)
	return Script{steps: s, logFile: logFile}
}

// Steps returns a copy of the steps in order.
func (s Script) Steps() []Step {
	out := make([]Step, len(s.steps))
	copy(out, s.steps)
	return out
}

// LogFile returns the remote path every step appends to.
func (s Script) LogFile() string {
	return s.logFile
}

// Len returns the number of steps.
func (s Script) Len() int {
	return len(s.steps)
}

// =============================================================================
// Procedure
// =============================================================================

// BuildContainerPlan returns the container started on the target host.
func BuildContainerPlan(cfg DeploymentConfig) ContainerPlan {
	plan := ContainerPlan{
		Name:  cfg.ContainerName,
		Image: cfg.DeployImage(),
		Env: []EnvVar{
			{Name: "PORT", Value: strconv.Itoa(cfg.Port)},
			{Name: "DATABASE_URL", Value: cfg.DatabaseURL},
		},
		Ports: []PortPlan{
			{ContainerPort: cfg.Port, HostPort: cfg.Port, Protocol: "tcp"},
		},
		RestartPolicy: RestartUnlessStopped,
	}
	if cfg.UseDockerNetwork {
		plan.Network = cfg.NetworkName
	}
	return plan
}

// RunArgs returns the docker run argv for a container plan.
func RunArgs(plan ContainerPlan) []string {
	args := []string{"docker", "run", "-d", "--name", plan.Name}
	if plan.RestartPolicy.Name != "" {
		args = append(args, "--restart", plan.RestartPolicy.Name)
	}
	for _, p := range plan.Ports {
		args = append(args, "-p", fmt.Sprintf("%d:%d", p.HostPort, p.ContainerPort))
	}
	for _, e := range plan.Env {
		args = append(args, "-e", e.Name+"="+e.Value)
	}
	if plan.Network != "" {
		args = append(args, "--network", plan.Network)
	}
	return append(args, plan.Image)
}

// BuildProcedure returns the remote deployment procedure for cfg.
//
// Order: lock, start marker, stop, remove, prune stale images, registry
// login, network, pull, run, completion marker. Everything before pull is
// best effort; pull and run are fatal.
func BuildProcedure(cfg DeploymentConfig) Script {
	image := cfg.DeployImage()
	plan := BuildContainerPlan(cfg)

	var steps []Step
	if cfg.LockFile != "" {
		steps = append(steps, Step{
			Kind:   StepLock,
			Policy: Fatal,
			Path:   cfg.LockFile,
		})
	}

	steps = append(steps,
		Step{
			Kind:    StepMarker,
			Policy:  BestEffort,
			Message: fmt.Sprintf("deployment of %s to %s started", image, cfg.ContainerName),
		},
		Step{
			Kind:      StepStopContainer,
			Policy:    BestEffort,
			Container: cfg.ContainerName,
			Args:      []string{"docker", "stop", cfg.ContainerName},
		},
		Step{
			Kind:      StepRemoveContainer,
			Policy:    BestEffort,
			Container: cfg.ContainerName,
			Args:      []string{"docker", "rm", cfg.ContainerName},
		},
		Step{
			Kind:       StepPruneImages,
			Policy:     BestEffort,
			Repository: cfg.Repo(),
			Image:      image,
		},
		Step{
			Kind:     StepRegistryLogin,
			Policy:   BestEffort,
			Registry: cfg.Registry,
			Region:   cfg.Region,
		},
	)

	if cfg.UseDockerNetwork {
		steps = append(steps, Step{
			Kind:    StepEnsureNetwork,
			Policy:  BestEffort,
			Network: cfg.NetworkName,
		})
	}

	steps = append(steps,
		Step{
			Kind:   StepPullImage,
			Policy: Fatal,
			Image:  image,
			Args:   []string{"docker", "pull", image},
		},
		Step{
			Kind:      StepRunContainer,
			Policy:    Fatal,
			Container: cfg.ContainerName,
			Image:     image,
			Run:       &plan,
			Args:      RunArgs(plan),
		},
		Step{
			Kind:    StepMarker,
			Policy:  BestEffort,
			Message: fmt.Sprintf("deployment of %s to %s completed", image, cfg.ContainerName),
		},
	)

	return NewScript(cfg.LogFile, steps...)
}
