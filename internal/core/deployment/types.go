package deployment

import (
	"time"
)

// =============================================================================
// Container Plan Types
// =============================================================================

// ContainerPlan represents the container started by the procedure.
// This is the pure output of planning, ready for an executor to apply.
type ContainerPlan struct {
	Name          string            `yaml:"name"`
	Image         string            `yaml:"image"`
	Env           []EnvVar          `yaml:"env"` // ordered, so rendered commands are stable
	Ports         []PortPlan        `yaml:"ports"`
	Network       string            `yaml:"network,omitempty"`
	RestartPolicy RestartPolicyPlan `yaml:"restart_policy"`
}

// EnvVar is a single environment variable.
type EnvVar struct {
	Name  string `yaml:"name"`
	Value string `yaml:"value"`
}

// PortPlan represents a planned port binding.
type PortPlan struct {
	ContainerPort int    `yaml:"container_port"`
	HostPort      int    `yaml:"host_port"`
	Protocol      string `yaml:"protocol"`
}

// RestartPolicyPlan represents a restart policy.
type RestartPolicyPlan struct {
	Name string `yaml:"name"` // "no", "always", "on-failure", "unless-stopped"
}

// RestartUnlessStopped restarts the container always, unless it was stopped manually.
var RestartUnlessStopped = RestartPolicyPlan{Name: "unless-stopped"}

// =============================================================================
// Registry Credentials
// =============================================================================

// RegistryCredentials are short-lived credentials for the image registry.
type RegistryCredentials struct {
	Username      string
	Password      string
	ServerAddress string
	ExpiresAt     time.Time
}

// =============================================================================
// Execution Output
// =============================================================================

// ExecutionOutput is what a transport reports back after running a script.
type ExecutionOutput struct {
	CommandID string
	Status    string
	ExitCode  int
	Stdout    string
	Stderr    string
}

// =============================================================================
// Result
// =============================================================================

// Status is the outcome of a run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Exit codes reported by a run.
const (
	ExitSuccess = 0
	ExitFailure = 1
)

// Result is the terminal record of one deployment run. It is never retried.
type Result struct {
	ID            string
	Target        string
	ContainerName string
	Image         string
	ContentTag    string
	BranchTag     string
	Status        Status
	Stage         Stage
	FailedStage   Stage
	ExitCode      int
	Error         string
	Logs          []string
	StartedAt     time.Time
	FinishedAt    *time.Time
}

// NewResult starts a result for the given configuration.
func NewResult(id string, cfg DeploymentConfig, now time.Time) *Result {
	return &Result{
		ID:            id,
		Target:        cfg.TargetHost,
		ContainerName: cfg.ContainerName,
		Image:         cfg.DeployImage(),
		ContentTag:    cfg.ContentTag,
		BranchTag:     BranchLatestTag(cfg.Branch),
		Status:        StatusRunning,
		Stage:         StageValidating,
		StartedAt:     now,
	}
}

// Succeed marks the result successful.
func (r *Result) Succeed(now time.Time) {
	r.Status = StatusSucceeded
	r.Stage = StageDone
	r.ExitCode = ExitSuccess
	r.FinishedAt = &now
}

// Fail marks the result failed in the given stage.
func (r *Result) Fail(stage Stage, err error, now time.Time) {
	r.Status = StatusFailed
	r.Stage = StageFailed
	r.FailedStage = stage
	r.ExitCode = ExitFailure
	if err != nil {
		r.Error = err.Error()
	}
	r.FinishedAt = &now
}

// Duration returns how long the run took, or zero while it is running.
func (r *Result) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}
