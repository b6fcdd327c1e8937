package api

import (
	"time"

	"github.com/artpar/deployer/internal/core/deployment"
)

// =============================================================================
// Response Types
// =============================================================================

// RunResponse is the response for a single deployment run.
type RunResponse struct {
	ID            string     `json:"id"`
	Target        string     `json:"target"`
	ContainerName string     `json:"container_name"`
	Image         string     `json:"image"`
	ContentTag    string     `json:"content_tag"`
	BranchTag     string     `json:"branch_tag"`
	Status        string     `json:"status"`
	Stage         string     `json:"stage"`
	FailedStage   string     `json:"failed_stage,omitempty"`
	ExitCode      int        `json:"exit_code"`
	Error         string     `json:"error,omitempty"`
	Logs          []string   `json:"logs,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	DurationMS    int64      `json:"duration_ms,omitempty"`
}

// ListRunsResponse is the response for listing runs.
type ListRunsResponse struct {
	Runs   []RunResponse `json:"runs"`
	Total  int           `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// ErrorResponse is the error response format.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// HealthResponse is the health check response.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

// ReadyResponse is the readiness check response.
type ReadyResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func runToResponse(r *deployment.Result, withLogs bool) RunResponse {
	resp := RunResponse{
		ID:            r.ID,
		Target:        r.Target,
		ContainerName: r.ContainerName,
		Image:         r.Image,
		ContentTag:    r.ContentTag,
		BranchTag:     r.BranchTag,
		Status:        string(r.Status),
		Stage:         string(r.Stage),
		FailedStage:   string(r.FailedStage),
		ExitCode:      r.ExitCode,
		Error:         r.Error,
		StartedAt:     r.StartedAt,
		FinishedAt:    r.FinishedAt,
		DurationMS:    r.Duration().Milliseconds(),
	}
	if withLogs {
		resp.Logs = r.Logs
	}
	return resp
}
