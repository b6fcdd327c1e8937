// Package remote dispatches a deployment script to a target host and waits for it to finish.
// Executors are transport only; they never interpret step semantics beyond the
// failed-step marker the rendered script prints.
package remote

import (
	"context"

	"github.com/artpar/deployer/internal/core/deployment"
	"github.com/artpar/deployer/internal/shell/docker"
)

// Executor runs a script on a target host.
type Executor interface {
	Execute(ctx context.Context, target string, script deployment.Script) (*deployment.ExecutionOutput, error)
}

// The local Docker executor applies the same script through the SDK.
var _ Executor = (*docker.ProcedureRunner)(nil)

// outputTailLines bounds the output carried in errors.
const outputTailLines = 20

// failure builds the error for a command that ran but did not succeed.
// The stage comes from the failed-step marker; an unmarked failure is
// attributed to remote cleanup.
func failure(kind error, status string, exitCode int, stdout, stderr string, cause error) *deployment.StageError {
	combined := stdout
	if stderr != "" {
		combined += "\n" + stderr
	}
	step := deployment.ParseFailedStep(combined)

	return deployment.NewStageError(
		deployment.StageForStep(step),
		"execute",
		kind,
		&deployment.RemoteError{
			Status:     status,
			ExitCode:   exitCode,
			FailedStep: step,
			Output:     deployment.Tail(combined, outputTailLines),
			Err:        cause,
		},
	)
}
