package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"

	"github.com/artpar/deployer/internal/core/deployment"
	"github.com/artpar/deployer/internal/shell/provider"
)

// RunShellScriptDocument is the SSM document that runs a list of shell lines.
const RunShellScriptDocument = "AWS-RunShellScript"

// SSMAPI is the subset of the SSM client used here.
type SSMAPI interface {
	SendCommand(ctx context.Context, params *ssm.SendCommandInput, optFns ...func(*ssm.Options)) (*ssm.SendCommandOutput, error)
	GetCommandInvocation(ctx context.Context, params *ssm.GetCommandInvocationInput, optFns ...func(*ssm.Options)) (*ssm.GetCommandInvocationOutput, error)
}

// SSMOptions configures the SSM executor.
type SSMOptions struct {
	Timeout      time.Duration // bound on dispatch plus wait
	PollInterval time.Duration
	Comment      string
}

// SSMExecutor runs scripts on EC2 instances through Systems Manager Run Command.
type SSMExecutor struct {
	api     SSMAPI
	targets provider.TargetResolver
	opts    SSMOptions
	logger  *slog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewSSMExecutor creates an SSM executor. targets may be nil to skip the instance check.
func NewSSMExecutor(api SSMAPI, targets provider.TargetResolver, opts SSMOptions, logger *slog.Logger) *SSMExecutor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.Comment == "" {
		opts.Comment = "deployer: redeploy container"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SSMExecutor{
		api:     api,
		targets: targets,
		opts:    opts,
		logger:  logger.With("executor", "ssm"),
		sleep:   sleepContext,
	}
}

// Execute sends the rendered script to the instance and waits for a terminal status.
func (e *SSMExecutor) Execute(ctx context.Context, target string, script deployment.Script) (*deployment.ExecutionOutput, error) {
	if e.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.Timeout)
		defer cancel()
	}

	if err := e.checkTarget(ctx, target); err != nil {
		return nil, err
	}

	commandID, err := e.send(ctx, target, script)
	if err != nil {
		return nil, err
	}

	logger := e.logger.With("command_id", commandID, "instance_id", target)
	logger.Info("command dispatched")

	return e.wait(ctx, logger, target, commandID)
}

func (e *SSMExecutor) checkTarget(ctx context.Context, target string) error {
	if e.targets == nil {
		return nil
	}
	inst, err := e.targets.DescribeTarget(ctx, target)
	if err != nil {
		return deployment.NewStageError(deployment.StageDispatching, "describe target", deployment.ErrDispatch, err)
	}
	if !inst.Running() {
		return &deployment.StageError{
			Stage:   deployment.StageDispatching,
			Op:      "describe target",
			Message: fmt.Sprintf("instance %s is %s", target, inst.State),
			Err:     deployment.ErrDispatch,
		}
	}
	return nil
}

func (e *SSMExecutor) send(ctx context.Context, target string, script deployment.Script) (string, error) {
	params := map[string][]string{
		"commands": deployment.RenderLines(script),
	}
	if deadline, ok := ctx.Deadline(); ok {
		if secs := int(time.Until(deadline).Seconds()); secs > 0 {
			params["executionTimeout"] = []string{strconv.Itoa(secs)}
		}
	}

	out, err := e.api.SendCommand(ctx, &ssm.SendCommandInput{
		DocumentName: aws.String(RunShellScriptDocument),
		InstanceIds:  []string{target},
		Parameters:   params,
		Comment:      aws.String(e.opts.Comment),
	})
	if err != nil {
		return "", deployment.NewStageError(deployment.StageDispatching, "send command", deployment.ErrDispatch, err)
	}
	if out.Command == nil || aws.ToString(out.Command.CommandId) == "" {
		return "", &deployment.StageError{
			Stage:   deployment.StageDispatching,
			Op:      "send command",
			Message: "no command id returned",
			Err:     deployment.ErrDispatch,
		}
	}
	return aws.ToString(out.Command.CommandId), nil
}

func (e *SSMExecutor) wait(ctx context.Context, logger *slog.Logger, target, commandID string) (*deployment.ExecutionOutput, error) {
	for {
		if err := e.sleep(ctx, e.opts.PollInterval); err != nil {
			return nil, deployment.NewStageError(deployment.StageRemoteCleanup, "wait for command "+commandID, deployment.ErrRemoteExecution, err)
		}

		inv, err := e.api.GetCommandInvocation(ctx, &ssm.GetCommandInvocationInput{
			CommandId:  aws.String(commandID),
			InstanceId: aws.String(target),
		})
		if err != nil {
			// The invocation is not visible immediately after SendCommand.
			var notYet *ssmtypes.InvocationDoesNotExist
			if errors.As(err, &notYet) {
				continue
			}
			return nil, deployment.NewStageError(deployment.StageRemoteCleanup, "get command invocation", deployment.ErrRemoteExecution, err)
		}

		out := &deployment.ExecutionOutput{
			CommandID: commandID,
			Status:    string(inv.Status),
			ExitCode:  int(inv.ResponseCode),
			Stdout:    aws.ToString(inv.StandardOutputContent),
			Stderr:    aws.ToString(inv.StandardErrorContent),
		}

		switch inv.Status {
		case ssmtypes.CommandInvocationStatusPending,
			ssmtypes.CommandInvocationStatusInProgress,
			ssmtypes.CommandInvocationStatusDelayed,
			ssmtypes.CommandInvocationStatusCancelling:
			logger.Debug("command in progress", "status", inv.Status)
			continue

		case ssmtypes.CommandInvocationStatusSuccess:
			logger.Info("command succeeded")
			return out, nil

		case ssmtypes.CommandInvocationStatusTimedOut:
			logger.Error("command timed out")
			return out, failure(deployment.ErrDependencyTimeout, out.Status, out.ExitCode, out.Stdout, out.Stderr, nil)

		default:
			logger.Error("command failed", "status", inv.Status, "exit_code", out.ExitCode)
			return out, failure(deployment.ErrRemoteExecution, out.Status, out.ExitCode, out.Stdout, out.Stderr, nil)
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
