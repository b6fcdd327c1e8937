package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/artpar/deployer/internal/core/deployment"
	"github.com/artpar/deployer/internal/shell/orchestrator"
	"github.com/artpar/deployer/internal/shell/store"
)

// redacted replaces secret values in plan output.
const redacted = "<redacted>"

// =============================================================================
// deploy
// =============================================================================

func deployCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "deploy",
		Short: "Build, push and redeploy the image on the target host",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(root.configPath)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return runDeploy(ctx, a, cmd.OutOrStdout())
		},
	}
}

func runDeploy(ctx context.Context, a *app, out io.Writer) error {
	cfg := a.cfg.DeploymentConfig()

	// Nothing is contacted until the configuration is complete.
	if _, err := orchestrator.Plan(cfg); err != nil {
		return fmt.Errorf("deployment failed at stage %s: %w", deployment.StageValidating, err)
	}

	orc, err := a.newOrchestrator(ctx)
	if err != nil {
		return err
	}

	a.logger.Info("starting deployment",
		"version", Version,
		"target", cfg.TargetHost,
		"image", cfg.DeployImage(),
		"executor", a.cfg.Target.Executor,
	)

	result, runErr := orc.Run(ctx, cfg)
	for _, line := range result.Logs {
		fmt.Fprintln(out, line)
	}
	if runErr != nil {
		return fmt.Errorf("deployment %s failed at stage %s: %w", result.ID, result.FailedStage, runErr)
	}

	fmt.Fprintf(out, "deployed %s to %s (run %s, %s)\n",
		result.Image, result.Target, result.ID, result.Duration().Round(time.Millisecond))
	return nil
}

// =============================================================================
// plan
// =============================================================================

type planOptions struct {
	format      string
	showSecrets bool
}

// planDocument is the YAML form of a procedure.
type planDocument struct {
	Target  string            `yaml:"target"`
	Image   string            `yaml:"image"`
	LogFile string            `yaml:"log_file"`
	Steps   []deployment.Step `yaml:"steps"`
}

func planCmd(root *rootOptions) *cobra.Command {
	opts := &planOptions{}

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Validate the configuration and print the remote procedure",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(root.configPath)
			if err != nil {
				return err
			}
			defer a.close()
			return runPlan(a.cfg.DeploymentConfig(), opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&opts.format, "format", "f", "yaml", "Output format: yaml or shell")
	cmd.Flags().BoolVar(&opts.showSecrets, "show-secrets", false, "Print the database URL instead of redacting it")
	return cmd
}

func runPlan(cfg deployment.DeploymentConfig, opts *planOptions, out io.Writer) error {
	if opts.format != "yaml" && opts.format != "shell" {
		return &usageError{err: fmt.Errorf("unknown format %q (want yaml or shell)", opts.format)}
	}
	if !opts.showSecrets && cfg.DatabaseURL != "" {
		cfg.DatabaseURL = redacted
	}

	script, err := orchestrator.Plan(cfg)
	if err != nil {
		return err
	}

	if opts.format == "shell" {
		_, err := io.WriteString(out, deployment.Render(script))
		return err
	}

	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(planDocument{
		Target:  cfg.TargetHost,
		Image:   cfg.DeployImage(),
		LogFile: script.LogFile(),
		Steps:   script.Steps(),
	})
}

// =============================================================================
// history
// =============================================================================

type historyOptions struct {
	limit  int
	offset int
	target string
}

func historyCmd(root *rootOptions) *cobra.Command {
	opts := &historyOptions{}

	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "List recorded deployment runs, or show one run with its log",
		Args:  usageArgs(cobra.MaximumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(root.configPath)
			if err != nil {
				return err
			}
			defer a.close()

			if !a.cfg.History.Enabled {
				return &usageError{err: fmt.Errorf("run history is disabled (history.enabled=false)")}
			}
			hist, err := a.openHistory()
			if err != nil {
				return err
			}

			if len(args) == 1 {
				return showRun(cmd.Context(), hist, args[0], cmd.OutOrStdout())
			}
			return listRuns(cmd.Context(), hist, store.ListOptions{
				Limit:  opts.limit,
				Offset: opts.offset,
				Target: opts.target,
			}, cmd.OutOrStdout())
		},
	}

	cmd.Flags().IntVarP(&opts.limit, "limit", "n", 20, "Maximum number of runs")
	cmd.Flags().IntVar(&opts.offset, "offset", 0, "Number of runs to skip")
	cmd.Flags().StringVarP(&opts.target, "target", "t", "", "Only runs against this target host")
	return cmd
}

// runReader is the read side of the run history.
type runReader interface {
	GetRun(ctx context.Context, id string) (*deployment.Result, error)
	ListRuns(ctx context.Context, opts store.ListOptions) ([]deployment.Result, error)
}

func listRuns(ctx context.Context, runs runReader, opts store.ListOptions, out io.Writer) error {
	results, err := runs.ListRuns(ctx, opts.Normalize())
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTARTED\tTARGET\tIMAGE\tSTATUS\tSTAGE\tDURATION")
	for _, r := range results {
		stage := r.Stage
		if r.FailedStage != "" {
			stage = r.FailedStage
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID,
			r.StartedAt.UTC().Format(time.RFC3339),
			r.Target,
			r.Image,
			r.Status,
			stage,
			r.Duration().Round(time.Second),
		)
	}
	return tw.Flush()
}

func showRun(ctx context.Context, runs runReader, id string, out io.Writer) error {
	r, err := runs.GetRun(ctx, id)
	if err != nil {
		return fmt.Errorf("get run: %w", err)
	}

	fmt.Fprintf(out, "id:         %s\n", r.ID)
	fmt.Fprintf(out, "target:     %s\n", r.Target)
	fmt.Fprintf(out, "container:  %s\n", r.ContainerName)
	fmt.Fprintf(out, "image:      %s\n", r.Image)
	fmt.Fprintf(out, "status:     %s\n", r.Status)
	if r.FailedStage != "" {
		fmt.Fprintf(out, "failed in:  %s\n", r.FailedStage)
		fmt.Fprintf(out, "error:      %s\n", r.Error)
	}
	fmt.Fprintf(out, "exit code:  %d\n", r.ExitCode)
	fmt.Fprintf(out, "started:    %s\n", r.StartedAt.UTC().Format(time.RFC3339))
	if r.FinishedAt != nil {
		fmt.Fprintf(out, "finished:   %s (%s)\n", r.FinishedAt.UTC().Format(time.RFC3339), r.Duration().Round(time.Millisecond))
	}
	if len(r.Logs) > 0 {
		fmt.Fprintln(out, "log:")
		for _, line := range r.Logs {
			fmt.Fprintf(out, "  %s\n", line)
		}
	}
	return nil
}
