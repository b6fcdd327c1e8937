// Package publish builds the application image and uploads it to the registry.
package publish

import (
	"context"
	"log/slog"
	"time"

	"github.com/artpar/deployer/internal/core/deployment"
	"github.com/artpar/deployer/internal/shell/docker"
	"github.com/artpar/deployer/internal/shell/provider"
)

// Request describes one image to build and publish.
type Request struct {
	ContextDir string
	Dockerfile string
	ContentRef string // <registry>/<repository>:<content tag>
	BranchRef  string // <registry>/<repository>:<branch>-latest
	BuildArgs  map[string]string
	Platform   string
	NoCache    bool
}

// NewRequest derives the two image references from cfg.
func NewRequest(cfg deployment.DeploymentConfig, contextDir, dockerfile string) Request {
	return Request{
		ContextDir: contextDir,
		Dockerfile: dockerfile,
		ContentRef: cfg.ContentImage(),
		BranchRef:  cfg.BranchImage(),
	}
}

// Options bounds the registry and daemon calls.
type Options struct {
	BuildTimeout time.Duration
	PushTimeout  time.Duration
}

// Publisher builds images with the Docker daemon and pushes them to the registry.
type Publisher struct {
	docker docker.Client
	auth   provider.RegistryAuthenticator
	opts   Options
	logger *slog.Logger
}

// NewPublisher creates a publisher.
func NewPublisher(client docker.Client, auth provider.RegistryAuthenticator, opts Options, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		docker: client,
		auth:   auth,
		opts:   opts,
		logger: logger.With("component", "publisher"),
	}
}

// Build builds the image from the request's context, tagged with the content ref.
func (p *Publisher) Build(ctx context.Context, req Request) error {
	ctx, cancel := withTimeout(ctx, p.opts.BuildTimeout)
	defer cancel()

	p.logger.Info("building image", "context", req.ContextDir, "ref", req.ContentRef)
	start := time.Now()

	err := p.docker.BuildImage(ctx, docker.BuildSpec{
		ContextDir: req.ContextDir,
		Dockerfile: req.Dockerfile,
		Tags:       []string{req.ContentRef},
		BuildArgs:  req.BuildArgs,
		Labels:     map[string]string{docker.LabelManaged: "true"},
		Platform:   req.Platform,
		NoCache:    req.NoCache,
	})
	if err != nil {
		return deployment.NewStageError(deployment.StageBuilding, "build", deployment.ErrBuild, err)
	}

	p.logger.Info("image built", "ref", req.ContentRef, "duration", time.Since(start))
	return nil
}

// Push obtains registry credentials, pushes the content ref, then tags and
// pushes the branch ref. A failure on the branch ref leaves the content ref
// in the registry.
func (p *Publisher) Push(ctx context.Context, req Request) error {
	ctx, cancel := withTimeout(ctx, p.opts.PushTimeout)
	defer cancel()

	creds, err := p.auth.RegistryCredentials(ctx)
	if err != nil {
		return deployment.NewStageError(deployment.StagePushing, "authenticate", deployment.ErrAuth, err)
	}

	if err := p.docker.PushImage(ctx, req.ContentRef, creds); err != nil {
		return deployment.NewStageError(deployment.StagePushing, "push "+req.ContentRef, deployment.ErrPush, err)
	}
	p.logger.Info("pushed image", "ref", req.ContentRef)

	if req.BranchRef == "" || req.BranchRef == req.ContentRef {
		return nil
	}

	if err := p.docker.TagImage(ctx, req.ContentRef, req.BranchRef); err != nil {
		return deployment.NewStageError(deployment.StagePushing, "tag "+req.BranchRef, deployment.ErrPush, err)
	}
	if err := p.docker.PushImage(ctx, req.BranchRef, creds); err != nil {
		return deployment.NewStageError(deployment.StagePushing, "push "+req.BranchRef, deployment.ErrPush, err)
	}
	p.logger.Info("pushed image", "ref", req.BranchRef)
	return nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
