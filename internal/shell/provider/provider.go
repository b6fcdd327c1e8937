// Package provider implements the cloud identity and inventory clients the deployer needs.
// This is part of the Imperative Shell - handles I/O with cloud APIs.
package provider

import (
	"context"
	"errors"

	"github.com/artpar/deployer/internal/core/deployment"
)

var (
	// ErrInstanceNotFound is returned when the target instance does not exist.
	ErrInstanceNotFound = errors.New("instance not found")

	// ErrNoAuthorizationData is returned when the registry returns no token.
	ErrNoAuthorizationData = errors.New("registry returned no authorization data")
)

// InstanceStateRunning is the only state in which commands can be dispatched.
const InstanceStateRunning = "running"

// Instance describes a target host as reported by the cloud inventory.
type Instance struct {
	ID        string
	State     string
	Platform  string
	PrivateIP string
	PublicIP  string
}

// Running reports whether the instance can accept commands.
func (i Instance) Running() bool {
	return i.State == InstanceStateRunning
}

// RegistryAuthenticator issues short-lived registry credentials.
type RegistryAuthenticator interface {
	RegistryCredentials(ctx context.Context) (deployment.RegistryCredentials, error)
}

// TargetResolver looks up a target host by id.
type TargetResolver interface {
	DescribeTarget(ctx context.Context, instanceID string) (*Instance, error)
}
