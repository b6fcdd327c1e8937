// Package deployment provides pure functions for deployment planning.
//
// This package contains the functional core of the deployer: configuration
// validation, image naming, the per-run stage machine, the error taxonomy
// and the remote deployment procedure. All functions are pure (no I/O, no
// side effects).
//
// # Functions
//
//   - Validation: Check required configuration (ValidateRequired, Validate)
//   - Naming: Build image references and tags (ImageRef, BranchLatestTag)
//   - Stages: Track a run through the state machine (Tracker, CanTransition)
//   - Procedure: Build the remote command sequence (BuildProcedure)
//   - Rendering: Turn a procedure into quoted shell text (Render)
//
// # Usage
//
// The imperative shell (internal/shell/...) builds the procedure once and
// hands it to an executor, which either renders it for a shell transport or
// applies it step by step against a Docker daemon.
//
//	if err := deployment.Validate(cfg); err != nil {
//		return err
//	}
//	script := deployment.BuildProcedure(cfg)
//	text := deployment.Render(script)
package deployment
