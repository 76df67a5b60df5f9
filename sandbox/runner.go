package sandbox

import (
	"context"
	"fmt"
	"time"
)

// Runner owns one isolated execution environment. Implementations are not safe
// for concurrent Execute calls; the Sandbox facade serializes them.
type Runner interface {
	// Prepare creates the isolated environment. Calling it twice is an error.
	Prepare(ctx context.Context) error
	// InstallDependencies installs specs in order and stops at the first failure
	// with a *DependencyInstallError. Installation always has network access.
	InstallDependencies(ctx context.Context, specs []DependencySpec) error
	// Execute runs the harness and reports raw output and status flags without interpreting them.
	Execute(ctx context.Context, h Harness, timeout time.Duration, env map[string]string, allowNetwork bool) ExecutionOutcome
	// Teardown releases every resource held by the runner. It never fails; problems are logged.
	Teardown(ctx context.Context)
}

// RunnerKind selects the isolation backend.
type RunnerKind string

const (
	RunnerSubprocess RunnerKind = "subprocess"
	RunnerContainer  RunnerKind = "container"
)

// ParseRunnerKind validates a backend name coming from configuration.
func ParseRunnerKind(s string) (RunnerKind, error) {
	switch k := RunnerKind(s); k {
	case RunnerSubprocess, RunnerContainer:
		return k, nil
	default:
		return "", fmt.Errorf("unsupported runner kind %q, must be %q or %q", s, RunnerSubprocess, RunnerContainer)
	}
}

// harnessFileName names the n-th harness written into a runner's environment.
func harnessFileName(n int) string {
	return fmt.Sprintf("harness_%d.py", n)
}
