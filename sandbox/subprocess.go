// Package sandbox provides isolated execution of user-supplied Python code.
//
// The SubprocessRunner runs code as a child process of the host inside a
// private temporary directory and virtual environment. It does not restrict
// network access: the allowNetwork flag is accepted for symmetry with the
// ContainerRunner but has no effect here.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultInterpreter creates the virtual environment of a SubprocessRunner.
const DefaultInterpreter = "python3"

// DefaultSubprocessInstallCommand installs one specifier into the virtual environment.
var DefaultSubprocessInstallCommand = []string{"{python}", "-m", "pip", "install", "--quiet", "--disable-pip-version-check"}

// SubprocessRunner implements Runner with a local child process.
type SubprocessRunner struct {
	logger    *zap.Logger
	opts      SubprocessOptions
	cmdRunner CommandRunner
	fs        FileSystem

	prepared bool
	dir      string
	python   string
	runs     int
}

// SubprocessRunnerOption defines a functional option for SubprocessRunner
type SubprocessRunnerOption func(*SubprocessRunner)

// WithSubprocessCommandRunner sets the CommandRunner for SubprocessRunner
func WithSubprocessCommandRunner(cmdRunner CommandRunner) SubprocessRunnerOption {
	return func(r *SubprocessRunner) {
		r.cmdRunner = cmdRunner
	}
}

// WithSubprocessFileSystem sets the FileSystem for SubprocessRunner
func WithSubprocessFileSystem(fs FileSystem) SubprocessRunnerOption {
	return func(r *SubprocessRunner) {
		r.fs = fs
	}
}

// NewSubprocessRunner creates a new SubprocessRunner with default implementations and optional interfaces
func NewSubprocessRunner(logger *zap.Logger, opts SubprocessOptions, runnerOpts ...SubprocessRunnerOption) *SubprocessRunner {
	if opts.Interpreter == "" {
		opts.Interpreter = DefaultInterpreter
	}
	if len(opts.InstallCommand) == 0 {
		opts.InstallCommand = DefaultSubprocessInstallCommand
	}

	r := &SubprocessRunner{
		logger:    logger.With(zap.String("runner", string(RunnerSubprocess))),
		opts:      opts,
		cmdRunner: &RealCommandRunner{},
		fs:        &RealFileSystem{},
	}

	for _, opt := range runnerOpts {
		opt(r)
	}

	return r
}

// Prepare creates the working directory and its virtual environment.
func (r *SubprocessRunner) Prepare(ctx context.Context) error {
	if r.prepared {
		return ErrAlreadyPrepared
	}
	r.prepared = true

	dir, err := r.fs.MkdirTemp("", "pysandbox-*")
	if err != nil {
		return fmt.Errorf("failed to create temp dir: %w", err)
	}
	r.dir = dir

	venvDir := filepath.Join(dir, "venv")
	start := time.Now()
	_, stderr, exitCode, err := r.cmdRunner.RunCommand(ctx, Command{
		Args: []string{r.opts.Interpreter, "-m", "venv", venvDir},
		Dir:  dir,
	})
	if err != nil {
		return fmt.Errorf("failed to create virtual environment: %w", err)
	}
	if exitCode != 0 {
		return fmt.Errorf("failed to create virtual environment (exit code %d): %s", exitCode, strings.TrimSpace(stderr))
	}

	r.python = venvPython(venvDir)
	r.logger.Info("subprocess environment prepared",
		zap.String("dir", dir),
		zap.Duration("elapsed", time.Since(start)))

	return nil
}

func venvPython(venvDir string) string {
	if runtime.GOOS == "windows" {
		return filepath.Join(venvDir, "Scripts", "python.exe")
	}
	return filepath.Join(venvDir, "bin", "python")
}

// InstallDependencies installs each spec into the virtual environment using the host environment.
func (r *SubprocessRunner) InstallDependencies(ctx context.Context, specs []DependencySpec) error {
	if r.python == "" {
		return ErrNotPrepared
	}

	for _, spec := range specs {
		args := installArgs(r.opts.InstallCommand, r.python, spec)
		r.logger.Info("installing dependency", zap.String("specifier", spec.Specifier()))

		_, stderr, exitCode, err := r.cmdRunner.RunCommand(ctx, Command{Args: args, Dir: r.dir})
		if err != nil {
			return &DependencyInstallError{Spec: spec, Message: err.Error()}
		}
		if exitCode != 0 {
			return &DependencyInstallError{Spec: spec, Message: installFailureMessage(stderr, exitCode)}
		}
	}

	return nil
}

// installArgs expands the install command template for spec.
func installArgs(template []string, python string, spec DependencySpec) []string {
	args := make([]string, 0, len(template)+1)
	for _, arg := range template {
		args = append(args, strings.ReplaceAll(arg, "{python}", python))
	}
	return append(args, spec.Specifier())
}

func installFailureMessage(stderr string, exitCode int) string {
	if msg := strings.TrimSpace(stderr); msg != "" {
		return msg
	}
	return fmt.Sprintf("installer exited with status %d", exitCode)
}

// Execute runs the harness with exactly env as its environment. allowNetwork
// is not enforced by this backend.
func (r *SubprocessRunner) Execute(ctx context.Context, h Harness, timeout time.Duration, env map[string]string, _ bool) ExecutionOutcome {
	if r.python == "" {
		return ExecutionOutcome{LaunchFailed: true, LaunchMessage: ErrNotPrepared.Error()}
	}

	r.runs++
	path := filepath.Join(r.dir, harnessFileName(r.runs))
	if err := r.fs.WriteFile(path, []byte(h.Source), FilePermission); err != nil {
		return ExecutionOutcome{LaunchFailed: true, LaunchMessage: fmt.Sprintf("failed to write harness: %v", err)}
	}
	defer func() {
		if err := r.fs.RemoveAll(path); err != nil {
			r.logger.Warn("failed to remove harness file", zap.String("path", path), zap.Error(err))
		}
	}()

	ctxWithTimeout, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	r.logger.Debug("executing harness",
		zap.String("mode", h.Mode.String()),
		zap.Duration("timeout", timeout),
		zap.Int("env_vars", len(env)))

	stdout, stderr, exitCode, err := r.cmdRunner.RunCommand(ctxWithTimeout, Command{
		Args: r.pythonArgs(path),
		Dir:  r.dir,
		Env:  envList(env),
	})

	switch {
	case errors.Is(ctxWithTimeout.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		r.logger.Info("execution timed out", zap.Duration("timeout", timeout))
		return ExecutionOutcome{ExitCode: -1, Stdout: stdout, Stderr: stderr, TimedOut: true}
	case ctx.Err() != nil:
		return ExecutionOutcome{LaunchFailed: true, LaunchMessage: fmt.Sprintf("execution cancelled: %v", ctx.Err())}
	case err != nil:
		return ExecutionOutcome{LaunchFailed: true, LaunchMessage: fmt.Sprintf("failed to launch process: %v", err)}
	}

	return ExecutionOutcome{ExitCode: exitCode, Stdout: stdout, Stderr: stderr}
}

// pythonArgs builds the interpreter command line, wrapped in a shell that
// applies ulimits when resource limits are configured.
func (r *SubprocessRunner) pythonArgs(path string) []string {
	args := []string{r.python, "-u", path}

	var limits []string
	if r.opts.CPUTimeLimitSec > 0 {
		limits = append(limits, fmt.Sprintf("ulimit -t %d", r.opts.CPUTimeLimitSec))
	}
	if r.opts.MemoryLimitMB > 0 {
		limits = append(limits, fmt.Sprintf("ulimit -v %d", r.opts.MemoryLimitMB*1024))
	}
	if len(limits) == 0 {
		return args
	}

	script := strings.Join(limits, " && ") + ` && exec "$@"`
	return append([]string{"/bin/sh", "-c", script, "sh"}, args...)
}

// Teardown removes the working directory and everything in it.
func (r *SubprocessRunner) Teardown(_ context.Context) {
	if r.dir == "" {
		return
	}

	if err := r.fs.RemoveAll(r.dir); err != nil {
		r.logger.Error("failed to remove temp directory", zap.String("path", r.dir), zap.Error(err))
		return
	}

	r.logger.Info("subprocess environment removed", zap.String("dir", r.dir))
	r.dir = ""
	r.python = ""
}
