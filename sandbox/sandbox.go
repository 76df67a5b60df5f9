// Package sandbox provides isolated execution of user-supplied Python code.
//
// A Sandbox is one session: it validates its configuration, prepares a single
// Runner, installs dependencies into it, serves Run and RunFunction calls and
// releases everything on Close.
package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// teardownTimeout bounds resource release on Close and on a failed Open.
const teardownTimeout = 60 * time.Second

// FunctionCall describes one RunFunction invocation.
type FunctionCall struct {
	Code string
	// FuncName defaults to "main".
	FuncName string
	// Inputs are passed as keyword arguments.
	Inputs map[string]any
	Async  bool
}

// Sandbox is a live session owning exactly one Runner.
type Sandbox struct {
	logger  *zap.Logger
	config  Config
	runner  Runner
	allowed []string

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
}

// Option defines a functional option for Open
type Option func(*openOptions)

type openOptions struct {
	runner       Runner
	cmdRunner    CommandRunner
	fs           FileSystem
	dockerClient DockerClient
}

// WithRunner uses r instead of constructing a runner from the configuration.
func WithRunner(r Runner) Option {
	return func(o *openOptions) {
		o.runner = r
	}
}

// WithCommandRunner sets the CommandRunner used by the subprocess backend.
func WithCommandRunner(cmdRunner CommandRunner) Option {
	return func(o *openOptions) {
		o.cmdRunner = cmdRunner
	}
}

// WithFileSystem sets the FileSystem used by the subprocess backend.
func WithFileSystem(fs FileSystem) Option {
	return func(o *openOptions) {
		o.fs = fs
	}
}

// WithDockerClient sets the Docker client used by the container backend.
func WithDockerClient(c DockerClient) Option {
	return func(o *openOptions) {
		o.dockerClient = c
	}
}

// Open validates cfg, prepares the runner and installs dependencies. On any
// failure the runner is torn down and no session is returned. Configuration
// problems are reported as *ConfigError and installation failures as
// *DependencyInstallError.
func Open(ctx context.Context, logger *zap.Logger, cfg Config, opts ...Option) (*Sandbox, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	cfg = cfg.clone()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var o openOptions
	for _, opt := range opts {
		opt(&o)
	}

	runner := o.runner
	if runner == nil {
		runner = newRunner(logger, cfg, o)
	}

	s := &Sandbox{
		logger:  logger.With(zap.String("runner_kind", string(cfg.RunnerKind))),
		config:  cfg,
		runner:  runner,
		allowed: cfg.allowedEnvVars(),
	}

	if cfg.RunnerKind == RunnerSubprocess && !cfg.AllowNetwork {
		s.logger.Warn("network access is not restricted by the subprocess runner; use the container runner to enforce allow_network=false")
	}

	start := time.Now()
	if err := runner.Prepare(ctx); err != nil {
		s.teardown()
		return nil, fmt.Errorf("failed to prepare %s runner: %w", cfg.RunnerKind, err)
	}

	deps := sortedDependencies(cfg.Dependencies)
	if err := runner.InstallDependencies(ctx, deps); err != nil {
		s.teardown()
		return nil, err
	}

	s.logger.Info("sandbox session opened",
		zap.Int("dependencies", len(deps)),
		zap.Duration("timeout", cfg.Timeout),
		zap.Bool("allow_network", cfg.AllowNetwork),
		zap.Duration("elapsed", time.Since(start)))

	return s, nil
}

// newRunner selects the backend for the configured kind. Validate has already
// rejected unknown kinds.
func newRunner(logger *zap.Logger, cfg Config, o openOptions) Runner {
	switch cfg.RunnerKind {
	case RunnerContainer:
		var runnerOpts []ContainerRunnerOption
		if o.dockerClient != nil {
			runnerOpts = append(runnerOpts, WithContainerDockerClient(o.dockerClient))
		}
		return NewContainerRunner(logger, cfg.Runner.Container, runnerOpts...)
	default:
		var runnerOpts []SubprocessRunnerOption
		if o.cmdRunner != nil {
			runnerOpts = append(runnerOpts, WithSubprocessCommandRunner(o.cmdRunner))
		}
		if o.fs != nil {
			runnerOpts = append(runnerOpts, WithSubprocessFileSystem(o.fs))
		}
		return NewSubprocessRunner(logger, cfg.Runner.Subprocess, runnerOpts...)
	}
}

// Config returns a copy of the session configuration.
func (s *Sandbox) Config() Config {
	return s.config.clone()
}

// Run executes code as a script and captures its output.
func (s *Sandbox) Run(ctx context.Context, code string) Result {
	return s.execute(ctx, ExecutionRequest{Mode: ModeScript, Code: code})
}

// RunFunction calls one function defined in call.Code and returns its JSON-encoded return value.
func (s *Sandbox) RunFunction(ctx context.Context, call FunctionCall) Result {
	if call.FuncName == "" {
		call.FuncName = DefaultFuncName
	}
	if call.Inputs == nil {
		call.Inputs = map[string]any{}
	}

	return s.execute(ctx, ExecutionRequest{
		Mode:     ModeFunction,
		Code:     call.Code,
		FuncName: call.FuncName,
		Inputs:   call.Inputs,
		Async:    call.Async,
	})
}

func (s *Sandbox) execute(ctx context.Context, req ExecutionRequest) Result {
	h, err := BuildHarness(req)
	if err != nil {
		return failure(ErrorKindSerialization, err.Error(), "", "")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return failure(ErrorKindLaunch, ErrSessionClosed.Error(), "", "")
	}

	env := FilterEnvironment(s.config.Environment, s.allowed)

	start := time.Now()
	out := s.runner.Execute(ctx, h, s.config.Timeout, env, s.config.AllowNetwork)
	res := BuildResult(h, out, s.config.Timeout)

	fields := []zap.Field{
		zap.String("mode", req.Mode.String()),
		zap.Duration("elapsed", time.Since(start)),
		zap.Int("exit_code", out.ExitCode),
		zap.Int("stdout_len", len(res.Stdout)),
		zap.Int("stderr_len", len(res.Stderr)),
	}
	if res.Failed() {
		s.logger.Info("execution failed", append(fields, zap.String("error_kind", string(res.ErrorKind)))...)
	} else {
		s.logger.Info("execution completed", fields...)
	}

	return res
}

// Close tears the runner down. It is safe to call more than once and from a
// defer on every exit path.
func (s *Sandbox) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		s.closed = true
		s.teardown()
		s.logger.Info("sandbox session closed")
	})

	return nil
}

// teardown releases the runner's resources, even when the caller's context is gone.
func (s *Sandbox) teardown() {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()

	s.runner.Teardown(ctx)
}
