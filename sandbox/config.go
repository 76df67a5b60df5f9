package sandbox

import (
	"fmt"
	"strings"
	"time"
)

// DefaultTimeout bounds one execution when the configuration does not.
const DefaultTimeout = 60 * time.Second

// DefaultFuncName is the function RunFunction calls when none is named.
const DefaultFuncName = "main"

// Config holds the configuration of one sandbox session. It is copied at Open
// and never mutated afterwards.
type Config struct {
	Dependencies map[string]DependencySpec
	RunnerKind   RunnerKind
	Timeout      time.Duration
	AllowNetwork bool
	Environment  map[string]string
	// AllowedEnvVars limits which Environment keys reach executed code. Nil
	// selects the backend default; an empty slice allows nothing.
	AllowedEnvVars []string
	Runner         RunnerOptions
}

// RunnerOptions carries backend-specific settings. Only the section that
// matches RunnerKind is read.
type RunnerOptions struct {
	Subprocess SubprocessOptions
	Container  ContainerOptions
}

// SubprocessOptions configures the SubprocessRunner.
type SubprocessOptions struct {
	// Interpreter creates the virtual environment. Defaults to python3.
	Interpreter string
	// InstallCommand is run once per dependency with the specifier appended.
	// "{python}" is replaced with the environment's interpreter.
	InstallCommand []string
	// CPUTimeLimitSec and MemoryLimitMB map to ulimit -t and ulimit -v. Zero disables them.
	CPUTimeLimitSec int
	MemoryLimitMB   int
}

// ContainerOptions configures the ContainerRunner.
type ContainerOptions struct {
	Image string
	// PullPolicy is "missing" (default), "always" or "never".
	PullPolicy string
	MemoryMB   int
	CPUs       float64
	PidsLimit  int64
	// Network is the network the container joins while it may reach the outside.
	Network        string
	InstallCommand []string
	Labels         map[string]string
}

// Container defaults
const (
	DefaultContainerImage   = "python:3.11-slim"
	DefaultContainerNetwork = "bridge"
	PullPolicyMissing       = "missing"
	PullPolicyAlways        = "always"
	PullPolicyNever         = "never"
)

// DefaultConfig returns a subprocess-backed configuration with a 60 second
// timeout and no network access.
func DefaultConfig() Config {
	return Config{
		RunnerKind: RunnerSubprocess,
		Timeout:    DefaultTimeout,
	}
}

// Validate checks the configuration and returns a *ConfigError describing the first problem.
func (c *Config) Validate() error {
	if c.Timeout <= 0 {
		return &ConfigError{Field: "timeout", Reason: fmt.Sprintf("must be positive, got %s", c.Timeout)}
	}

	if _, err := ParseRunnerKind(string(c.RunnerKind)); err != nil {
		return &ConfigError{Field: "runner", Reason: err.Error()}
	}

	for key, spec := range c.Dependencies {
		name := spec.Name
		if name == "" {
			name = key
		}
		if strings.TrimSpace(name) == "" {
			return &ConfigError{Field: "dependencies", Reason: "dependency name must not be empty"}
		}
	}

	if c.RunnerKind == RunnerContainer {
		switch c.Runner.Container.PullPolicy {
		case "", PullPolicyMissing, PullPolicyAlways, PullPolicyNever:
		default:
			return &ConfigError{Field: "container.pull_policy", Reason: fmt.Sprintf("unsupported value %q", c.Runner.Container.PullPolicy)}
		}
		if c.Runner.Container.MemoryMB < 0 || c.Runner.Container.CPUs < 0 || c.Runner.Container.PidsLimit < 0 {
			return &ConfigError{Field: "container", Reason: "resource limits must not be negative"}
		}
	}

	if c.Runner.Subprocess.CPUTimeLimitSec < 0 || c.Runner.Subprocess.MemoryLimitMB < 0 {
		return &ConfigError{Field: "subprocess", Reason: "resource limits must not be negative"}
	}

	return nil
}

// allowedEnvVars resolves the allow-list for the configured backend.
func (c *Config) allowedEnvVars() []string {
	if c.AllowedEnvVars != nil {
		return c.AllowedEnvVars
	}
	if c.RunnerKind == RunnerContainer {
		return DefaultContainerAllowedEnvVars
	}
	return DefaultSubprocessAllowedEnvVars
}

// clone copies the maps and slices so later changes by the caller do not leak into a session.
func (c Config) clone() Config {
	out := c

	if c.Dependencies != nil {
		out.Dependencies = make(map[string]DependencySpec, len(c.Dependencies))
		for k, v := range c.Dependencies {
			v.Extras = append([]string(nil), v.Extras...)
			out.Dependencies[k] = v
		}
	}
	if c.Environment != nil {
		out.Environment = make(map[string]string, len(c.Environment))
		for k, v := range c.Environment {
			out.Environment[k] = v
		}
	}
	if c.AllowedEnvVars != nil {
		out.AllowedEnvVars = append([]string{}, c.AllowedEnvVars...)
	}
	out.Runner.Subprocess.InstallCommand = append([]string(nil), c.Runner.Subprocess.InstallCommand...)
	out.Runner.Container.InstallCommand = append([]string(nil), c.Runner.Container.InstallCommand...)
	if c.Runner.Container.Labels != nil {
		out.Runner.Container.Labels = make(map[string]string, len(c.Runner.Container.Labels))
		for k, v := range c.Runner.Container.Labels {
			out.Runner.Container.Labels[k] = v
		}
	}

	return out
}
