package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/isdmx/pysandbox/sandbox"
)

// EnvPrefix prefixes environment variables that override configuration keys,
// e.g. PYSANDBOX_SANDBOX_TIMEOUT_SEC.
const EnvPrefix = "PYSANDBOX"

// Config represents the application configuration
type Config struct {
	Server  ServerConfig  `mapstructure:"server" yaml:"server"`
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
	Sandbox SandboxConfig `mapstructure:"sandbox" yaml:"sandbox"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Transport string `mapstructure:"transport" yaml:"transport"`
	HTTPPort  int    `mapstructure:"http_port" yaml:"http_port"`
}

// LoggingConfig holds logger configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode" yaml:"mode"`
	Level string `mapstructure:"level" yaml:"level"`
}

// SandboxConfig holds the settings of the session the server opens.
type SandboxConfig struct {
	Runner       string            `mapstructure:"runner" yaml:"runner"`
	TimeoutSec   float64           `mapstructure:"timeout_sec" yaml:"timeout_sec"`
	AllowNetwork bool              `mapstructure:"allow_network" yaml:"allow_network"`
	Environment  map[string]string `mapstructure:"environment" yaml:"environment,omitempty"`
	// AllowedEnvVars left unset selects the runner's default allow-list.
	AllowedEnvVars []string         `mapstructure:"allowed_env_vars" yaml:"allowed_env_vars,omitempty"`
	Dependencies   map[string]any   `mapstructure:"dependencies" yaml:"dependencies,omitempty"`
	Subprocess     SubprocessConfig `mapstructure:"subprocess" yaml:"subprocess"`
	Container      ContainerConfig  `mapstructure:"container" yaml:"container"`
}

// SubprocessConfig holds settings of the subprocess runner
type SubprocessConfig struct {
	Interpreter     string   `mapstructure:"interpreter" yaml:"interpreter"`
	InstallCommand  []string `mapstructure:"install_command" yaml:"install_command,omitempty"`
	CPUTimeLimitSec int      `mapstructure:"cpu_time_limit_sec" yaml:"cpu_time_limit_sec"`
	MemoryLimitMB   int      `mapstructure:"memory_limit_mb" yaml:"memory_limit_mb"`
}

// ContainerConfig holds settings of the container runner
type ContainerConfig struct {
	Image          string            `mapstructure:"image" yaml:"image"`
	PullPolicy     string            `mapstructure:"pull_policy" yaml:"pull_policy"`
	MemoryMB       int               `mapstructure:"memory_mb" yaml:"memory_mb"`
	CPUs           float64           `mapstructure:"cpus" yaml:"cpus"`
	PidsLimit      int64             `mapstructure:"pids_limit" yaml:"pids_limit"`
	Network        string            `mapstructure:"network" yaml:"network"`
	InstallCommand []string          `mapstructure:"install_command" yaml:"install_command,omitempty"`
	Labels         map[string]string `mapstructure:"labels" yaml:"labels,omitempty"`
}

// Default returns the configuration used when no file or override is present.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Transport: "stdio",
			HTTPPort:  8080,
		},
		Logging: LoggingConfig{
			Mode:  "production",
			Level: "info",
		},
		Sandbox: SandboxConfig{
			Runner:     string(sandbox.RunnerSubprocess),
			TimeoutSec: sandbox.DefaultTimeout.Seconds(),
			Subprocess: SubprocessConfig{
				Interpreter: sandbox.DefaultInterpreter,
			},
			Container: ContainerConfig{
				Image:      sandbox.DefaultContainerImage,
				PullPolicy: sandbox.PullPolicyMissing,
				MemoryMB:   512,
				CPUs:       1,
				PidsLimit:  128,
				Network:    sandbox.DefaultContainerNetwork,
			},
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("server.transport", d.Server.Transport)
	v.SetDefault("server.http_port", d.Server.HTTPPort)
	v.SetDefault("logging.mode", d.Logging.Mode)
	v.SetDefault("logging.level", d.Logging.Level)

	v.SetDefault("sandbox.runner", d.Sandbox.Runner)
	v.SetDefault("sandbox.timeout_sec", d.Sandbox.TimeoutSec)
	v.SetDefault("sandbox.allow_network", d.Sandbox.AllowNetwork)

	v.SetDefault("sandbox.subprocess.interpreter", d.Sandbox.Subprocess.Interpreter)
	v.SetDefault("sandbox.subprocess.cpu_time_limit_sec", d.Sandbox.Subprocess.CPUTimeLimitSec)
	v.SetDefault("sandbox.subprocess.memory_limit_mb", d.Sandbox.Subprocess.MemoryLimitMB)

	v.SetDefault("sandbox.container.image", d.Sandbox.Container.Image)
	v.SetDefault("sandbox.container.pull_policy", d.Sandbox.Container.PullPolicy)
	v.SetDefault("sandbox.container.memory_mb", d.Sandbox.Container.MemoryMB)
	v.SetDefault("sandbox.container.cpus", d.Sandbox.Container.CPUs)
	v.SetDefault("sandbox.container.pids_limit", d.Sandbox.Container.PidsLimit)
	v.SetDefault("sandbox.container.network", d.Sandbox.Container.Network)
}

// New loads and validates the application configuration from config.yaml in
// the working directory or ./config, falling back to defaults.
func New() (*Config, error) {
	return Load("")
}

// Load reads the configuration from path, or searches the default locations
// when path is empty.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if file := v.ConfigFileUsed(); file != "" {
		if err := config.restoreKeyCase(file); err != nil {
			return nil, err
		}
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

// restoreKeyCase re-reads the maps whose keys are case sensitive. Viper
// lowercases every key, which would turn LANG into lang.
func (c *Config) restoreKeyCase(file string) error {
	data, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}

	var raw struct {
		Sandbox struct {
			Environment map[string]string `yaml:"environment"`
			Container   struct {
				Labels map[string]string `yaml:"labels"`
			} `yaml:"container"`
		} `yaml:"sandbox"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("error parsing config file: %w", err)
	}

	if raw.Sandbox.Environment != nil {
		c.Sandbox.Environment = raw.Sandbox.Environment
	}
	if raw.Sandbox.Container.Labels != nil {
		c.Sandbox.Container.Labels = raw.Sandbox.Container.Labels
	}

	return nil
}

// validate ensures the configuration is valid
func (c *Config) validate() error {
	if c.Server.Transport != "stdio" && c.Server.Transport != "http" {
		return fmt.Errorf("invalid server.transport: %s, must be 'stdio' or 'http'", c.Server.Transport)
	}

	if c.Server.Transport == "http" && (c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535) {
		return fmt.Errorf("invalid server.http_port: %d", c.Server.HTTPPort)
	}

	if c.Logging.Mode != "production" && c.Logging.Mode != "development" {
		return fmt.Errorf("invalid logging.mode: %s, must be 'production' or 'development'", c.Logging.Mode)
	}

	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}

	sbx, err := c.SandboxConfig()
	if err != nil {
		return err
	}

	return sbx.Validate()
}

// SandboxConfig converts the sandbox section into a session configuration.
func (c *Config) SandboxConfig() (sandbox.Config, error) {
	deps, err := sandbox.ParseDependencies(c.Sandbox.Dependencies)
	if err != nil {
		return sandbox.Config{}, fmt.Errorf("invalid sandbox.dependencies: %w", err)
	}

	return sandbox.Config{
		Dependencies:   deps,
		RunnerKind:     sandbox.RunnerKind(c.Sandbox.Runner),
		Timeout:        c.GetTimeout(),
		AllowNetwork:   c.Sandbox.AllowNetwork,
		Environment:    c.Sandbox.Environment,
		AllowedEnvVars: c.Sandbox.AllowedEnvVars,
		Runner: sandbox.RunnerOptions{
			Subprocess: sandbox.SubprocessOptions{
				Interpreter:     c.Sandbox.Subprocess.Interpreter,
				InstallCommand:  c.Sandbox.Subprocess.InstallCommand,
				CPUTimeLimitSec: c.Sandbox.Subprocess.CPUTimeLimitSec,
				MemoryLimitMB:   c.Sandbox.Subprocess.MemoryLimitMB,
			},
			Container: sandbox.ContainerOptions{
				Image:          c.Sandbox.Container.Image,
				PullPolicy:     c.Sandbox.Container.PullPolicy,
				MemoryMB:       c.Sandbox.Container.MemoryMB,
				CPUs:           c.Sandbox.Container.CPUs,
				PidsLimit:      c.Sandbox.Container.PidsLimit,
				Network:        c.Sandbox.Container.Network,
				InstallCommand: c.Sandbox.Container.InstallCommand,
				Labels:         c.Sandbox.Container.Labels,
			},
		},
	}, nil
}

// GetTimeout returns the execution timeout as a duration
func (c *Config) GetTimeout() time.Duration {
	return time.Duration(c.Sandbox.TimeoutSec * float64(time.Second))
}

// ExampleYAML renders the default configuration as a config.yaml document.
func ExampleYAML() ([]byte, error) {
	example := Default()
	example.Sandbox.Environment = map[string]string{"LANG": "C.UTF-8"}
	example.Sandbox.Dependencies = map[string]any{
		"requests": ">=2.31",
	}

	out, err := yaml.Marshal(example)
	if err != nil {
		return nil, fmt.Errorf("error rendering example config: %w", err)
	}
	return out, nil
}
