// Package config provides application configuration management.
//
// The config package loads the server configuration from a YAML file, applies
// defaults and PYSANDBOX_-prefixed environment overrides through viper, and
// converts the sandbox section into a sandbox.Config.
//
// Usage:
//
//	cfg, err := config.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	sbxCfg, err := cfg.SandboxConfig()
package config
