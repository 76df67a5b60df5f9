// Package logger provides structured logging capabilities.
//
// The logger package sets up and configures the application's logging
// system using zap. Logs always go to stderr because stdout carries the MCP
// stdio transport.
package logger

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/isdmx/pysandbox/config"
)

// serviceName is attached to every entry so logs can be told apart from those
// of the executed code when both end up in the same stream.
const serviceName = "pysandbox"

// NewFromConfig builds the logger described by the logging section of cfg.
func NewFromConfig(cfg *config.Config) (*zap.Logger, error) {
	return New(cfg.Logging.Mode, cfg.Logging.Level)
}

// New creates a logger for the given mode ("development" or "production") and level.
func New(mode, level string) (*zap.Logger, error) {
	zapCfg, err := buildConfig(mode, level)
	if err != nil {
		return nil, err
	}
	return zapCfg.Build()
}

func buildConfig(mode, level string) (zap.Config, error) {
	var zapCfg zap.Config

	switch mode {
	case "development":
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	case "production":
		zapCfg = zap.NewProductionConfig()
		zapCfg.EncoderConfig.TimeKey = "timestamp"
		zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	default:
		return zap.Config{}, fmt.Errorf("invalid logging mode: %s, must be 'production' or 'development'", mode)
	}

	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return zap.Config{}, fmt.Errorf("invalid logging level %q: %w", level, err)
	}

	zapCfg.Level = zap.NewAtomicLevelAt(lvl)
	zapCfg.OutputPaths = []string{"stderr"}
	zapCfg.ErrorOutputPaths = []string{"stderr"}
	zapCfg.InitialFields = map[string]any{"service": serviceName}

	return zapCfg, nil
}
