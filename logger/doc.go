// Package logger provides structured logging capabilities.
//
// The logger package sets up and configures the application's logging
// system using zap. Development mode uses a colored console encoder;
// production mode emits JSON with ISO8601 timestamps.
//
// Usage:
//
//	log, err := logger.New("production", "info")
//	if err != nil {
//	    panic(err)
//	}
//	log.Info("sandbox session opened", zap.String("runner", "subprocess"))
package logger
