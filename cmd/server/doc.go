// Package main is the entry point for the pysandbox MCP server.
//
// The server executes untrusted Python code inside a single sandbox session,
// backed either by a local subprocess with its own virtual environment or by
// a long-lived Docker container. Configuration is read from config.yaml and
// PYSANDBOX_-prefixed environment variables; run with -example-config to print
// a starting point.
//
// The application uses Uber's fx framework for dependency injection and lifecycle
// management, with zap for structured logging and viper for configuration.
package main
