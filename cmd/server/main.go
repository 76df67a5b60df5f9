// Package main is the entry point for the pysandbox MCP server.
//
// The server opens one sandbox session at startup, installs the configured
// dependencies into it and serves the run_script and run_function tools over
// stdio or HTTP until it is stopped, at which point the session is closed.
package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/isdmx/pysandbox/config"
	"github.com/isdmx/pysandbox/logger"
	"github.com/isdmx/pysandbox/mcpserver"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (default: ./config.yaml or ./config/config.yaml)")
	printExample := flag.Bool("example-config", false, "print an example configuration and exit")
	flag.Parse()

	if *printExample {
		out, err := config.ExampleYAML()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		_, _ = os.Stdout.Write(out)
		return
	}

	app := fx.New(
		fx.Provide(
			func() (*config.Config, error) {
				return config.Load(*configPath)
			},

			logger.NewFromConfig,

			// One session for the lifetime of the process
			mcpserver.NewSession,

			mcpserver.New,
		),

		fx.Invoke(mcpserver.Register),

		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)

	app.Run()
}
