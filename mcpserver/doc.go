// Package mcpserver provides the Model Context Protocol (MCP) server implementation.
//
// The mcpserver package implements an MCP-compliant server that exposes two
// tools backed by a single sandbox session:
//
//   - run_script runs Python code and returns its captured output.
//   - run_function calls one function with JSON keyword arguments and returns
//     its JSON-encoded return value.
//
// Both tools answer with the JSON form of sandbox.Result. The server supports
// the stdio and HTTP transports as configured by the application configuration.
//
// Usage:
//
//	server, err := mcpserver.New(cfg, logger, session)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = server.ServeStdio() // or server.ServeHTTP()
package mcpserver
