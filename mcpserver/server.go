// Package mcpserver provides the Model Context Protocol (MCP) server implementation.
//
// The mcpserver package implements an MCP-compliant server that exposes the
// run_script and run_function tools, both backed by one long-lived sandbox
// session. It uses the mark3labs/mcp-go library to handle the protocol details.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/isdmx/pysandbox/config"
	"github.com/isdmx/pysandbox/sandbox"
)

// Session is the part of *sandbox.Sandbox the tools need.
type Session interface {
	Run(ctx context.Context, code string) sandbox.Result
	RunFunction(ctx context.Context, call sandbox.FunctionCall) sandbox.Result
}

// MCPServer represents the MCP server
type MCPServer struct {
	config     *config.Config
	logger     *zap.Logger
	session    Session
	mcpServer  *server.MCPServer
	httpServer *server.StreamableHTTPServer
}

// NewSession opens the sandbox session described by cfg and closes it when
// the application stops.
func NewSession(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger) (Session, error) {
	sbxCfg, err := cfg.SandboxConfig()
	if err != nil {
		return nil, err
	}

	logger.Info("opening sandbox session",
		zap.String("sandbox.runner", cfg.Sandbox.Runner),
		zap.Duration("sandbox.timeout", sbxCfg.Timeout),
		zap.Bool("sandbox.allow_network", sbxCfg.AllowNetwork),
		zap.Int("sandbox.dependencies", len(sbxCfg.Dependencies)),
		zap.Int("sandbox.environment", len(sbxCfg.Environment)))

	sbx, err := sandbox.Open(context.Background(), logger, sbxCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open sandbox session: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return sbx.Close()
		},
	})

	return sbx, nil
}

// New creates a new MCPServer
func New(cfg *config.Config, logger *zap.Logger, session Session) (*MCPServer, error) {
	s := &MCPServer{
		config:  cfg,
		logger:  logger,
		session: session,
	}

	logger.Info("configuration loaded",
		zap.String("server.transport", s.config.Server.Transport),
		zap.Int("server.http_port", s.config.Server.HTTPPort),
		zap.String("logging.level", s.config.Logging.Level),
	)

	s.mcpServer = server.NewMCPServer("pysandbox", "Python sandbox execution server")
	s.httpServer = server.NewStreamableHTTPServer(s.mcpServer)

	s.registerRunScriptTool()
	s.registerRunFunctionTool()

	return s, nil
}

func (s *MCPServer) registerRunScriptTool() {
	tool := mcp.Tool{
		Name:        "run_script",
		Description: "Run Python code as a script in the sandbox and return its captured stdout and stderr",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"code": map[string]any{
					"type":        "string",
					"description": "Python source code",
				},
			},
			Required: []string{"code"},
		},
	}

	s.mcpServer.AddTool(tool, s.handleRunScript)
}

func (s *MCPServer) registerRunFunctionTool() {
	tool := mcp.Tool{
		Name:        "run_function",
		Description: "Define Python code in the sandbox, call one of its functions with JSON keyword arguments and return the JSON result",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"code": map[string]any{
					"type":        "string",
					"description": "Python source code defining the function",
				},
				"func_name": map[string]any{
					"type":        "string",
					"description": "Name of the function to call (default: main)",
				},
				"inputs": map[string]any{
					"type":        "object",
					"description": "Keyword arguments passed to the function",
				},
				"is_async": map[string]any{
					"type":        "boolean",
					"description": "Whether the function is a coroutine function",
				},
			},
			Required: []string{"code"},
		},
	}

	s.mcpServer.AddTool(tool, s.handleRunFunction)
}

func (s *MCPServer) handleRunScript(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := request.RequireString("code")
	if err != nil {
		return errResult(fmt.Sprintf("code parameter is required: %v", err)), nil
	}

	s.logger.Info("script execution requested", zap.Int("code_len", len(code)))

	return s.toolResult(s.session.Run(ctx, code))
}

func (s *MCPServer) handleRunFunction(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := request.RequireString("code")
	if err != nil {
		return errResult(fmt.Sprintf("code parameter is required: %v", err)), nil
	}

	var inputs map[string]any
	if raw, ok := request.GetArguments()["inputs"]; ok && raw != nil {
		inputs, ok = raw.(map[string]any)
		if !ok {
			return errResult("inputs must be a JSON object"), nil
		}
	}

	call := sandbox.FunctionCall{
		Code:     code,
		FuncName: request.GetString("func_name", sandbox.DefaultFuncName),
		Inputs:   inputs,
		Async:    request.GetBool("is_async", false),
	}

	s.logger.Info("function execution requested",
		zap.String("func_name", call.FuncName),
		zap.Int("inputs", len(inputs)),
		zap.Bool("async", call.Async))

	return s.toolResult(s.session.RunFunction(ctx, call))
}

// toolResult serializes res as the tool's text content. Execution failures are
// tool errors, not protocol errors, so the client still sees the output.
func (s *MCPServer) toolResult(res sandbox.Result) (*mcp.CallToolResult, error) {
	body, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}

	if res.Failed() {
		s.logger.Info("execution failed", zap.String("error_kind", string(res.ErrorKind)))
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: string(body),
			},
		},
		IsError: res.Failed(),
	}, nil
}

func errResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
		IsError: true,
	}
}

// ServeStdio starts the server on stdio
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server on stdio")
	return server.ServeStdio(s.mcpServer)
}

// ServeHTTP starts the server on HTTP
func (s *MCPServer) ServeHTTP() error {
	port := s.config.Server.HTTPPort
	s.logger.Info("starting MCP server on HTTP", zap.Int("port", port))

	err := s.httpServer.Start(fmt.Sprintf(":%d", port))
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the HTTP transport if it is running.
func (s *MCPServer) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Register starts the configured transport with the application and stops
// the application when the transport ends, so that the session is closed.
func Register(lc fx.Lifecycle, shutdowner fx.Shutdowner, cfg *config.Config, s *MCPServer, logger *zap.Logger) error {
	var serve func() error
	switch cfg.Server.Transport {
	case "stdio":
		serve = s.ServeStdio
	case "http":
		serve = s.ServeHTTP
	default:
		return fmt.Errorf("unsupported transport: %s", cfg.Server.Transport)
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := serve(); err != nil {
					logger.Error("MCP server stopped", zap.Error(err))
				}
				if err := shutdowner.Shutdown(); err != nil {
					logger.Debug("shutdown already in progress", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return s.Shutdown(stopCtx)
		},
	})

	return nil
}

// GetMCPServer returns the underlying MCP server for fx
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}
