// Package mcpserver exposes the task tools to MCP clients over stdio.
package mcpserver

import (
	"context"
	"encoding/json"
	"io"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/comigor/taskpilot/internal/logger"
	"github.com/comigor/taskpilot/pkg/tools"
)

const serverName = "taskpilot"

// New builds an MCP server with one MCP tool per registered tool.
func New(tm *tools.ToolManager, version string) *server.MCPServer {
	s := server.NewMCPServer(serverName, version, server.WithToolCapabilities(false))
	for _, t := range tm.List() {
		s.AddTool(mcp.NewToolWithRawSchema(t.Name(), t.Description(), t.Parameters()), handler(t))
		logger.L.Debug("Registered MCP tool", "tool", t.Name())
	}
	return s
}

func handler(t tools.Tool) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, err := json.Marshal(req.GetArguments())
		if err != nil {
			return mcp.NewToolResultError("invalid arguments: " + err.Error()), nil
		}
		out, err := t.Run(ctx, string(args))
		if err != nil {
			logger.L.Warn("MCP tool call failed", "tool", t.Name(), "error", err)
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(out), nil
	}
}

// Serve answers MCP requests read from in until ctx is done or in closes.
func Serve(ctx context.Context, s *server.MCPServer, in io.Reader, out io.Writer) error {
	logger.L.Info("serving MCP over stdio")
	return server.NewStdioServer(s).Listen(ctx, in, out)
}
