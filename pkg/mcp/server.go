package mcp

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/server"

	"github.com/gnana997/tokensync/pkg/mcplog"
	"github.com/gnana997/tokensync/pkg/tokens"
)

// Version is reported to MCP clients. Overridden at build time.
var Version = "0.1.0-dev"

// TokenService is the part of the coordinator the tools use.
// *coordinator.Coordinator implements it.
type TokenService interface {
	ProcessTokens(raw map[string]tokens.TokenValue) tokens.TokenState
	GetTokens(ctx context.Context, types []tokens.TokenType) tokens.TokenState
	PreloadTokens(ctx context.Context, types []tokens.TokenType)
}

// Server exposes the token coordinator to agents as MCP tools.
type Server struct {
	mcpServer *server.MCPServer
	tokens    TokenService
	logger    *mcplog.Logger // nil disables the call log
}

// NewServer creates an MCP server backed by svc. logger may be nil.
func NewServer(svc TokenService, logger *mcplog.Logger) *Server {
	s := &Server{tokens: svc, logger: logger}

	opts := []server.ServerOption{
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	}
	if logger != nil {
		opts = append(opts, server.WithToolHandlerMiddleware(s.loggingMiddleware()))
	}

	s.mcpServer = server.NewMCPServer("tokensync", Version, opts...)

	s.mcpServer.AddTools(
		server.ServerTool{Tool: getTokensTool(), Handler: s.handleGetTokens},
		server.ServerTool{Tool: listTokenTypesTool(), Handler: s.handleListTokenTypes},
		server.ServerTool{Tool: preloadTokensTool(), Handler: s.handlePreloadTokens},
		server.ServerTool{Tool: processTokensTool(), Handler: s.handleProcessTokens},
	)

	return s
}

// ServeStdio runs the server on stdin/stdout until the client disconnects.
func (s *Server) ServeStdio() error {
	if err := server.ServeStdio(s.mcpServer); err != nil {
		return fmt.Errorf("serve MCP: %w", err)
	}
	return nil
}
