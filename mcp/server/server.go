package server

import (
	"fmt"
	"net/http"

	mcpproto "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/agentpay/x402-go"
)

// X402Server wraps an MCP server and adds x402 payment protection for
// selected tools.
type X402Server struct {
	mcpServer *mcpserver.MCPServer
	config    *Config
}

// NewX402Server creates an MCP server with x402 payment support.
func NewX402Server(name, version string, config *Config) *X402Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.PaymentTools == nil {
		config.PaymentTools = make(map[string][]x402.PaymentRequirement)
	}

	return &X402Server{
		mcpServer: mcpserver.NewMCPServer(name, version),
		config:    config,
	}
}

// AddTool adds a free tool.
func (s *X402Server) AddTool(tool mcpproto.Tool, handler mcpserver.ToolHandlerFunc) {
	s.mcpServer.AddTool(tool, handler)
}

// AddPayableTool adds a tool that demands payment before execution.
func (s *X402Server) AddPayableTool(tool mcpproto.Tool, handler mcpserver.ToolHandlerFunc, requirements ...x402.PaymentRequirement) error {
	if len(requirements) == 0 {
		return fmt.Errorf("at least one payment requirement must be provided for payable tool %s", tool.Name)
	}

	for i, req := range requirements {
		if err := ValidateRequirement(req); err != nil {
			return fmt.Errorf("requirement %d for tool %s: %w", i, tool.Name, err)
		}
		requirements[i].Resource = ToolResource(tool.Name)
	}

	s.config.PaymentTools[tool.Name] = requirements
	s.mcpServer.AddTool(tool, handler)
	return nil
}

// Handler returns an HTTP handler with payment enforcement in front of the
// streamable HTTP MCP endpoint.
func (s *X402Server) Handler() http.Handler {
	httpServer := mcpserver.NewStreamableHTTPServer(s.mcpServer)
	return NewX402Handler(httpServer, s.config)
}

// Start serves the MCP endpoint on the given address.
func (s *X402Server) Start(addr string) error {
	s.config.logger().Info("starting x402 MCP server",
		"addr", addr,
		"facilitator", s.config.FacilitatorURL,
		"verifyOnly", s.config.VerifyOnly,
		"protectedTools", len(s.config.PaymentTools))
	return http.ListenAndServe(addr, s.Handler())
}

// GetMCPServer returns the underlying MCP server for advanced usage.
func (s *X402Server) GetMCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}
