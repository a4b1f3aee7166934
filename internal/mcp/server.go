// Package mcp exposes the presence engine to operator assistants over the
// Model Context Protocol (stdio transport).
package mcp

import (
	"context"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ppiankov/wardwatch/internal/core"
)

// Server wraps the MCP SDK server around one set of engine services.
type Server struct {
	mcpServer *mcpsdk.Server
	core      *core.Core
}

// New creates an MCP server with the wardwatch tools registered.
func New(c *core.Core, version string) *Server {
	if version == "" {
		version = "dev"
	}
	s := &Server{core: c}
	s.mcpServer = mcpsdk.NewServer(
		&mcpsdk.Implementation{
			Name:    "wardwatch",
			Version: version,
		},
		nil,
	)
	s.registerTools()
	return s
}

// Run starts the MCP server on stdio transport. Blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	return s.mcpServer.Run(ctx, &mcpsdk.StdioTransport{})
}

func (s *Server) registerTools() {
	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "wardwatch_checkin",
		Description: "Record a worker check-in. Blocked check-ins (outside the ward geofence or failed liveness) return an error result with the reason.",
	}, s.handleCheckIn)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "wardwatch_ping_trigger",
		Description: "Send a presence challenge to a worker. Fails if one is already pending.",
	}, s.handleTrigger)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "wardwatch_ping_respond",
		Description: "Answer a worker's pending presence challenge with their current position.",
	}, s.handleRespond)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "wardwatch_rotate",
		Description: "Run ward rotation for overdue workers. With dry_run, only show the planned transfers.",
	}, s.handleRotate)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "wardwatch_worker",
		Description: "Show a worker's profile: score, ward, attendance, and pending challenge.",
	}, s.handleWorker)
}
