// Package mcp exposes the engine as MCP tools over stdio.
package mcp

import (
	"context"
	"log/slog"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ppiankov/payvault/internal/engine"
	"github.com/ppiankov/payvault/internal/model"
	"github.com/ppiankov/payvault/internal/queue"
	"github.com/ppiankov/payvault/internal/state"
)

// Engine is the part of *engine.Engine the tools call.
type Engine interface {
	Process(ctx context.Context, req model.TransactionRequest) (engine.Result, error)
	Authenticate(ctx context.Context, tier state.Tier) (state.SessionState, error)
	Session(ctx context.Context) state.SessionState
	Transaction(ctx context.Context, id string) (model.Transaction, error)
	QueueSnapshot(ctx context.Context) ([]queue.Item, error)
	Drain(ctx context.Context) (queue.DrainReport, error)
	RecentAudit(ctx context.Context, n int) ([]model.AuditEntry, error)
	Online() bool
}

// Server wraps the MCP SDK server around an engine.
type Server struct {
	mcpServer *mcpsdk.Server
	eng       Engine
	logger    *slog.Logger
}

// New creates an MCP server with the payvault tools registered.
func New(eng Engine, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if version == "" {
		version = "dev"
	}
	s := &Server{eng: eng, logger: logger}
	s.mcpServer = mcpsdk.NewServer(
		&mcpsdk.Implementation{
			Name:    "payvault",
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

// registerTools adds all payvault tools to the MCP server.
func (s *Server) registerTools() {
	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "payvault_process",
		Description: "Submit a payment. It is fraud-scored, sent to the first reachable gateway, or queued offline. Requires an authenticated session.",
	}, s.handleProcess)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "payvault_authenticate",
		Description: "Start a standard session after the user has confirmed access.",
	}, s.handleAuthenticate)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "payvault_session",
		Description: "Show the current session tier and last activity. An idle session is expired first.",
	}, s.handleSession)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "payvault_transaction",
		Description: "Look up a transaction by id.",
	}, s.handleTransaction)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "payvault_queue",
		Description: "List payments waiting in the offline queue, oldest first.",
	}, s.handleQueue)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "payvault_queue_drain",
		Description: "Replay the offline queue through the gateways. Fails while offline.",
	}, s.handleDrain)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "payvault_audit_recent",
		Description: "Show the most recent audit entries, newest first. Requires an authenticated session.",
	}, s.handleAuditRecent)
}
