package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ppiankov/payvault/internal/auth"
	"github.com/ppiankov/payvault/internal/engine"
	vaultmcp "github.com/ppiankov/payvault/internal/mcp"
)

func init() {
	rootCmd.AddCommand(mcpCmd)
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP tool server for agent integration",
	Long:  "Runs payvault as an MCP (Model Context Protocol) server over stdio.\nExposes tools: process, authenticate, session, transaction, queue, queue_drain, audit_recent.",
	RunE:  runMCP,
}

func runMCP(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := verifyBinary(cmd); err != nil {
		return err
	}

	eng, cfg, err := openEngine(ctx, cmd, engine.Options{Confirmer: auth.ContextConfirmer{}})
	if err != nil {
		return err
	}
	defer eng.Close()

	logger, err := newLogger(os.Stderr, cfg.Log)
	if err != nil {
		return err
	}
	srv := vaultmcp.New(eng, version, logger)

	fmt.Fprintln(os.Stderr, "payvault MCP server running on stdio")
	fmt.Fprintf(os.Stderr, "User: %s\n\n", eng.UserID())

	go func() {
		if err := eng.Run(ctx); err != nil {
			logger.Warn("engine background tasks stopped", "error", err)
		}
	}()

	err = srv.Run(ctx)
	fmt.Fprintln(os.Stderr, "\nShutting down MCP server...")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
