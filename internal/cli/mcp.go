package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	wardmcp "github.com/ppiankov/wardwatch/internal/mcp"
)

func init() {
	rootCmd.AddCommand(mcpCmd)
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP tool server for operator assistants",
	Long: "Runs wardwatch as an MCP (Model Context Protocol) server over stdio.\n" +
		"Exposes tools: checkin, ping trigger/respond, rotate, worker.",
	Args: cobra.NoArgs,
	RunE: runMCP,
}

func runMCP(cmd *cobra.Command, args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()
	e.startEvents()

	srv := wardmcp.New(e.services(), version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Fprintln(os.Stderr, "wardwatch MCP server running on stdio")
	return srv.Run(ctx)
}
