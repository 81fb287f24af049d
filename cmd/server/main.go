// Command server runs the blockvis visibility service.
//
// With no subcommand it serves the API, which:
//  1. Loads configuration from environment variables.
//  2. Connects to PostgreSQL and applies pending migrations.
//  3. Builds the repository and service, loading the block cache.
//  4. Starts the HTTP server (:8080) and gRPC server (:9090).
//  5. Waits for SIGINT/SIGTERM, then shuts both down gracefully.
//
// The remaining subcommands manage projects, API keys and migrations
// against the same database.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(openAdminStore).ExecuteContext(ctx); err != nil {
		slog.Error("command failed", "error", err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd(open storeOpener) *cobra.Command {
	serveCmd := newServeCmd()

	root := &cobra.Command{
		Use:           "server",
		Short:         "Block visibility evaluation service",
		Long:          "blockvis decides which content blocks render for a request, based on per-block visibility controls.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serveCmd.RunE,
	}
	root.Flags().AddFlagSet(serveCmd.Flags())

	root.AddCommand(
		serveCmd,
		newMigrateCmd(),
		newProjectsCmd(open),
		newKeysCmd(open),
		newAuditCmd(open),
	)
	return root
}
