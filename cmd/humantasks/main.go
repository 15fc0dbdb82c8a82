// Command humantasks runs the human task service and validates task
// definition files.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ent0n29/humantasks/internal/app"
	"github.com/ent0n29/humantasks/internal/config"
)

var bindAddr string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "humantasks",
		Short: "Human task lifecycle service",
		Long: `humantasks instantiates human tasks from versioned definitions, resolves
who may work on them, drives their lifecycle and escalates missed deadlines.

Examples:
  humantasks serve                       # Serve the HTTP API (env configured)
  humantasks serve --addr :9090          # Override APP_BIND_ADDR
  humantasks validate defs/*.yaml        # Check definition files`,
		Version:       app.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd())
	root.AddCommand(newValidateCmd())
	return root
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the task API and run the escalation scheduler",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	cmd.Flags().StringVar(&bindAddr, "addr", "", "Listen address (overrides APP_BIND_ADDR)")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	if bindAddr != "" {
		cfg.BindAddr = bindAddr
	}
	logger := app.NewLogger(cfg, cmd.ErrOrStderr())

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	runErr := res.Run(ctx)

	cleanupCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := res.Cleanup(cleanupCtx); err != nil {
		logger.Warn("cleanup failed", "error", err)
	}
	logger.Info("shutdown complete")
	return runErr
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error: "+err.Error())
		os.Exit(1)
	}
}
