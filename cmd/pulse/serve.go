package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/pulse/internal/config"
	"github.com/michaelbrown/pulse/internal/logger"
	"github.com/michaelbrown/pulse/internal/server"
	"github.com/michaelbrown/pulse/internal/workspace"
)

var portFlag int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Pulse server",
	Long: `Start the Pulse HTTP server with WebSocket and REST endpoints.

The client page is available at the root URL, the WebSocket at /ws, API
endpoints under /api and Prometheus metrics at /metrics.

Examples:
  pulse serve
  pulse serve --port 9090`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&portFlag, "port", 0, "Port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	loader, cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := logger.With("serve")

	runner, workspaces, err := newPipeline(cfg)
	if err != nil {
		return fmt.Errorf("preparing workspaces: %w", err)
	}

	sweeper, err := workspace.NewSweeper(workspaces, cfg.Workspace.SweepSchedule, cfg.Workspace.MaxAge)
	if err != nil {
		return fmt.Errorf("scheduling workspace sweep: %w", err)
	}
	sweeper.Start()
	defer sweeper.Stop()

	if file := loader.FileUsed(); file != "" {
		log.Info().Str("file", file).Msg("using config file")
	}
	loader.Watch(func(c *config.Config) {
		level := c.Log.Level
		if logLevelFlag != "" {
			level = logLevelFlag
		}
		logger.SetLevel(level)
	})

	// Determine port
	port := cfg.Server.Port
	if portFlag > 0 {
		port = portFlag
	}

	srv := server.New(cfg, runner)

	// Graceful shutdown on SIGINT/SIGTERM
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	shutdownErr := make(chan error, 1)
	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("received signal")
		shutdownErr <- srv.Shutdown(context.Background())
	}()

	if err := srv.Start(port); err != nil {
		return err
	}
	return <-shutdownErr
}
