package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/pulse/internal/config"
	"github.com/michaelbrown/pulse/internal/logger"
	"github.com/michaelbrown/pulse/internal/orchestrator"
	"github.com/michaelbrown/pulse/internal/sandbox"
	"github.com/michaelbrown/pulse/internal/workspace"
)

var (
	configFlag   string
	logLevelFlag string
)

var rootCmd = &cobra.Command{
	Use:   "pulse",
	Short: "Pulse - remote compile-and-run service",
	Long: `Pulse compiles submitted source code and runs the result inside a
time-limited sandbox, streaming the program's output back as it is produced.

Clients connect over WebSocket (pulse serve), or the pipeline can be driven
locally (pulse run).`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Config file (default ./pulse.yaml or $HOME/.pulse/pulse.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Log level: debug, info, warn, error (overrides config)")
}

func main() {
	defer logger.Close()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration and initializes logging from it.
func loadConfig() (*config.Loader, *config.Config, error) {
	loader := config.NewLoader(configFlag)
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	if logLevelFlag != "" {
		cfg.Log.Level = logLevelFlag
	}
	if err := logger.Init(cfg.Log); err != nil {
		return nil, nil, fmt.Errorf("initializing logger: %w", err)
	}
	return loader, cfg, nil
}

// newPipeline wires the workspace manager and toolchain described by cfg.
func newPipeline(cfg *config.Config) (*orchestrator.Orchestrator, *workspace.Manager, error) {
	if err := cfg.EnsureDirs(); err != nil {
		return nil, nil, err
	}
	m, err := workspace.NewManager(cfg.Workspace.Dir, cfg.Workspace.Prefix, cfg.Compiler.ScratchDir)
	if err != nil {
		return nil, nil, err
	}
	return orchestrator.New(m, sandbox.NewToolchain(cfg.Compiler, cfg.Sandbox)), m, nil
}
