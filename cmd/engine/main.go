package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Rajchodisetti/options-engine/internal/config"
	"github.com/Rajchodisetti/options-engine/internal/observ"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "engine",
	Short: "Options strategy scheduler and risk engine",
	Long: `engine runs user-defined options strategies against live quotes,
reserving capital per trade and enforcing the regime veto, correlation
limits and the daily circuit breaker.

Examples:
  engine serve --config config/engine.yaml
  engine replay --strategy 6f1c... --from 2026-03-02 --to 2026-03-06
  engine correlate --symbols SPY,QQQ,IWM,DIA
  engine presets`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config/engine.yaml", "path to the engine config")
}

// loadConfig reads the config and installs the process logger.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, err
	}
	observ.Init(cfg.Log)
	observ.SetVersion(cfg.Version)
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
