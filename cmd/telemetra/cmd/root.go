// Package cmd implements the CLI commands for telemetra.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/telemetra/telemetra/internal/config"
	"github.com/telemetra/telemetra/internal/observability"
	"github.com/telemetra/telemetra/internal/version"
)

// cfgFile holds the config file path from the CLI flag.
var cfgFile string

var rootCmd = &cobra.Command{
	Use:     "telemetra",
	Short:   "Burn activity telemetry onto video",
	Version: version.Short(),
	Long: `telemetra overlays GPS, heart-rate, and pace telemetry onto video
recordings. It demuxes the source container, composites a telemetry
overlay onto every frame, re-encodes with a negotiated encoder, and
muxes the result back into MP4.`,
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().SetNormalizeFunc(normalizeFlags)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.telemetra.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "log format (text, json)")
}

// normalizeFlags lets underscore spellings resolve to the dashed
// flag names.
func normalizeFlags(_ *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
}

// loadConfig reads the config file, env, and defaults, then applies
// explicitly-set CLI flags on top. Flag > env > config file > default.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	if rootCmd.PersistentFlags().Changed("log-level") {
		level, _ := rootCmd.PersistentFlags().GetString("log-level")
		cfg.Logging.Level = strings.ToLower(level)
	}
	if rootCmd.PersistentFlags().Changed("log-format") {
		format, _ := rootCmd.PersistentFlags().GetString("log-format")
		cfg.Logging.Format = strings.ToLower(format)
	}
	if cfg.Logging.Level == "warning" {
		cfg.Logging.Level = "warn"
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	logger := observability.NewLoggerWithWriter(cfg.Logging, os.Stderr)
	observability.SetDefault(logger)
	return logger
}
