package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/mkowalski/foresight/version"
)

var (
	cfgFile  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "foresight",
	Short: "Cost-bounded weak-signal analysis pipeline for third-party articles",
	Long: `Foresight runs articles through a two-stage weak-signal analysis pipeline
in claimable batches, under a per-session budget ceiling, and assembles the
validated signals into newsletter issues.

The pipeline includes:
  - Batch planning with per-item cost estimates
  - Optimistic record claims safe across worker processes
  - Two-stage analysis (content analysis, signal validation) with budget
    reservations before every paid call
  - Per-item process isolation so one bad article cannot sink a batch`,
	Version: version.GitRelease,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgFile, "config", "", "config file (default: ./config.yaml or ~/.foresight/config.yaml)",
	)
	rootCmd.PersistentFlags().StringVar(
		&logLevel, "log-level", "info", "log level: debug, info, warn, error",
	)

	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		slog.SetDefault(newLogger(logLevel))
	}

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(costsCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(initConfigCmd)
	rootCmd.AddCommand(analyzeItemCmd)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	// Logs go to stderr: stdout is reserved for command output, and the
	// analyze-item child's stdout carries the JSON result contract.
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
