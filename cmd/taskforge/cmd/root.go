// Package cmd wires the taskforge CLI. The root command only assembles
// subcommands; all construction happens per-command so tests can build
// commands in isolation.
package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	flagConfig    string
	flagNamespace string
	flagVerbose   bool
)

var rootCmd = &cobra.Command{
	Use:   "taskforge",
	Short: "Drive AI coding-agent CLIs around an iterating task loop",
	Long: `taskforge picks ready tasks from a backlog, composes prompts,
runs them through a pool of agent CLIs with model failover, and records
state so the loop is resumable and observable.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "config file (default .taskforge.yaml)")
	rootCmd.PersistentFlags().StringVarP(&flagNamespace, "namespace", "n", "", "loop namespace (overrides config)")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(onceCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(checkpointCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(initCmd)
}

// newLogger builds the process logger. Verbose flips to debug level.
func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if flagVerbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
