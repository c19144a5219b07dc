package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "sequencer",
		Short: "Sequencer - script command interpreter",
		Long: `Sequencer runs scripts of commands one after another.

Scripts are plain text files with one command per line. Commands include
labels and jumps, if/then/else/endif, while/endwhile and for/endfor loops,
nested runs of other scripts, and actions such as set, print, log and wait.

Features:
  - Starlark expressions for conditions and values
  - Run history in SQLite
  - Structured logs, Prometheus metrics and OpenTelemetry traces
  - Re-running scripts when they change`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (.yaml, .json or .cue)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newCheckCommand())
	rootCmd.AddCommand(newGraphCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newPruneCommand())

	return rootCmd
}
