package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newPruneCommand() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete old run history",
		Long: `Delete finished runs that started before the cutoff, together with
their steps, nested runs and events. Live runs are kept.`,
		Example: `  # Delete runs older than 30 days
  sequencer prune --older-than 720h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if olderThan <= 0 {
				olderThan = cfg.Store.Retention
			}
			if olderThan <= 0 {
				return fmt.Errorf("--older-than is required when no retention is configured")
			}
			// The explicit cutoff replaces retention pruning on open.
			cfg.Store.Retention = 0

			a, err := newApp(ctx, cfg, cfg.Store.Enabled)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close(ctx) }()
			if err := a.requireStore(); err != nil {
				return err
			}

			pruned, err := a.store.PruneRuns(ctx, time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d run(s)\n", pruned)
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "delete runs that started longer ago than this")

	return cmd
}
