package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/sequencer/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	var (
		status string
		script string
		limit  int
		nested bool
		events bool
	)

	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "Show run history",
		Long: `List recorded runs, newest first, or show one run with its steps.

Runs started by a run command are hidden from the list unless --nested is
given; they are listed under their parent when a single run is shown.`,
		Example: `  # List recent runs
  sequencer history

  # List failed runs of one script
  sequencer history --status failed --script deploy

  # Show a run with its steps and events
  sequencer history 0b7a3c1e-... --events`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(ctx, cfg, cfg.Store.Enabled)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close(ctx) }()
			if err := a.requireStore(); err != nil {
				return err
			}

			out := cmd.OutOrStdout()

			if len(args) == 1 {
				return showRun(cmd, a.store, args[0], events, out)
			}

			filter := stores.RunFilter{
				Status:   stores.RunStatus(status),
				Script:   script,
				TopLevel: !nested,
				Limit:    limit,
			}
			runs, err := a.store.ListRuns(ctx, filter)
			if err != nil {
				return err
			}

			if jsonOutput {
				return writeJSON(out, runs)
			}
			return writeRuns(out, runs)
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "only runs with this status")
	cmd.Flags().StringVar(&script, "script", "", "only runs of this script")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of runs")
	cmd.Flags().BoolVar(&nested, "nested", false, "include runs started by run commands")
	cmd.Flags().BoolVar(&events, "events", false, "show recorded events of the run")

	return cmd
}

func showRun(cmd *cobra.Command, store stores.Store, id string, withEvents bool, out io.Writer) error {
	ctx := cmd.Context()

	run, err := store.GetRun(ctx, id)
	if err != nil {
		return err
	}
	steps, err := store.ListSteps(ctx, id)
	if err != nil {
		return err
	}
	children, err := store.ListRuns(ctx, stores.RunFilter{ParentID: id})
	if err != nil {
		return err
	}
	var evts []*stores.Event
	if withEvents {
		evts, err = store.GetEvents(ctx, &id, nil, 0, 0)
		if err != nil {
			return err
		}
	}

	if jsonOutput {
		return writeJSON(out, struct {
			Run      *stores.Run     `json:"run"`
			Steps    []*stores.Step  `json:"steps"`
			Children []*stores.Run   `json:"children,omitempty"`
			Events   []*stores.Event `json:"events,omitempty"`
		}{run, steps, children, evts})
	}

	fmt.Fprintf(out, "Run:      %s\n", run.ID)
	if run.ParentID != nil {
		fmt.Fprintf(out, "Parent:   %s\n", *run.ParentID)
	}
	fmt.Fprintf(out, "Script:   %s\n", run.Script)
	fmt.Fprintf(out, "Status:   %s\n", run.Status)
	fmt.Fprintf(out, "Started:  %s\n", run.StartedAt.Format(time.RFC3339))
	if run.CompletedAt != nil {
		fmt.Fprintf(out, "Duration: %s\n", run.Duration().Round(time.Millisecond))
	}
	if run.Error != nil {
		code := ""
		if run.ErrorCode != nil {
			code = " [" + *run.ErrorCode + "]"
		}
		fmt.Fprintf(out, "Error:    %s%s\n", *run.Error, code)
	}

	if len(steps) > 0 {
		fmt.Fprintln(out, "\nSteps:")
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "  INDEX\tKIND\tLABEL\tAT")
		for _, s := range steps {
			label := ""
			if s.Label != nil {
				label = *s.Label
			}
			fmt.Fprintf(w, "  %d\t%s\t%s\t%s\n", s.Index, s.Kind, label, s.ExecutedAt.Format("15:04:05.000"))
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	if len(children) > 0 {
		fmt.Fprintln(out, "\nNested runs:")
		if err := writeRuns(out, children); err != nil {
			return err
		}
	}

	if len(evts) > 0 {
		fmt.Fprintln(out, "\nEvents:")
		for _, e := range evts {
			fmt.Fprintf(out, "  %s %-7s %s\n", e.Timestamp.Format("15:04:05.000"), e.Level, e.Message)
		}
	}
	return nil
}

func writeRuns(out io.Writer, runs []*stores.Run) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSCRIPT\tSTATUS\tSTARTED\tDURATION")
	for _, r := range runs {
		duration := "-"
		if r.CompletedAt != nil {
			duration = r.Duration().Round(time.Millisecond).String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.Script, r.Status, r.StartedAt.Format(time.RFC3339), duration)
	}
	return w.Flush()
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
