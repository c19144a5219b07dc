package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/openfroyo/sequencer/pkg/policy"
	"github.com/openfroyo/sequencer/pkg/scripts"
)

func newCheckCommand() *cobra.Command {
	var withPolicy bool

	cmd := &cobra.Command{
		Use:   "check [path...]",
		Short: "Compile scripts without running them",
		Long: `Compile script files and report errors.

Directories are searched recursively for .seq files. Nested run commands are
compiled too, so a missing or broken sub-script is reported. Without
arguments the paths from the config file are checked.

With --policy, or when policies are enabled in the config, every compiled
script is also checked against the built-in and configured policies.`,
		Example: `  # Check scripts in the configured paths
  sequencer check

  # Check one file and one directory
  sequencer check deploy.seq ./scripts

  # Also check policies
  sequencer check --policy ./scripts`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			paths := args
			if len(paths) == 0 {
				paths = cfg.Scripts.Paths
			}
			if withPolicy {
				cfg.Policy.Enabled = true
			}

			a, err := newApp(ctx, cfg, false)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close(ctx) }()

			loaded, loadErr := a.loader.LoadFromPaths(ctx, paths)
			findings, policyErr := a.checkScripts(ctx, loaded)
			if policyErr != nil {
				loadErr = errors.Join(loadErr, policyErr)
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				report := struct {
					Scripts  any                `json:"scripts"`
					Findings []policy.Violation `json:"findings,omitempty"`
					Error    string             `json:"error,omitempty"`
				}{Scripts: loaded, Findings: findings}
				if loadErr != nil {
					report.Error = loadErr.Error()
				}
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(report); err != nil {
					return err
				}
				return loadErr
			}

			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SCRIPT\tCOMMANDS\tPATH")
			for _, s := range loaded {
				fmt.Fprintf(w, "%s\t%d\t%s\n", s.Name, s.Commands, s.Path)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			for _, f := range findings {
				fmt.Fprintln(out, f.String())
			}

			if loadErr != nil {
				return fmt.Errorf("check failed:\n%w", loadErr)
			}
			fmt.Fprintf(out, "%d script(s) OK\n", len(loaded))
			return nil
		},
	}

	cmd.Flags().BoolVar(&withPolicy, "policy", false, "check scripts against policies")

	return cmd
}

// checkScripts evaluates the policies against every loaded script and
// returns all findings, blocking ones first.
func (a *app) checkScripts(ctx context.Context, loaded []*scripts.Script) ([]policy.Violation, error) {
	if a.policies == nil {
		return nil, nil
	}

	var (
		findings []policy.Violation
		errs     []error
	)
	for _, s := range loaded {
		commands, err := a.loader.Commands(ctx, s.Path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		result, err := a.checkPolicies(ctx, policy.OperationCheck, s.Path, commands, a.cfg.Variables)
		if result != nil {
			findings = append(findings, result.Violations...)
			findings = append(findings, result.Warnings...)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return findings, errors.Join(errs...)
}
