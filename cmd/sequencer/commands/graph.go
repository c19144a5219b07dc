package commands

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

func newGraphCommand() *cobra.Command {
	var dot bool

	cmd := &cobra.Command{
		Use:   "graph [path...]",
		Short: "Show which scripts run which",
		Long: `Compile scripts and show the graph of run commands between them.

Scripts are grouped in levels: level 0 holds scripts that run no other
script, and every other script sits one level above the highest script it
runs. Without arguments the paths from the config file are used.`,
		Example: `  # Show levels for the configured paths
  sequencer graph

  # Render with Graphviz
  sequencer graph ./scripts --dot | dot -Tsvg > scripts.svg`,
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

			a, err := newApp(ctx, cfg, false)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close(ctx) }()

			graph, err := a.loader.Graph(ctx, paths)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			switch {
			case dot:
				_, err = fmt.Fprint(out, graph.ToDOT())
				return err
			case jsonOutput:
				return writeJSON(out, graph)
			}

			for level, scripts := range graph.Levels {
				fmt.Fprintf(out, "Level %d:\n", level)
				for _, path := range scripts {
					node := graph.Nodes[path]
					line := "  " + path
					if len(node.Dependencies) > 0 {
						names := make([]string, len(node.Dependencies))
						for i, dep := range node.Dependencies {
							names[i] = filepath.Base(dep)
						}
						line += " -> " + strings.Join(names, ", ")
					}
					fmt.Fprintln(out, line)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dot, "dot", false, "output in Graphviz DOT format")

	return cmd
}
