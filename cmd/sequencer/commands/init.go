package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/sequencer/pkg/config"
	"github.com/openfroyo/sequencer/pkg/stores"
)

const sampleScript = `# Counts to three, then branches on the total.
for i 1...3
  print hello ${greeting} #${i}
endfor i

set total i * 10
if big total > 30
then big
  log info total is ${total}
else big
  log warn total is only ${total}
endif big
`

func newInitCommand() *cobra.Command {
	var (
		dir   string
		force bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a sequencer workspace",
		Long: `Create a workspace with a config file, a scripts directory holding a
sample script, and an initialized run history database.`,
		Example: `  # Initialize the current directory
  sequencer init

  # Initialize another directory
  sequencer init --dir ./ops`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			log.Info().Str("dir", dir).Msg("Initializing workspace")

			scriptsDir := filepath.Join(dir, "scripts")
			dataDir := filepath.Join(dir, "data")
			for _, d := range []string{dir, scriptsDir, dataDir} {
				if err := os.MkdirAll(d, 0o755); err != nil {
					return fmt.Errorf("failed to create directory %s: %w", d, err)
				}
			}

			cfg := config.Default()
			cfg.Store.Enabled = true
			cfg.Store.SQLite.Path = filepath.Join("data", "sequencer.db")
			cfg.Store.Retention = 30 * 24 * time.Hour
			cfg.Scripts.Paths = []string{"scripts"}
			cfg.Variables = map[string]any{"greeting": "world"}

			cfgPath := filepath.Join(dir, "sequencer.yaml")
			if err := writeNew(cfgPath, force, func() ([]byte, error) { return yaml.Marshal(cfg) }); err != nil {
				return err
			}
			fmt.Fprintf(out, "Wrote %s\n", cfgPath)

			scriptPath := filepath.Join(scriptsDir, "hello.seq")
			if err := writeNew(scriptPath, force, func() ([]byte, error) { return []byte(sampleScript), nil }); err != nil {
				return err
			}
			fmt.Fprintf(out, "Wrote %s\n", scriptPath)

			dbPath := filepath.Join(dir, cfg.Store.SQLite.Path)
			store, err := stores.Open(ctx, stores.Config{Path: dbPath})
			if err != nil {
				return fmt.Errorf("failed to initialize run history: %w", err)
			}
			if err := store.Close(); err != nil {
				return err
			}
			fmt.Fprintf(out, "Initialized %s\n", dbPath)

			fmt.Fprintf(out, "\nRun the sample with:\n  cd %s && sequencer -c sequencer.yaml run scripts/hello.seq\n", dir)
			return nil
		},
	}

	cmd.Flags().StringVarP(&dir, "dir", "d", ".", "workspace directory")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite existing files")

	return cmd
}

// writeNew writes the content produced by gen to path, refusing to
// overwrite an existing file unless force is set.
func writeNew(path string, force bool, gen func() ([]byte, error)) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	data, err := gen()
	if err != nil {
		return fmt.Errorf("failed to render %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
