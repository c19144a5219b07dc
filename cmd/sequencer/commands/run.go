package commands

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/sequencer/pkg/engine"
	"github.com/openfroyo/sequencer/pkg/env"
	"github.com/openfroyo/sequencer/pkg/policy"
	"github.com/openfroyo/sequencer/pkg/scripts"
	"github.com/openfroyo/sequencer/pkg/telemetry"
)

// runOptions are the flags of the run command.
type runOptions struct {
	vars     map[string]string
	strict   bool
	isolated bool
	watch    bool
	timeout  time.Duration
}

func newRunCommand() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run <script>",
		Short: "Run a script",
		Long: `Compile and run a script file.

The run ends when the last command completes, when a command fails, or when
it is cancelled with Ctrl+C or --timeout. Variables from the config file and
--var are set before the first command executes.

With --watch the script is compiled and run again every time it changes.
A run still in progress is cancelled first.`,
		Example: `  # Run a script
  sequencer run deploy.seq

  # Run with variables (values are parsed as YAML scalars)
  sequencer run loop.seq --var count=3 --var name=web

  # Fail on jumps to labels that do not exist
  sequencer run deploy.seq --strict

  # Re-run on every save
  sequencer run deploy.seq --watch`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if opts.strict {
				cfg.Engine.LabelPolicy = string(engine.LabelStrict)
			}
			if opts.timeout > 0 {
				cfg.Engine.Timeout = opts.timeout
			}
			if cmd.Flags().Changed("watch") {
				cfg.Scripts.Watch = opts.watch
			}

			a, err := newApp(ctx, cfg, false)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close(ctx) }()

			vars, err := parseVars(opts.vars)
			if err != nil {
				return err
			}

			if cfg.Scripts.Watch {
				return a.watchScript(ctx, args[0], vars, opts.isolated, cmd.OutOrStdout())
			}

			eng, err := a.startScript(ctx, args[0], vars, opts.isolated, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			return a.waitScript(ctx, eng)
		},
	}

	cmd.Flags().StringToStringVar(&opts.vars, "var", nil, "set a variable (key=value)")
	cmd.Flags().BoolVar(&opts.strict, "strict", false, "fail the run on unresolved labels")
	cmd.Flags().BoolVar(&opts.isolated, "isolated", false, "use a fresh environment instead of the shared one")
	cmd.Flags().BoolVarP(&opts.watch, "watch", "w", false, "run again when the script changes")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "cancel the run after this long")

	return cmd
}

// parseVars decodes --var values as YAML scalars so numbers and booleans
// keep their type.
func parseVars(raw map[string]string) (map[string]any, error) {
	vars := make(map[string]any, len(raw))
	for k, v := range raw {
		k = strings.TrimSpace(k)
		if k == "" {
			return nil, fmt.Errorf("variable name must not be empty")
		}
		var value any
		if err := yaml.Unmarshal([]byte(v), &value); err != nil || value == nil {
			value = v
		}
		vars[k] = value
	}
	return vars, nil
}

// startScript compiles path and starts a run over it.
func (a *app) startScript(ctx context.Context, path string, vars map[string]any, isolated bool, out io.Writer) (*engine.Engine, error) {
	compileCtx, span := a.tel.Tracer.StartCompileSpan(ctx, path)
	commands, err := a.loader.Commands(compileCtx, path)
	if err != nil {
		telemetry.RecordError(span, err)
		span.End()
		return nil, err
	}
	telemetry.RecordSuccess(span)
	span.End()

	name := strings.TrimSuffix(filepath.Base(path), scripts.Extension)
	if script, ok := a.loader.Cached(path); ok {
		name = script.Name
	}

	environment := env.Default()
	if isolated {
		environment = env.New()
	}
	environment.Merge(a.cfg.Variables)
	environment.Merge(vars)

	if _, err := a.checkPolicies(ctx, policy.OperationRun, path, commands, environment.Snapshot()); err != nil {
		return nil, err
	}

	opts := append(a.tel.EngineOptions(),
		engine.WithEnvironment(environment),
		engine.WithNotifications(a.center),
		engine.WithLabelPolicy(a.cfg.Engine.Policy()),
		engine.WithName(name),
		engine.WithContext(ctx),
		engine.WithOutput(out),
	)

	eng := engine.New(commands, opts...)
	q := a.cfg.Engine.NewQueue(name)
	eng.Run(q)
	closeWhenDone(eng, q)
	return eng, nil
}

// closeWhenDone closes q once eng has ended, if q needs closing. The
// returned channel is closed after q has been closed.
func closeWhenDone(eng *engine.Engine, q engine.Queue) <-chan struct{} {
	closed := make(chan struct{})
	closer, ok := q.(interface{ Close() })
	if !ok {
		close(closed)
		return closed
	}
	go func() {
		defer close(closed)
		<-eng.Done()
		closer.Close()
	}()
	return closed
}

// waitScript waits for eng to end, cancelling it when ctx is done or the
// configured timeout passes.
func (a *app) waitScript(ctx context.Context, eng *engine.Engine) error {
	var timeout <-chan time.Time
	if a.cfg.Engine.Timeout > 0 {
		timer := time.NewTimer(a.cfg.Engine.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-eng.Done():
	case <-ctx.Done():
		eng.Cancel()
		<-eng.Done()
	case <-timeout:
		a.logger.Warn().
			Str("run_id", eng.RunID()).
			Dur("timeout", a.cfg.Engine.Timeout).
			Msg("Run timed out, cancelling")
		eng.Cancel()
		<-eng.Done()
	}

	status := eng.Status()
	a.logger.Info().
		Str("run_id", eng.RunID()).
		Str("script", eng.Name()).
		Str("status", string(status)).
		Dur("duration", time.Since(eng.StartedAt())).
		Msg("Run finished")

	if status == engine.RunStatusCancelled {
		return fmt.Errorf("run %s was cancelled", eng.RunID())
	}
	return eng.Err()
}

// watchScript runs path and runs it again whenever it or a script it runs
// changes, until ctx is done.
func (a *app) watchScript(ctx context.Context, path string, vars map[string]any, isolated bool, out io.Writer) error {
	var (
		mu      sync.Mutex
		current *engine.Engine
	)

	start := func() error {
		eng, err := a.startScript(ctx, path, vars, isolated, out)
		if err != nil {
			a.logger.Error().Err(err).Str("script", path).Msg("Failed to start run")
			return err
		}
		mu.Lock()
		current = eng
		mu.Unlock()
		go func() { _ = a.waitScript(ctx, eng) }()
		return nil
	}

	_ = start()

	watched := []string{path}
	if graph, err := a.loader.Graph(ctx, []string{path}); err == nil {
		if abs, err := filepath.Abs(path); err == nil {
			watched = append(watched, graph.DependenciesOf(abs)...)
		}
	}

	err := a.loader.Watch(ctx, watched, func([]*scripts.Script) error {
		mu.Lock()
		prev := current
		mu.Unlock()
		if prev != nil {
			prev.Cancel()
			<-prev.Done()
		}
		a.logger.Info().Str("script", path).Msg("Script changed, running again")
		return start()
	})
	if err != nil {
		return err
	}

	<-ctx.Done()

	mu.Lock()
	last := current
	mu.Unlock()
	if last != nil {
		last.Cancel()
		<-last.Done()
	}
	return nil
}
