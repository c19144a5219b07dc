package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/sequencer/pkg/compiler"
	"github.com/openfroyo/sequencer/pkg/config"
	"github.com/openfroyo/sequencer/pkg/engine"
	"github.com/openfroyo/sequencer/pkg/policy"
	"github.com/openfroyo/sequencer/pkg/scripts"
	"github.com/openfroyo/sequencer/pkg/stores"
	"github.com/openfroyo/sequencer/pkg/telemetry"
)

// app holds everything a command needs, built from the loaded configuration.
type app struct {
	cfg      *config.Config
	tel      *telemetry.Telemetry
	logger   zerolog.Logger
	center   *engine.NotificationCenter
	compiler *compiler.Compiler
	loader   *scripts.Loader
	policies *policy.Engine
	store    *stores.SQLiteStore
	recorder *stores.Recorder
	detach   []func()
}

// loadConfig reads the config file named by --config, or the defaults, and
// applies environment overrides.
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}
	if jsonOutput {
		cfg.Telemetry.Logging.Format = "json"
	}
	return cfg, cfg.Validate()
}

// newApp wires telemetry, the run history store and the script loader.
// withStore opens the store even when the configuration leaves it disabled.
func newApp(ctx context.Context, cfg *config.Config, withStore bool) (*app, error) {
	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}
	if err := tel.StartMetricsServer(); err != nil {
		_ = tel.Shutdown(ctx)
		return nil, fmt.Errorf("failed to start metrics server: %w", err)
	}

	a := &app{
		cfg:    cfg,
		tel:    tel,
		logger: tel.Logger.Zerolog(),
		center: engine.NewNotificationCenter(),
	}
	a.detach = append(a.detach, tel.Observer().Attach(a.center))

	a.compiler = compiler.NewDefault(
		compiler.WithEvaluator(cfg.Engine.NewEvaluator()),
		compiler.WithLogger(a.logger),
	)
	a.loader = scripts.NewLoader(a.compiler, a.logger, scripts.WithDebounce(cfg.Scripts.Debounce))

	if cfg.Policy.Enabled {
		if err := a.openPolicies(ctx); err != nil {
			_ = a.Close(ctx)
			return nil, err
		}
	}

	if cfg.Store.Enabled || withStore {
		if err := a.openStore(ctx); err != nil {
			_ = a.Close(ctx)
			return nil, err
		}
	}

	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	store, err := stores.Open(ctx, a.cfg.Store.SQLite)
	if err != nil {
		return fmt.Errorf("failed to open run history: %w", err)
	}
	a.store = store

	if a.cfg.Store.Retention > 0 {
		pruned, err := store.PruneRuns(ctx, time.Now().Add(-a.cfg.Store.Retention))
		if err != nil {
			a.logger.Warn().Err(err).Msg("Failed to prune run history")
		} else if pruned > 0 {
			a.logger.Debug().Int64("runs", pruned).Msg("Pruned run history")
		}
	}

	a.recorder = stores.NewRecorder(store, a.logger, stores.WithSteps(a.cfg.Store.RecordSteps))
	a.detach = append(a.detach, a.recorder.Attach(a.center))

	if a.cfg.Store.PersistEvents {
		a.tel.Events.Subscribe(a.recorder.EventSink(), telemetry.FilterByLevel(a.cfg.Store.EventLevel))
	}
	return nil
}

func (a *app) openPolicies(ctx context.Context) error {
	policies, err := policy.NewEngine(a.logger, policy.WithLimits(a.cfg.Policy.Limits()))
	if err != nil {
		return fmt.Errorf("failed to create policy engine: %w", err)
	}
	if err := policies.LoadPolicies(ctx, a.cfg.Policy.Paths); err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	for _, name := range a.cfg.Policy.Disabled {
		if err := policies.DisablePolicy(name); err != nil {
			return err
		}
	}
	a.policies = policies
	return nil
}

// checkPolicies evaluates the policies against a compiled script. Warnings
// are logged; a denied script returns a *policy.DeniedError.
func (a *app) checkPolicies(ctx context.Context, operation, path string, commands []engine.Command, vars map[string]any) (*policy.Result, error) {
	if a.policies == nil {
		return &policy.Result{Allowed: true}, nil
	}
	result, err := a.policies.EvaluateScript(ctx, operation, path, commands, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate policies: %w", err)
	}
	for _, w := range result.Warnings {
		a.logger.Warn().
			Str("policy", w.Policy).
			Str("script", w.Script).
			Int("index", w.Index).
			Msg(w.Message)
	}
	return result, result.Err()
}

// requireStore fails when no run history is available.
func (a *app) requireStore() error {
	if a.store == nil {
		return fmt.Errorf("run history is disabled; enable store in the config or set %s", config.EnvStorePath)
	}
	return nil
}

// Close flushes telemetry and closes the store.
func (a *app) Close(ctx context.Context) error {
	for i := len(a.detach) - 1; i >= 0; i-- {
		a.detach[i]()
	}
	a.detach = nil

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	err := a.tel.Shutdown(shutdownCtx)
	if a.store != nil {
		if cerr := a.store.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if a.loader != nil {
		_ = a.loader.StopWatching()
	}
	return err
}
