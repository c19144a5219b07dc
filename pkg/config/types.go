package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/sequencer/pkg/engine"
	"github.com/openfroyo/sequencer/pkg/expr"
	"github.com/openfroyo/sequencer/pkg/policy"
	"github.com/openfroyo/sequencer/pkg/stores"
	"github.com/openfroyo/sequencer/pkg/telemetry"
)

// Config is the sequencer application configuration.
type Config struct {
	// Telemetry configures logging, tracing, metrics and events.
	Telemetry telemetry.Config `yaml:"telemetry" json:"telemetry"`

	// Store configures the run history database.
	Store StoreConfig `yaml:"store" json:"store"`

	// Engine configures script execution.
	Engine EngineConfig `yaml:"engine" json:"engine"`

	// Scripts configures script discovery and reloading.
	Scripts ScriptsConfig `yaml:"scripts" json:"scripts"`

	// Policy configures the policies scripts are checked against.
	Policy PolicyConfig `yaml:"policy" json:"policy"`

	// Variables seed the environment of every run.
	Variables map[string]any `yaml:"variables" json:"variables" validate:"dive,keys,identifier,endkeys"`
}

// StoreConfig configures run history persistence.
type StoreConfig struct {
	// Enabled turns history recording on.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// SQLite holds the database settings.
	SQLite stores.Config `yaml:"sqlite" json:"sqlite"`

	// RecordSteps records every dispatched command.
	RecordSteps bool `yaml:"record_steps" json:"record_steps"`

	// PersistEvents stores telemetry events of at least EventLevel.
	PersistEvents bool   `yaml:"persist_events" json:"persist_events"`
	EventLevel    string `yaml:"event_level" json:"event_level" validate:"omitempty,oneof=info warning error"`

	// Retention prunes finished runs older than this at startup. Zero keeps
	// everything.
	Retention time.Duration `yaml:"retention" json:"retention" validate:"gte=0"`
}

// EngineConfig configures script execution.
type EngineConfig struct {
	// LabelPolicy is "lenient" or "strict".
	LabelPolicy string `yaml:"label_policy" json:"label_policy" validate:"required,oneof=lenient strict"`

	// Queue is "serial" or "goroutine".
	Queue string `yaml:"queue" json:"queue" validate:"required,oneof=serial goroutine"`

	// Timeout cancels a run that takes longer. Zero means no limit.
	Timeout time.Duration `yaml:"timeout" json:"timeout" validate:"gte=0"`

	// ExprTimeout bounds one expression evaluation.
	ExprTimeout time.Duration `yaml:"expr_timeout" json:"expr_timeout" validate:"gte=0"`

	// MaxSteps bounds the Starlark steps of one expression evaluation.
	MaxSteps uint64 `yaml:"max_steps" json:"max_steps"`
}

// ScriptsConfig configures script discovery.
type ScriptsConfig struct {
	// Paths are the files or directories `check` validates by default.
	Paths []string `yaml:"paths" json:"paths" validate:"dive,required"`

	// Watch restarts a run when its script changes.
	Watch bool `yaml:"watch" json:"watch"`

	// Debounce is how long changes must settle before reloading.
	Debounce time.Duration `yaml:"debounce" json:"debounce" validate:"gte=0"`
}

// PolicyConfig configures script policy checks.
type PolicyConfig struct {
	// Enabled checks every script before it runs.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Paths are .rego or .json policy files or directories to load in
	// addition to the built-in policies.
	Paths []string `yaml:"paths" json:"paths" validate:"dive,required"`

	// Disabled names policies to skip.
	Disabled []string `yaml:"disabled" json:"disabled" validate:"dive,required"`

	// MaxWait and MaxDepth are the limits of the built-in policies. Zero
	// disables the check.
	MaxWait  time.Duration `yaml:"max_wait" json:"max_wait" validate:"gte=0"`
	MaxDepth int           `yaml:"max_depth" json:"max_depth" validate:"gte=0"`
}

// Limits returns the configured policy limits.
func (c PolicyConfig) Limits() policy.Limits {
	return policy.Limits{
		MaxWait:  c.MaxWait,
		MaxDepth: c.MaxDepth,
	}
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Telemetry: *telemetry.DefaultConfig(),
		Store: StoreConfig{
			Enabled: false,
			SQLite: stores.Config{
				Path: "sequencer.db",
			},
			RecordSteps:   true,
			PersistEvents: false,
			EventLevel:    "warning",
		},
		Engine: EngineConfig{
			LabelPolicy: string(engine.LabelLenient),
			Queue:       "serial",
			ExprTimeout: 5 * time.Second,
			MaxSteps:    1_000_000,
		},
		Scripts: ScriptsConfig{
			Paths:    []string{"."},
			Debounce: 500 * time.Millisecond,
		},
		Policy: PolicyConfig{
			Enabled:  false,
			MaxWait:  policy.DefaultLimits().MaxWait,
			MaxDepth: policy.DefaultLimits().MaxDepth,
		},
		Variables: map[string]any{},
	}
}

// Policy returns the configured label policy.
func (c EngineConfig) Policy() engine.LabelPolicy {
	return engine.LabelPolicy(c.LabelPolicy)
}

// NewQueue creates the configured queue.
func (c EngineConfig) NewQueue(name string) engine.Queue {
	if c.Queue == "goroutine" {
		return engine.NewGoroutineQueue(name)
	}
	return engine.NewSerialQueue(name)
}

// NewEvaluator creates the expression evaluator for the configured bounds.
func (c EngineConfig) NewEvaluator() *expr.Evaluator {
	ev := expr.NewEvaluator(c.ExprTimeout)
	ev.SetMaxSteps(c.MaxSteps)
	return ev
}

// ValidationError represents a configuration problem with location
// information when the source provides it.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the field path of the error (e.g., "engine.label_policy").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`
}

// String renders the error with its location.
func (e ValidationError) String() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// ValidationErrors is returned when a configuration is invalid.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (v ValidationErrors) Error() string {
	msgs := make([]string, len(v))
	for i, e := range v {
		msgs[i] = e.String()
	}
	return "invalid configuration: " + strings.Join(msgs, "; ")
}
