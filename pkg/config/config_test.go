package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/openfroyo/sequencer/pkg/engine"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Expected default config to be valid, got: %v", err)
	}
	if cfg.Engine.Policy() != engine.LabelLenient {
		t.Errorf("Expected lenient label policy, got %q", cfg.Engine.Policy())
	}
}

func TestFormatOf(t *testing.T) {
	tests := []struct {
		path    string
		want    Format
		wantErr bool
	}{
		{"a.yaml", FormatYAML, false},
		{"a.YML", FormatYAML, false},
		{"dir/a.json", FormatJSON, false},
		{"a.cue", FormatCUE, false},
		{"a.toml", "", true},
		{"noext", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, err := FormatOf(tt.path)
			if (err != nil) != tt.wantErr {
				t.Fatalf("FormatOf(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestParseYAML(t *testing.T) {
	doc := `
telemetry:
  logging:
    level: debug
store:
  enabled: true
  sqlite:
    path: runs.db
  retention: 720h
engine:
  label_policy: strict
  queue: goroutine
  timeout: 10m
  max_steps: 5000
scripts:
  paths: [scripts, more]
  watch: true
policy:
  enabled: true
  paths: [policies]
  disabled: [long-waits]
  max_wait: 10m
variables:
  greeting: hello
  count: 3
`
	cfg, err := NewLoader().Parse("test.yaml", []byte(doc), FormatYAML)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if cfg.Telemetry.Logging.Level != "debug" {
		t.Errorf("Expected log level debug, got %q", cfg.Telemetry.Logging.Level)
	}
	if cfg.Telemetry.Logging.Format != "console" {
		t.Errorf("Expected default log format to survive, got %q", cfg.Telemetry.Logging.Format)
	}
	if !cfg.Store.Enabled || cfg.Store.SQLite.Path != "runs.db" {
		t.Errorf("Unexpected store config: %+v", cfg.Store)
	}
	if cfg.Store.Retention != 720*time.Hour {
		t.Errorf("Expected retention 720h, got %v", cfg.Store.Retention)
	}
	if cfg.Engine.Policy() != engine.LabelStrict {
		t.Errorf("Expected strict policy, got %q", cfg.Engine.LabelPolicy)
	}
	if cfg.Engine.Timeout != 10*time.Minute {
		t.Errorf("Expected timeout 10m, got %v", cfg.Engine.Timeout)
	}
	if cfg.Engine.MaxSteps != 5000 {
		t.Errorf("Expected max steps 5000, got %d", cfg.Engine.MaxSteps)
	}
	if _, ok := cfg.Engine.NewQueue("q").(*engine.GoroutineQueue); !ok {
		t.Error("Expected a goroutine queue")
	}
	if len(cfg.Scripts.Paths) != 2 || cfg.Scripts.Paths[1] != "more" {
		t.Errorf("Unexpected script paths: %v", cfg.Scripts.Paths)
	}
	if !cfg.Scripts.Watch {
		t.Error("Expected watch to be enabled")
	}
	if !cfg.Policy.Enabled || cfg.Policy.Paths[0] != "policies" || cfg.Policy.Disabled[0] != "long-waits" {
		t.Errorf("Unexpected policy config: %+v", cfg.Policy)
	}
	if limits := cfg.Policy.Limits(); limits.MaxWait != 10*time.Minute || limits.MaxDepth != 8 {
		t.Errorf("Unexpected policy limits: %+v", limits)
	}
	if cfg.Variables["greeting"] != "hello" || cfg.Variables["count"] != 3 {
		t.Errorf("Unexpected variables: %v", cfg.Variables)
	}
}

func TestParseJSON(t *testing.T) {
	doc := `{"engine": {"queue": "serial", "expr_timeout": "2s"}, "variables": {"n": 1}}`
	cfg, err := NewLoader().Parse("test.json", []byte(doc), FormatJSON)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Engine.ExprTimeout != 2*time.Second {
		t.Errorf("Expected expr timeout 2s, got %v", cfg.Engine.ExprTimeout)
	}
	if _, ok := cfg.Engine.NewQueue("q").(*engine.SerialQueue); !ok {
		t.Error("Expected a serial queue")
	}
}

func TestParseCUE(t *testing.T) {
	doc := `
engine: {
	label_policy: "strict"
	timeout:      "1m"
}
scripts: paths: ["a", "b"]
variables: {
	greeting: "hi"
	limit:    2 * 5
}
`
	cfg, err := NewLoader().Parse("test.cue", []byte(doc), FormatCUE)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Engine.Timeout != time.Minute {
		t.Errorf("Expected timeout 1m, got %v", cfg.Engine.Timeout)
	}
	if cfg.Engine.LabelPolicy != "strict" {
		t.Errorf("Expected strict policy, got %q", cfg.Engine.LabelPolicy)
	}
	if cfg.Variables["limit"] != 10 {
		t.Errorf("Expected limit 10, got %v (%T)", cfg.Variables["limit"], cfg.Variables["limit"])
	}
}

func TestParseEmpty(t *testing.T) {
	for _, format := range []Format{FormatYAML, FormatJSON, FormatCUE} {
		t.Run(string(format), func(t *testing.T) {
			cfg, err := NewLoader().Parse("empty", nil, format)
			if err != nil {
				t.Fatalf("Parse failed: %v", err)
			}
			if cfg.Engine.Queue != "serial" {
				t.Errorf("Expected defaults, got queue %q", cfg.Engine.Queue)
			}
		})
	}
}

func TestParseRejectsInvalid(t *testing.T) {
	tests := []struct {
		name     string
		format   Format
		doc      string
		wantPath string
	}{
		{
			name:     "bad label policy",
			format:   FormatYAML,
			doc:      "engine:\n  label_policy: loose\n",
			wantPath: "engine.label_policy",
		},
		{
			name:     "unknown engine key",
			format:   FormatYAML,
			doc:      "engine:\n  workers: 4\n",
			wantPath: "engine.workers",
		},
		{
			name:     "bad variable name",
			format:   FormatJSON,
			doc:      `{"variables": {"1abc": true}}`,
			wantPath: "variables",
		},
		{
			name:     "negative max steps",
			format:   FormatCUE,
			doc:      "engine: max_steps: -1\n",
			wantPath: "engine.max_steps",
		},
		{
			name:     "bad queue in cue",
			format:   FormatCUE,
			doc:      "engine: queue: \"threads\"\n",
			wantPath: "engine.queue",
		},
		{
			name:     "bad sampling rate",
			format:   FormatYAML,
			doc:      "telemetry:\n  tracing:\n    sampling_rate: 2\n",
			wantPath: "telemetry.tracing.sampling_rate",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLoader().Parse("bad."+string(tt.format), []byte(tt.doc), tt.format)
			if err == nil {
				t.Fatal("Expected error, got nil")
			}
			var verrs ValidationErrors
			if !errors.As(err, &verrs) {
				t.Fatalf("Expected ValidationErrors, got %T: %v", err, err)
			}
			found := false
			for _, ve := range verrs {
				if strings.HasPrefix(ve.Path, tt.wantPath) {
					found = true
				}
			}
			if !found {
				t.Errorf("Expected an error at %q, got: %v", tt.wantPath, err)
			}
		})
	}
}

func TestCUEErrorPosition(t *testing.T) {
	doc := "engine: {\n\tqueue: \"threads\"\n}\n"
	_, err := NewLoader().Parse("pos.cue", []byte(doc), FormatCUE)
	var verrs ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("Expected ValidationErrors, got %v", err)
	}
	for _, ve := range verrs {
		if ve.File == "pos.cue" && ve.Line == 2 {
			return
		}
	}
	t.Errorf("Expected an error at pos.cue:2, got: %v", err)
}

func TestCUESyntaxError(t *testing.T) {
	_, err := NewLoader().Parse("syntax.cue", []byte("engine: {"), FormatCUE)
	if err == nil {
		t.Fatal("Expected syntax error")
	}
	if !strings.Contains(err.Error(), "syntax.cue") {
		t.Errorf("Expected file name in error, got: %v", err)
	}
}

func TestValidateStruct(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*Config)
		wantPath string
	}{
		{"missing policy", func(c *Config) { c.Engine.LabelPolicy = "" }, "engine.label_policy"},
		{"negative timeout", func(c *Config) { c.Engine.Timeout = -time.Second }, "engine.timeout"},
		{"empty script path", func(c *Config) { c.Scripts.Paths = []string{""} }, "scripts.paths"},
		{"store without path", func(c *Config) {
			c.Store.Enabled = true
			c.Store.SQLite.Path = ""
		}, "store.sqlite.path"},
		{"bad event level", func(c *Config) { c.Store.EventLevel = "debug" }, "store.event_level"},
		{"bad telemetry", func(c *Config) { c.Telemetry.Logging.Level = "loud" }, "telemetry"},
		{"bad variable", func(c *Config) { c.Variables["a-b"] = 1 }, "variables"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantPath) {
				t.Errorf("Expected error mentioning %q, got: %v", tt.wantPath, err)
			}
		})
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sequencer.yml")
	if err := os.WriteFile(path, []byte("engine:\n  timeout: 30s\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Engine.Timeout != 30*time.Second {
		t.Errorf("Expected timeout 30s, got %v", cfg.Engine.Timeout)
	}

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("Expected error for missing file")
	}
	if _, err := Load(filepath.Join(dir, "sequencer.ini")); err == nil {
		t.Error("Expected error for unsupported extension")
	}
}

func TestApplyEnv(t *testing.T) {
	vars := map[string]string{
		EnvLogLevel:    "warn",
		EnvStorePath:   "/tmp/runs.db",
		EnvLabelPolicy: "strict",
		EnvWatch:       "true",
	}
	lookup := func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	}

	cfg := Default()
	if err := cfg.ApplyEnv(lookup); err != nil {
		t.Fatalf("ApplyEnv failed: %v", err)
	}
	if cfg.Telemetry.Logging.Level != "warn" {
		t.Errorf("Expected level warn, got %q", cfg.Telemetry.Logging.Level)
	}
	if !cfg.Store.Enabled || cfg.Store.SQLite.Path != "/tmp/runs.db" {
		t.Errorf("Expected store enabled at /tmp/runs.db, got %+v", cfg.Store)
	}
	if cfg.Engine.LabelPolicy != "strict" || !cfg.Scripts.Watch {
		t.Errorf("Unexpected engine/scripts config: %+v %+v", cfg.Engine, cfg.Scripts)
	}

	vars[EnvWatch] = "maybe"
	if err := cfg.ApplyEnv(lookup); err == nil {
		t.Error("Expected error for invalid boolean")
	}
}

func TestValidationErrorString(t *testing.T) {
	tests := []struct {
		err  ValidationError
		want string
	}{
		{ValidationError{Message: "bad"}, "bad"},
		{ValidationError{Path: "engine.queue", Message: "bad"}, "engine.queue: bad"},
		{ValidationError{File: "a.cue", Line: 2, Column: 3, Path: "x", Message: "bad"}, "a.cue:2:3: x: bad"},
		{ValidationError{File: "a.yaml", Message: "bad"}, "a.yaml: bad"},
	}
	for _, tt := range tests {
		if got := tt.err.String(); got != tt.want {
			t.Errorf("Expected %q, got %q", tt.want, got)
		}
	}
}

func TestCUEPathDropsDefinition(t *testing.T) {
	tests := []struct {
		path []string
		want string
	}{
		{[]string{"#Config", "engine", "workers"}, "engine.workers"},
		{[]string{"engine", "queue"}, "engine.queue"},
		{[]string{"#Config"}, ""},
		{nil, ""},
	}

	for _, tt := range tests {
		if got := cuePath(tt.path); got != tt.want {
			t.Errorf("Expected %q for %v, got %q", tt.want, tt.path, got)
		}
	}
}
