package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/openfroyo/sequencer/pkg/engine"
	"github.com/openfroyo/sequencer/pkg/env"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "default", mutate: func(c *Config) {}},
		{name: "development", mutate: func(c *Config) { *c = *DevelopmentConfig() }},
		{name: "no service", mutate: func(c *Config) { c.ServiceName = "" }, wantErr: "service name"},
		{name: "bad level", mutate: func(c *Config) { c.Logging.Level = "loud" }, wantErr: "invalid log level"},
		{name: "bad format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: "invalid log format"},
		{name: "bad exporter", mutate: func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "jaeger"
		}, wantErr: "invalid trace exporter"},
		{name: "bad sampling", mutate: func(c *Config) { c.Tracing.SamplingRate = 2 }, wantErr: "sampling rate"},
		{name: "metrics without address", mutate: func(c *Config) {
			c.Metrics.Enabled = true
			c.Metrics.ListenAddress = ""
		}, wantErr: "listen address"},
		{name: "zero buffer", mutate: func(c *Config) { c.Events.BufferSize = 0 }, wantErr: "buffer size"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Expected no error, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoggerJSONFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(LoggingConfig{Level: "debug", Format: "json"}, &buf)

	logger.NewComponentLogger("compiler").WithRunID("run-1").WithScript("main.seq").Info("compiled")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("Expected JSON log line, got %q: %v", buf.String(), err)
	}
	for key, want := range map[string]string{
		"component": "compiler",
		"run_id":    "run-1",
		"script":    "main.seq",
		"message":   "compiled",
		"level":     "info",
	} {
		if line[key] != want {
			t.Errorf("Expected %s=%q, got %v", key, want, line[key])
		}
	}
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(LoggingConfig{Level: "warn", Format: "json"}, &buf)

	logger.Info("hidden")
	logger.Warn("shown")

	if strings.Contains(buf.String(), "hidden") {
		t.Errorf("Expected info line to be filtered, got %q", buf.String())
	}
	if !strings.Contains(buf.String(), "shown") {
		t.Errorf("Expected warn line, got %q", buf.String())
	}
}

func TestLoggerContextRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(LoggingConfig{Level: "info", Format: "json"}, &buf).WithRunID("ctx-run")

	ctx := logger.WithContext(context.Background())
	FromContext(ctx).Info("from context")

	if !strings.Contains(buf.String(), `"run_id":"ctx-run"`) {
		t.Errorf("Expected run_id from context logger, got %q", buf.String())
	}
}

func TestDisabledMetricsAreNoOps(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if m.Enabled() {
		t.Fatal("Expected disabled metrics")
	}

	m.RecordRunStarted(true)
	m.RecordRunEnded("failed", time.Second)
	m.RecordError("script", "X")

	if m.Registry() != nil {
		t.Error("Expected nil registry for disabled metrics")
	}
	if err := m.StartMetricsServer(); err != nil {
		t.Errorf("Expected no error starting disabled server, got %v", err)
	}
	if err := m.Shutdown(context.Background()); err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
}

func TestMetricsRecording(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "test"})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	m.RecordRunStarted(false)
	m.RecordRunStarted(true)
	m.RecordRunEnded("succeeded", time.Millisecond)
	m.RecordCommand("print")
	m.RecordCommand("print")
	m.RecordJump("goto")
	m.RecordUnresolvedLabel("goto")
	m.RecordDuplicateCompletion("call")
	m.RecordError("script", "UNRESOLVED_LABEL")

	if got := testutil.ToFloat64(m.activeRuns); got != 1 {
		t.Errorf("Expected 1 active run, got %v", got)
	}
	if got := testutil.ToFloat64(m.runsStarted.WithLabelValues("true")); got != 1 {
		t.Errorf("Expected 1 nested run, got %v", got)
	}
	if got := testutil.ToFloat64(m.commandsExecuted.WithLabelValues("print")); got != 2 {
		t.Errorf("Expected 2 print commands, got %v", got)
	}
	if got := testutil.ToFloat64(m.jumps.WithLabelValues("goto")); got != 1 {
		t.Errorf("Expected 1 jump, got %v", got)
	}
	if got := testutil.ToFloat64(m.errorsByCode.WithLabelValues("script", "UNRESOLVED_LABEL")); got != 1 {
		t.Errorf("Expected 1 error, got %v", got)
	}
	if got := testutil.CollectAndCount(m.runDuration); got != 1 {
		t.Errorf("Expected 1 duration series, got %d", got)
	}
}

func TestEventPublisherSync(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	var got []string
	ep.Subscribe(func(e Event) { got = append(got, e.Type) }, nil)
	ep.Subscribe(func(e Event) { got = append(got, "warn:"+e.Type) }, FilterByLevel(EventLevelWarning))

	_ = ep.PublishRunStarted("r1", "", "main", 2)
	_ = ep.PublishLabelUnresolved("r1", 0, "goto", "missing")
	_ = ep.PublishRunEnded("r1", "failed", time.Second, errors.New("boom"))

	want := []string{
		EventTypeRunStarted,
		EventTypeLabelUnresolved,
		"warn:" + EventTypeLabelUnresolved,
		EventTypeRunFailed,
		"warn:" + EventTypeRunFailed,
	}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestEventPublisherAsyncFlush(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{
		Enabled:      true,
		EnableAsync:  true,
		BufferSize:   16,
		MaxBatchSize: 100,
	})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	defer ep.Shutdown(context.Background())

	var mu sync.Mutex
	var indexes []int
	ep.Subscribe(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		indexes = append(indexes, e.Index)
	}, FilterByRunID("r1"))

	for i := 0; i < 5; i++ {
		if err := ep.PublishCommand("r1", "main", i, "print"); err != nil {
			t.Fatalf("Expected publish to succeed, got %v", err)
		}
	}
	_ = ep.PublishCommand("other", "main", 99, "print")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ep.Flush(ctx); err != nil {
		t.Fatalf("Expected flush to succeed, got %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(indexes) != 5 {
		t.Fatalf("Expected 5 events after flush, got %v", indexes)
	}
	for i, idx := range indexes {
		if idx != i {
			t.Errorf("Expected events in publish order, got %v", indexes)
			break
		}
	}
}

func TestEventPublisherStopped(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, EnableAsync: true, BufferSize: 4, MaxBatchSize: 1})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if err := ep.Shutdown(context.Background()); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if err := ep.Publish(Event{Type: "x"}); err == nil {
		t.Error("Expected publish after shutdown to fail")
	}
	if err := ep.Shutdown(context.Background()); err != nil {
		t.Errorf("Expected second shutdown to succeed, got %v", err)
	}
}

func TestEngineObserverFailedRun(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "obs"})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	events, err := NewEventPublisher(EventsConfig{Enabled: true})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	var types []string
	events.Subscribe(func(e Event) { types = append(types, e.Type) }, nil)

	var buf bytes.Buffer
	logger := NewLoggerWithWriter(LoggingConfig{Level: "info", Format: "json"}, &buf)

	center := engine.NewNotificationCenter()
	detach := NewEngineObserver(logger, m, events).Attach(center)
	defer detach()

	e := engine.New([]engine.Command{
		engine.NewPrint("start"),
		engine.NewGoto("nowhere"),
		engine.NewPrint("never"),
	},
		engine.WithEnvironment(env.New()),
		engine.WithNotifications(center),
		engine.WithLabelPolicy(engine.LabelStrict),
		engine.WithLogger(zerolog.Nop()),
		engine.WithOutput(&bytes.Buffer{}),
	)

	q := engine.NewSerialQueue("observer")
	defer q.Close()
	e.Run(q)

	select {
	case <-e.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Expected run to finish")
	}

	want := []string{
		EventTypeRunStarted,
		EventTypeCommandWillExecute,
		EventTypeCommandWillExecute,
		EventTypeLabelUnresolved,
		EventTypeRunFailed,
	}
	if strings.Join(types, ",") != strings.Join(want, ",") {
		t.Errorf("Expected events %v, got %v", want, types)
	}

	if got := testutil.ToFloat64(m.runsEnded.WithLabelValues("failed")); got != 1 {
		t.Errorf("Expected 1 failed run, got %v", got)
	}
	if got := testutil.ToFloat64(m.unresolvedLabels.WithLabelValues("goto")); got != 1 {
		t.Errorf("Expected 1 unresolved label, got %v", got)
	}
	if got := testutil.ToFloat64(m.errorsByCode.WithLabelValues("script", engine.ErrCodeUnresolvedLabel)); got != 1 {
		t.Errorf("Expected 1 UNRESOLVED_LABEL error, got %v", got)
	}
	if got := testutil.ToFloat64(m.activeRuns); got != 0 {
		t.Errorf("Expected no active runs, got %v", got)
	}
	if !strings.Contains(buf.String(), "Label not found") {
		t.Errorf("Expected unresolved label log line, got %q", buf.String())
	}
}

func TestEngineObserverLogsPublishErrors(t *testing.T) {
	events, err := NewEventPublisher(EventsConfig{Enabled: true, EnableAsync: true, BufferSize: 4, MaxBatchSize: 1})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if err := events.Shutdown(context.Background()); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	var buf bytes.Buffer
	logger := NewLoggerWithWriter(LoggingConfig{Level: "debug", Format: "json"}, &buf)

	center := engine.NewNotificationCenter()
	detach := NewEngineObserver(logger, nil, events).Attach(center)
	defer detach()

	e := engine.New([]engine.Command{engine.NewPrint("hi")},
		engine.WithEnvironment(env.New()),
		engine.WithNotifications(center),
		engine.WithLogger(zerolog.Nop()),
		engine.WithOutput(&bytes.Buffer{}),
	)

	q := engine.NewSerialQueue("publish-errors")
	defer q.Close()
	e.Run(q)

	select {
	case <-e.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Expected run to finish")
	}

	if got := strings.Count(buf.String(), "Failed to publish engine event"); got != 3 {
		t.Errorf("Expected 3 publish failures logged, got %d in %q", got, buf.String())
	}
	if !strings.Contains(buf.String(), "event publisher stopped") {
		t.Errorf("Expected publish error in log, got %q", buf.String())
	}
}

func TestEngineObserverNestedRun(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "nested"})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	center := engine.NewNotificationCenter()
	detach := NewEngineObserver(nil, m, nil).Attach(center)

	e := engine.New([]engine.Command{
		engine.NewRun("child", []engine.Command{engine.NewSetValue("x", 1)}),
	},
		engine.WithEnvironment(env.New()),
		engine.WithNotifications(center),
		engine.WithLogger(zerolog.Nop()),
	)

	q := engine.NewSerialQueue("nested")
	defer q.Close()
	e.Run(q)
	<-e.Done()
	detach()

	if got := testutil.ToFloat64(m.runsStarted.WithLabelValues("true")); got != 1 {
		t.Errorf("Expected 1 nested run, got %v", got)
	}
	if got := testutil.ToFloat64(m.runsEnded.WithLabelValues("succeeded")); got != 2 {
		t.Errorf("Expected 2 succeeded runs, got %v", got)
	}
}

func TestTelemetryBundle(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Output = "stderr"
	cfg.Metrics.Enabled = true
	cfg.Events.EnableAsync = false

	tel, err := NewTelemetry(cfg)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	ctx := tel.WithContext(context.Background())
	if FromTelemetryContext(ctx) != tel {
		t.Error("Expected telemetry from context")
	}
	if FromTelemetryContext(context.Background()) != nil {
		t.Error("Expected nil telemetry from empty context")
	}

	ic := StartOperation(ctx, "script.compile")
	ic.End(nil)

	if len(tel.EngineOptions()) != 2 {
		t.Errorf("Expected 2 engine options, got %d", len(tel.EngineOptions()))
	}

	if err := tel.Flush(context.Background()); err != nil {
		t.Errorf("Expected flush to succeed, got %v", err)
	}
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Errorf("Expected shutdown to succeed, got %v", err)
	}
}

func TestInvalidTelemetryConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Level = "nope"
	if _, err := NewTelemetry(cfg); err == nil {
		t.Error("Expected invalid config to be rejected")
	}
}
