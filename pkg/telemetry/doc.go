// Package telemetry provides observability for script runs.
//
// It combines structured logging (zerolog), distributed tracing
// (OpenTelemetry), Prometheus metrics and an event publisher, and connects
// them to the engine through its notification center.
//
// # Usage
//
// Initialize telemetry at startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = "1.0.0"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
// Route engine logs and spans through it and observe every run:
//
//	detach := tel.Observer().Attach(engine.DefaultNotifications())
//	defer detach()
//
//	e := engine.New(commands, tel.EngineOptions()...)
//
// # Tracing
//
// The engine opens a "script.run" span per run and a "script.command" span
// per dispatched command. Sub-script runs nest under the span of their run
// command. Exporters: otlp (gRPC), stdout and none.
//
// # Metrics
//
// With metrics enabled the observer maintains:
//
//	<ns>_runs_started_total{nested}
//	<ns>_runs_ended_total{status}
//	<ns>_run_duration_seconds{status}
//	<ns>_active_runs
//	<ns>_commands_executed_total{kind}
//	<ns>_jumps_total{kind}
//	<ns>_unresolved_labels_total{kind}
//	<ns>_duplicate_completions_total{kind}
//	<ns>_errors_by_code_total{class,code}
//
// They are served at ListenAddress + Path by StartMetricsServer.
//
// # Events
//
// Events are delivered to subscribers in publish order. In async mode a
// single goroutine batches them and flushes on batch size, on the flush
// interval, on Flush and at Shutdown.
//
//	tel.Events.Subscribe(func(event telemetry.Event) {
//	    fmt.Println(event.Type, event.RunID)
//	}, telemetry.FilterByLevel(telemetry.EventLevelWarning))
package telemetry
