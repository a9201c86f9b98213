// Package telemetry provides observability instrumentation for tokenflow.
//
// It integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus) and event publishing, and plugs all of
// them into the process engine.
//
// # Usage
//
// Initialize telemetry at application startup and hand it to the engine:
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	eng := engine.New(repo, tel.EngineOptions()...)
//	tel.Attach(eng)
//
// EngineOptions wires the zerolog logger, the tracer and the Prometheus
// collector into the engine. Attach registers the EventPublisher as an engine
// listener, so every committed engine event reaches the subscribers:
//
//	tel.Events.Subscribe(func(ev telemetry.Event) {
//	    fmt.Println(ev.Type, ev.ActivityID)
//	}, telemetry.FilterByProcessInstance(piID))
//
// # Structured Logging
//
//	logger := tel.Logger.NewComponentLogger("scheduler")
//	logger.WithProcessInstanceID(piID).Info("firing timer")
//
// Log levels: trace, debug, info, warn, error, fatal
//
// # Distributed Tracing
//
// The engine opens one span per operation. Callers can wrap their own work:
//
//	op := telemetry.StartOperation(ctx, "cli.move", telemetry.AttrProcessInstanceID.String(piID))
//	_, err := eng.ChangeState(op.Ctx, req)
//	op.End(err)
//
// Supported exporters: otlp, stdout, none.
//
// # Metrics
//
// Metrics implements engine.Metrics. With metrics enabled the collector is
// served on the configured address:
//
//	tokenflow_operations_total{operation,outcome}
//	tokenflow_operation_duration_seconds{operation}
//	tokenflow_executions_created_total
//	tokenflow_executions_terminated_total
//	tokenflow_events_total{type}
//	tokenflow_joins_fired_total{gateway_type}
//	tokenflow_validation_errors_total{code}
//	tokenflow_due_jobs
//	tokenflow_timers_fired_total{outcome}
package telemetry
