package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"

	"github.com/tokenflow/tokenflow/pkg/engine"
)

// Telemetry bundles logging, tracing, metrics and event publishing.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config

	stopMetrics func(context.Context) error
}

// telemetryContextKey is the context key for telemetry instances.
type telemetryContextKey struct{}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}, nil
}

// EngineOptions returns the engine options that route engine logs, spans and
// measurements into this telemetry instance.
func (t *Telemetry) EngineOptions() []engine.Option {
	return []engine.Option{
		engine.WithLogger(t.Logger.NewComponentLogger("engine").Zerolog()),
		engine.WithTracer(t.Tracer),
		engine.WithMetrics(t.Metrics),
	}
}

// Attach registers the event publisher as a listener of eng.
func (t *Telemetry) Attach(eng *engine.Engine, opts ...engine.ListenerOption) {
	if t.Config.Events.Enabled {
		eng.RegisterListener(t.Events, opts...)
	}
}

// WithContext adds the telemetry instance to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	return t.Logger.WithContext(ctx)
}

// FromTelemetryContext retrieves the telemetry instance from the context, or nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// StartMetricsServer starts the metrics HTTP server if metrics are enabled.
func (t *Telemetry) StartMetricsServer() error {
	stop, err := t.Metrics.StartMetricsServer(t.Logger.NewComponentLogger("metrics"))
	if err != nil {
		return err
	}
	t.stopMetrics = stop
	return nil
}

// Shutdown stops every telemetry component and reports all failures.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	err := t.Events.Shutdown(ctx)
	err = multierr.Append(err, t.Tracer.Shutdown(ctx))
	if t.stopMetrics != nil {
		err = multierr.Append(err, t.stopMetrics(ctx))
	}
	return err
}

// InstrumentedContext carries the span, logger and timer of one caller-side operation.
type InstrumentedContext struct {
	Ctx    context.Context
	Span   trace.Span
	Logger *Logger
	Timer  *Timer
}

// StartOperation begins an instrumented operation with logging, tracing, and timing.
func StartOperation(ctx context.Context, operation string, attrs ...attribute.KeyValue) *InstrumentedContext {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return &InstrumentedContext{
			Ctx:    ctx,
			Span:   trace.SpanFromContext(context.Background()),
			Logger: FromContext(ctx),
			Timer:  NewTimer(),
		}
	}

	spanCtx, span := tel.Tracer.StartSpan(ctx, operation, attrs...)

	logger := tel.Logger.WithField("operation", operation)
	for _, attr := range attrs {
		if attr.Key == AttrProcessInstanceID {
			logger = logger.WithProcessInstanceID(attr.Value.AsString())
		}
	}
	if span.SpanContext().IsValid() {
		logger = logger.WithFields(map[string]interface{}{
			"trace_id": span.SpanContext().TraceID().String(),
			"span_id":  span.SpanContext().SpanID().String(),
		})
	}

	return &InstrumentedContext{
		Ctx:    logger.WithContext(spanCtx),
		Span:   span,
		Logger: logger,
		Timer:  NewTimer(),
	}
}

// End finishes the instrumented operation, recording success or failure.
func (ic *InstrumentedContext) End(err error) {
	if err != nil {
		RecordError(ic.Span, err)
		ic.Logger.WithError(err).Debugf("operation failed after %s", ic.Timer.Duration())
	} else {
		RecordSuccess(ic.Span)
		ic.Logger.Debugf("operation finished in %s", ic.Timer.Duration())
	}
	ic.Span.End()
}
