package monitoring

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/yanolja/failover/events"
)

const instrumentationName = "github.com/yanolja/failover"

// OpenTelemetryMonitor exports proxy metrics and traces over OTLP.
type OpenTelemetryMonitor struct {
	logger         *zap.SugaredLogger
	source         Source
	meterProvider  *sdkmetric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
	meter          metric.Meter

	requestCounter  metric.Int64Counter
	requestDuration metric.Float64Histogram
	failoverCounter metric.Int64Counter
	circuitCounter  metric.Int64Counter
	registration    metric.Registration
}

// NewOpenTelemetryMonitor connects to the collector and installs the meter and
// tracer providers globally.
func NewOpenTelemetryMonitor(
	ctx context.Context,
	config OpenTelemetryConfig,
	source Source,
	logger *zap.SugaredLogger,
) (*OpenTelemetryMonitor, error) {
	if config.Endpoint == "" {
		return nil, errors.New("OpenTelemetry endpoint is required")
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	metricOptions := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(config.Endpoint),
		otlpmetricgrpc.WithHeaders(config.Headers),
	}
	traceOptions := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(config.Endpoint),
		otlptracehttp.WithHeaders(config.Headers),
	}
	if config.Insecure {
		metricOptions = append(metricOptions, otlpmetricgrpc.WithInsecure())
		traceOptions = append(traceOptions, otlptracehttp.WithInsecure())
	}

	metricExporter, err := otlpmetricgrpc.New(ctx, metricOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP metrics exporter: %w", err)
	}
	traceExporter, err := otlptracehttp.New(ctx, traceOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}

	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(config.SampleRate))),
	)
	o, err := newOpenTelemetryMonitor(sdkmetric.NewPeriodicReader(metricExporter), tracerProvider, res, source, logger)
	if err != nil {
		return nil, err
	}

	otel.SetMeterProvider(o.meterProvider)
	otel.SetTracerProvider(o.tracerProvider)
	return o, nil
}

func newOpenTelemetryMonitor(
	reader sdkmetric.Reader,
	tracerProvider *sdktrace.TracerProvider,
	res *resource.Resource,
	source Source,
	logger *zap.SugaredLogger,
) (*OpenTelemetryMonitor, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if res == nil {
		res = resource.Default()
	}

	o := &OpenTelemetryMonitor{
		logger: logger,
		source: source,
		meterProvider: sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(reader),
		),
		tracerProvider: tracerProvider,
	}
	o.meter = o.meterProvider.Meter(instrumentationName)

	if err := o.createMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}
	return o, nil
}

func (o *OpenTelemetryMonitor) createMetrics() error {
	var err error

	o.requestCounter, err = o.meter.Int64Counter(
		"failover.requests",
		metric.WithDescription("Provider attempts by outcome"),
	)
	if err != nil {
		return err
	}

	o.requestDuration, err = o.meter.Float64Histogram(
		"failover.request.duration",
		metric.WithDescription("Provider attempt duration, retries included"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	o.failoverCounter, err = o.meter.Int64Counter(
		"failover.failovers",
		metric.WithDescription("Failovers away from a provider"),
	)
	if err != nil {
		return err
	}

	o.circuitCounter, err = o.meter.Int64Counter(
		"failover.circuit.adaptations",
		metric.WithDescription("Circuit breaker state changes"),
	)
	if err != nil {
		return err
	}

	healthScore, err := o.meter.Int64ObservableGauge(
		"failover.provider.health_score",
		metric.WithDescription("Provider health score in [0, 100]"),
	)
	if err != nil {
		return err
	}
	circuitState, err := o.meter.Int64ObservableGauge(
		"failover.provider.circuit_state",
		metric.WithDescription("1 while the circuit lets calls through, 0 while it is open"),
	)
	if err != nil {
		return err
	}
	successRate, err := o.meter.Float64ObservableGauge(
		"failover.provider.success_rate",
		metric.WithDescription("Success rate of retained requests"),
	)
	if err != nil {
		return err
	}

	o.registration, err = o.meter.RegisterCallback(func(ctx context.Context, observer metric.Observer) error {
		report := o.source.PerformanceReport()
		for name, provider := range report.Providers {
			observer.ObserveInt64(healthScore, int64(provider.HealthScore), metric.WithAttributes(
				attribute.String("provider", name),
				attribute.String("verdict", string(provider.Verdict)),
			))
		}
		for name, provider := range o.source.MetricsSnapshot().Providers {
			attributes := metric.WithAttributes(attribute.String("provider", name))
			observer.ObserveInt64(circuitState, int64(provider.CircuitState), attributes)
			observer.ObserveFloat64(successRate, provider.SuccessRate, attributes)
		}
		return nil
	}, healthScore, circuitState, successRate)
	return err
}

func (o *OpenTelemetryMonitor) handle(event events.Event) {
	ctx := context.Background()
	switch e := event.(type) {
	case events.RequestSucceeded:
		o.recordRequest(ctx, e.Provider, outcome(e), e.Duration.Seconds())
	case events.RequestFailed:
		o.recordRequest(ctx, e.Provider, outcome(e), e.Duration.Seconds())
	case events.FailoverAttempted:
		o.failoverCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", e.From)))
	case events.CircuitBreakerAdapted:
		o.circuitCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("provider", e.Provider),
			attribute.String("state", string(e.State)),
		))
	}
}

func (o *OpenTelemetryMonitor) recordRequest(ctx context.Context, provider string, outcome string, seconds float64) {
	attributes := metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("outcome", outcome),
	)
	o.requestCounter.Add(ctx, 1, attributes)
	o.requestDuration.Record(ctx, seconds, attributes)
}

// Tracer returns the tracer for proxy spans. Spans are dropped if tracing was
// not configured.
func (o *OpenTelemetryMonitor) Tracer() trace.Tracer {
	if o.tracerProvider == nil {
		return otel.Tracer(instrumentationName)
	}
	return o.tracerProvider.Tracer(instrumentationName)
}

func (o *OpenTelemetryMonitor) Shutdown(ctx context.Context) error {
	var errs []error
	if o.registration != nil {
		errs = append(errs, o.registration.Unregister())
	}
	if err := o.meterProvider.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to shut down meter provider: %w", err))
	}
	if o.tracerProvider != nil {
		if err := o.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shut down tracer provider: %w", err))
		}
	}
	return errors.Join(errs...)
}
