package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zaptest"

	"github.com/yanolja/failover/events"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var data metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &data))

	byName := make(map[string]metricdata.Metrics)
	for _, scope := range data.ScopeMetrics {
		for _, m := range scope.Metrics {
			byName[m.Name] = m
		}
	}
	return byName
}

func TestNewOpenTelemetryMonitor(t *testing.T) {
	_, err := NewOpenTelemetryMonitor(context.Background(), OpenTelemetryConfig{}, newFakeSource(), nil)
	assert.ErrorContains(t, err, "endpoint is required")
}

func TestOpenTelemetryMonitor(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	recorder := tracetest.NewSpanRecorder()
	tracerProvider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	monitor, err := newOpenTelemetryMonitor(reader, tracerProvider, nil, newFakeSource(), zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	defer func() {
		assert.NoError(t, monitor.Shutdown(context.Background()))
	}()

	t.Run("observes provider gauges", func(t *testing.T) {
		metrics := collect(t, reader)

		healthScore, ok := metrics["failover.provider.health_score"].Data.(metricdata.Gauge[int64])
		require.True(t, ok)
		scores := make(map[string]int64)
		for _, point := range healthScore.DataPoints {
			provider, _ := point.Attributes.Value(attribute.Key("provider"))
			scores[provider.AsString()] = point.Value
		}
		assert.Equal(t, map[string]int64{"primary": 95, "backup": 20}, scores)

		circuitState, ok := metrics["failover.provider.circuit_state"].Data.(metricdata.Gauge[int64])
		require.True(t, ok)
		assert.Len(t, circuitState.DataPoints, 2)
	})

	t.Run("counts events", func(t *testing.T) {
		bus := events.NewBus(zaptest.NewLogger(t).Sugar())
		detach := Attach(bus, monitor)
		defer detach()

		bus.Publish(events.RequestSucceeded{Provider: "primary", Duration: 100 * time.Millisecond})
		bus.Publish(events.RequestFailed{Provider: "backup", Duration: time.Second, Err: errors.New("boom")})
		bus.Publish(events.RequestFailed{Provider: "backup", Duration: time.Second, Err: errors.New("boom")})
		bus.Publish(events.FailoverAttempted{From: "backup"})

		metrics := collect(t, reader)

		requests, ok := metrics["failover.requests"].Data.(metricdata.Sum[int64])
		require.True(t, ok)
		counts := make(map[string]int64)
		for _, point := range requests.DataPoints {
			outcome, _ := point.Attributes.Value(attribute.Key("outcome"))
			counts[outcome.AsString()] += point.Value
		}
		assert.Equal(t, map[string]int64{"success": 1, "failure": 2}, counts)

		failovers, ok := metrics["failover.failovers"].Data.(metricdata.Sum[int64])
		require.True(t, ok)
		require.Len(t, failovers.DataPoints, 1)
		assert.Equal(t, int64(1), failovers.DataPoints[0].Value)

		duration, ok := metrics["failover.request.duration"].Data.(metricdata.Histogram[float64])
		require.True(t, ok)
		assert.Len(t, duration.DataPoints, 2)
	})

	t.Run("tracer records spans", func(t *testing.T) {
		_, span := monitor.Tracer().Start(context.Background(), "proxy.Request")
		span.End()

		spans := recorder.Ended()
		require.Len(t, spans, 1)
		assert.Equal(t, "proxy.Request", spans[0].Name())
	})
}
