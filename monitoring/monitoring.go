// Package monitoring exports provider health, circuit breaker state and request
// outcomes of the proxy to Prometheus and OpenTelemetry.
package monitoring

import (
	"github.com/yanolja/failover/events"
	"github.com/yanolja/failover/proxy"
)

type Config struct {
	Prometheus    PrometheusConfig    `yaml:"prometheus"`
	OpenTelemetry OpenTelemetryConfig `yaml:"opentelemetry"`
}

type PrometheusConfig struct {
	Enabled bool `yaml:"enabled"`

	// Path the metrics are served on. E.g., "/metrics"
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
	Subsystem string `yaml:"subsystem"`
}

type OpenTelemetryConfig struct {
	Enabled bool `yaml:"enabled"`

	// OTLP collector address. E.g., "localhost:4317"
	Endpoint       string            `yaml:"endpoint"`
	ServiceName    string            `yaml:"service_name"`
	ServiceVersion string            `yaml:"service_version"`
	Environment    string            `yaml:"environment"`
	Headers        map[string]string `yaml:"headers,omitempty"`
	Insecure       bool              `yaml:"insecure"`

	// Fraction of traces sampled, in [0, 1].
	SampleRate float64 `yaml:"sample_rate"`
}

func DefaultConfig() Config {
	return Config{
		Prometheus: PrometheusConfig{
			Enabled:   true,
			Path:      "/metrics",
			Namespace: "failover",
			Subsystem: "proxy",
		},
		OpenTelemetry: OpenTelemetryConfig{
			ServiceName: "failover",
			SampleRate:  0.1,
		},
	}
}

// Source is the proxy state a monitor reads on collection.
type Source interface {
	MetricsSnapshot() proxy.MetricsSnapshot
	PerformanceReport() proxy.PerformanceReport
}

// Subscriber is a monitor that counts proxy events.
type Subscriber interface {
	handle(event events.Event)
}

// Attach subscribes the monitor to every event on the bus and returns a
// function that detaches it.
func Attach(bus *events.Bus, monitor Subscriber) func() {
	return bus.SubscribeAll(monitor.handle)
}

func outcome(event events.Event) string {
	if _, ok := event.(events.RequestFailed); ok {
		return "failure"
	}
	return "success"
}
