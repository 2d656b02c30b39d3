package monitoring

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/yanolja/failover/events"
)

// PrometheusMonitor serves provider gauges read from the proxy on every scrape,
// plus counters fed by proxy events.
type PrometheusMonitor struct {
	config   PrometheusConfig
	registry *prometheus.Registry
	source   Source
	logger   *zap.SugaredLogger

	requestsTotal       *prometheus.CounterVec
	requestDuration     *prometheus.HistogramVec
	failoversTotal      *prometheus.CounterVec
	circuitAdaptations  *prometheus.CounterVec
	healthChecksTotal   *prometheus.CounterVec
	healthScore         *prometheus.Desc
	circuitState        *prometheus.Desc
	circuitFailures     *prometheus.Desc
	successRate         *prometheus.Desc
	averageLatency      *prometheus.Desc
	retainedRequests    *prometheus.Desc
	healthyProviders    *prometheus.Desc
	strugglingProviders *prometheus.Desc
}

func NewPrometheusMonitor(config PrometheusConfig, source Source, logger *zap.SugaredLogger) (*PrometheusMonitor, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	p := &PrometheusMonitor{
		config:   config,
		registry: prometheus.NewRegistry(),
		source:   source,
		logger:   logger,
	}
	p.initializeMetrics()

	collectors := []prometheus.Collector{
		p.requestsTotal,
		p.requestDuration,
		p.failoversTotal,
		p.circuitAdaptations,
		p.healthChecksTotal,
		p,
	}
	for _, collector := range collectors {
		if err := p.registry.Register(collector); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *PrometheusMonitor) initializeMetrics() {
	namespace := p.config.Namespace
	subsystem := p.config.Subsystem

	p.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "requests_total",
			Help:      "Total number of provider attempts by outcome",
		},
		[]string{"provider", "outcome"},
	)
	p.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "request_duration_seconds",
			Help:      "Provider attempt duration in seconds, retries included",
			Buckets:   []float64{0.1, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0},
		},
		[]string{"provider", "outcome"},
	)
	p.failoversTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "failovers_total",
			Help:      "Total number of failovers away from a provider",
		},
		[]string{"provider"},
	)
	p.circuitAdaptations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "circuit_adaptations_total",
			Help:      "Total number of circuit breaker state changes",
		},
		[]string{"provider", "state"},
	)
	p.healthChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "health_checks_total",
			Help:      "Total number of health checks by result",
		},
		[]string{"provider", "healthy"},
	)

	desc := func(name string, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, labels, nil)
	}
	p.healthScore = desc("health_score", "Provider health score in [0, 100]", "provider", "verdict")
	p.circuitState = desc("circuit_state", "1 while the circuit lets calls through, 0 while it is open", "provider")
	p.circuitFailures = desc("circuit_failures", "Failures in the circuit breaker window", "provider")
	p.successRate = desc("success_rate", "Success rate of retained requests", "provider")
	p.averageLatency = desc("average_latency_seconds", "Average latency of successful retained requests", "provider")
	p.retainedRequests = desc("retained_requests", "Requests within the metrics retention", "provider")
	p.healthyProviders = desc("healthy_providers", "Providers scoring 70 or more")
	p.strugglingProviders = desc("struggling_providers", "Providers scoring less than 50")
}

func (p *PrometheusMonitor) Describe(ch chan<- *prometheus.Desc) {
	ch <- p.healthScore
	ch <- p.circuitState
	ch <- p.circuitFailures
	ch <- p.successRate
	ch <- p.averageLatency
	ch <- p.retainedRequests
	ch <- p.healthyProviders
	ch <- p.strugglingProviders
}

func (p *PrometheusMonitor) Collect(ch chan<- prometheus.Metric) {
	report := p.source.PerformanceReport()
	for name, provider := range report.Providers {
		ch <- prometheus.MustNewConstMetric(
			p.healthScore, prometheus.GaugeValue, float64(provider.HealthScore), name, string(provider.Verdict))
	}
	ch <- prometheus.MustNewConstMetric(
		p.healthyProviders, prometheus.GaugeValue, float64(report.System.HealthyProviders))
	ch <- prometheus.MustNewConstMetric(
		p.strugglingProviders, prometheus.GaugeValue, float64(report.System.StrugglingProviders))

	snapshot := p.source.MetricsSnapshot()
	for name, provider := range snapshot.Providers {
		ch <- prometheus.MustNewConstMetric(p.circuitState, prometheus.GaugeValue, float64(provider.CircuitState), name)
		ch <- prometheus.MustNewConstMetric(p.circuitFailures, prometheus.GaugeValue, float64(provider.Failures), name)
		ch <- prometheus.MustNewConstMetric(p.successRate, prometheus.GaugeValue, provider.SuccessRate, name)
		ch <- prometheus.MustNewConstMetric(p.averageLatency, prometheus.GaugeValue, provider.AvgLatency/1000, name)
		ch <- prometheus.MustNewConstMetric(p.retainedRequests, prometheus.GaugeValue, float64(provider.TotalRequests), name)
	}
}

func (p *PrometheusMonitor) handle(event events.Event) {
	switch e := event.(type) {
	case events.RequestSucceeded:
		p.requestsTotal.WithLabelValues(e.Provider, outcome(e)).Inc()
		p.requestDuration.WithLabelValues(e.Provider, outcome(e)).Observe(e.Duration.Seconds())
	case events.RequestFailed:
		p.requestsTotal.WithLabelValues(e.Provider, outcome(e)).Inc()
		p.requestDuration.WithLabelValues(e.Provider, outcome(e)).Observe(e.Duration.Seconds())
	case events.FailoverAttempted:
		p.failoversTotal.WithLabelValues(e.From).Inc()
	case events.CircuitBreakerAdapted:
		p.circuitAdaptations.WithLabelValues(e.Provider, string(e.State)).Inc()
	case events.HealthSweepCompleted:
		for name, check := range e.Results {
			p.healthChecksTotal.WithLabelValues(name, strconv.FormatBool(check.Healthy)).Inc()
		}
	case events.ProviderUnregistered:
		p.forget(e.Name)
	}
}

func (p *PrometheusMonitor) forget(provider string) {
	labels := prometheus.Labels{"provider": provider}
	p.requestsTotal.DeletePartialMatch(labels)
	p.requestDuration.DeletePartialMatch(labels)
	p.failoversTotal.DeletePartialMatch(labels)
	p.circuitAdaptations.DeletePartialMatch(labels)
	p.healthChecksTotal.DeletePartialMatch(labels)
}

func (p *PrometheusMonitor) Registry() *prometheus.Registry {
	return p.registry
}

func (p *PrometheusMonitor) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{
		ErrorLog: zap.NewStdLog(p.logger.Desugar()),
	})
}
