package proxy

import (
	"time"

	"github.com/goccy/go-json"

	"github.com/yanolja/failover"
	"github.com/yanolja/failover/breaker"
	"github.com/yanolja/failover/health"
	"github.com/yanolja/failover/metrics"
)

// Score boundaries of the system summary.
const (
	healthyScore    = 70
	strugglingScore = 50
)

type ProviderReport struct {
	HealthScore int               `json:"health_score"`
	Verdict     health.Verdict    `json:"verdict"`
	Components  health.Components `json:"components"`

	// Nil if the provider has no retained requests.
	Stats *metrics.Stats `json:"stats"`

	// Nil if the provider was never health checked.
	Health *metrics.HealthCheck `json:"health"`

	CircuitBreaker breaker.Snapshot `json:"circuit_breaker"`
}

type SystemSummary struct {
	TotalProviders int `json:"total_providers"`

	// Providers scoring 70 or more.
	HealthyProviders int `json:"healthy_providers"`

	// Providers scoring less than 50.
	StrugglingProviders int `json:"struggling_providers"`
}

type PerformanceReport struct {
	Timestamp time.Time                 `json:"timestamp"`
	Providers map[string]ProviderReport `json:"providers"`
	System    SystemSummary             `json:"system"`
}

// ProviderSnapshot is a flat view of one provider for metrics scraping.
type ProviderSnapshot struct {
	// 1 while the circuit lets calls through, 0 while it is open.
	CircuitState int     `json:"circuit_state"`
	Failures     int     `json:"failures"`
	SuccessRate  float64 `json:"success_rate"`
	// Average latency of successful requests in milliseconds.
	AvgLatency    float64 `json:"avg_latency"`
	TotalRequests int     `json:"total_requests"`
}

type MetricsSnapshot struct {
	Timestamp time.Time                   `json:"timestamp"`
	Providers map[string]ProviderSnapshot `json:"providers"`
}

// PerformanceReport scores every provider. It has no side effects.
func (p *Proxy) PerformanceReport() PerformanceReport {
	now := p.clock.Now()
	report := PerformanceReport{
		Timestamp: now,
		Providers: make(map[string]ProviderReport),
	}

	for _, r := range p.registrations() {
		score := p.healthScore(r.name, now)
		providerReport := ProviderReport{
			HealthScore:    score.Score,
			Verdict:        score.Verdict,
			Components:     score.Components,
			CircuitBreaker: r.breaker.Snapshot(),
		}
		if stats, ok := p.metrics.Stats(r.name); ok {
			providerReport.Stats = &stats
		}
		if check, ok := p.metrics.HealthCheck(r.name); ok {
			providerReport.Health = &check
		}
		report.Providers[r.name] = providerReport

		report.System.TotalProviders++
		if score.Score >= healthyScore {
			report.System.HealthyProviders++
		} else if score.Score < strugglingScore {
			report.System.StrugglingProviders++
		}
	}
	return report
}

// MetricsSnapshot flattens provider state for metrics scraping. It has no side
// effects.
func (p *Proxy) MetricsSnapshot() MetricsSnapshot {
	snapshot := MetricsSnapshot{
		Timestamp: p.clock.Now(),
		Providers: make(map[string]ProviderSnapshot),
	}

	for _, r := range p.registrations() {
		state := r.breaker.Snapshot()
		providerSnapshot := ProviderSnapshot{
			CircuitState: 1,
			Failures:     state.Failures,
			SuccessRate:  1,
		}
		if state.State == breaker.Open {
			providerSnapshot.CircuitState = 0
		}
		if stats, ok := p.metrics.Stats(r.name); ok {
			providerSnapshot.SuccessRate = stats.SuccessRate
			providerSnapshot.AvgLatency = failover.Milliseconds(stats.AvgResponseTime)
			providerSnapshot.TotalRequests = stats.TotalRequests
		}
		snapshot.Providers[r.name] = providerSnapshot
	}
	return snapshot
}

// HealthStatus returns the latest health check of every provider, with staleness.
func (p *Proxy) HealthStatus() map[string]metrics.HealthStatus {
	return p.metrics.HealthStatus()
}

func (r PerformanceReport) JSON() ([]byte, error) {
	return json.Marshal(r)
}
