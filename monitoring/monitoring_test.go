package monitoring

import (
	"time"

	"github.com/yanolja/failover/breaker"
	"github.com/yanolja/failover/health"
	"github.com/yanolja/failover/proxy"
)

type fakeSource struct {
	report   proxy.PerformanceReport
	snapshot proxy.MetricsSnapshot
}

func (f *fakeSource) PerformanceReport() proxy.PerformanceReport { return f.report }
func (f *fakeSource) MetricsSnapshot() proxy.MetricsSnapshot     { return f.snapshot }

func newFakeSource() *fakeSource {
	now := time.Unix(1_700_000_000, 0)
	return &fakeSource{
		report: proxy.PerformanceReport{
			Timestamp: now,
			Providers: map[string]proxy.ProviderReport{
				"primary": {
					HealthScore:    95,
					Verdict:        health.Excellent,
					CircuitBreaker: breaker.Snapshot{State: breaker.Closed},
				},
				"backup": {
					HealthScore:    20,
					Verdict:        health.Critical,
					CircuitBreaker: breaker.Snapshot{State: breaker.Open, Failures: 4},
				},
			},
			System: proxy.SystemSummary{TotalProviders: 2, HealthyProviders: 1, StrugglingProviders: 1},
		},
		snapshot: proxy.MetricsSnapshot{
			Timestamp: now,
			Providers: map[string]proxy.ProviderSnapshot{
				"primary": {CircuitState: 1, SuccessRate: 1, AvgLatency: 250, TotalRequests: 8},
				"backup":  {CircuitState: 0, Failures: 4, SuccessRate: 0.2, TotalRequests: 5},
			},
		},
	}
}
