package server

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/yanolja/failover/events"
	"github.com/yanolja/failover/proxy"
	"github.com/yanolja/failover/state"
)

const publishTimeout = 5 * time.Second

// ReportPublisher saves the performance report to the store after every health
// sweep, so any instance can serve the latest one.
type ReportPublisher struct {
	proxy  *proxy.Proxy
	store  state.Store
	logger *zap.SugaredLogger

	// Saved reports expire after two sweeps.
	ttl time.Duration

	// Instances sharing the store publish at most once per gate interval.
	gate time.Duration
}

func NewReportPublisher(p *proxy.Proxy, store state.Store, logger *zap.SugaredLogger) *ReportPublisher {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	interval := p.Config().HealthCheckInterval
	return &ReportPublisher{
		proxy:  p,
		store:  store,
		logger: logger,
		ttl:    2 * interval,
		gate:   interval / 2,
	}
}

// Start subscribes to health sweeps and returns a function that unsubscribes.
func (r *ReportPublisher) Start() func() {
	return r.proxy.Events().Subscribe(events.KindHealthSweepCompleted, func(events.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := r.Publish(ctx); err != nil {
			r.logger.Warnw("Failed to publish performance report", "error", err)
		}
	})
}

// Publish saves the current report unless another instance published within
// the gate interval.
func (r *ReportPublisher) Publish(ctx context.Context) error {
	allowed, wait, err := r.store.Allow(ctx, "report-publish", r.gate)
	if err != nil {
		return err
	}
	if !allowed {
		r.logger.Debugw("Skipping report publication", "wait", wait)
		return nil
	}

	report, err := r.proxy.PerformanceReport().JSON()
	if err != nil {
		return err
	}
	if err := r.store.Save(ctx, LatestReportKey, report, r.ttl); err != nil {
		return err
	}
	r.logger.Debugw("Published performance report", "key", LatestReportKey, "bytes", len(report))
	return nil
}
