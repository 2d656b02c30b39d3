package proxy

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yanolja/failover"
	"github.com/yanolja/failover/events"
	"github.com/yanolja/failover/metrics"
)

// StartHealthMonitoring starts checking every provider once per health check
// interval. The first sweep happens after one interval. Calling it while
// monitoring is running does nothing.
func (p *Proxy) StartHealthMonitoring() {
	p.monitorMu.Lock()
	defer p.monitorMu.Unlock()

	if p.stopMonitor != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	// Created here so that the ticker exists once this returns.
	ticker := p.clock.Ticker(p.config.HealthCheckInterval)
	p.stopMonitor = cancel
	p.monitorDone = done

	p.logger.Infow("Starting health monitoring", "interval", p.config.HealthCheckInterval)
	go func() {
		defer close(done)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.CheckHealth(ctx)
				p.metrics.Prune()
			}
		}
	}()
}

// StopHealthMonitoring stops the loop and waits for an in-flight sweep to
// finish. Calling it while monitoring is not running does nothing.
//
// HealthSweepCompleted listeners run on the monitoring goroutine, so they must
// not call StopHealthMonitoring or Shutdown; MonitoringActive and
// StartHealthMonitoring are safe to call from them.
func (p *Proxy) StopHealthMonitoring() {
	p.monitorMu.Lock()
	stop, done := p.stopMonitor, p.monitorDone
	p.stopMonitor = nil
	p.monitorDone = nil
	p.monitorMu.Unlock()

	if stop == nil {
		return
	}
	stop()
	<-done
	p.logger.Info("Health monitoring stopped")
}

func (p *Proxy) MonitoringActive() bool {
	p.monitorMu.Lock()
	defer p.monitorMu.Unlock()

	return p.stopMonitor != nil
}

// CheckHealth checks every registered provider concurrently and records the
// outcomes. Failures are recorded, never returned.
func (p *Proxy) CheckHealth(ctx context.Context) map[string]metrics.HealthCheck {
	registrations := p.registrations()

	var group errgroup.Group
	for _, r := range registrations {
		r := r
		group.Go(func() error {
			healthy, responseTime := p.checkProvider(ctx, r)
			if _, registered := p.lookup(r.name); registered {
				p.metrics.RecordHealthCheck(r.name, healthy, responseTime)
			}
			return nil
		})
	}
	_ = group.Wait()

	results := make(map[string]metrics.HealthCheck, len(registrations))
	for _, r := range registrations {
		if check, ok := p.metrics.HealthCheck(r.name); ok {
			results[r.name] = check
		}
	}

	p.logger.Debugw("Health sweep completed", "providers", len(results))
	p.events.Publish(events.HealthSweepCompleted{Results: results})
	return results
}

type healthResult struct {
	healthy bool
	err     error
}

func (p *Proxy) checkProvider(ctx context.Context, r *registration) (bool, time.Duration) {
	checker, ok := r.provider.(failover.HealthChecker)
	if !ok {
		return true, 0
	}

	start := p.clock.Now()
	done := make(chan healthResult, 1)
	go func() {
		defer func() {
			if recovered := recover(); recovered != nil {
				done <- healthResult{err: fmt.Errorf("health check panicked: %v", recovered)}
			}
		}()
		healthy, err := checker.HealthCheck(ctx)
		done <- healthResult{healthy: healthy, err: err}
	}()

	timer := p.clock.Timer(p.config.Timeout)
	defer timer.Stop()

	var result healthResult
	select {
	case result = <-done:
	case <-timer.C:
		result = healthResult{err: ErrRequestTimeout}
	case <-ctx.Done():
		result = healthResult{err: ctx.Err()}
	}

	if result.err != nil || !result.healthy {
		p.logger.Warnw("Health check failed", "provider", r.name, "healthy", result.healthy, "error", result.err)
		return false, 0
	}
	return true, p.clock.Since(start)
}
