package proxy

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/yanolja/failover/events"
)

type checkedProvider struct {
	stubProvider
	healthy bool
	err     error
	delay   time.Duration
	panics  bool
	checks  atomic.Int32
}

func (c *checkedProvider) HealthCheck(ctx context.Context) (bool, error) {
	c.checks.Add(1)
	if c.panics {
		panic("health check bug")
	}
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	return c.healthy, c.err
}

func TestCheckHealth(t *testing.T) {
	config := testConfig()
	config.Timeout = 20 * time.Millisecond
	p := newTestProxy(t, config)
	rec := record(p)

	healthy := &checkedProvider{healthy: true}
	unhealthy := &checkedProvider{healthy: false}
	erroring := &checkedProvider{healthy: true, err: errors.New("unauthorized")}
	panicking := &checkedProvider{panics: true}
	slow := &checkedProvider{healthy: true, delay: 200 * time.Millisecond}
	plain := healthyStub("plain")

	require.NoError(t, p.Register("healthy", healthy))
	require.NoError(t, p.Register("unhealthy", unhealthy))
	require.NoError(t, p.Register("erroring", erroring))
	require.NoError(t, p.Register("panicking", panicking))
	require.NoError(t, p.Register("slow", slow))
	require.NoError(t, p.Register("plain", plain))

	results := p.CheckHealth(context.Background())

	require.Len(t, results, 6)
	assert.True(t, results["healthy"].Healthy)
	assert.False(t, results["unhealthy"].Healthy)
	assert.False(t, results["erroring"].Healthy)
	assert.False(t, results["panicking"].Healthy)
	assert.False(t, results["slow"].Healthy)
	assert.True(t, results["plain"].Healthy)
	assert.Equal(t, time.Duration(0), results["plain"].ResponseTime)
	assert.Equal(t, time.Duration(0), results["slow"].ResponseTime)
	assert.Equal(t, int32(1), healthy.checks.Load())
	// Health checks never call Generate.
	assert.Equal(t, int32(0), plain.calls.Load())

	sweeps := rec.ofKind(events.KindHealthSweepCompleted)
	require.Len(t, sweeps, 1)
	assert.Equal(t, results, sweeps[0].(events.HealthSweepCompleted).Results)

	status := p.HealthStatus()
	require.Len(t, status, 6)
	assert.False(t, status["healthy"].IsStale)
}

func TestHealthStaleness(t *testing.T) {
	mockClock := clock.NewMock()
	p := newTestProxy(t, testConfig(), WithClock(mockClock))
	require.NoError(t, p.Register("healthy", &checkedProvider{healthy: true}))

	p.CheckHealth(context.Background())
	mockClock.Add(2 * p.Config().HealthCheckInterval)
	assert.False(t, p.HealthStatus()["healthy"].IsStale)

	mockClock.Add(time.Millisecond)
	status := p.HealthStatus()["healthy"]
	assert.True(t, status.IsStale)
	assert.Equal(t, 2*p.Config().HealthCheckInterval+time.Millisecond, status.Age)
}

func TestHealthMonitoring(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	mockClock := clock.NewMock()
	p := newTestProxy(t, testConfig(), WithClock(mockClock))
	checked := &checkedProvider{healthy: true}
	require.NoError(t, p.Register("checked", checked))
	require.NoError(t, p.Register("plain", healthyStub("plain")))

	sweeps := make(chan events.HealthSweepCompleted, 10)
	p.Events().Subscribe(events.KindHealthSweepCompleted, func(e events.Event) {
		sweeps <- e.(events.HealthSweepCompleted)
	})

	assert.False(t, p.MonitoringActive())
	p.StartHealthMonitoring()
	p.StartHealthMonitoring()
	assert.True(t, p.MonitoringActive())

	interval := p.Config().HealthCheckInterval
	mockClock.Add(interval - time.Millisecond)
	assert.Len(t, sweeps, 0)
	assert.Equal(t, int32(0), checked.checks.Load())

	for i := 1; i <= 2; i++ {
		if i == 1 {
			mockClock.Add(time.Millisecond)
		} else {
			mockClock.Add(interval)
		}
		select {
		case sweep := <-sweeps:
			assert.Len(t, sweep.Results, 2)
			assert.True(t, sweep.Results["checked"].Healthy)
			assert.True(t, sweep.Results["plain"].Healthy)
		case <-time.After(time.Second):
			t.Fatalf("sweep %d did not happen", i)
		}
		assert.Equal(t, int32(i), checked.checks.Load())
	}

	p.StopHealthMonitoring()
	p.StopHealthMonitoring()
	assert.False(t, p.MonitoringActive())

	mockClock.Add(interval)
	assert.Len(t, sweeps, 0)

	// Can be restarted.
	p.StartHealthMonitoring()
	assert.True(t, p.MonitoringActive())
	p.StopHealthMonitoring()
}

func TestStopWhileListenerRuns(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	mockClock := clock.NewMock()
	p := newTestProxy(t, testConfig(), WithClock(mockClock))
	require.NoError(t, p.Register("plain", healthyStub("plain")))

	entered := make(chan struct{})
	release := make(chan struct{})
	active := make(chan bool, 1)
	// Blocks the monitoring goroutine inside the listener while Stop runs.
	p.Events().Subscribe(events.KindHealthSweepCompleted, func(events.Event) {
		close(entered)
		<-release
		active <- p.MonitoringActive()
	})

	p.StartHealthMonitoring()
	mockClock.Add(p.Config().HealthCheckInterval)
	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("sweep did not happen")
	}

	stopped := make(chan struct{})
	go func() {
		p.StopHealthMonitoring()
		close(stopped)
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("StopHealthMonitoring did not return")
	}
	<-active
	assert.False(t, p.MonitoringActive())
}

func TestShutdown(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	p := newTestProxy(t, testConfig())
	closer := &closingProvider{}
	require.NoError(t, p.Register("closer", closer))
	require.NoError(t, p.Register("plain", healthyStub("plain")))

	calls := 0
	p.Events().SubscribeAll(func(events.Event) { calls++ })
	p.StartHealthMonitoring()

	p.Shutdown()

	assert.False(t, p.MonitoringActive())
	assert.True(t, closer.closed.Load())
	p.Events().Publish(events.HealthSweepCompleted{})
	assert.Equal(t, 0, calls)
}

type closingProvider struct {
	stubProvider
	closed atomic.Bool
}

func (c *closingProvider) Shutdown() error {
	c.closed.Store(true)
	return errors.New("already closed")
}
