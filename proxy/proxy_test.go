package proxy

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zaptest"

	"github.com/yanolja/failover"
	"github.com/yanolja/failover/breaker"
	"github.com/yanolja/failover/events"
	"github.com/yanolja/failover/health"
)

type stubProvider struct {
	name    string
	latency time.Duration
	err     error
	calls   atomic.Int32
}

func (s *stubProvider) Generate(ctx context.Context, request *failover.Request) (*failover.Response, error) {
	s.calls.Add(1)
	if s.latency > 0 {
		time.Sleep(s.latency)
	}
	if s.err != nil {
		return nil, s.err
	}
	return &failover.Response{Provider: s.name, Content: "echo: " + request.Prompt}, nil
}

func healthyStub(name string) *stubProvider {
	return &stubProvider{name: name}
}

func failingStub(name string) *stubProvider {
	return &stubProvider{name: name, err: errors.New(name + " is down")}
}

func testConfig() Config {
	config := DefaultConfig()
	config.RetryDelay = time.Millisecond
	config.Timeout = time.Second
	return config
}

func newTestProxy(t *testing.T, config Config, opts ...Option) *Proxy {
	t.Helper()
	p, err := New(config, zaptest.NewLogger(t).Sugar(), opts...)
	require.NoError(t, err)
	t.Cleanup(p.Shutdown)
	return p
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func record(p *Proxy) *recorder {
	r := &recorder{}
	p.Events().SubscribeAll(func(e events.Event) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, e)
	})
	return r
}

func (r *recorder) kinds() []events.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]events.Kind, len(r.events))
	for i, e := range r.events {
		kinds[i] = e.Kind()
	}
	return kinds
}

func (r *recorder) ofKind(kind events.Kind) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var matched []events.Event
	for _, e := range r.events {
		if e.Kind() == kind {
			matched = append(matched, e)
		}
	}
	return matched
}

func TestNew(t *testing.T) {
	t.Run("zero config uses defaults", func(t *testing.T) {
		p := newTestProxy(t, Config{})
		assert.Equal(t, DefaultConfig(), p.Config())
	})

	t.Run("negative values are rejected", func(t *testing.T) {
		config := DefaultConfig()
		config.Timeout = -time.Second
		_, err := New(config, nil)
		assert.ErrorContains(t, err, "timeout must not be negative")

		config = DefaultConfig()
		config.RetryAttempts = -1
		_, err = New(config, nil)
		assert.Error(t, err)
	})

	t.Run("no retry delay retries immediately", func(t *testing.T) {
		config := testConfig()
		config.RetryDelay = NoRetryDelay
		// The mock clock never advances, so any backoff would block forever.
		p := newTestProxy(t, config, WithClock(clock.NewMock()))
		down := failingStub("down")
		require.NoError(t, p.Register("down", down))
		require.NoError(t, p.Register("up", healthyStub("up")))
		assert.Equal(t, NoRetryDelay, p.Config().RetryDelay)

		done := make(chan *failover.Response, 1)
		go func() {
			response, err := p.Request(context.Background(), "down", &failover.Request{Prompt: "x"})
			assert.NoError(t, err)
			done <- response
		}()

		select {
		case response := <-done:
			require.NotNil(t, response)
			assert.Equal(t, "up", response.Provider)
		case <-time.After(time.Second):
			t.Fatal("request waited for a backoff")
		}
		assert.Equal(t, int32(3), down.calls.Load())
	})

	t.Run("scores with the given scorer", func(t *testing.T) {
		strict := health.Scorer{
			TargetResponseTime:        10 * time.Millisecond,
			MaxAcceptableResponseTime: 50 * time.Millisecond,
		}
		p := newTestProxy(t, testConfig(), WithScorer(strict))
		require.NoError(t, p.Register("slow", &stubProvider{name: "slow", latency: 60 * time.Millisecond}))

		_, err := p.Request(context.Background(), "slow", &failover.Request{Prompt: "x"})
		require.NoError(t, err)

		report := p.PerformanceReport().Providers["slow"]
		assert.Zero(t, report.Components.Response)
		assert.Less(t, report.HealthScore, 80)
	})
}

func TestRegister(t *testing.T) {
	t.Run("registers in order and publishes", func(t *testing.T) {
		p := newTestProxy(t, testConfig())
		rec := record(p)

		require.NoError(t, p.Register("openai", healthyStub("openai")))
		require.NoError(t, p.Register("claude", healthyStub("claude")))

		assert.Equal(t, []string{"openai", "claude"}, p.Providers())
		assert.Equal(t, []events.Kind{events.KindProviderRegistered, events.KindProviderRegistered}, rec.kinds())
		b, ok := p.Breaker("openai")
		require.True(t, ok)
		assert.Equal(t, breaker.Closed, b.State())
	})

	t.Run("names are unique", func(t *testing.T) {
		p := newTestProxy(t, testConfig())

		require.NoError(t, p.Register("openai", healthyStub("openai")))
		err := p.Register("openai", healthyStub("other"))

		assert.ErrorIs(t, err, ErrDuplicateProvider)
		assert.Equal(t, []string{"openai"}, p.Providers())
	})

	t.Run("invalid registrations", func(t *testing.T) {
		p := newTestProxy(t, testConfig())

		assert.Error(t, p.Register("", healthyStub("x")))
		assert.Error(t, p.Register("x", nil))
	})

	t.Run("unregister removes the provider", func(t *testing.T) {
		p := newTestProxy(t, testConfig())
		rec := record(p)
		require.NoError(t, p.Register("openai", healthyStub("openai")))
		require.NoError(t, p.Register("claude", healthyStub("claude")))
		_, err := p.Request(context.Background(), "openai", &failover.Request{Prompt: "hi"})
		require.NoError(t, err)

		require.NoError(t, p.Unregister("openai"))

		assert.Equal(t, []string{"claude"}, p.Providers())
		_, ok := p.Breaker("openai")
		assert.False(t, ok)
		_, ok = p.Metrics().Stats("openai")
		assert.False(t, ok)
		assert.Len(t, rec.ofKind(events.KindProviderUnregistered), 1)
		assert.ErrorIs(t, p.Unregister("openai"), ErrProviderNotFound)
	})
}

func TestRequest(t *testing.T) {
	ctx := context.Background()

	t.Run("returns the provider response unmodified", func(t *testing.T) {
		p := newTestProxy(t, testConfig())
		expected := &failover.Response{Provider: "custom", Content: "hello", Raw: map[string]any{"id": 1}}
		require.NoError(t, p.Register("custom", failover.ProviderFunc(
			func(context.Context, *failover.Request) (*failover.Response, error) {
				return expected, nil
			})))
		rec := record(p)

		response, err := p.Request(ctx, "custom", &failover.Request{Prompt: "hi"})

		require.NoError(t, err)
		assert.Same(t, expected, response)
		succeeded := rec.ofKind(events.KindRequestSucceeded)
		require.Len(t, succeeded, 1)
		assert.Same(t, expected, succeeded[0].(events.RequestSucceeded).Result)
		assert.NotEmpty(t, succeeded[0].(events.RequestSucceeded).RequestID)

		stats, ok := p.Metrics().Stats("custom")
		require.True(t, ok)
		assert.Equal(t, 1, stats.TotalRequests)
		assert.Equal(t, 1.0, stats.SuccessRate)
	})

	t.Run("retries then fails over to a healthy provider", func(t *testing.T) {
		p := newTestProxy(t, testConfig())
		a := &stubProvider{name: "a", latency: 50 * time.Millisecond}
		b := failingStub("b")
		require.NoError(t, p.Register("a", a))
		require.NoError(t, p.Register("b", b))
		rec := record(p)

		response, err := p.Request(ctx, "b", &failover.Request{Prompt: "x"})

		require.NoError(t, err)
		assert.Equal(t, "a", response.Provider)
		assert.Equal(t, "echo: x", response.Content)
		assert.Equal(t, int32(3), b.calls.Load())
		assert.Equal(t, int32(1), a.calls.Load())

		assert.Equal(t, []events.Kind{
			events.KindRequestFailed,
			events.KindFailoverAttempted,
			events.KindRequestSucceeded,
		}, rec.kinds())
		failed := rec.ofKind(events.KindRequestFailed)[0].(events.RequestFailed)
		assert.Equal(t, "b", failed.Provider)
		assert.Equal(t, 3, failed.Attempts)
		assert.EqualError(t, failed.Err, "max retries exceeded: b is down")
		attempted := rec.ofKind(events.KindFailoverAttempted)[0].(events.FailoverAttempted)
		assert.Equal(t, []string{"a"}, attempted.Candidates)
		assert.Equal(t, failed.RequestID, attempted.RequestID)
		assert.Equal(t, failed.RequestID, rec.ofKind(events.KindRequestSucceeded)[0].(events.RequestSucceeded).RequestID)

		stats, ok := p.Metrics().Stats("b")
		require.True(t, ok)
		assert.Equal(t, 0.0, stats.SuccessRate)
		assert.Equal(t, []string{"max retries exceeded: b is down"}, stats.RecentFailures)
	})

	t.Run("unknown provider fails immediately", func(t *testing.T) {
		p := newTestProxy(t, testConfig())
		a := healthyStub("a")
		require.NoError(t, p.Register("a", a))
		rec := record(p)

		response, err := p.Request(ctx, "missing", &failover.Request{Prompt: "x"})

		assert.Nil(t, response)
		assert.ErrorIs(t, err, ErrProviderNotFound)
		assert.EqualError(t, err, "provider not found: missing")
		var notFound *ProviderNotFoundError
		require.ErrorAs(t, err, &notFound)
		assert.Equal(t, "missing", notFound.Name)
		assert.Equal(t, int32(0), a.calls.Load())
		assert.Empty(t, rec.kinds())
	})

	t.Run("no failover providers available", func(t *testing.T) {
		p := newTestProxy(t, testConfig())
		only := failingStub("only")
		require.NoError(t, p.Register("only", only))

		_, err := p.Request(ctx, "only", &failover.Request{Prompt: "x"})

		assert.ErrorIs(t, err, ErrNoFailoverProviders)
		assert.EqualError(t, err, "no failover providers available (requested only): max retries exceeded: only is down")
		assert.ErrorIs(t, err, only.err)
		assert.Equal(t, int32(3), only.calls.Load())
	})

	t.Run("all failover providers failed", func(t *testing.T) {
		p := newTestProxy(t, testConfig())
		providers := []*stubProvider{failingStub("a"), failingStub("b"), failingStub("c")}
		for _, provider := range providers {
			require.NoError(t, p.Register(provider.name, provider))
		}

		_, err := p.Request(ctx, "a", &failover.Request{Prompt: "x"})

		assert.ErrorIs(t, err, ErrAllFailoversFailed)
		assert.NotErrorIs(t, err, ErrNoFailoverProviders)
		assert.EqualError(t, err, "all failover providers failed (requested a): max retries exceeded: c is down")
		var failoverErr *FailoverError
		require.ErrorAs(t, err, &failoverErr)
		assert.Equal(t, "a", failoverErr.Provider)
		// Every provider is tried exactly once per request.
		for _, provider := range providers {
			assert.Equal(t, int32(3), provider.calls.Load(), provider.name)
		}
	})

	t.Run("timeout counts as a failure", func(t *testing.T) {
		config := testConfig()
		config.Timeout = 20 * time.Millisecond
		config.RetryAttempts = 2
		p := newTestProxy(t, config)
		slow := &stubProvider{name: "slow", latency: 200 * time.Millisecond}
		fast := healthyStub("fast")
		require.NoError(t, p.Register("slow", slow))
		require.NoError(t, p.Register("fast", fast))
		rec := record(p)

		start := time.Now()
		response, err := p.Request(ctx, "slow", &failover.Request{Prompt: "x"})

		require.NoError(t, err)
		assert.Equal(t, "fast", response.Provider)
		assert.Less(t, time.Since(start), 200*time.Millisecond)
		failed := rec.ofKind(events.KindRequestFailed)[0].(events.RequestFailed)
		assert.ErrorIs(t, failed.Err, ErrRequestTimeout)
		assert.EqualError(t, failed.Err, "max retries exceeded: request timeout")
		assert.Equal(t, 2, failed.Attempts)
	})

	t.Run("open circuit is failed over without calling the provider", func(t *testing.T) {
		config := testConfig()
		config.RetryAttempts = 1
		config.MinRequests = 1
		config.CircuitBreakerThreshold = 2
		p := newTestProxy(t, config)
		broken := failingStub("broken")
		backup := healthyStub("backup")
		require.NoError(t, p.Register("broken", broken))
		require.NoError(t, p.Register("backup", backup))
		rec := record(p)

		for i := 0; i < 2; i++ {
			_, err := p.Request(ctx, "broken", &failover.Request{Prompt: "x"})
			require.NoError(t, err)
		}
		b, _ := p.Breaker("broken")
		require.Equal(t, breaker.Open, b.State())
		adapted := rec.ofKind(events.KindCircuitBreakerAdapted)
		require.Len(t, adapted, 1)
		assert.Equal(t, "broken", adapted[0].(events.CircuitBreakerAdapted).Provider)
		assert.Equal(t, breaker.Threshold(2), adapted[0].(events.CircuitBreakerAdapted).Threshold)

		response, err := p.Request(ctx, "broken", &failover.Request{Prompt: "x"})

		require.NoError(t, err)
		assert.Equal(t, "backup", response.Provider)
		assert.Equal(t, int32(2), broken.calls.Load())
		failures := rec.ofKind(events.KindRequestFailed)
		last := failures[len(failures)-1].(events.RequestFailed)
		assert.ErrorIs(t, last.Err, breaker.ErrOpen)
		assert.Equal(t, 0, last.Attempts)
		// The rejection is not a breaker failure.
		assert.Equal(t, 2, b.Snapshot().Failures)
	})

	t.Run("caller cancellation stops failover", func(t *testing.T) {
		p := newTestProxy(t, testConfig())
		cancelCtx, cancel := context.WithCancel(ctx)
		blocking := failover.ProviderFunc(func(ctx context.Context, _ *failover.Request) (*failover.Response, error) {
			cancel()
			<-ctx.Done()
			return nil, ctx.Err()
		})
		backup := healthyStub("backup")
		require.NoError(t, p.Register("blocking", blocking))
		require.NoError(t, p.Register("backup", backup))

		_, err := p.Request(cancelCtx, "blocking", &failover.Request{Prompt: "x"})

		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, int32(0), backup.calls.Load())
	})

	t.Run("caller cancellation is not blamed on the provider", func(t *testing.T) {
		config := testConfig()
		config.RetryAttempts = 1
		config.MinRequests = 1
		config.CircuitBreakerThreshold = 2
		p := newTestProxy(t, config)
		var calls atomic.Int32
		cancelled := failover.ProviderFunc(func(ctx context.Context, _ *failover.Request) (*failover.Response, error) {
			calls.Add(1)
			<-ctx.Done()
			return nil, ctx.Err()
		})
		require.NoError(t, p.Register("cancelled", cancelled))
		rec := record(p)

		for i := 0; i < 3; i++ {
			cancelCtx, cancel := context.WithCancel(ctx)
			go func() {
				time.Sleep(5 * time.Millisecond)
				cancel()
			}()
			_, err := p.Request(cancelCtx, "cancelled", &failover.Request{Prompt: "x"})
			assert.ErrorIs(t, err, context.Canceled)
		}

		assert.Equal(t, int32(3), calls.Load())
		b, _ := p.Breaker("cancelled")
		snapshot := b.Snapshot()
		assert.Equal(t, breaker.Closed, snapshot.State)
		assert.Equal(t, 0, snapshot.Failures)
		stats, _ := p.Metrics().Stats("cancelled")
		assert.Zero(t, stats.TotalRequests)
		assert.Empty(t, stats.RecentFailures)
		assert.Empty(t, rec.ofKind(events.KindRequestFailed))
	})

	t.Run("cancelled context never reaches the provider", func(t *testing.T) {
		p := newTestProxy(t, testConfig())
		idle := healthyStub("idle")
		backup := healthyStub("backup")
		require.NoError(t, p.Register("idle", idle))
		require.NoError(t, p.Register("backup", backup))
		cancelCtx, cancel := context.WithCancel(ctx)
		cancel()

		_, err := p.Request(cancelCtx, "idle", &failover.Request{Prompt: "x"})

		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, int32(0), idle.calls.Load())
		assert.Equal(t, int32(0), backup.calls.Load())
		b, _ := p.Breaker("idle")
		assert.Equal(t, 0, b.Snapshot().RequestCount)
	})

	t.Run("panicking provider is treated as a failure", func(t *testing.T) {
		config := testConfig()
		config.RetryAttempts = 1
		p := newTestProxy(t, config)
		require.NoError(t, p.Register("panics", failover.ProviderFunc(
			func(context.Context, *failover.Request) (*failover.Response, error) {
				panic("bug")
			})))
		require.NoError(t, p.Register("backup", healthyStub("backup")))

		response, err := p.Request(ctx, "panics", &failover.Request{Prompt: "x"})

		require.NoError(t, err)
		assert.Equal(t, "backup", response.Provider)
	})

	t.Run("concurrent requests", func(t *testing.T) {
		p := newTestProxy(t, testConfig())
		require.NoError(t, p.Register("a", healthyStub("a")))
		require.NoError(t, p.Register("b", healthyStub("b")))

		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				name := "a"
				if i%2 == 0 {
					name = "b"
				}
				_, err := p.Request(ctx, name, &failover.Request{Prompt: "x"})
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		snapshot := p.MetricsSnapshot()
		assert.Equal(t, 25, snapshot.Providers["a"].TotalRequests)
		assert.Equal(t, 25, snapshot.Providers["b"].TotalRequests)
	})
}

func TestFailoverOrder(t *testing.T) {
	t.Run("ties keep registration order", func(t *testing.T) {
		p := newTestProxy(t, testConfig())
		for _, name := range []string{"a", "b", "c", "d"} {
			require.NoError(t, p.Register(name, healthyStub(name)))
		}

		for i := 0; i < 5; i++ {
			assert.Equal(t, []string{"a", "c", "d"}, p.FailoverOrder("b"))
		}
	})

	t.Run("healthier providers come first", func(t *testing.T) {
		p := newTestProxy(t, testConfig())
		for _, name := range []string{"a", "b", "c", "d"} {
			require.NoError(t, p.Register(name, healthyStub(name)))
		}
		p.Metrics().RecordRequest("b", 1500*time.Millisecond, true, nil)
		p.Metrics().RecordRequest("c", 100*time.Millisecond, false, errors.New("boom"))
		p.Metrics().RecordRequest("d", 100*time.Millisecond, true, nil)

		assert.Equal(t, []string{"d", "b", "c"}, p.FailoverOrder("a"))
	})

	t.Run("open circuits go last", func(t *testing.T) {
		config := testConfig()
		config.RetryAttempts = 1
		config.MinRequests = 1
		config.CircuitBreakerThreshold = 2
		p := newTestProxy(t, config)
		require.NoError(t, p.Register("a", healthyStub("a")))
		require.NoError(t, p.Register("b", healthyStub("b")))
		require.NoError(t, p.Register("c", healthyStub("c")))
		p.Metrics().RecordRequest("c", time.Second, false, errors.New("boom"))

		b, _ := p.Breaker("b")
		for i := 0; i < 2; i++ {
			_ = b.Execute(func() error { return errors.New("boom") })
		}
		require.Equal(t, breaker.Open, b.State())

		assert.Equal(t, []string{"c", "b"}, p.FailoverOrder("a"))
	})
}

func TestRequestTracing(t *testing.T) {
	spanRecorder := tracetest.NewSpanRecorder()
	tracerProvider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spanRecorder))
	p := newTestProxy(t, testConfig(), WithTracer(tracerProvider.Tracer("test")))
	require.NoError(t, p.Register("a", healthyStub("a")))
	require.NoError(t, p.Register("b", failingStub("b")))

	_, err := p.Request(context.Background(), "b", &failover.Request{Prompt: "x"})
	require.NoError(t, err)

	spans := spanRecorder.Ended()
	require.Len(t, spans, 3)
	var names []string
	for _, span := range spans {
		names = append(names, span.Name())
	}
	assert.ElementsMatch(t, []string{"proxy.Attempt", "proxy.Attempt", "proxy.Request"}, names)

	root := spans[len(spans)-1]
	assert.Equal(t, "proxy.Request", root.Name())
	for _, span := range spans[:2] {
		assert.Equal(t, root.SpanContext().SpanID(), span.Parent().SpanID())
	}
}
