package proxy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/yanolja/failover"
	"github.com/yanolja/failover/breaker"
	"github.com/yanolja/failover/events"
	"github.com/yanolja/failover/health"
	"github.com/yanolja/failover/metrics"
	"github.com/yanolja/failover/retry"
)

const tracerName = "github.com/yanolja/failover/proxy"

type registration struct {
	name     string
	provider failover.Provider
	breaker  *breaker.Breaker
}

type Option func(*Proxy)

// WithClock replaces the wall clock. Must use this to avoid flakiness in tests.
func WithClock(clk clock.Clock) Option {
	return func(p *Proxy) {
		p.clock = clk
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(p *Proxy) {
		p.tracer = tracer
	}
}

// WithScorer replaces the thresholds providers are scored against.
func WithScorer(scorer health.Scorer) Option {
	return func(p *Proxy) {
		p.scorer = scorer
	}
}

// Proxy routes requests to named providers through a circuit breaker and
// retries, and fails over to the healthiest remaining provider.
type Proxy struct {
	config  Config
	logger  *zap.SugaredLogger
	clock   clock.Clock
	tracer  trace.Tracer
	scorer  health.Scorer
	events  *events.Bus
	metrics *metrics.Store
	retry   *retry.Manager

	// Guards providers and order.
	mu        sync.RWMutex
	providers map[string]*registration
	// Provider names in registration order. Used to break score ties.
	order []string

	// Guards the health monitoring loop.
	monitorMu   sync.Mutex
	stopMonitor context.CancelFunc
	monitorDone chan struct{}
}

func New(config Config, logger *zap.SugaredLogger, opts ...Option) (*Proxy, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid proxy config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	p := &Proxy{
		config:    config.withDefaults(),
		logger:    logger,
		clock:     clock.New(),
		tracer:    otel.Tracer(tracerName),
		scorer:    health.DefaultScorer(),
		events:    events.NewBus(logger),
		providers: make(map[string]*registration),
	}
	for _, opt := range opts {
		opt(p)
	}

	p.metrics = metrics.NewStoreWithClock(p.config.MetricsRetention, 2*p.config.HealthCheckInterval, p.clock)
	p.retry = retry.NewManager(
		p.config.RetryAttempts,
		p.config.RetryDelay,
		retry.WithClock(p.clock),
		retry.WithLogger(logger),
	)
	return p, nil
}

func (p *Proxy) Config() Config {
	return p.config
}

// Events returns the bus every proxy event is published on.
func (p *Proxy) Events() *events.Bus {
	return p.events
}

func (p *Proxy) Metrics() *metrics.Store {
	return p.metrics
}

// Register adds a provider under a unique name.
func (p *Proxy) Register(name string, provider failover.Provider) error {
	if name == "" {
		return errors.New("provider name must not be empty")
	}
	if provider == nil {
		return fmt.Errorf("provider %s must not be nil", name)
	}

	b := breaker.New(
		p.config.breakerConfig(),
		breaker.WithClock(p.clock),
		breaker.WithOnAdapted(func(adaptation breaker.Adaptation) {
			p.logger.Warnw("Circuit breaker opened",
				"provider", name,
				"failures", adaptation.Failures,
				"threshold", adaptation.Threshold.String(),
				"failure_rate", adaptation.FailureRate)
			p.events.Publish(events.CircuitBreakerAdapted{Provider: name, Adaptation: adaptation})
		}),
	)

	p.mu.Lock()
	if _, exists := p.providers[name]; exists {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateProvider, name)
	}
	p.providers[name] = &registration{name: name, provider: provider, breaker: b}
	p.order = append(p.order, name)
	p.mu.Unlock()

	p.logger.Infow("Provider registered", "provider", name)
	p.events.Publish(events.ProviderRegistered{Name: name, Provider: provider})
	return nil
}

// Unregister removes a provider together with its circuit breaker and metrics.
func (p *Proxy) Unregister(name string) error {
	p.mu.Lock()
	if _, exists := p.providers[name]; !exists {
		p.mu.Unlock()
		return &ProviderNotFoundError{Name: name}
	}
	delete(p.providers, name)
	for i, registered := range p.order {
		if registered == name {
			p.order = append(p.order[:i:i], p.order[i+1:]...)
			break
		}
	}
	p.mu.Unlock()

	p.metrics.Remove(name)
	p.logger.Infow("Provider unregistered", "provider", name)
	p.events.Publish(events.ProviderUnregistered{Name: name})
	return nil
}

// Providers returns the registered provider names in registration order.
func (p *Proxy) Providers() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return append([]string(nil), p.order...)
}

func (p *Proxy) Breaker(name string) (*breaker.Breaker, bool) {
	r, ok := p.lookup(name)
	if !ok {
		return nil, false
	}
	return r.breaker, true
}

// Request sends the request to the named provider. On failure it fails over
// to the other providers, healthiest first, and every provider is tried at
// most once. An unknown name fails immediately. If ctx ends, no further
// provider is tried.
func (p *Proxy) Request(ctx context.Context, name string, request *failover.Request) (*failover.Response, error) {
	requestID := uuid.NewString()
	ctx, span := p.tracer.Start(ctx, "proxy.Request", trace.WithAttributes(
		attribute.String("request.id", requestID),
		attribute.String("provider", name),
	))
	defer span.End()

	response, err := p.request(ctx, requestID, name, request, map[string]bool{})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetStatus(codes.Ok, "")
	return response, nil
}

func (p *Proxy) request(
	ctx context.Context,
	requestID string,
	name string,
	request *failover.Request,
	tried map[string]bool,
) (*failover.Response, error) {
	r, ok := p.lookup(name)
	if !ok {
		return nil, &ProviderNotFoundError{Name: name}
	}
	tried[name] = true

	response, err := p.attempt(ctx, requestID, r, request)
	if err == nil {
		return response, nil
	}
	if ctx.Err() != nil {
		return nil, err
	}
	return p.failover(ctx, requestID, name, request, tried, err)
}

func (p *Proxy) failover(
	ctx context.Context,
	requestID string,
	failed string,
	request *failover.Request,
	tried map[string]bool,
	cause error,
) (*failover.Response, error) {
	candidates := p.rankCandidates(tried)
	if len(candidates) == 0 {
		p.logger.Errorw("No failover providers available", "request_id", requestID, "provider", failed)
		return nil, &FailoverError{Reason: ErrNoFailoverProviders, Provider: failed, Cause: innermost(cause)}
	}

	p.logger.Warnw("Attempting failover", "request_id", requestID, "provider", failed, "candidates", candidates)
	p.events.Publish(events.FailoverAttempted{RequestID: requestID, From: failed, Candidates: candidates})

	lastErr := cause
	for _, candidate := range candidates {
		// A nested failover may already have tried it.
		if tried[candidate] {
			continue
		}

		p.logger.Infow("Trying failover provider", "request_id", requestID, "provider", candidate)
		response, err := p.request(ctx, requestID, candidate, request, tried)
		if err == nil {
			return response, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		if errors.Is(err, ErrProviderNotFound) {
			// Unregistered while failing over.
			continue
		}
		p.logger.Warnw("Failover provider also failed", "request_id", requestID, "provider", candidate, "error", err)
		lastErr = err
	}

	p.logger.Errorw("All failover providers failed", "request_id", requestID, "provider", failed)
	return nil, &FailoverError{Reason: ErrAllFailoversFailed, Provider: failed, Cause: innermost(lastErr)}
}

// attempt calls one provider through its circuit breaker and the retry manager,
// and records the outcome. Nothing is recorded against the provider once ctx
// is done.
func (p *Proxy) attempt(
	ctx context.Context,
	requestID string,
	r *registration,
	request *failover.Request,
) (*failover.Response, error) {
	ctx, span := p.tracer.Start(ctx, "proxy.Attempt", trace.WithAttributes(
		attribute.String("request.id", requestID),
		attribute.String("provider", r.name),
	))
	defer span.End()

	if err := ctx.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	p.logger.Infow("Processing request", "request_id", requestID, "provider", r.name)

	start := p.clock.Now()
	attempts := 0
	var response *failover.Response
	err := r.breaker.Execute(func() error {
		err := p.retry.Execute(ctx, r.name, func(ctx context.Context) error {
			attempts++
			result, err := p.generate(ctx, r, request)
			if err != nil {
				return err
			}
			response = result
			return nil
		})
		if err != nil && ctx.Err() != nil {
			// The caller gave up; the provider is not to blame.
			return breaker.Ignore(err)
		}
		return err
	})
	duration := p.clock.Since(start)
	span.SetAttributes(attribute.Int("attempts", attempts))

	if err != nil && ctx.Err() != nil {
		p.logger.Infow("Request abandoned by caller",
			"request_id", requestID,
			"provider", r.name,
			"attempts", attempts,
			"duration", duration,
			"error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if err != nil {
		p.metrics.RecordRequest(r.name, duration, false, err)
		p.logger.Warnw("Request failed",
			"request_id", requestID,
			"provider", r.name,
			"attempts", attempts,
			"duration", duration,
			"error", err)
		p.events.Publish(events.RequestFailed{
			RequestID: requestID,
			Provider:  r.name,
			Duration:  duration,
			Err:       err,
			Attempts:  attempts,
		})
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	p.metrics.RecordRequest(r.name, duration, true, nil)
	p.logger.Infow("Request completed", "request_id", requestID, "provider", r.name, "duration", duration)
	p.events.Publish(events.RequestSucceeded{
		RequestID: requestID,
		Provider:  r.name,
		Duration:  duration,
		Result:    response,
	})
	return response, nil
}

type generateResult struct {
	response *failover.Response
	err      error
}

// generate races the provider against the timeout. The provider call is not
// cancelled when the timeout wins; its result is dropped.
func (p *Proxy) generate(ctx context.Context, r *registration, request *failover.Request) (*failover.Response, error) {
	done := make(chan generateResult, 1)
	go func() {
		defer func() {
			if recovered := recover(); recovered != nil {
				done <- generateResult{err: fmt.Errorf("provider %s panicked: %v", r.name, recovered)}
			}
		}()
		response, err := r.provider.Generate(ctx, request)
		done <- generateResult{response: response, err: err}
	}()

	timer := p.clock.Timer(p.config.Timeout)
	defer timer.Stop()

	select {
	case result := <-done:
		return result.response, result.err
	case <-timer.C:
		return nil, ErrRequestTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type candidate struct {
	name   string
	allows bool
	score  int
}

// rankCandidates orders the providers not yet tried: providers whose circuit
// lets calls through come first, then higher health scores, then earlier
// registrations.
func (p *Proxy) rankCandidates(exclude map[string]bool) []string {
	now := p.clock.Now()

	p.mu.RLock()
	var registrations []*registration
	for _, name := range p.order {
		if !exclude[name] {
			registrations = append(registrations, p.providers[name])
		}
	}
	p.mu.RUnlock()

	candidates := make([]candidate, len(registrations))
	for i, r := range registrations {
		candidates[i] = candidate{
			name:   r.name,
			allows: r.breaker.Allows(),
			score:  p.healthScore(r.name, now).Score,
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].allows != candidates[j].allows {
			return candidates[i].allows
		}
		return candidates[i].score > candidates[j].score
	})

	names := make([]string, len(candidates))
	for i, c := range candidates {
		names[i] = c.name
	}
	return names
}

// FailoverOrder returns the order other providers would be tried in if the
// named provider failed now.
func (p *Proxy) FailoverOrder(name string) []string {
	return p.rankCandidates(map[string]bool{name: true})
}

func (p *Proxy) healthScore(name string, now time.Time) health.Result {
	input := health.DefaultInput()
	if stats, ok := p.metrics.Stats(name); ok {
		input.SuccessRate = stats.SuccessRate
		input.AvgResponseTime = stats.AvgResponseTime
		input.RecentResponseTimes = stats.RecentResponseTimes
	}
	if check, ok := p.metrics.HealthCheck(name); ok {
		input.LastCheck = check.Timestamp
	}
	return p.scorer.Score(input, now)
}

func (p *Proxy) lookup(name string) (*registration, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	r, ok := p.providers[name]
	return r, ok
}

func (p *Proxy) registrations() []*registration {
	p.mu.RLock()
	defer p.mu.RUnlock()

	registrations := make([]*registration, len(p.order))
	for i, name := range p.order {
		registrations[i] = p.providers[name]
	}
	return registrations
}

// Shutdown stops health monitoring, drops every event subscription and shuts
// down providers that hold resources.
func (p *Proxy) Shutdown() {
	p.logger.Info("Shutting down provider proxy")
	p.StopHealthMonitoring()
	p.events.Clear()

	for _, r := range p.registrations() {
		shutdowner, ok := r.provider.(failover.Shutdowner)
		if !ok {
			continue
		}
		if err := shutdowner.Shutdown(); err != nil {
			p.logger.Warnw("Failed to shutdown provider", "provider", r.name, "error", err)
		}
	}
}

// innermost strips failover wrappers so nested failovers report the failure
// of the last provider tried.
func innermost(err error) error {
	var failoverErr *FailoverError
	for errors.As(err, &failoverErr) {
		err = failoverErr.Cause
	}
	return err
}
