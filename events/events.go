package events

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/yanolja/failover"
	"github.com/yanolja/failover/breaker"
	"github.com/yanolja/failover/metrics"
)

// Kind names an event variant.
type Kind string

const (
	KindProviderRegistered    Kind = "providerRegistered"
	KindProviderUnregistered  Kind = "providerUnregistered"
	KindRequestSucceeded      Kind = "requestSuccess"
	KindRequestFailed         Kind = "requestFailed"
	KindCircuitBreakerAdapted Kind = "circuitBreakerAdapted"
	KindFailoverAttempted     Kind = "failoverAttempted"
	KindHealthSweepCompleted  Kind = "healthSweepCompleted"
)

// Event is implemented only by the variants in this package.
type Event interface {
	Kind() Kind
	sealed()
}

type ProviderRegistered struct {
	Name     string
	Provider failover.Provider
}

type ProviderUnregistered struct {
	Name string
}

type RequestSucceeded struct {
	RequestID string
	Provider  string
	Duration  time.Duration
	Result    *failover.Response
}

type RequestFailed struct {
	RequestID string
	Provider  string
	Duration  time.Duration
	Err       error
	// Number of times the provider was actually called. Zero when the circuit was open.
	Attempts int
}

type CircuitBreakerAdapted struct {
	Provider string
	breaker.Adaptation
}

type FailoverAttempted struct {
	RequestID string
	From      string
	// Candidates in the order they will be tried.
	Candidates []string
}

type HealthSweepCompleted struct {
	Results map[string]metrics.HealthCheck
}

func (ProviderRegistered) Kind() Kind    { return KindProviderRegistered }
func (ProviderUnregistered) Kind() Kind  { return KindProviderUnregistered }
func (RequestSucceeded) Kind() Kind      { return KindRequestSucceeded }
func (RequestFailed) Kind() Kind         { return KindRequestFailed }
func (CircuitBreakerAdapted) Kind() Kind { return KindCircuitBreakerAdapted }
func (FailoverAttempted) Kind() Kind     { return KindFailoverAttempted }
func (HealthSweepCompleted) Kind() Kind  { return KindHealthSweepCompleted }

func (ProviderRegistered) sealed()    {}
func (ProviderUnregistered) sealed()  {}
func (RequestSucceeded) sealed()      {}
func (RequestFailed) sealed()         {}
func (CircuitBreakerAdapted) sealed() {}
func (FailoverAttempted) sealed()     {}
func (HealthSweepCompleted) sealed()  {}

type Handler func(Event)

type subscription struct {
	id      uint64
	kind    Kind
	handler Handler
}

// Bus dispatches events synchronously to subscribers in subscription order.
// Nothing is buffered for late subscribers.
type Bus struct {
	mu            sync.RWMutex
	nextID        uint64
	subscriptions []subscription
	logger        *zap.SugaredLogger
}

func NewBus(logger *zap.SugaredLogger) *Bus {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Bus{logger: logger}
}

// Subscribe registers a handler for one kind of event. The returned function
// removes the subscription.
func (b *Bus) Subscribe(kind Kind, handler Handler) func() {
	return b.subscribe(kind, handler)
}

// SubscribeAll registers a handler for every event.
func (b *Bus) SubscribeAll(handler Handler) func() {
	return b.subscribe("", handler)
}

func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	var handlers []Handler
	for _, s := range b.subscriptions {
		if s.kind == "" || s.kind == event.Kind() {
			handlers = append(handlers, s.handler)
		}
	}
	b.mu.RUnlock()

	for _, handler := range handlers {
		b.dispatch(event, handler)
	}
}

// Clear removes every subscription.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subscriptions = nil
}

func (b *Bus) subscribe(kind Kind, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subscriptions = append(b.subscriptions, subscription{id: id, kind: kind, handler: handler})

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(id) })
	}
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, s := range b.subscriptions {
		if s.id == id {
			b.subscriptions = append(b.subscriptions[:i:i], b.subscriptions[i+1:]...)
			return
		}
	}
}

// A panicking handler must not break the publisher or other handlers.
func (b *Bus) dispatch(event Event, handler Handler) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Errorw("Event handler panicked", "event", event.Kind(), "panic", r)
		}
	}()
	handler(event)
}
