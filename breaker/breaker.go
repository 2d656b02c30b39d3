package breaker

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// State represents circuit breaker state
type State string

const (
	Closed   State = "CLOSED"
	Open     State = "OPEN"
	HalfOpen State = "HALF_OPEN"
)

// Failure rate buckets used to pick the adaptive threshold.
const (
	highFailureRate   = 0.5
	mediumFailureRate = 0.3
	lowFailureRate    = 0.1

	// The threshold never drops below this, however low the base threshold is.
	minStrictThreshold = 2
)

var ErrOpen = errors.New("circuit breaker is open")

// Threshold is the number of failures in the window that opens the circuit.
type Threshold int

// Unbounded means the circuit cannot open because too few requests were seen.
const Unbounded Threshold = math.MaxInt

func (t Threshold) IsUnbounded() bool {
	return t == Unbounded
}

func (t Threshold) String() string {
	if t.IsUnbounded() {
		return "unbounded"
	}
	return strconv.Itoa(int(t))
}

func (t Threshold) MarshalJSON() ([]byte, error) {
	if t.IsUnbounded() {
		return []byte("null"), nil
	}
	return []byte(strconv.Itoa(int(t))), nil
}

// OpenError is returned without calling the operation while the circuit is open.
type OpenError struct {
	Failures  int
	Threshold Threshold
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker is open (%d/%s failures)", e.Failures, e.Threshold)
}

// Ignore marks an error the protected dependency is not to blame for, such as
// the caller giving up. Execute returns the wrapped error and records neither
// a success nor a failure.
func Ignore(err error) error {
	if err == nil {
		return nil
	}
	return &ignoredError{err: err}
}

type ignoredError struct {
	err error
}

func (e *ignoredError) Error() string {
	return e.err.Error()
}

func (e *ignoredError) Unwrap() error {
	return e.err
}

func (e *OpenError) Is(target error) bool {
	return target == ErrOpen
}

type Config struct {
	// Base number of failures to open the circuit. Adjusted by the observed failure rate.
	Threshold int `yaml:"threshold"`

	// Time to wait after the last failure before letting a trial call through.
	Timeout time.Duration `yaml:"timeout"`

	// Failures older than this are forgotten.
	FailureWindow time.Duration `yaml:"failure_window"`

	// Number of requests to observe before the circuit is allowed to open.
	MinRequests int `yaml:"min_requests"`
}

func DefaultConfig() Config {
	return Config{
		Threshold:     5,
		Timeout:       60 * time.Second,
		FailureWindow: 60 * time.Second,
		MinRequests:   10,
	}
}

// Adaptation describes a threshold-triggered transition to OPEN.
type Adaptation struct {
	State       State     `json:"state"`
	Failures    int       `json:"failures"`
	Threshold   Threshold `json:"threshold"`
	FailureRate float64   `json:"failure_rate"`
}

// Snapshot is a consistent copy of the breaker state.
type Snapshot struct {
	State             State     `json:"state"`
	Failures          int       `json:"failures"`
	AdaptiveThreshold Threshold `json:"adaptive_threshold"`
	FailureRate       float64   `json:"failure_rate"`
	LastFailureTime   time.Time `json:"last_failure_time"`
	RequestCount      int       `json:"request_count"`
}

type Option func(*Breaker)

func WithClock(clk clock.Clock) Option {
	return func(b *Breaker) {
		b.clock = clk
	}
}

// WithOnAdapted registers a listener called, outside the lock, every time the
// circuit opens because the adaptive threshold was reached.
func WithOnAdapted(listener func(Adaptation)) Option {
	return func(b *Breaker) {
		b.onAdapted = listener
	}
}

// Breaker is an adaptive circuit breaker. The number of failures needed to
// open the circuit shrinks as the observed failure rate grows.
type Breaker struct {
	config    Config
	clock     clock.Clock
	onAdapted func(Adaptation)

	mu sync.Mutex

	state State

	// Timestamps of failures within the failure window, oldest first.
	failures []time.Time

	lastFailureTime time.Time

	// Requests let through since the last reset.
	requestCount int
}

// New creates a breaker. Zero config fields fall back to DefaultConfig.
func New(config Config, opts ...Option) *Breaker {
	defaults := DefaultConfig()
	if config.Threshold <= 0 {
		config.Threshold = defaults.Threshold
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.FailureWindow <= 0 {
		config.FailureWindow = defaults.FailureWindow
	}
	if config.MinRequests <= 0 {
		config.MinRequests = defaults.MinRequests
	}

	b := &Breaker{
		config: config,
		clock:  clock.New(),
		state:  Closed,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Execute runs the operation unless the circuit is open. The operation's error
// is returned unchanged.
func (b *Breaker) Execute(operation func() error) error {
	if err := b.acquire(); err != nil {
		return err
	}

	err := operation()
	if err == nil {
		b.onSuccess()
		return nil
	}
	if ignored, ok := err.(*ignoredError); ok {
		b.release()
		return ignored.err
	}

	if adaptation, opened := b.onFailure(); opened && b.onAdapted != nil {
		b.onAdapted(adaptation)
	}
	return err
}

// Allows reports whether a call made now would reach the operation.
func (b *Breaker) Allows() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.state != Open || b.cooldownElapsed(b.clock.Now())
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.state
}

func (b *Breaker) AdaptiveThreshold() Threshold {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.adaptiveThreshold(b.clock.Now())
}

func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	return Snapshot{
		State:             b.state,
		Failures:          b.recentFailures(now),
		AdaptiveThreshold: b.adaptiveThreshold(now),
		FailureRate:       b.failureRate(now),
		LastFailureTime:   b.lastFailureTime,
		RequestCount:      b.requestCount,
	}
}

// Reset closes the circuit and forgets all history.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.reset()
}

func (b *Breaker) acquire() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	if b.state == Open {
		if !b.cooldownElapsed(now) {
			return &OpenError{
				Failures:  b.recentFailures(now),
				Threshold: b.adaptiveThreshold(now),
			}
		}
		b.state = HalfOpen
		b.requestCount = 0
		b.failures = nil
	}

	b.requestCount++
	return nil
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == HalfOpen {
		b.reset()
	}
}

// release takes back the request counted by acquire.
func (b *Breaker) release() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.requestCount > 0 {
		b.requestCount--
	}
}

func (b *Breaker) onFailure() (Adaptation, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	b.failures = append(b.failures, now)
	b.pruneFailures(now)
	b.lastFailureTime = now

	threshold := b.adaptiveThreshold(now)
	if b.state == Open || len(b.failures) < int(threshold) {
		return Adaptation{}, false
	}

	b.state = Open
	return Adaptation{
		State:       Open,
		Failures:    len(b.failures),
		Threshold:   threshold,
		FailureRate: b.failureRate(now),
	}, true
}

func (b *Breaker) reset() {
	b.state = Closed
	b.failures = nil
	b.requestCount = 0
}

func (b *Breaker) cooldownElapsed(now time.Time) bool {
	return now.Sub(b.lastFailureTime) > b.config.Timeout
}

func (b *Breaker) pruneFailures(now time.Time) {
	cutoff := 0
	for cutoff < len(b.failures) && now.Sub(b.failures[cutoff]) >= b.config.FailureWindow {
		cutoff++
	}
	b.failures = b.failures[cutoff:]
}

func (b *Breaker) recentFailures(now time.Time) int {
	count := 0
	for _, failedAt := range b.failures {
		if now.Sub(failedAt) < b.config.FailureWindow {
			count++
		}
	}
	return count
}

func (b *Breaker) adaptiveThreshold(now time.Time) Threshold {
	return ComputeThreshold(b.config.Threshold, b.config.MinRequests, b.recentFailures(now), b.requestCount)
}

func (b *Breaker) failureRate(now time.Time) float64 {
	return float64(b.recentFailures(now)) / float64(max(b.requestCount, 1))
}

// ComputeThreshold returns the number of failures that opens the circuit for
// the given base threshold and observed counts.
func ComputeThreshold(baseThreshold int, minRequests int, recentFailures int, recentRequests int) Threshold {
	if recentRequests < minRequests || recentRequests <= 0 {
		return Unbounded
	}

	failureRate := float64(recentFailures) / float64(recentRequests)
	switch {
	case failureRate > highFailureRate:
		return Threshold(max(minStrictThreshold, baseThreshold-2))
	case failureRate > mediumFailureRate:
		return Threshold(baseThreshold)
	case failureRate > lowFailureRate:
		return Threshold(baseThreshold + 1)
	default:
		return Threshold(baseThreshold + 2)
	}
}
