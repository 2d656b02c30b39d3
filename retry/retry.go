package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// MaxRetriesError is returned after every attempt failed. It unwraps to the
// error of the last attempt.
type MaxRetriesError struct {
	Attempts int
	Err      error
}

func (e *MaxRetriesError) Error() string {
	return fmt.Sprintf("max retries exceeded: %v", e.Err)
}

func (e *MaxRetriesError) Unwrap() error {
	return e.Err
}

type Option func(*Manager)

func WithClock(clk clock.Clock) Option {
	return func(m *Manager) {
		m.clock = clk
	}
}

func WithLogger(logger *zap.SugaredLogger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithOnRetry registers a hook called after a failed attempt, right before
// waiting for the next one.
func WithOnRetry(onRetry func(attempt int, err error, delay time.Duration)) Option {
	return func(m *Manager) {
		m.onRetry = onRetry
	}
}

// Manager retries an operation with exponential backoff.
type Manager struct {
	maxAttempts int
	baseDelay   time.Duration
	clock       clock.Clock
	logger      *zap.SugaredLogger
	onRetry     func(attempt int, err error, delay time.Duration)
}

// NewManager creates a retry manager. At least one attempt is always made.
func NewManager(maxAttempts int, baseDelay time.Duration, opts ...Option) *Manager {
	m := &Manager{
		maxAttempts: max(1, maxAttempts),
		baseDelay:   max(0, baseDelay),
		clock:       clock.New(),
		logger:      zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) Attempts() int {
	return m.maxAttempts
}

// Delay returns the wait after the given failed attempt, starting from 1.
func (m *Manager) Delay(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	return m.baseDelay << (attempt - 1)
}

// Execute calls the operation until it succeeds or the attempts run out. The
// operation is invoked exactly Attempts() times when every attempt fails. If
// the context ends, the context error is returned without further attempts.
func (m *Manager) Execute(ctx context.Context, name string, operation func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		m.logger.Debugw("Attempting operation", "name", name, "attempt", attempt, "max_attempts", m.maxAttempts)

		err := operation(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%w after %d attempts: %w", ctxErr, attempt, err)
		}
		if attempt == m.maxAttempts {
			break
		}

		delay := m.Delay(attempt)
		m.logger.Warnw("Attempt failed, retrying", "name", name, "attempt", attempt, "delay", delay, "error", err)
		if m.onRetry != nil {
			m.onRetry(attempt, err, delay)
		}
		if err := m.sleep(ctx, delay); err != nil {
			return fmt.Errorf("%w after %d attempts: %w", err, attempt, lastErr)
		}
	}

	m.logger.Errorw("Max retries exceeded", "name", name, "attempts", m.maxAttempts, "error", lastErr)
	return &MaxRetriesError{Attempts: m.maxAttempts, Err: lastErr}
}

func (m *Manager) sleep(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}

	timer := m.clock.Timer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
