package proxy

import (
	"fmt"
	"time"

	"github.com/yanolja/failover/breaker"
)

// NoRetryDelay set as RetryDelay retries immediately, without backoff.
const NoRetryDelay time.Duration = -1

// Config holds the tunables of a Proxy. Zero fields fall back to
// DefaultConfig, so a zero value cannot be configured explicitly. Use
// NoRetryDelay for retries without backoff.
type Config struct {
	// Attempts per provider before giving up on it. E.g., 3
	RetryAttempts int

	// Wait after the first failed attempt. Doubles after each further attempt.
	// NoRetryDelay disables the wait.
	RetryDelay time.Duration

	// Maximum time to wait for a single provider call.
	Timeout time.Duration

	// Base failure threshold of each provider's circuit breaker.
	CircuitBreakerThreshold int

	// Time an open circuit waits after its last failure before a trial call.
	CircuitBreakerTimeout time.Duration

	// Failures older than this do not count towards opening a circuit.
	FailureWindow time.Duration

	// Requests a circuit must see before it may open.
	MinRequests int

	// Interval between health check sweeps.
	HealthCheckInterval time.Duration

	// How long request outcomes are kept for statistics.
	MetricsRetention time.Duration
}

func DefaultConfig() Config {
	breakerDefaults := breaker.DefaultConfig()
	return Config{
		RetryAttempts:           3,
		RetryDelay:              time.Second,
		Timeout:                 30 * time.Second,
		CircuitBreakerThreshold: breakerDefaults.Threshold,
		CircuitBreakerTimeout:   breakerDefaults.Timeout,
		FailureWindow:           breakerDefaults.FailureWindow,
		MinRequests:             breakerDefaults.MinRequests,
		HealthCheckInterval:     30 * time.Second,
		MetricsRetention:        time.Hour,
	}
}

// Validate rejects negative values.
func (c Config) Validate() error {
	if c.RetryAttempts < 0 {
		return fmt.Errorf("retry attempts must not be negative: %d", c.RetryAttempts)
	}
	if c.CircuitBreakerThreshold < 0 {
		return fmt.Errorf("circuit breaker threshold must not be negative: %d", c.CircuitBreakerThreshold)
	}
	if c.MinRequests < 0 {
		return fmt.Errorf("min requests must not be negative: %d", c.MinRequests)
	}
	durations := map[string]time.Duration{
		"retry delay":             c.RetryDelay,
		"timeout":                 c.Timeout,
		"circuit breaker timeout": c.CircuitBreakerTimeout,
		"failure window":          c.FailureWindow,
		"health check interval":   c.HealthCheckInterval,
		"metrics retention":       c.MetricsRetention,
	}
	if c.RetryDelay == NoRetryDelay {
		delete(durations, "retry delay")
	}
	for name, duration := range durations {
		if duration < 0 {
			return fmt.Errorf("%s must not be negative: %v", name, duration)
		}
	}
	return nil
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RetryAttempts == 0 {
		c.RetryAttempts = defaults.RetryAttempts
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = defaults.RetryDelay
	}
	if c.Timeout == 0 {
		c.Timeout = defaults.Timeout
	}
	if c.CircuitBreakerThreshold == 0 {
		c.CircuitBreakerThreshold = defaults.CircuitBreakerThreshold
	}
	if c.CircuitBreakerTimeout == 0 {
		c.CircuitBreakerTimeout = defaults.CircuitBreakerTimeout
	}
	if c.FailureWindow == 0 {
		c.FailureWindow = defaults.FailureWindow
	}
	if c.MinRequests == 0 {
		c.MinRequests = defaults.MinRequests
	}
	if c.HealthCheckInterval == 0 {
		c.HealthCheckInterval = defaults.HealthCheckInterval
	}
	if c.MetricsRetention == 0 {
		c.MetricsRetention = defaults.MetricsRetention
	}
	return c
}

func (c Config) breakerConfig() breaker.Config {
	return breaker.Config{
		Threshold:     c.CircuitBreakerThreshold,
		Timeout:       c.CircuitBreakerTimeout,
		FailureWindow: c.FailureWindow,
		MinRequests:   c.MinRequests,
	}
}
