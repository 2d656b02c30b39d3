package metrics

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/goccy/go-json"

	"github.com/yanolja/failover"
)

const (
	// Number of most recent failure messages kept in Stats.
	recentFailureCount = 5
	// Number of most recent successful latencies kept in Stats.
	recentResponseTimeCount = 10
)

// Request is the outcome of a single proxied request.
type Request struct {
	Timestamp time.Time
	Duration  time.Duration
	Success   bool
	// Empty on success.
	Error string
}

// HealthCheck is the outcome of the most recent health check of a provider.
type HealthCheck struct {
	Timestamp    time.Time     `json:"timestamp"`
	Healthy      bool          `json:"is_healthy"`
	ResponseTime time.Duration `json:"-"`
}

func (h HealthCheck) MarshalJSON() ([]byte, error) {
	type alias HealthCheck
	return json.Marshal(struct {
		alias
		ResponseTimeMs float64 `json:"response_time_ms"`
	}{alias(h), failover.Milliseconds(h.ResponseTime)})
}

// HealthStatus is a health check annotated with its age.
type HealthStatus struct {
	HealthCheck
	Age     time.Duration `json:"-"`
	IsStale bool          `json:"is_stale"`
}

func (h HealthStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Timestamp      time.Time `json:"timestamp"`
		Healthy        bool      `json:"is_healthy"`
		ResponseTimeMs float64   `json:"response_time_ms"`
		AgeMs          float64   `json:"age_ms"`
		IsStale        bool      `json:"is_stale"`
	}{h.Timestamp, h.Healthy, failover.Milliseconds(h.ResponseTime), failover.Milliseconds(h.Age), h.IsStale})
}

// Stats is derived from retained requests on every read.
type Stats struct {
	TotalRequests int `json:"total_requests"`

	// Ratio of successful requests in [0, 1].
	SuccessRate float64 `json:"success_rate"`

	// Average duration of successful requests. Zero if none succeeded.
	AvgResponseTime time.Duration `json:"-"`

	LastRequestTime time.Time `json:"last_request_time"`

	// Error messages of the most recent failures, oldest first.
	RecentFailures []string `json:"recent_failures"`

	// Durations of the most recent successful requests, oldest first.
	RecentResponseTimes []time.Duration `json:"-"`
}

func (s Stats) MarshalJSON() ([]byte, error) {
	type alias Stats
	recent := make([]float64, len(s.RecentResponseTimes))
	for i, d := range s.RecentResponseTimes {
		recent[i] = failover.Milliseconds(d)
	}
	return json.Marshal(struct {
		alias
		AvgResponseTimeMs     float64   `json:"avg_response_time_ms"`
		RecentResponseTimesMs []float64 `json:"recent_response_times_ms"`
	}{alias(s), failover.Milliseconds(s.AvgResponseTime), recent})
}

type series struct {
	mu          sync.Mutex
	requests    []Request
	healthCheck *HealthCheck
}

// Store keeps per-provider request outcomes for a retention window and the
// latest health check of each provider. Each provider has its own lock.
type Store struct {
	// Requests older than this are dropped.
	retention time.Duration

	// Health checks older than this are reported stale.
	staleAfter time.Duration

	clock clock.Clock

	mu     sync.RWMutex
	series map[string]*series
}

func NewStore(retention time.Duration, staleAfter time.Duration) *Store {
	return NewStoreWithClock(retention, staleAfter, clock.New())
}

func NewStoreWithClock(retention time.Duration, staleAfter time.Duration, clk clock.Clock) *Store {
	return &Store{
		retention:  retention,
		staleAfter: staleAfter,
		clock:      clk,
		series:     make(map[string]*series),
	}
}

func (s *Store) RecordRequest(provider string, duration time.Duration, success bool, err error) {
	entry := Request{
		Timestamp: s.clock.Now(),
		Duration:  duration,
		Success:   success,
	}
	if err != nil {
		entry.Error = err.Error()
	}

	ps := s.seriesFor(provider)
	ps.mu.Lock()
	defer ps.mu.Unlock()

	ps.requests = append(ps.requests, entry)
	ps.requests = s.pruneRequests(ps.requests, entry.Timestamp)
}

func (s *Store) RecordHealthCheck(provider string, healthy bool, responseTime time.Duration) {
	check := &HealthCheck{
		Timestamp:    s.clock.Now(),
		Healthy:      healthy,
		ResponseTime: responseTime,
	}

	ps := s.seriesFor(provider)
	ps.mu.Lock()
	defer ps.mu.Unlock()

	ps.healthCheck = check
}

// Stats returns false if the provider has no retained requests.
func (s *Store) Stats(provider string) (Stats, bool) {
	ps, ok := s.lookup(provider)
	if !ok {
		return Stats{}, false
	}

	cutoff := s.clock.Now().Add(-s.retention)

	ps.mu.Lock()
	defer ps.mu.Unlock()

	var (
		stats        Stats
		successCount int
		successTotal time.Duration
		failures     []string
		latencies    []time.Duration
	)
	for _, request := range ps.requests {
		if !request.Timestamp.After(cutoff) {
			continue
		}
		stats.TotalRequests++
		if request.Timestamp.After(stats.LastRequestTime) {
			stats.LastRequestTime = request.Timestamp
		}
		if request.Success {
			successCount++
			successTotal += request.Duration
			latencies = append(latencies, request.Duration)
		} else {
			failures = append(failures, request.Error)
		}
	}
	if stats.TotalRequests == 0 {
		return Stats{}, false
	}

	stats.SuccessRate = float64(successCount) / float64(stats.TotalRequests)
	if successCount > 0 {
		stats.AvgResponseTime = successTotal / time.Duration(successCount)
	}
	stats.RecentFailures = lastN(failures, recentFailureCount)
	stats.RecentResponseTimes = lastN(latencies, recentResponseTimeCount)
	return stats, true
}

func (s *Store) HealthCheck(provider string) (HealthCheck, bool) {
	ps, ok := s.lookup(provider)
	if !ok {
		return HealthCheck{}, false
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.healthCheck == nil {
		return HealthCheck{}, false
	}
	return *ps.healthCheck, true
}

// HealthStatus returns the latest health check of every provider that has one.
func (s *Store) HealthStatus() map[string]HealthStatus {
	now := s.clock.Now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	status := make(map[string]HealthStatus, len(s.series))
	for provider, ps := range s.series {
		ps.mu.Lock()
		if ps.healthCheck != nil {
			age := now.Sub(ps.healthCheck.Timestamp)
			status[provider] = HealthStatus{
				HealthCheck: *ps.healthCheck,
				Age:         age,
				IsStale:     age > s.staleAfter,
			}
		}
		ps.mu.Unlock()
	}
	return status
}

func (s *Store) Remove(provider string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.series, provider)
}

// Prune drops expired requests of every provider.
func (s *Store) Prune() {
	now := s.clock.Now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, ps := range s.series {
		ps.mu.Lock()
		ps.requests = s.pruneRequests(ps.requests, now)
		ps.mu.Unlock()
	}
}

func (s *Store) lookup(provider string) (*series, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ps, ok := s.series[provider]
	return ps, ok
}

func (s *Store) seriesFor(provider string) *series {
	if ps, ok := s.lookup(provider); ok {
		return ps
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if ps, ok := s.series[provider]; ok {
		return ps
	}
	ps := &series{}
	s.series[provider] = ps
	return ps
}

// Requests are appended in time order, so expired ones are a prefix.
func (s *Store) pruneRequests(requests []Request, now time.Time) []Request {
	cutoff := now.Add(-s.retention)
	expired := 0
	for expired < len(requests) && !requests[expired].Timestamp.After(cutoff) {
		expired++
	}
	if expired == 0 {
		return requests
	}
	return append(requests[:0:0], requests[expired:]...)
}

func lastN[T any](values []T, n int) []T {
	if len(values) > n {
		values = values[len(values)-n:]
	}
	result := make([]T, len(values))
	copy(result, values)
	return result
}
