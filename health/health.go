package health

import (
	"math"
	"time"
)

// Verdict is a coarse category for a health score.
type Verdict string

const (
	Excellent  Verdict = "EXCELLENT"
	Healthy    Verdict = "HEALTHY"
	Good       Verdict = "GOOD"
	Degraded   Verdict = "DEGRADED"
	Struggling Verdict = "STRUGGLING"
	Critical   Verdict = "CRITICAL"
)

// Component weights. They sum to 100; response and recent components can earn
// a small bonus on top.
const (
	successWeight      = 40
	responseWeight     = 25
	availabilityWeight = 20
	recentWeight       = 15

	maxResponseBonus = 5
	maxTrendBonus    = 5
	trendScale       = 2.5
	fastRecentBonus  = 2
	slowRecentMalus  = 3

	// Number of most recent samples used for trend analysis.
	trendSamples = 5
	// Minimum number of samples before a trend is considered.
	minTrendSamples = 3
)

// Input holds the statistics a score is computed from.
type Input struct {
	// Ratio of successful requests in [0, 1]. NaN means unknown.
	SuccessRate float64

	// Average response time of successful requests.
	AvgResponseTime time.Duration

	// Time of the last health check. Zero means now.
	LastCheck time.Time

	// Latencies of recent successful requests, most recent last.
	RecentResponseTimes []time.Duration
}

// DefaultInput describes a provider nothing is known about yet.
func DefaultInput() Input {
	return Input{SuccessRate: 1.0}
}

type Components struct {
	Success      float64 `json:"success"`
	Response     float64 `json:"response"`
	Availability float64 `json:"availability"`
	Recent       float64 `json:"recent"`
}

type Result struct {
	// Score in [0, 100].
	Score      int        `json:"score"`
	Components Components `json:"components"`
	Verdict    Verdict    `json:"verdict"`
}

// Scorer reduces provider statistics to a single comparable score. It holds no
// state, so the zero value and copies are safe for concurrent use.
type Scorer struct {
	// Response time that earns the full response component. E.g., 200ms
	TargetResponseTime time.Duration `yaml:"target_response_time"`

	// Response time at and beyond which the response component is zero. E.g., 2s
	MaxAcceptableResponseTime time.Duration `yaml:"max_acceptable_response_time"`

	// Age of the last health check at which the availability component is zero. E.g., 2m
	MaxCheckInterval time.Duration `yaml:"max_check_interval"`
}

func DefaultScorer() Scorer {
	return Scorer{
		TargetResponseTime:        200 * time.Millisecond,
		MaxAcceptableResponseTime: 2 * time.Second,
		MaxCheckInterval:          2 * time.Minute,
	}
}

// Score computes the health score of the input at the given time. It never
// fails; missing inputs fall back to favorable defaults.
//
// The verdict is taken from the rounded score, so a total of 89.6 scores 90
// and is EXCELLENT. Score and Verdict never disagree.
func (s Scorer) Score(input Input, now time.Time) Result {
	s = s.withDefaults()

	successRate := input.SuccessRate
	if math.IsNaN(successRate) {
		successRate = 1.0
	}
	lastCheck := input.LastCheck
	if lastCheck.IsZero() {
		lastCheck = now
	}

	components := Components{
		Success:      clamp(successRate*successWeight, 0, successWeight),
		Response:     s.responseScore(milliseconds(input.AvgResponseTime)),
		Availability: s.availabilityScore(now.Sub(lastCheck)),
		Recent:       s.recentScore(input.RecentResponseTimes),
	}
	total := components.Success + components.Response + components.Availability + components.Recent
	score := int(clamp(math.Round(total), 0, 100))

	return Result{
		Score:      score,
		Components: components,
		Verdict:    VerdictFor(score),
	}
}

// VerdictFor maps a rounded score to its verdict band.
func VerdictFor(score int) Verdict {
	switch {
	case score >= 90:
		return Excellent
	case score >= 80:
		return Healthy
	case score >= 70:
		return Good
	case score >= 50:
		return Degraded
	case score >= 30:
		return Struggling
	default:
		return Critical
	}
}

func (s Scorer) withDefaults() Scorer {
	defaults := DefaultScorer()
	if s.TargetResponseTime <= 0 {
		s.TargetResponseTime = defaults.TargetResponseTime
	}
	if s.MaxAcceptableResponseTime <= s.TargetResponseTime {
		s.MaxAcceptableResponseTime = max(defaults.MaxAcceptableResponseTime, 2*s.TargetResponseTime)
	}
	if s.MaxCheckInterval <= 0 {
		s.MaxCheckInterval = defaults.MaxCheckInterval
	}
	return s
}

func (s Scorer) responseScore(avgMs float64) float64 {
	target := milliseconds(s.TargetResponseTime)
	maxAcceptable := milliseconds(s.MaxAcceptableResponseTime)

	switch {
	case avgMs <= target:
		// One bonus point per 10ms under target.
		return responseWeight + math.Min(maxResponseBonus, (target-avgMs)/10)
	case avgMs >= maxAcceptable:
		return 0
	default:
		return responseWeight * (1 - (avgMs-target)/(maxAcceptable-target))
	}
}

func (s Scorer) availabilityScore(sinceCheck time.Duration) float64 {
	ratio := math.Max(0, float64(sinceCheck)/float64(s.MaxCheckInterval))
	return math.Max(0, availabilityWeight*(1-ratio))
}

func (s Scorer) recentScore(samples []time.Duration) float64 {
	score := float64(recentWeight)
	if len(samples) == 0 {
		return score
	}

	values := make([]float64, len(samples))
	for i, sample := range samples {
		values[i] = milliseconds(sample)
	}

	if len(values) >= minTrendSamples {
		score += clamp(trend(values)*trendScale, -maxTrendBonus, maxTrendBonus)
	}

	recentAvg := mean(values)
	if recentAvg <= milliseconds(s.TargetResponseTime)*0.8 {
		score += fastRecentBonus
	} else if recentAvg >= milliseconds(s.MaxAcceptableResponseTime)*0.8 {
		score -= slowRecentMalus
	}
	return score
}

// trend compares the first and second halves of the most recent samples.
// Positive means latency is improving. The result is in [-1, 1].
func trend(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}

	recent := values[len(values)-min(trendSamples, len(values)):]
	half := len(recent) / 2
	avgFirst := mean(recent[:half])
	avgSecond := mean(recent[half:])
	if avgFirst == 0 {
		return 0
	}

	return clamp((avgFirst-avgSecond)/avgFirst, -1, 1)
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, value := range values {
		sum += value
	}
	return sum / float64(len(values))
}

func milliseconds(d time.Duration) float64 {
	if d < 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}

func clamp(value, low, high float64) float64 {
	return math.Max(low, math.Min(high, value))
}
