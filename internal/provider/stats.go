package provider

import (
	"sync"
	"time"
)

// Stats aggregates request counters across all providers of one manager.
// Provider-local counters live on Provider; this struct only holds the
// cross-provider view: request totals, fallback count and usage spread.
type Stats struct {
	mu                sync.Mutex
	totalRequests     int64
	successful        int64
	failed            int64
	totalFallbacks    int64
	providerUsage     map[string]int64
	totalResponseTime time.Duration
	startedAt         time.Time
}

func newStats(now time.Time) *Stats {
	return &Stats{
		providerUsage: make(map[string]int64),
		startedAt:     now,
	}
}

// requestStarted is counted before any provider is attempted, so requests
// that find no active provider still show up in the totals.
func (s *Stats) requestStarted() {
	s.mu.Lock()
	s.totalRequests++
	s.mu.Unlock()
}

// requestSucceeded records the winning provider. A success on any attempt
// after the first also counts as a fallback.
func (s *Stats) requestSucceeded(providerID string, attempt int, elapsed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.successful++
	s.providerUsage[providerID]++
	s.totalResponseTime += elapsed
	if attempt > 1 {
		s.totalFallbacks++
	}
}

func (s *Stats) requestFailed() {
	s.mu.Lock()
	s.failed++
	s.mu.Unlock()
}

// StatsReport is the externally visible counter snapshot.
type StatsReport struct {
	TotalRequests      int64            `json:"total_requests"`
	SuccessfulRequests int64            `json:"successful_requests"`
	FailedRequests     int64            `json:"failed_requests"`
	TotalFallbacks     int64            `json:"total_fallbacks"`
	SuccessRate        float64          `json:"success_rate"`
	AvgResponseTime    float64          `json:"avg_response_time_seconds"`
	ProviderUsage      map[string]int64 `json:"provider_usage"`
	StartedAt          time.Time        `json:"started_at"`
	Uptime             string           `json:"uptime"`
}

func (s *Stats) report(now time.Time) StatsReport {
	s.mu.Lock()
	defer s.mu.Unlock()

	usage := make(map[string]int64, len(s.providerUsage))
	for id, n := range s.providerUsage {
		usage[id] = n
	}

	rate := 0.0
	if s.totalRequests > 0 {
		rate = float64(s.successful) / float64(s.totalRequests)
	}
	avg := 0.0
	if s.successful > 0 {
		avg = s.totalResponseTime.Seconds() / float64(s.successful)
	}

	return StatsReport{
		TotalRequests:      s.totalRequests,
		SuccessfulRequests: s.successful,
		FailedRequests:     s.failed,
		TotalFallbacks:     s.totalFallbacks,
		SuccessRate:        rate,
		AvgResponseTime:    avg,
		ProviderUsage:      usage,
		StartedAt:          s.startedAt,
		Uptime:             now.Sub(s.startedAt).Round(time.Second).String(),
	}
}

// reset zeroes every counter and restarts the uptime clock.
func (s *Stats) reset(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalRequests = 0
	s.successful = 0
	s.failed = 0
	s.totalFallbacks = 0
	s.providerUsage = make(map[string]int64)
	s.totalResponseTime = 0
	s.startedAt = now
}
