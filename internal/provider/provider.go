package provider

import (
	"sync"
	"time"

	"github.com/arachne-ai/arachne/internal/platform/config"
)

// Status is the derived health state of one provider.
type Status string

const (
	StatusActive      Status = "ACTIVE"
	StatusFailed      Status = "FAILED"
	StatusTesting     Status = "TESTING"
	StatusUnknown     Status = "UNKNOWN"
	StatusRateLimited Status = "RATE_LIMITED"
	StatusThrottled   Status = "THROTTLED"
)

// breakerSettings are shared by every provider of one manager.
type breakerSettings struct {
	failureThreshold  int
	halfOpenAfter     time.Duration
	rateLimitCooldown time.Duration
}

// Provider tracks one backend's runtime counters. All mutation happens
// under its own mutex, which is never held across transport I/O.
type Provider struct {
	cfg     config.ProviderConfig
	breaker breakerSettings

	mu                  sync.Mutex
	status              Status
	successCount        int64
	failureCount        int64
	consecutiveFailures int
	avgResponseTime     float64 // seconds, running exponential
	avgSeeded           bool
	lastUsed            time.Time
	lastError           string
	rateLimitUntil      time.Time
}

func newProvider(cfg config.ProviderConfig, breaker breakerSettings) *Provider {
	return &Provider{cfg: cfg, breaker: breaker, status: StatusUnknown}
}

// ID returns the configured provider id.
func (p *Provider) ID() string { return p.cfg.ID }

// Name returns the configured display name.
func (p *Provider) Name() string { return p.cfg.Name }

// Config returns the static backend configuration.
func (p *Provider) Config() config.ProviderConfig { return p.cfg }

// Available applies the circuit-breaker predicate: the provider must not
// be cooling down from a rate limit, and either its consecutive failure
// count is under the threshold or the half-open window has elapsed since
// it was last used. Crossing the half-open window resets the counter, so
// the next failure streak starts from zero.
func (p *Provider) Available(now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if now.Before(p.rateLimitUntil) {
		return false
	}
	if p.consecutiveFailures < p.breaker.failureThreshold {
		return true
	}
	if now.Sub(p.lastUsed) > p.breaker.halfOpenAfter {
		p.consecutiveFailures = 0
		p.status = StatusTesting
		return true
	}
	return false
}

// recordSuccess folds a successful call into the counters. The running
// average uses avg = (avg+elapsed)/2, seeded with the first sample;
// weighted selection depends on exactly this formula.
func (p *Provider) recordSuccess(elapsed time.Duration, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.successCount++
	p.consecutiveFailures = 0
	seconds := elapsed.Seconds()
	if !p.avgSeeded {
		p.avgResponseTime = seconds
		p.avgSeeded = true
	} else {
		p.avgResponseTime = (p.avgResponseTime + seconds) / 2
	}
	p.lastUsed = now
	p.lastError = ""
	p.status = StatusActive
}

// recordFailure folds a failed call into the counters and returns the new
// consecutive failure count. Rate limits start the cool-down clock.
func (p *Provider) recordFailure(errMsg string, rateLimited bool, now time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.failureCount++
	p.consecutiveFailures++
	p.lastError = errMsg
	p.lastUsed = now
	if rateLimited {
		p.rateLimitUntil = now.Add(p.breaker.rateLimitCooldown)
		p.status = StatusRateLimited
	} else {
		p.status = StatusFailed
	}
	return p.consecutiveFailures
}

// snapshot captures the fields selection strategies need, so strategies
// never touch provider locks while choosing.
type snapshot struct {
	provider    *Provider
	id          string
	priority    int
	successRate float64
	avgSeconds  float64
	avgSeeded   bool
}

func (p *Provider) snapshot() snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return snapshot{
		provider:    p,
		id:          p.cfg.ID,
		priority:    p.cfg.Priority,
		successRate: p.successRateLocked(),
		avgSeconds:  p.avgResponseTime,
		avgSeeded:   p.avgSeeded,
	}
}

// successRateLocked defaults to 0.5 when the provider has no data yet.
func (p *Provider) successRateLocked() float64 {
	total := p.successCount + p.failureCount
	if total == 0 {
		return 0.5
	}
	return float64(p.successCount) / float64(total)
}

// weight combines reliability and speed for the intelligent strategy.
func (s snapshot) weight() float64 {
	speedFactor := 1.0
	if s.avgSeeded {
		speedFactor = 1 / (s.avgSeconds + 0.1)
	}
	return 0.7*s.successRate + 0.3*speedFactor
}

// Health is the externally visible state of one provider.
type Health struct {
	ID                  string    `json:"id"`
	Name                string    `json:"name"`
	Kind                string    `json:"kind"`
	Model               string    `json:"model"`
	Priority            int       `json:"priority"`
	Status              Status    `json:"status"`
	Available           bool      `json:"available"`
	SuccessCount        int64     `json:"success_count"`
	FailureCount        int64     `json:"failure_count"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	SuccessRate         float64   `json:"success_rate"`
	AvgResponseTime     float64   `json:"avg_response_time_seconds"`
	LastUsed            time.Time `json:"last_used,omitempty"`
	LastError           string    `json:"last_error,omitempty"`
	RateLimitedUntil    time.Time `json:"rate_limited_until,omitempty"`
}

// Health derives the reportable state without mutating the breaker.
func (p *Provider) Health(now time.Time) Health {
	p.mu.Lock()
	defer p.mu.Unlock()

	status := p.status
	available := true
	switch {
	case now.Before(p.rateLimitUntil):
		status = StatusRateLimited
		available = false
	case p.consecutiveFailures >= p.breaker.failureThreshold:
		if now.Sub(p.lastUsed) > p.breaker.halfOpenAfter {
			status = StatusTesting
		} else {
			status = StatusFailed
			available = false
		}
	case !p.rateLimitUntil.IsZero() && p.status != StatusActive:
		// Cool-down expired but no success since the rate limit.
		status = StatusThrottled
	}

	return Health{
		ID:                  p.cfg.ID,
		Name:                p.cfg.Name,
		Kind:                p.cfg.Kind,
		Model:               p.cfg.Model,
		Priority:            p.cfg.Priority,
		Status:              status,
		Available:           available,
		SuccessCount:        p.successCount,
		FailureCount:        p.failureCount,
		ConsecutiveFailures: p.consecutiveFailures,
		SuccessRate:         p.successRateLocked(),
		AvgResponseTime:     p.avgResponseTime,
		LastUsed:            p.lastUsed,
		LastError:           p.lastError,
		RateLimitedUntil:    p.rateLimitUntil,
	}
}
