// Package provider implements the multi-backend dispatch layer: a set of
// generation backends behind one Generate call, with per-provider circuit
// breakers, rate-limit cool-downs and pluggable selection strategies.
package provider

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/arachne-ai/arachne/internal/platform/config"
	"github.com/arachne-ai/arachne/internal/platform/logger"
	"github.com/arachne-ai/arachne/internal/platform/metrics"
	"github.com/arachne-ai/arachne/internal/shared/events"
)

const defaultProviderTimeout = 30 * time.Second

// FallbackHandler is invoked when a request succeeds on any attempt after
// the first. Handlers run on the calling goroutine and must be fast.
type FallbackHandler func(events.ProviderFallback)

// Manager routes generation requests across the configured backends,
// falling back to the next candidate when one fails.
type Manager struct {
	log         logger.Logger
	metrics     *metrics.Metrics
	providers   []*Provider
	byID        map[string]*Provider
	transport   map[string]Transport
	strategy    Strategy
	maxAttempts int
	stats       *Stats

	clock      func() time.Time
	rngMu      sync.Mutex
	rng        *rand.Rand
	rrCursor   atomic.Uint64
	onFallback FallbackHandler
}

// Option customizes a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(log logger.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// WithMetrics attaches Prometheus instrumentation.
func WithMetrics(mx *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mx }
}

// WithClock replaces the wall clock. Tests use this to drive the breaker
// half-open window without sleeping.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.clock = now }
}

// WithRand seeds the weighted-random selection used by the intelligent
// strategy.
func WithRand(r *rand.Rand) Option {
	return func(m *Manager) { m.rng = r }
}

// WithFallbackHandler registers a callback for fallback successes.
func WithFallbackHandler(fn FallbackHandler) Option {
	return func(m *Manager) { m.onFallback = fn }
}

// New builds a Manager from configuration. transports maps a backend kind
// (for example "openai") to the Transport that speaks its protocol; every
// configured backend must have one.
func New(cfg config.ProvidersConfig, transports map[string]Transport, opts ...Option) (*Manager, error) {
	strategy, err := ParseStrategy(cfg.DefaultStrategy)
	if err != nil {
		return nil, err
	}
	if len(cfg.Backends) == 0 {
		return nil, fmt.Errorf("no provider backends configured")
	}

	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	breaker := breakerSettings{
		failureThreshold:  cfg.FailureThreshold,
		halfOpenAfter:     cfg.HalfOpenAfter,
		rateLimitCooldown: cfg.RateLimitCooldown,
	}
	if breaker.failureThreshold <= 0 {
		breaker.failureThreshold = 5
	}
	if breaker.halfOpenAfter <= 0 {
		breaker.halfOpenAfter = 10 * time.Minute
	}
	if breaker.rateLimitCooldown <= 0 {
		breaker.rateLimitCooldown = 5 * time.Minute
	}

	m := &Manager{
		log:         logger.NewNop(),
		byID:        make(map[string]*Provider, len(cfg.Backends)),
		transport:   transports,
		strategy:    strategy,
		maxAttempts: maxAttempts,
		clock:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.rng == nil {
		m.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	m.stats = newStats(m.clock())

	for _, backend := range cfg.Backends {
		if backend.ID == "" {
			return nil, fmt.Errorf("provider backend with empty id")
		}
		if _, dup := m.byID[backend.ID]; dup {
			return nil, fmt.Errorf("duplicate provider id %q", backend.ID)
		}
		if _, ok := transports[backend.Kind]; !ok {
			return nil, fmt.Errorf("provider %q: no transport for kind %q", backend.ID, backend.Kind)
		}
		p := newProvider(backend, breaker)
		m.providers = append(m.providers, p)
		m.byID[backend.ID] = p
	}

	// Stable priority order; everything downstream relies on it.
	sort.SliceStable(m.providers, func(i, j int) bool {
		if m.providers[i].cfg.Priority != m.providers[j].cfg.Priority {
			return m.providers[i].cfg.Priority < m.providers[j].cfg.Priority
		}
		return m.providers[i].cfg.ID < m.providers[j].cfg.ID
	})

	m.log.Info("provider manager initialized",
		"providers", len(m.providers),
		"strategy", string(m.strategy),
		"max_attempts", m.maxAttempts)
	return m, nil
}

// Strategy returns the active selection strategy.
func (m *Manager) Strategy() Strategy { return m.strategy }

// GenerateResponse reports the outcome of one Generate call, including
// which backend answered and how many attempts it took.
type GenerateResponse struct {
	Success      bool          `json:"success"`
	Content      string        `json:"content,omitempty"`
	ProviderID   string        `json:"provider_id,omitempty"`
	ProviderName string        `json:"provider_name,omitempty"`
	Model        string        `json:"model,omitempty"`
	TokensUsed   int           `json:"tokens_used,omitempty"`
	ResponseTime time.Duration `json:"response_time"`
	Attempts     int           `json:"attempts"`
	Error        string        `json:"error,omitempty"`
}

// Generate runs the fallback chain: snapshot the available providers,
// then attempt up to min(maxAttempts, len(available)) of them, choosing
// each attempt's backend with the configured strategy. The first success
// wins; a success on attempt two or later is counted as a fallback. When
// the availability snapshot is empty the call fails without consuming an
// attempt.
func (m *Manager) Generate(ctx context.Context, req Request) (*GenerateResponse, error) {
	m.stats.requestStarted()

	active := m.availableProviders()
	if len(active) == 0 {
		m.stats.requestFailed()
		m.countGenerate("no_active_providers")
		m.log.Error("generate rejected", "reason", "no active providers")
		// No attempt is made, but the caller-facing message matches the
		// exhausted-chain wording; the sentinel keeps the cases apart.
		return &GenerateResponse{
			Success:  false,
			Attempts: 0,
			Error:    ErrAllProvidersFailed.Error(),
		}, ErrNoActiveProviders
	}

	requestID := uuid.New().String()
	attempts := m.maxAttempts
	if len(active) < attempts {
		attempts = len(active)
	}

	tried := make(map[string]bool, attempts)
	var lastErr error
	performed := 0

	for attempt := 1; attempt <= attempts; attempt++ {
		candidates := snapshotsExcluding(active, tried)
		if len(candidates) == 0 {
			break
		}
		chosen := m.selectCandidate(candidates)
		p := chosen.provider
		tried[p.ID()] = true
		performed = attempt

		result, elapsed, err := m.callProvider(ctx, p, req)
		if err != nil {
			lastErr = err
			m.recordAttemptFailure(p, attempt, err)
			if ctx.Err() != nil {
				// The caller is gone; stop burning providers.
				break
			}
			continue
		}

		m.recordAttemptSuccess(p, attempt, elapsed)
		if attempt > 1 {
			m.noteFallback(requestID, p, attempt)
		}
		m.countGenerate("success")
		return &GenerateResponse{
			Success:      true,
			Content:      result.Content,
			ProviderID:   p.ID(),
			ProviderName: p.Name(),
			Model:        p.Config().Model,
			TokensUsed:   result.TokensUsed,
			ResponseTime: elapsed,
			Attempts:     attempt,
		}, nil
	}

	m.stats.requestFailed()
	m.countGenerate("failure")
	errMsg := ErrAllProvidersFailed.Error()
	if lastErr != nil {
		errMsg = fmt.Sprintf("%s: %s", ErrAllProvidersFailed, lastErr)
	}
	m.log.Error("generate exhausted fallback chain",
		"request_id", requestID,
		"attempts", performed,
		"error", errMsg)
	return &GenerateResponse{
		Success:  false,
		Attempts: performed,
		Error:    errMsg,
	}, fmt.Errorf("%w after %d attempts: %v", ErrAllProvidersFailed, performed, lastErr)
}

// availableProviders snapshots the breaker state once per request. The
// returned slice preserves priority order.
func (m *Manager) availableProviders() []*Provider {
	now := m.clock()
	active := make([]*Provider, 0, len(m.providers))
	for _, p := range m.providers {
		if p.Available(now) {
			active = append(active, p)
		}
	}
	return active
}

func snapshotsExcluding(active []*Provider, tried map[string]bool) []snapshot {
	out := make([]snapshot, 0, len(active))
	for _, p := range active {
		if tried[p.ID()] {
			continue
		}
		out = append(out, p.snapshot())
	}
	return out
}

// callProvider runs one transport call under the backend's own timeout.
func (m *Manager) callProvider(ctx context.Context, p *Provider, req Request) (*Result, time.Duration, error) {
	timeout := p.Config().Timeout
	if timeout <= 0 {
		timeout = defaultProviderTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := m.clock()
	result, err := m.transport[p.Config().Kind].Send(callCtx, p.Config(), req)
	elapsed := m.clock().Sub(start)
	if err != nil {
		return nil, elapsed, err
	}
	if result == nil {
		return nil, elapsed, fmt.Errorf("transport returned empty result")
	}
	return result, elapsed, nil
}

func (m *Manager) recordAttemptSuccess(p *Provider, attempt int, elapsed time.Duration) {
	now := m.clock()
	p.recordSuccess(elapsed, now)
	m.stats.requestSucceeded(p.ID(), attempt, elapsed)
	if m.metrics != nil {
		m.metrics.ProviderRequestsTotal.WithLabelValues(p.ID(), "success").Inc()
		m.metrics.ProviderResponseTime.WithLabelValues(p.ID()).Observe(elapsed.Seconds())
		m.metrics.ProviderBreakerOpen.WithLabelValues(p.ID()).Set(0)
	}
	m.log.Debug("provider call succeeded",
		"provider", p.ID(),
		"attempt", attempt,
		"elapsed", elapsed)
}

func (m *Manager) recordAttemptFailure(p *Provider, attempt int, err error) {
	rateLimited := IsRateLimit(err)
	fails := p.recordFailure(err.Error(), rateLimited, m.clock())

	outcome := "failure"
	if rateLimited {
		outcome = "rate_limited"
	}
	if m.metrics != nil {
		m.metrics.ProviderRequestsTotal.WithLabelValues(p.ID(), outcome).Inc()
		if fails >= p.breaker.failureThreshold {
			m.metrics.ProviderBreakerOpen.WithLabelValues(p.ID()).Set(1)
		}
	}
	m.log.Warn("provider call failed",
		"provider", p.ID(),
		"attempt", attempt,
		"consecutive_failures", fails,
		"rate_limited", rateLimited,
		"error", err)
}

// noteFallback records that a later-attempt provider rescued the request.
func (m *Manager) noteFallback(requestID string, p *Provider, attempt int) {
	if m.metrics != nil {
		m.metrics.ProviderFallbacksTotal.Inc()
	}
	m.log.Info("request served by fallback provider",
		"request_id", requestID,
		"provider", p.ID(),
		"attempt", attempt)
	if m.onFallback != nil {
		m.onFallback(events.ProviderFallback{
			RequestID:    requestID,
			ProviderID:   p.ID(),
			ProviderName: p.Name(),
			Attempts:     attempt,
			Timestamp:    m.clock(),
		})
	}
}

func (m *Manager) countGenerate(outcome string) {
	if m.metrics != nil {
		m.metrics.GenerateRequestsTotal.WithLabelValues(string(m.strategy), outcome).Inc()
	}
}

// ProviderHealth reports every backend's breaker state in priority order.
func (m *Manager) ProviderHealth() []Health {
	now := m.clock()
	out := make([]Health, 0, len(m.providers))
	for _, p := range m.providers {
		out = append(out, p.Health(now))
	}
	return out
}

// ProviderByID exposes a single backend's health, for the ops API.
func (m *Manager) ProviderByID(id string) (Health, bool) {
	p, ok := m.byID[id]
	if !ok {
		return Health{}, false
	}
	return p.Health(m.clock()), true
}

// Stats returns the aggregate request counters.
func (m *Manager) Stats() StatsReport {
	return m.stats.report(m.clock())
}

// ResetStats zeroes the aggregate counters. Per-provider breaker state is
// deliberately left alone; resetting counters must not close open
// breakers.
func (m *Manager) ResetStats() {
	m.stats.reset(m.clock())
	m.log.Info("provider stats reset")
}
