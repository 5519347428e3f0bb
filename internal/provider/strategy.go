package provider

import (
	"fmt"
	"math"
)

// Strategy names a provider selection policy.
type Strategy string

const (
	// StrategyPriority always prefers the lowest priority number still
	// untried for the request.
	StrategyPriority Strategy = "priority"

	// StrategyRoundRobin rotates a shared cursor across the candidate
	// list, spreading load evenly over healthy providers.
	StrategyRoundRobin Strategy = "round_robin"

	// StrategyIntelligent picks randomly, weighted by observed success
	// rate and speed.
	StrategyIntelligent Strategy = "intelligent"

	// StrategyFastest prefers the lowest running average response time;
	// providers without samples are tried last.
	StrategyFastest Strategy = "fastest"
)

// ParseStrategy validates a configured strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyPriority, StrategyRoundRobin, StrategyIntelligent, StrategyFastest:
		return Strategy(s), nil
	case "":
		return StrategyPriority, nil
	}
	return "", fmt.Errorf("unknown provider strategy %q", s)
}

// selectCandidate picks the provider for the current attempt. Candidates
// are the available providers not yet tried for this request, sorted by
// ascending priority, and never empty.
func (m *Manager) selectCandidate(candidates []snapshot) snapshot {
	switch m.strategy {
	case StrategyRoundRobin:
		return m.pickRoundRobin(candidates)
	case StrategyIntelligent:
		return m.pickIntelligent(candidates)
	case StrategyFastest:
		return pickFastest(candidates)
	default:
		return candidates[0]
	}
}

func (m *Manager) pickRoundRobin(candidates []snapshot) snapshot {
	idx := m.rrCursor.Add(1) - 1
	return candidates[int(idx%uint64(len(candidates)))]
}

// pickIntelligent draws from the candidates with probability proportional
// to weight(). A provider nobody has used yet carries the neutral weight
// derived from the 0.5 default success rate, so cold providers still get
// traffic.
func (m *Manager) pickIntelligent(candidates []snapshot) snapshot {
	total := 0.0
	for _, c := range candidates {
		total += c.weight()
	}
	if total <= 0 {
		return candidates[0]
	}

	m.rngMu.Lock()
	r := m.rng.Float64() * total
	m.rngMu.Unlock()

	for _, c := range candidates {
		r -= c.weight()
		if r <= 0 {
			return c
		}
	}
	return candidates[len(candidates)-1]
}

// pickFastest treats an unseeded average as +Inf so unmeasured providers
// lose against any measured one. Priority order breaks ties because the
// scan keeps the first minimum.
func pickFastest(candidates []snapshot) snapshot {
	best := candidates[0]
	bestAvg := math.Inf(1)
	if best.avgSeeded {
		bestAvg = best.avgSeconds
	}
	for _, c := range candidates[1:] {
		avg := math.Inf(1)
		if c.avgSeeded {
			avg = c.avgSeconds
		}
		if avg < bestAvg {
			best = c
			bestAvg = avg
		}
	}
	return best
}
