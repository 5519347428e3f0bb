package engine

import (
	"github.com/arachne-ai/arachne/internal/platform/logger"
	"github.com/arachne-ai/arachne/internal/workflow/domain/model"
)

// Named edge conditions. The set is closed: unknown names evaluate to
// false and log a warning rather than guessing.
const (
	condQualitySufficient    = "quality_sufficient"
	condQualityInsufficient  = "quality_insufficient"
	condHighConfidence       = "high_confidence"
	condLowConfidence        = "low_confidence"
	condEvidenceSufficient   = "evidence_sufficient"
	condEvidenceInsufficient = "evidence_insufficient"
)

// Recognized keys of a DECISION/CONDITION node's conditions map.
const (
	checkMinConfidence         = "min_confidence"
	checkMinSources            = "min_sources"
	checkCompletenessThreshold = "completeness_threshold"
)

// conditionEvaluator answers "does this edge fire" and "is this decision
// true" questions over an execution's accumulated node results.
type conditionEvaluator struct {
	log logger.Logger
}

func newConditionEvaluator(log logger.Logger) *conditionEvaluator {
	return &conditionEvaluator{log: log}
}

// shouldTraverse decides an outgoing edge after its source node completed
// successfully. Failure-driven edges (ERROR_HANDLER, TIMEOUT) never fire
// here; the failure policy routes them.
func (e *conditionEvaluator) shouldTraverse(exec *model.WorkflowExecution, edge *model.Edge) bool {
	switch edge.Type {
	case model.EdgeTypeSequential, model.EdgeTypeParallel:
		return true
	case model.EdgeTypeConditional, model.EdgeTypeLoopBack:
		return e.evaluate(exec, edge.Condition)
	case model.EdgeTypeErrorHandler, model.EdgeTypeTimeout:
		return false
	default:
		return false
	}
}

// evaluate resolves one named condition over the execution's results. An
// empty name means the edge is unconditioned and always fires.
func (e *conditionEvaluator) evaluate(exec *model.WorkflowExecution, name string) bool {
	if name == "" {
		return true
	}

	results := exec.Results()
	switch name {
	case condQualitySufficient:
		return qualityScore(results) >= 0.7
	case condQualityInsufficient:
		return qualityScore(results) < 0.7
	case condHighConfidence:
		mean, ok := meanPresentConfidence(results)
		return ok && mean >= 0.8
	case condLowConfidence:
		mean, ok := meanPresentConfidence(results)
		return !ok || mean < 0.8
	case condEvidenceSufficient:
		return evidenceSufficient(results)
	case condEvidenceInsufficient:
		return !evidenceSufficient(results)
	default:
		e.log.Warn("unknown edge condition evaluates to false",
			"condition", name,
			"execution_id", exec.ID())
		return false
	}
}

// evaluateDecision checks every recognized key of a DECISION node's
// conditions map; the decision is true only when all checks pass.
// Unrecognized keys fail their check, keeping the key set closed.
func (e *conditionEvaluator) evaluateDecision(exec *model.WorkflowExecution, conditions map[string]float64) (bool, map[string]bool) {
	results := exec.Results()
	checks := make(map[string]bool, len(conditions))
	decision := true

	for key, threshold := range conditions {
		var pass bool
		switch key {
		case checkMinConfidence:
			pass = meanConfidenceOrDefault(results) >= threshold
		case checkMinSources:
			pass = float64(totalSources(results)) >= threshold
		case checkCompletenessThreshold:
			pass = meanCompletenessOrDefault(results) >= threshold
		default:
			e.log.Warn("unknown decision condition fails its check",
				"condition", key,
				"execution_id", exec.ID())
			pass = false
		}
		checks[key] = pass
		if !pass {
			decision = false
		}
	}
	return decision, checks
}

// qualityBearing reports whether a result carries any quality signal.
// Control nodes store results too; conditions must read only the results
// that actually say something about quality, or the neutral substitutions
// would drown out the task signals.
func qualityBearing(r model.NodeResult) bool {
	if _, ok := r.Confidence(); ok {
		return true
	}
	if _, ok := r.Completeness(); ok {
		return true
	}
	if len(r.Sources()) > 0 || len(r.Evidence()) > 0 {
		return true
	}
	_, ok := r.EvidenceQuality()
	return ok
}

func qualityResults(results map[string]model.NodeResult) []model.NodeResult {
	out := make([]model.NodeResult, 0, len(results))
	for _, r := range results {
		if qualityBearing(r) {
			out = append(out, r)
		}
	}
	return out
}

// qualityScore averages confidence and completeness across the
// quality-bearing results, substituting 0.5 where a result carries one
// value but not the other. With no quality-bearing results the score is
// the neutral 0.5.
func qualityScore(results map[string]model.NodeResult) float64 {
	bearing := qualityResults(results)
	if len(bearing) == 0 {
		return 0.5
	}
	var confSum, compSum float64
	for _, r := range bearing {
		if v, ok := r.Confidence(); ok {
			confSum += v
		} else {
			confSum += 0.5
		}
		if v, ok := r.Completeness(); ok {
			compSum += v
		} else {
			compSum += 0.5
		}
	}
	n := float64(len(bearing))
	return (confSum/n + compSum/n) / 2
}

// meanPresentConfidence averages only the results that carry confidence;
// ok is false when none do.
func meanPresentConfidence(results map[string]model.NodeResult) (float64, bool) {
	var sum float64
	var n int
	for _, r := range results {
		if v, ok := r.Confidence(); ok {
			sum += v
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

func meanConfidenceOrDefault(results map[string]model.NodeResult) float64 {
	bearing := qualityResults(results)
	if len(bearing) == 0 {
		return 0.5
	}
	var sum float64
	for _, r := range bearing {
		if v, ok := r.Confidence(); ok {
			sum += v
		} else {
			sum += 0.5
		}
	}
	return sum / float64(len(bearing))
}

func meanCompletenessOrDefault(results map[string]model.NodeResult) float64 {
	bearing := qualityResults(results)
	if len(bearing) == 0 {
		return 0.5
	}
	var sum float64
	for _, r := range bearing {
		if v, ok := r.Completeness(); ok {
			sum += v
		} else {
			sum += 0.5
		}
	}
	return sum / float64(len(bearing))
}

func totalSources(results map[string]model.NodeResult) int {
	total := 0
	for _, r := range results {
		total += len(r.Sources())
	}
	return total
}

// evidenceSufficient requires at least three pieces of evidence in total
// and at least one result whose evidence quality reaches 0.6.
func evidenceSufficient(results map[string]model.NodeResult) bool {
	totalEvidence := 0
	maxQuality := 0.0
	for _, r := range results {
		totalEvidence += len(r.Evidence())
		if q, ok := r.EvidenceQuality(); ok && q > maxQuality {
			maxQuality = q
		}
	}
	return totalEvidence >= 3 && maxQuality >= 0.6
}
