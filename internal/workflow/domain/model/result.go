package model

// NodeResult is what a finished node leaves in the execution's result map.
// Each node type stores its own variant; the edge evaluator reads them all
// through this interface, with "not carried" answered by ok=false or an
// empty list rather than a fabricated zero.
type NodeResult interface {
	Succeeded() bool
	Confidence() (float64, bool)
	Completeness() (float64, bool)
	Sources() []string
	Evidence() []string
	EvidenceQuality() (float64, bool)
	ErrorMessage() string
}

// Float64 returns a pointer to v, for the optional scores on TaskResult.
func Float64(v float64) *float64 { return &v }

// resultDefaults answers every accessor with "not carried". Variants embed
// it and override only what they store.
type resultDefaults struct{}

func (resultDefaults) Succeeded() bool                  { return true }
func (resultDefaults) Confidence() (float64, bool)      { return 0, false }
func (resultDefaults) Completeness() (float64, bool)    { return 0, false }
func (resultDefaults) Sources() []string                { return nil }
func (resultDefaults) Evidence() []string               { return nil }
func (resultDefaults) EvidenceQuality() (float64, bool) { return 0, false }
func (resultDefaults) ErrorMessage() string             { return "" }

// TaskResult is returned by agents and stored for TASK nodes. The scored
// fields are optional; agents that cannot judge a dimension leave it nil.
type TaskResult struct {
	resultDefaults

	Success         bool                   `json:"success"`
	ConfidenceVal   *float64               `json:"confidence,omitempty"`
	CompletenessVal *float64               `json:"completeness,omitempty"`
	SourceList      []string               `json:"sources,omitempty"`
	EvidenceList    []string               `json:"evidence,omitempty"`
	EvidenceQual    *float64               `json:"evidence_quality,omitempty"`
	Error           string                 `json:"error,omitempty"`
	Payload         map[string]interface{} `json:"payload,omitempty"`
	AgentType       string                 `json:"agent_type,omitempty"`
	Action          string                 `json:"action,omitempty"`
}

func (r *TaskResult) Succeeded() bool { return r.Success }

func (r *TaskResult) Confidence() (float64, bool) {
	if r.ConfidenceVal == nil {
		return 0, false
	}
	return *r.ConfidenceVal, true
}

func (r *TaskResult) Completeness() (float64, bool) {
	if r.CompletenessVal == nil {
		return 0, false
	}
	return *r.CompletenessVal, true
}

func (r *TaskResult) Sources() []string  { return r.SourceList }
func (r *TaskResult) Evidence() []string { return r.EvidenceList }

func (r *TaskResult) EvidenceQuality() (float64, bool) {
	if r.EvidenceQual == nil {
		return 0, false
	}
	return *r.EvidenceQual, true
}

func (r *TaskResult) ErrorMessage() string { return r.Error }

// DecisionResult is stored for DECISION and CONDITION nodes.
type DecisionResult struct {
	resultDefaults

	Decision bool            `json:"decision"`
	Checks   map[string]bool `json:"checks,omitempty"`
}

// MergeResult is stored for MERGE nodes: the contributing predecessors'
// results keyed by node ID, plus how many of them arrived.
type MergeResult struct {
	resultDefaults

	Results    map[string]NodeResult `json:"results"`
	MergeCount int                   `json:"merge_count"`
}

// DelayResult is stored for DELAY nodes.
type DelayResult struct {
	resultDefaults

	DelayedSeconds float64 `json:"delayed_seconds"`
}

// SubprocessResult is stored for SUBPROCESS nodes and carries the nested
// run's terminal outcome.
type SubprocessResult struct {
	resultDefaults

	ExecutionID string                `json:"execution_id"`
	WorkflowID  string                `json:"workflow_id"`
	Status      ExecutionStatus       `json:"status"`
	Results     map[string]NodeResult `json:"results,omitempty"`
	Error       string                `json:"error,omitempty"`
}

func (r *SubprocessResult) Succeeded() bool      { return r.Status == ExecutionStatusCompleted }
func (r *SubprocessResult) ErrorMessage() string { return r.Error }

// ControlResult is stored for START, END, PARALLEL and LOOP nodes, which
// carry no domain payload of their own.
type ControlResult struct {
	resultDefaults

	Node      NodeType `json:"node_type"`
	Iteration int      `json:"iteration,omitempty"`
}
