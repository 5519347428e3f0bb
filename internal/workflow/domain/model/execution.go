package model

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// ExecutionStatus is the lifecycle state of one workflow run.
type ExecutionStatus string

const (
	ExecutionStatusCreated   ExecutionStatus = "CREATED"
	ExecutionStatusRunning   ExecutionStatus = "RUNNING"
	ExecutionStatusPaused    ExecutionStatus = "PAUSED"
	ExecutionStatusCompleted ExecutionStatus = "COMPLETED"
	ExecutionStatusFailed    ExecutionStatus = "FAILED"
	ExecutionStatusCancelled ExecutionStatus = "CANCELLED"
	ExecutionStatusTimeout   ExecutionStatus = "TIMEOUT"
)

// Terminal reports whether the status admits no further transitions.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed,
		ExecutionStatusCancelled, ExecutionStatusTimeout:
		return true
	}
	return false
}

// NodeStatus is the lifecycle state of one node within an execution.
type NodeStatus string

const (
	NodeStatusPending   NodeStatus = "PENDING"
	NodeStatusReady     NodeStatus = "READY"
	NodeStatusRunning   NodeStatus = "RUNNING"
	NodeStatusCompleted NodeStatus = "COMPLETED"
	NodeStatusFailed    NodeStatus = "FAILED"
	NodeStatusSkipped   NodeStatus = "SKIPPED"
)

// EdgeDecision records the outcome of evaluating an edge after its source
// node completed. Undecided edges belong to nodes that have not finished,
// or to branches the run never reached.
type EdgeDecision int

const (
	EdgeUndecided EdgeDecision = iota
	EdgeTraversed
	EdgeRejected
)

// NodeState carries the per-run bookkeeping for one node.
type NodeState struct {
	Status      NodeStatus `json:"status"`
	RetryCount  int        `json:"retry_count,omitempty"`
	Iterations  int        `json:"iterations,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	StartedAt   time.Time  `json:"started_at,omitempty"`
	CompletedAt time.Time  `json:"completed_at,omitempty"`
}

// ExecutionProgress summarizes how far a run has advanced.
type ExecutionProgress struct {
	TotalNodes           int     `json:"total_nodes"`
	CompletedNodes       int     `json:"completed_nodes"`
	FailedNodes          int     `json:"failed_nodes"`
	CurrentNodes         int     `json:"current_nodes"`
	CompletionPercentage float64 `json:"completion_percentage"`
}

// ExecutionSnapshot is a consistent copy of an execution's observable
// state, safe to hold after the run has moved on.
type ExecutionSnapshot struct {
	ExecutionID  string                 `json:"execution_id"`
	WorkflowID   string                 `json:"workflow_id"`
	WorkflowName string                 `json:"workflow_name"`
	Status       ExecutionStatus        `json:"status"`
	Progress     ExecutionProgress      `json:"progress"`
	CurrentNodes []string               `json:"current_nodes"`
	NodeStates   map[string]*NodeState  `json:"node_states"`
	NodeResults  map[string]NodeResult  `json:"node_results"`
	Context      map[string]interface{} `json:"context,omitempty"`
	Error        string                 `json:"error,omitempty"`
	InitiatedBy  string                 `json:"initiated_by,omitempty"`
	Priority     int                    `json:"priority"`
	CreatedAt    time.Time              `json:"created_at"`
	StartedAt    time.Time              `json:"started_at,omitempty"`
	CompletedAt  time.Time              `json:"completed_at,omitempty"`
	Duration     time.Duration          `json:"duration_ms,omitempty"`
}

// WorkflowExecution is the mutable state of one run of a definition. The
// scheduler is the only writer during frontier processing; status readers
// and parallel node workers go through the same mutex, so no section ever
// holds it across agent or transport calls.
type WorkflowExecution struct {
	mu sync.RWMutex

	id          string
	def         *WorkflowDefinition
	status      ExecutionStatus
	current     map[string]bool
	completed   map[string]bool
	failed      map[string]bool
	nodeStates  map[string]*NodeState
	nodeResults map[string]NodeResult
	edges       map[string]EdgeDecision
	context     map[string]interface{}
	err         string
	initiatedBy string
	priority    int
	createdAt   time.Time
	startedAt   time.Time
	completedAt time.Time
}

// NewWorkflowExecution creates a run of def with the START node READY.
func NewWorkflowExecution(def *WorkflowDefinition, ctx map[string]interface{}, initiatedBy string, priority int, now time.Time) *WorkflowExecution {
	if ctx == nil {
		ctx = make(map[string]interface{})
	}
	exec := &WorkflowExecution{
		id:          uuid.New().String(),
		def:         def,
		status:      ExecutionStatusCreated,
		current:     make(map[string]bool),
		completed:   make(map[string]bool),
		failed:      make(map[string]bool),
		nodeStates:  make(map[string]*NodeState, len(def.Nodes)),
		nodeResults: make(map[string]NodeResult),
		edges:       make(map[string]EdgeDecision, len(def.Edges)),
		context:     ctx,
		initiatedBy: initiatedBy,
		priority:    priority,
		createdAt:   now,
	}
	for id := range def.Nodes {
		exec.nodeStates[id] = &NodeState{Status: NodeStatusPending}
	}
	if start := def.StartNode(); start != nil {
		exec.current[start.ID] = true
		exec.nodeStates[start.ID].Status = NodeStatusReady
	}
	return exec
}

// ID returns the execution identifier.
func (x *WorkflowExecution) ID() string { return x.id }

// Definition returns the shared, read-only definition this run executes.
func (x *WorkflowExecution) Definition() *WorkflowDefinition { return x.def }

// Priority returns the scheduling priority given at submission.
func (x *WorkflowExecution) Priority() int { return x.priority }

// Status returns the current lifecycle status.
func (x *WorkflowExecution) Status() ExecutionStatus {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.status
}

// StartedAt returns when the run left CREATED, zero if it has not.
func (x *WorkflowExecution) StartedAt() time.Time {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.startedAt
}

// Begin moves the run from CREATED to RUNNING.
func (x *WorkflowExecution) Begin(now time.Time) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.status == ExecutionStatusCreated {
		x.status = ExecutionStatusRunning
		x.startedAt = now
	}
}

// ReadyNodes returns the frontier nodes whose state is READY.
func (x *WorkflowExecution) ReadyNodes() []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	var ready []string
	for id := range x.current {
		if x.nodeStates[id].Status == NodeStatusReady {
			ready = append(ready, id)
		}
	}
	return ready
}

// CurrentNodes returns every node in the frontier, READY or RUNNING.
func (x *WorkflowExecution) CurrentNodes() []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	nodes := make([]string, 0, len(x.current))
	for id := range x.current {
		nodes = append(nodes, id)
	}
	return nodes
}

// MarkReady puts a node into the frontier. Re-marking a node that already
// completed clears its completion record, which is how LOOP_BACK edges
// rewind part of the graph.
func (x *WorkflowExecution) MarkReady(nodeID string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.completed, nodeID)
	delete(x.failed, nodeID)
	x.current[nodeID] = true
	state := x.nodeStates[nodeID]
	state.Status = NodeStatusReady
	state.StartedAt = time.Time{}
	state.CompletedAt = time.Time{}
}

// MarkRunning transitions a READY frontier node to RUNNING.
func (x *WorkflowExecution) MarkRunning(nodeID string, now time.Time) {
	x.mu.Lock()
	defer x.mu.Unlock()
	state := x.nodeStates[nodeID]
	state.Status = NodeStatusRunning
	state.StartedAt = now
}

// CompleteNode stores the node's result and moves it from the frontier to
// the completed set. The error-handler path also lands here: the stored
// result then records the failure.
func (x *WorkflowExecution) CompleteNode(nodeID string, result NodeResult, now time.Time) {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.current, nodeID)
	delete(x.failed, nodeID)
	x.completed[nodeID] = true
	x.nodeResults[nodeID] = result
	state := x.nodeStates[nodeID]
	state.Status = NodeStatusCompleted
	state.CompletedAt = now
}

// FailNode moves the node from the frontier to the failed set.
func (x *WorkflowExecution) FailNode(nodeID, errMsg string, now time.Time) {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.current, nodeID)
	delete(x.completed, nodeID)
	x.failed[nodeID] = true
	state := x.nodeStates[nodeID]
	state.Status = NodeStatusFailed
	state.LastError = errMsg
	state.CompletedAt = now
}

// RetryNode records a failed attempt and returns the node to READY. It
// returns the new attempt count.
func (x *WorkflowExecution) RetryNode(nodeID, errMsg string) int {
	x.mu.Lock()
	defer x.mu.Unlock()
	state := x.nodeStates[nodeID]
	state.RetryCount++
	state.LastError = errMsg
	state.Status = NodeStatusReady
	state.StartedAt = time.Time{}
	x.current[nodeID] = true
	return state.RetryCount
}

// SkipNode marks a node the run abandoned, typically on cancellation.
func (x *WorkflowExecution) SkipNode(nodeID string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.current, nodeID)
	x.nodeStates[nodeID].Status = NodeStatusSkipped
}

// RetryCount returns the attempts already burned for a node.
func (x *WorkflowExecution) RetryCount(nodeID string) int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.nodeStates[nodeID].RetryCount
}

// BumpIterations increments and returns a LOOP node's iteration count.
func (x *WorkflowExecution) BumpIterations(nodeID string) int {
	x.mu.Lock()
	defer x.mu.Unlock()
	state := x.nodeStates[nodeID]
	state.Iterations++
	return state.Iterations
}

// NodeRunningSince returns the start time of a RUNNING node.
func (x *WorkflowExecution) NodeRunningSince(nodeID string) (time.Time, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	state, ok := x.nodeStates[nodeID]
	if !ok || state.Status != NodeStatusRunning {
		return time.Time{}, false
	}
	return state.StartedAt, true
}

// RunningNodes returns the frontier nodes currently RUNNING.
func (x *WorkflowExecution) RunningNodes() []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	var running []string
	for id := range x.current {
		if x.nodeStates[id].Status == NodeStatusRunning {
			running = append(running, id)
		}
	}
	return running
}

// NodeCompleted reports whether a node is in the completed set.
func (x *WorkflowExecution) NodeCompleted(nodeID string) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.completed[nodeID]
}

// DecideEdge records whether an edge was traversed or rejected when its
// source node completed. LOOP_BACK rewinds overwrite earlier decisions.
func (x *WorkflowExecution) DecideEdge(edgeID string, traversed bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if traversed {
		x.edges[edgeID] = EdgeTraversed
	} else {
		x.edges[edgeID] = EdgeRejected
	}
}

// EdgeDecisionFor returns the recorded decision for an edge.
func (x *WorkflowExecution) EdgeDecisionFor(edgeID string) EdgeDecision {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.edges[edgeID]
}

// ResetEdge clears an edge decision so a loop iteration can re-evaluate it.
func (x *WorkflowExecution) ResetEdge(edgeID string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.edges, edgeID)
}

// NodeResultFor returns a node's stored result.
func (x *WorkflowExecution) NodeResultFor(nodeID string) (NodeResult, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	result, ok := x.nodeResults[nodeID]
	return result, ok
}

// Results returns a copy of the node result map.
func (x *WorkflowExecution) Results() map[string]NodeResult {
	x.mu.RLock()
	defer x.mu.RUnlock()
	results := make(map[string]NodeResult, len(x.nodeResults))
	for id, result := range x.nodeResults {
		results[id] = result
	}
	return results
}

// ContextValue reads one key from the execution context.
func (x *WorkflowExecution) ContextValue(key string) (interface{}, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	value, ok := x.context[key]
	return value, ok
}

// ContextSnapshot returns a shallow copy of the execution context.
func (x *WorkflowExecution) ContextSnapshot() map[string]interface{} {
	x.mu.RLock()
	defer x.mu.RUnlock()
	ctx := make(map[string]interface{}, len(x.context))
	for key, value := range x.context {
		ctx[key] = value
	}
	return ctx
}

// Finish moves the run to a terminal status. Later calls are ignored so
// the first terminal cause wins over racing monitors.
func (x *WorkflowExecution) Finish(status ExecutionStatus, errMsg string, now time.Time) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.status.Terminal() {
		return false
	}
	x.status = status
	x.err = errMsg
	x.completedAt = now
	return true
}

// Error returns the terminal error message, if any.
func (x *WorkflowExecution) Error() string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.err
}

// Progress computes the completion summary for status reporting.
func (x *WorkflowExecution) Progress() ExecutionProgress {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.progressLocked()
}

func (x *WorkflowExecution) progressLocked() ExecutionProgress {
	total := len(x.def.Nodes)
	progress := ExecutionProgress{
		TotalNodes:     total,
		CompletedNodes: len(x.completed),
		FailedNodes:    len(x.failed),
		CurrentNodes:   len(x.current),
	}
	if total > 0 {
		progress.CompletionPercentage = float64(len(x.completed)) / float64(total) * 100
	}
	return progress
}

// Snapshot returns a deep-enough copy for handlers and archival sinks.
func (x *WorkflowExecution) Snapshot() *ExecutionSnapshot {
	x.mu.RLock()
	defer x.mu.RUnlock()

	current := make([]string, 0, len(x.current))
	for id := range x.current {
		current = append(current, id)
	}
	states := make(map[string]*NodeState, len(x.nodeStates))
	for id, state := range x.nodeStates {
		copied := *state
		states[id] = &copied
	}
	results := make(map[string]NodeResult, len(x.nodeResults))
	for id, result := range x.nodeResults {
		results[id] = result
	}
	ctx := make(map[string]interface{}, len(x.context))
	for key, value := range x.context {
		ctx[key] = value
	}

	snapshot := &ExecutionSnapshot{
		ExecutionID:  x.id,
		WorkflowID:   x.def.WorkflowID,
		WorkflowName: x.def.Name,
		Status:       x.status,
		Progress:     x.progressLocked(),
		CurrentNodes: current,
		NodeStates:   states,
		NodeResults:  results,
		Context:      ctx,
		Error:        x.err,
		InitiatedBy:  x.initiatedBy,
		Priority:     x.priority,
		CreatedAt:    x.createdAt,
		StartedAt:    x.startedAt,
		CompletedAt:  x.completedAt,
	}
	if !x.startedAt.IsZero() && !x.completedAt.IsZero() {
		snapshot.Duration = x.completedAt.Sub(x.startedAt)
	}
	return snapshot
}
