// Package engine runs registered workflow definitions as concurrent graph
// executions. A priority queue feeds a single dispatch loop; each round the
// loop hands an execution's ready frontier to a stage that runs the nodes in
// parallel, folds their outcomes serially, and re-enqueues the execution
// until it reaches a terminal state. Background sweeps enforce workflow
// deadlines and reap stuck executions.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arachne-ai/arachne/internal/agent"
	"github.com/arachne-ai/arachne/internal/platform/config"
	"github.com/arachne-ai/arachne/internal/platform/logger"
	"github.com/arachne-ai/arachne/internal/platform/metrics"
	"github.com/arachne-ai/arachne/internal/platform/telemetry"
	"github.com/arachne-ai/arachne/internal/shared/events"
	"github.com/arachne-ai/arachne/internal/workflow/domain/model"
)

// Execution priority bounds. Lower values dispatch first; submissions
// outside the range are clamped, zero means the default.
const (
	PriorityHighest = 1
	PriorityDefault = 3
	PriorityLowest  = 5
)

// registeredWorkflow pairs a validated definition with registration
// metadata for status reporting.
type registeredWorkflow struct {
	def          *model.WorkflowDefinition
	registeredAt time.Time
	warnings     []string
}

// activeExecution is the engine-side bookkeeping for one live run: its
// cancellable context, per-node cancel functions for the timeout sweep,
// and the done channel subprocess parents wait on.
type activeExecution struct {
	exec   *model.WorkflowExecution
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// inRound is true while a dispatch round owns this execution. Cancel
	// paths defer finalization to the round so node outcomes land in the
	// history snapshot.
	inRound atomic.Bool

	cancelMu    sync.Mutex
	nodeCancels map[string]context.CancelFunc
}

func (a *activeExecution) cancelNode(nodeID string) bool {
	a.cancelMu.Lock()
	cancel, ok := a.nodeCancels[nodeID]
	a.cancelMu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

type executionTotals struct {
	total         int64
	succeeded     int64
	failed        int64
	totalDuration time.Duration
}

type nodeTypeAgg struct {
	count     int64
	succeeded int64
	elapsed   time.Duration
}

// Engine executes workflow definitions. All methods are safe for
// concurrent use.
type Engine struct {
	cfg     config.EngineConfig
	log     logger.Logger
	metrics *metrics.Metrics
	tracer  *telemetry.Telemetry
	clock   Clock

	agents     *agent.Registry
	conditions *conditionEvaluator
	emitter    *EventEmitter
	queue      *executionQueue

	defMu       sync.RWMutex
	definitions map[string]*registeredWorkflow

	execMu   sync.Mutex
	active   map[string]*activeExecution
	history  []*model.ExecutionSnapshot
	deferred []string

	statsMu sync.Mutex
	totals  executionTotals
	nodeAgg map[string]*nodeTypeAgg

	perfMu sync.RWMutex
	perf   PerfSample

	startHooks    []func(*model.ExecutionSnapshot)
	completeHooks []func(*model.ExecutionSnapshot)

	lifeMu     sync.Mutex
	running    bool
	startedAt  time.Time
	rootCtx    context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup
}

// Option configures the engine at construction.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(log logger.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithMetrics attaches Prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock overrides the wall clock used by the deadline sweeps.
func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithTelemetry attaches a tracer; each dispatch round opens a span.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(e *Engine) { e.tracer = t }
}

// OnExecutionStart registers a hook invoked when an execution begins
// running. Hooks must return quickly; slow work belongs on the hook's side.
func OnExecutionStart(fn func(*model.ExecutionSnapshot)) Option {
	return func(e *Engine) { e.startHooks = append(e.startHooks, fn) }
}

// OnExecutionComplete registers a hook invoked with the final snapshot
// after an execution reaches a terminal state.
func OnExecutionComplete(fn func(*model.ExecutionSnapshot)) Option {
	return func(e *Engine) { e.completeHooks = append(e.completeHooks, fn) }
}

// New creates an engine. Start must be called before executions are
// accepted.
func New(cfg config.EngineConfig, agents *agent.Registry, opts ...Option) *Engine {
	e := &Engine{
		cfg:         cfg,
		log:         logger.NewNop(),
		clock:       SystemClock(),
		agents:      agents,
		queue:       newExecutionQueue(),
		definitions: make(map[string]*registeredWorkflow),
		active:      make(map[string]*activeExecution),
		nodeAgg:     make(map[string]*nodeTypeAgg),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.conditions = newConditionEvaluator(e.log)
	e.emitter = NewEventEmitter(e.log)
	return e
}

// Events exposes the emitter so bridges (Kafka, the live ops stream) can
// subscribe to engine events.
func (e *Engine) Events() *EventEmitter {
	return e.emitter
}

// Running reports whether Start has been called and Stop has not.
func (e *Engine) Running() bool {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()
	return e.running
}

// Start launches the dispatch loop and the background sweeps. The given
// context bounds the engine's lifetime alongside Stop.
func (e *Engine) Start(ctx context.Context) error {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()
	if e.running {
		return errors.New("engine already started")
	}
	e.rootCtx, e.rootCancel = context.WithCancel(ctx)
	e.running = true
	e.startedAt = e.clock.Now()

	e.wg.Add(4)
	go e.executionLoop()
	go e.timeoutLoop()
	go e.cleanupLoop()
	go e.performanceLoop()

	e.log.Info("workflow engine started",
		"max_concurrent_executions", e.cfg.MaxConcurrentExecutions,
		"monitor_interval", e.cfg.MonitorInterval,
		"history_limit", e.cfg.MaxExecutionHistory,
	)
	return nil
}

// Stop cancels every active execution with an "Engine shutdown" error,
// closes the queue and waits up to the configured grace period for
// in-flight rounds to unwind. Stop is idempotent.
func (e *Engine) Stop() error {
	e.lifeMu.Lock()
	if !e.running {
		e.lifeMu.Unlock()
		return nil
	}
	e.running = false
	e.lifeMu.Unlock()

	e.log.Info("workflow engine stopping", "active_executions", e.activeCount())

	for _, entry := range e.snapshotActive() {
		entry.exec.Finish(model.ExecutionStatusCancelled, "Engine shutdown", e.clock.Now())
		entry.cancel()
		if !entry.inRound.Load() {
			e.completeExecution(entry)
		}
	}

	e.queue.Close()
	e.rootCancel()

	waited := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(e.cfg.ShutdownGrace):
		e.log.Warn("shutdown grace period expired with workers still running",
			"grace", e.cfg.ShutdownGrace)
	}

	// Rounds that re-enqueued just before the queue closed leave their
	// entry behind; finalize whatever remains so waiters unblock.
	for _, entry := range e.snapshotActive() {
		e.completeExecution(entry)
	}

	e.log.Info("workflow engine stopped")
	return nil
}

// RegisterWorkflow validates and stores a definition. The returned
// warnings flag unreachable nodes and other non-fatal findings.
func (e *Engine) RegisterWorkflow(def *model.WorkflowDefinition) ([]string, error) {
	if def == nil {
		return nil, validationErr("", "definition is nil")
	}
	def.Normalize()
	warnings, err := def.Validate()
	if err != nil {
		return warnings, &ValidationError{WorkflowID: def.WorkflowID, Reason: err.Error()}
	}

	e.defMu.Lock()
	defer e.defMu.Unlock()

	if _, exists := e.definitions[def.WorkflowID]; exists {
		return warnings, fmt.Errorf("%w: %s", ErrDuplicateWorkflow, def.WorkflowID)
	}
	if cycle := e.subprocessCycleLocked(def); len(cycle) > 0 {
		return warnings, validationErr(def.WorkflowID,
			"cyclic subprocess reference: %s", strings.Join(cycle, " -> "))
	}

	now := e.clock.Now()
	e.definitions[def.WorkflowID] = &registeredWorkflow{
		def:          def,
		registeredAt: now,
		warnings:     warnings,
	}

	for _, w := range warnings {
		e.log.Warn("workflow validation warning", "workflow_id", def.WorkflowID, "warning", w)
	}
	e.log.Info("workflow registered",
		"workflow_id", def.WorkflowID,
		"name", def.Name,
		"nodes", len(def.Nodes),
		"edges", len(def.Edges),
	)
	e.emit(def.WorkflowID, "workflow", events.TypeWorkflowRegistered, events.WorkflowRegistered{
		WorkflowID:   def.WorkflowID,
		Name:         def.Name,
		Version:      def.Version,
		NodeCount:    len(def.Nodes),
		EdgeCount:    len(def.Edges),
		RegisteredAt: now,
	})
	return warnings, nil
}

// subprocessCycleLocked walks the static subprocess reference graph from
// the candidate definition and returns the cycle path if the walk comes
// back to it. References to workflows not yet registered are allowed;
// they resolve (or fail) at run time.
func (e *Engine) subprocessCycleLocked(def *model.WorkflowDefinition) []string {
	refs := make(map[string][]string, len(e.definitions)+1)
	for id, reg := range e.definitions {
		refs[id] = reg.def.SubprocessRefs()
	}
	refs[def.WorkflowID] = def.SubprocessRefs()

	seen := map[string]bool{def.WorkflowID: true}
	var walk func(id string, trail []string) []string
	walk = func(id string, trail []string) []string {
		for _, next := range refs[id] {
			if next == def.WorkflowID {
				return append(trail, next)
			}
			if seen[next] {
				continue
			}
			seen[next] = true
			branch := make([]string, len(trail), len(trail)+1)
			copy(branch, trail)
			if cycle := walk(next, append(branch, next)); cycle != nil {
				return cycle
			}
		}
		return nil
	}
	return walk(def.WorkflowID, []string{def.WorkflowID})
}

// Workflow returns a registered definition.
func (e *Engine) Workflow(workflowID string) (*model.WorkflowDefinition, bool) {
	e.defMu.RLock()
	defer e.defMu.RUnlock()
	reg, ok := e.definitions[workflowID]
	if !ok {
		return nil, false
	}
	return reg.def, true
}

// Workflows lists registered definitions sorted by workflow ID.
func (e *Engine) Workflows() []WorkflowSummary {
	e.defMu.RLock()
	defer e.defMu.RUnlock()
	out := make([]WorkflowSummary, 0, len(e.definitions))
	for _, reg := range e.definitions {
		out = append(out, WorkflowSummary{
			WorkflowID:   reg.def.WorkflowID,
			Name:         reg.def.Name,
			Version:      reg.def.Version,
			Nodes:        len(reg.def.Nodes),
			Edges:        len(reg.def.Edges),
			RegisteredAt: reg.registeredAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkflowID < out[j].WorkflowID })
	return out
}

// ExecuteWorkflow submits a run of a registered workflow and returns its
// execution ID. The run is queued immediately; dispatch happens on the
// engine's loop, bounded by the concurrent execution limit. The caller's
// context gates only the submission itself, not the run.
func (e *Engine) ExecuteWorkflow(ctx context.Context, workflowID string, input map[string]interface{}, initiatedBy string, priority int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	e.lifeMu.Lock()
	if !e.running {
		e.lifeMu.Unlock()
		return "", ErrEngineStopped
	}
	root := e.rootCtx
	e.lifeMu.Unlock()

	e.defMu.RLock()
	reg, ok := e.definitions[workflowID]
	e.defMu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}

	switch {
	case priority == 0:
		priority = PriorityDefault
	case priority < PriorityHighest:
		priority = PriorityHighest
	case priority > PriorityLowest:
		priority = PriorityLowest
	}

	exec := model.NewWorkflowExecution(reg.def, input, initiatedBy, priority, e.clock.Now())
	runCtx, cancel := context.WithCancel(root)
	entry := &activeExecution{
		exec:        exec,
		ctx:         runCtx,
		cancel:      cancel,
		done:        make(chan struct{}),
		nodeCancels: make(map[string]context.CancelFunc),
	}

	e.execMu.Lock()
	e.active[exec.ID()] = entry
	e.execMu.Unlock()

	e.queue.Push(priority, exec.ID())
	e.setQueueDepth()

	e.log.Info("execution submitted",
		"execution_id", exec.ID(),
		"workflow_id", workflowID,
		"priority", priority,
		"initiated_by", initiatedBy,
	)
	return exec.ID(), nil
}

// GetWorkflowStatus returns a snapshot of an active or recently finished
// execution.
func (e *Engine) GetWorkflowStatus(executionID string) (*model.ExecutionSnapshot, error) {
	e.execMu.Lock()
	if entry, ok := e.active[executionID]; ok {
		e.execMu.Unlock()
		return entry.exec.Snapshot(), nil
	}
	for i := len(e.history) - 1; i >= 0; i-- {
		if e.history[i].ExecutionID == executionID {
			snap := e.history[i]
			e.execMu.Unlock()
			return snap, nil
		}
	}
	e.execMu.Unlock()
	return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, executionID)
}

// RecentExecutions returns snapshots of active runs plus finished history,
// newest first, capped at limit.
func (e *Engine) RecentExecutions(limit int) []*model.ExecutionSnapshot {
	if limit <= 0 {
		limit = 50
	}
	e.execMu.Lock()
	out := make([]*model.ExecutionSnapshot, 0, limit)
	for _, entry := range e.active {
		out = append(out, entry.exec.Snapshot())
	}
	hist := make([]*model.ExecutionSnapshot, len(e.history))
	copy(hist, e.history)
	e.execMu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	for i := len(hist) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, hist[i])
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// CancelExecution requests cooperative cancellation. Cancelling an
// execution that already finished is a no-op; unknown IDs are an error.
func (e *Engine) CancelExecution(executionID, reason string) error {
	e.execMu.Lock()
	entry, ok := e.active[executionID]
	e.execMu.Unlock()
	if !ok {
		if e.historyHas(executionID) {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrExecutionNotFound, executionID)
	}

	if reason == "" {
		reason = "Cancelled by user"
	}
	if entry.exec.Finish(model.ExecutionStatusCancelled, reason, e.clock.Now()) {
		e.log.Info("execution cancelled", "execution_id", executionID, "reason", reason)
	}
	entry.cancel()
	if !entry.inRound.Load() {
		e.completeExecution(entry)
	}
	return nil
}

// executionLoop is the single dispatch consumer. It pops admission
// tickets, gates new executions on the concurrency limit and hands each
// execution to a round goroutine. An execution holds at most one ticket,
// either in the queue or in a round, so rounds never overlap per run.
func (e *Engine) executionLoop() {
	defer e.wg.Done()
	for {
		executionID, ok := e.queue.Pop()
		if !ok {
			return
		}
		e.setQueueDepth()

		e.execMu.Lock()
		entry, found := e.active[executionID]
		e.execMu.Unlock()
		if !found {
			continue
		}
		exec := entry.exec

		if exec.Status().Terminal() {
			e.completeExecution(entry)
			continue
		}

		justStarted := false
		if exec.Status() == model.ExecutionStatusCreated {
			if e.runningCount() >= e.cfg.MaxConcurrentExecutions {
				e.execMu.Lock()
				e.deferred = append(e.deferred, executionID)
				e.execMu.Unlock()
				e.log.Debug("execution deferred at capacity", "execution_id", executionID)
				continue
			}
			exec.Begin(e.clock.Now())
			justStarted = true
		}

		entry.inRound.Store(true)
		e.wg.Add(1)
		go func(entry *activeExecution, justStarted bool) {
			defer e.wg.Done()
			e.processRound(entry, justStarted)
		}(entry, justStarted)
	}
}

// processRound runs one dispatch round: announce a fresh start, execute
// the ready frontier as a stage, then either finalize or re-enqueue.
func (e *Engine) processRound(entry *activeExecution, justStarted bool) {
	exec := entry.exec
	defer entry.inRound.Store(false)

	if justStarted {
		e.announceStart(exec)
	}

	if exec.Status().Terminal() {
		e.completeExecution(entry)
		return
	}

	ctx := entry.ctx
	if e.tracer != nil {
		spanCtx, span := e.tracer.StartSpan(ctx, "engine.stage")
		defer span.End()
		ctx = spanCtx
	}

	if ready := exec.ReadyNodes(); len(ready) > 0 {
		e.processStage(ctx, exec, ready)
	}

	switch status := exec.Status(); {
	case status.Terminal():
		e.completeExecution(entry)
	case len(exec.CurrentNodes()) == 0:
		// Nothing ready, nothing running, nothing in flight that could
		// revive the frontier: the run can never reach an END node.
		exec.Finish(model.ExecutionStatusFailed,
			"execution stalled: no nodes ready and none running", e.clock.Now())
		e.completeExecution(entry)
	default:
		e.queue.Push(exec.Priority(), exec.ID())
		e.setQueueDepth()
	}
}

func (e *Engine) announceStart(exec *model.WorkflowExecution) {
	snap := exec.Snapshot()
	if e.metrics != nil {
		e.metrics.ExecutionsStarted.WithLabelValues(snap.WorkflowID, triggerLabel(snap.InitiatedBy)).Inc()
		e.metrics.ExecutionsInProgress.Set(float64(e.runningCount()))
	}
	e.emit(snap.ExecutionID, "execution", events.TypeExecutionStarted, events.ExecutionStarted{
		ExecutionID: snap.ExecutionID,
		WorkflowID:  snap.WorkflowID,
		InitiatedBy: snap.InitiatedBy,
		Priority:    snap.Priority,
		Context:     snap.Context,
		StartedAt:   snap.StartedAt,
	})
	for _, hook := range e.startHooks {
		hook(snap)
	}
	e.log.Info("execution started",
		"execution_id", snap.ExecutionID,
		"workflow_id", snap.WorkflowID,
		"workflow_name", snap.WorkflowName,
	)
}

// completeExecution finalizes a terminal execution exactly once: removes
// it from the active set, appends the snapshot to bounded history, updates
// totals and metrics, emits the finish event and runs completion hooks.
func (e *Engine) completeExecution(entry *activeExecution) {
	exec := entry.exec

	e.execMu.Lock()
	if _, ok := e.active[exec.ID()]; !ok {
		e.execMu.Unlock()
		return
	}
	delete(e.active, exec.ID())
	snap := exec.Snapshot()
	e.history = append(e.history, snap)
	if over := len(e.history) - e.cfg.MaxExecutionHistory; over > 0 && e.cfg.MaxExecutionHistory > 0 {
		copy(e.history, e.history[over:])
		e.history = e.history[:len(e.history)-over]
	}
	deferred := e.deferred
	e.deferred = nil
	historyLen := len(e.history)
	e.execMu.Unlock()

	entry.cancel()

	e.statsMu.Lock()
	e.totals.total++
	if snap.Status == model.ExecutionStatusCompleted {
		e.totals.succeeded++
	} else {
		e.totals.failed++
	}
	e.totals.totalDuration += snap.Duration
	e.statsMu.Unlock()

	if e.metrics != nil {
		e.metrics.ExecutionsCompleted.WithLabelValues(snap.WorkflowID, string(snap.Status)).Inc()
		e.metrics.ExecutionDuration.WithLabelValues(snap.WorkflowID).Observe(snap.Duration.Seconds())
		e.metrics.ExecutionsInProgress.Set(float64(e.runningCount()))
		e.metrics.ExecutionHistorySize.Set(float64(historyLen))
	}

	// Waiters resume only after history and totals are settled.
	close(entry.done)

	e.emit(snap.ExecutionID, "execution", finishEventType(snap.Status), events.ExecutionFinished{
		ExecutionID: snap.ExecutionID,
		WorkflowID:  snap.WorkflowID,
		Status:      string(snap.Status),
		Error:       snap.Error,
		Duration:    snap.Duration,
		FinishedAt:  e.clock.Now(),
	})
	e.log.Info("execution finished",
		"execution_id", snap.ExecutionID,
		"workflow_id", snap.WorkflowID,
		"status", snap.Status,
		"duration", snap.Duration,
		"error", snap.Error,
	)

	for _, hook := range e.completeHooks {
		hook(snap)
	}

	// A slot may have freed; let deferred admissions contend again.
	for _, id := range deferred {
		e.execMu.Lock()
		d, ok := e.active[id]
		e.execMu.Unlock()
		if ok {
			e.queue.Push(d.exec.Priority(), id)
		}
	}
	if len(deferred) > 0 {
		e.setQueueDepth()
	}
}

func finishEventType(status model.ExecutionStatus) string {
	switch status {
	case model.ExecutionStatusCompleted:
		return events.TypeExecutionCompleted
	case model.ExecutionStatusCancelled:
		return events.TypeExecutionCancelled
	case model.ExecutionStatusTimeout:
		return events.TypeExecutionTimeout
	default:
		return events.TypeExecutionFailed
	}
}

// triggerLabel folds free-form initiators into a bounded metric label.
func triggerLabel(initiatedBy string) string {
	switch {
	case strings.HasPrefix(initiatedBy, "schedule:"):
		return "schedule"
	case strings.HasPrefix(initiatedBy, "subprocess:"):
		return "subprocess"
	default:
		return "api"
	}
}

// registerNodeCancel makes a running node's cancel function reachable by
// the timeout sweep.
func (e *Engine) registerNodeCancel(executionID, nodeID string, cancel context.CancelFunc) {
	e.execMu.Lock()
	entry, ok := e.active[executionID]
	e.execMu.Unlock()
	if !ok {
		return
	}
	entry.cancelMu.Lock()
	entry.nodeCancels[nodeID] = cancel
	entry.cancelMu.Unlock()
}

func (e *Engine) unregisterNodeCancel(executionID, nodeID string) {
	e.execMu.Lock()
	entry, ok := e.active[executionID]
	e.execMu.Unlock()
	if !ok {
		return
	}
	entry.cancelMu.Lock()
	delete(entry.nodeCancels, nodeID)
	entry.cancelMu.Unlock()
}

// waitDone returns a channel closed when the execution finishes. Unknown
// or already finished executions yield a closed channel.
func (e *Engine) waitDone(executionID string) <-chan struct{} {
	e.execMu.Lock()
	defer e.execMu.Unlock()
	if entry, ok := e.active[executionID]; ok {
		return entry.done
	}
	closed := make(chan struct{})
	close(closed)
	return closed
}

func (e *Engine) recordNodeAggregate(nodeType string, elapsed time.Duration, success bool) {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	agg := e.nodeAgg[nodeType]
	if agg == nil {
		agg = &nodeTypeAgg{}
		e.nodeAgg[nodeType] = agg
	}
	agg.count++
	if success {
		agg.succeeded++
	}
	agg.elapsed += elapsed
}

func (e *Engine) runningCount() int {
	e.execMu.Lock()
	defer e.execMu.Unlock()
	n := 0
	for _, entry := range e.active {
		if entry.exec.Status() == model.ExecutionStatusRunning {
			n++
		}
	}
	return n
}

func (e *Engine) activeCount() int {
	e.execMu.Lock()
	defer e.execMu.Unlock()
	return len(e.active)
}

func (e *Engine) historyHas(executionID string) bool {
	e.execMu.Lock()
	defer e.execMu.Unlock()
	for i := len(e.history) - 1; i >= 0; i-- {
		if e.history[i].ExecutionID == executionID {
			return true
		}
	}
	return false
}

func (e *Engine) snapshotActive() []*activeExecution {
	e.execMu.Lock()
	defer e.execMu.Unlock()
	out := make([]*activeExecution, 0, len(e.active))
	for _, entry := range e.active {
		out = append(out, entry)
	}
	return out
}

func (e *Engine) setQueueDepth() {
	if e.metrics != nil {
		e.metrics.QueueDepth.Set(float64(e.queue.Len()))
	}
}

// WorkflowSummary describes one registered definition in status output.
type WorkflowSummary struct {
	WorkflowID   string    `json:"workflow_id"`
	Name         string    `json:"name"`
	Version      string    `json:"version,omitempty"`
	Nodes        int       `json:"nodes"`
	Edges        int       `json:"edges"`
	RegisteredAt time.Time `json:"registered_at"`
}

// NodeTypeStats aggregates outcomes per node type since engine start.
type NodeTypeStats struct {
	Count       int64   `json:"count"`
	AvgTime     float64 `json:"avg_time_seconds"`
	SuccessRate float64 `json:"success_rate"`
}

// ExecutionTotals summarizes finished executions since engine start.
type ExecutionTotals struct {
	TotalExecutions      int64   `json:"total_executions"`
	SuccessfulExecutions int64   `json:"successful_executions"`
	FailedExecutions     int64   `json:"failed_executions"`
	AverageExecutionTime float64 `json:"average_execution_time_seconds"`
	ActiveExecutions     int     `json:"active_executions"`
}

// EngineStatusReport is the full status document served by the ops API.
type EngineStatusReport struct {
	Status              string                   `json:"status"`
	StartedAt           time.Time                `json:"started_at,omitempty"`
	UptimeSeconds       float64                  `json:"uptime_seconds"`
	RegisteredWorkflows int                      `json:"registered_workflows"`
	ActiveExecutions    int                      `json:"active_executions"`
	QueueDepth          int                      `json:"queue_depth"`
	HistorySize         int                      `json:"history_size"`
	Metrics             ExecutionTotals          `json:"metrics"`
	NodeTypes           map[string]NodeTypeStats `json:"node_types"`
	Configuration       config.EngineConfig      `json:"configuration"`
	Workflows           []WorkflowSummary        `json:"workflows"`
	System              PerfSample               `json:"system"`
}

// EngineStatus assembles the status report.
func (e *Engine) EngineStatus() *EngineStatusReport {
	e.lifeMu.Lock()
	status := "stopped"
	var startedAt time.Time
	var uptime float64
	if e.running {
		status = "running"
		startedAt = e.startedAt
		uptime = e.clock.Now().Sub(e.startedAt).Seconds()
	}
	e.lifeMu.Unlock()

	e.execMu.Lock()
	activeCount := len(e.active)
	historySize := len(e.history)
	e.execMu.Unlock()

	e.statsMu.Lock()
	totals := ExecutionTotals{
		TotalExecutions:      e.totals.total,
		SuccessfulExecutions: e.totals.succeeded,
		FailedExecutions:     e.totals.failed,
		ActiveExecutions:     activeCount,
	}
	if e.totals.total > 0 {
		totals.AverageExecutionTime = e.totals.totalDuration.Seconds() / float64(e.totals.total)
	}
	nodeTypes := make(map[string]NodeTypeStats, len(e.nodeAgg))
	for nodeType, agg := range e.nodeAgg {
		stats := NodeTypeStats{Count: agg.count}
		if agg.count > 0 {
			stats.AvgTime = agg.elapsed.Seconds() / float64(agg.count)
			stats.SuccessRate = float64(agg.succeeded) / float64(agg.count)
		}
		nodeTypes[nodeType] = stats
	}
	e.statsMu.Unlock()

	e.perfMu.RLock()
	perf := e.perf
	e.perfMu.RUnlock()

	return &EngineStatusReport{
		Status:              status,
		StartedAt:           startedAt,
		UptimeSeconds:       uptime,
		RegisteredWorkflows: len(e.Workflows()),
		ActiveExecutions:    activeCount,
		QueueDepth:          e.queue.Len(),
		HistorySize:         historySize,
		Metrics:             totals,
		NodeTypes:           nodeTypes,
		Configuration:       e.cfg,
		Workflows:           e.Workflows(),
		System:              perf,
	}
}
