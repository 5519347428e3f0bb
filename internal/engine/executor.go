package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arachne-ai/arachne/internal/agent"
	"github.com/arachne-ai/arachne/internal/shared/events"
	"github.com/arachne-ai/arachne/internal/workflow/domain/model"
)

// defaultLoopIterations bounds LOOP nodes whose definition does not set
// parameters.max_iterations.
const defaultLoopIterations = 10

// nodeOutcome is what one node run hands back to the frontier loop.
type nodeOutcome struct {
	node     *model.Node
	result   model.NodeResult
	err      error
	timedOut bool
}

// processStage runs every READY frontier node in parallel, waits for the
// whole stage, then advances the frontier serially. Only this method and
// the failure policy it calls mutate the frontier, so each node's state
// slot has exactly one writer.
func (e *Engine) processStage(ctx context.Context, exec *model.WorkflowExecution, ready []string) {
	def := exec.Definition()
	outcomes := make(chan nodeOutcome, len(ready))
	var wg sync.WaitGroup

	for _, nodeID := range ready {
		node := def.Nodes[nodeID]
		if node == nil {
			continue
		}
		exec.MarkRunning(nodeID, e.clock.Now())
		wg.Add(1)
		go func(node *model.Node) {
			defer wg.Done()
			outcomes <- e.runNode(ctx, exec, node)
		}(node)
	}
	wg.Wait()
	close(outcomes)

	var advanced []string
	for outcome := range outcomes {
		if e.handleOutcome(exec, outcome) {
			advanced = append(advanced, outcome.node.ID)
		}
	}

	if !exec.Status().Terminal() && len(advanced) > 0 {
		e.updateState(exec, advanced)
	}
}

// handleOutcome folds one node result into the execution. It returns true
// when the node completed and its outgoing edges should be evaluated.
func (e *Engine) handleOutcome(exec *model.WorkflowExecution, outcome nodeOutcome) bool {
	node := outcome.node
	now := e.clock.Now()

	if outcome.err == nil {
		started, _ := exec.NodeRunningSince(node.ID)
		exec.CompleteNode(node.ID, outcome.result, now)
		elapsed := now.Sub(started)
		e.recordNodeMetrics(node, "completed", elapsed, true)
		e.emit(exec.ID(), "execution", events.TypeNodeCompleted, events.NodeCompleted{
			ExecutionID: exec.ID(),
			WorkflowID:  exec.Definition().WorkflowID,
			NodeID:      node.ID,
			NodeType:    string(node.Type),
			Duration:    elapsed,
			CompletedAt: now,
		})
		e.log.Debug("node completed",
			"execution_id", exec.ID(),
			"node_id", node.ID,
			"node_type", string(node.Type),
			"elapsed", elapsed)

		if node.Type == model.NodeTypeEnd {
			exec.Finish(model.ExecutionStatusCompleted, "", now)
		}
		return true
	}

	// A stage interrupted by cancellation or timeout records the failure
	// but leaves routing to whoever finished the execution.
	if exec.Status().Terminal() {
		exec.FailNode(node.ID, outcome.err.Error(), now)
		e.recordNodeMetrics(node, "failed", 0, false)
		return false
	}

	e.handleNodeFailure(exec, outcome, now)
	return false
}

// handleNodeFailure applies the three-step failure policy: retry while
// attempts remain, then route through error-handler edges, then fail the
// whole run.
func (e *Engine) handleNodeFailure(exec *model.WorkflowExecution, outcome nodeOutcome, now time.Time) {
	node := outcome.node
	def := exec.Definition()
	errMsg := outcome.err.Error()

	if exec.RetryCount(node.ID) < node.MaxRetries {
		attempt := exec.RetryNode(node.ID, errMsg)
		if e.metrics != nil {
			e.metrics.NodeRetriesTotal.WithLabelValues(string(node.Type)).Inc()
		}
		e.emit(exec.ID(), "execution", events.TypeNodeFailed, events.NodeFailed{
			ExecutionID: exec.ID(),
			WorkflowID:  def.WorkflowID,
			NodeID:      node.ID,
			NodeType:    string(node.Type),
			Error:       errMsg,
			RetryCount:  attempt,
			Terminal:    false,
			FailedAt:    now,
		})
		e.log.Warn("node failed, retrying",
			"execution_id", exec.ID(),
			"node_id", node.ID,
			"attempt", attempt,
			"max_retries", node.MaxRetries,
			"error", errMsg)
		return
	}

	handlers := failureEdges(def, node.ID, outcome.timedOut)
	if len(handlers) > 0 {
		// The node counts as completed so downstream joins see it; the
		// stored result records the failure.
		record := outcome.result
		if record == nil {
			record = &model.TaskResult{
				Success:   false,
				Error:     errMsg,
				AgentType: node.AgentType,
				Action:    node.Action,
			}
		}
		exec.CompleteNode(node.ID, record, now)
		for _, edge := range def.OutgoingEdges(node.ID) {
			exec.DecideEdge(edge.ID, containsEdge(handlers, edge.ID))
		}
		for _, edge := range handlers {
			exec.MarkReady(edge.ToNode)
		}
		e.recordNodeMetrics(node, "error_handled", 0, false)
		e.emit(exec.ID(), "execution", events.TypeNodeFailed, events.NodeFailed{
			ExecutionID: exec.ID(),
			WorkflowID:  def.WorkflowID,
			NodeID:      node.ID,
			NodeType:    string(node.Type),
			Error:       errMsg,
			RetryCount:  exec.RetryCount(node.ID),
			Terminal:    true,
			FailedAt:    now,
		})
		e.log.Warn("node failed, routed to error handler",
			"execution_id", exec.ID(),
			"node_id", node.ID,
			"handlers", len(handlers),
			"error", errMsg)
		return
	}

	exec.FailNode(node.ID, errMsg, now)
	exec.Finish(model.ExecutionStatusFailed, fmt.Sprintf("Node %s failed: %s", node.ID, errMsg), now)
	e.recordNodeMetrics(node, "failed", 0, false)
	e.emit(exec.ID(), "execution", events.TypeNodeFailed, events.NodeFailed{
		ExecutionID: exec.ID(),
		WorkflowID:  def.WorkflowID,
		NodeID:      node.ID,
		NodeType:    string(node.Type),
		Error:       errMsg,
		RetryCount:  exec.RetryCount(node.ID),
		Terminal:    true,
		FailedAt:    now,
	})
	e.log.Error("node failed terminally",
		"execution_id", exec.ID(),
		"node_id", node.ID,
		"error", errMsg)
}

// failureEdges returns the outgoing edges the failure policy may route
// through: ERROR_HANDLER always, TIMEOUT only when the failure was a
// timeout.
func failureEdges(def *model.WorkflowDefinition, nodeID string, timedOut bool) []*model.Edge {
	var handlers []*model.Edge
	for _, edge := range def.OutgoingEdges(nodeID) {
		if edge.Type == model.EdgeTypeErrorHandler || (timedOut && edge.Type == model.EdgeTypeTimeout) {
			handlers = append(handlers, edge)
		}
	}
	return handlers
}

func containsEdge(edges []*model.Edge, id string) bool {
	for _, e := range edges {
		if e.ID == id {
			return true
		}
	}
	return false
}

// updateState evaluates the outgoing edges of freshly completed nodes and
// marks every newly eligible target READY.
func (e *Engine) updateState(exec *model.WorkflowExecution, advanced []string) {
	def := exec.Definition()
	for _, nodeID := range advanced {
		node := def.Nodes[nodeID]
		for _, edge := range def.OutgoingEdges(nodeID) {
			if edge.Type == model.EdgeTypeErrorHandler || edge.Type == model.EdgeTypeTimeout {
				exec.DecideEdge(edge.ID, false)
				continue
			}

			fire := e.conditions.shouldTraverse(exec, edge)
			if fire && edge.Type == model.EdgeTypeLoopBack && node.Type == model.NodeTypeLoop {
				if iter := nodeIteration(exec, nodeID); iter >= loopMaxIterations(node) {
					fire = false
					e.log.Info("loop iteration budget exhausted",
						"execution_id", exec.ID(),
						"node_id", nodeID,
						"iterations", iter)
				}
			}
			exec.DecideEdge(edge.ID, fire)
			if !fire {
				continue
			}

			target := def.Nodes[edge.ToNode]
			if target == nil {
				continue
			}
			if edge.Type == model.EdgeTypeLoopBack {
				// Rewind: the target re-enters the frontier even though it
				// completed in an earlier iteration.
				exec.MarkReady(target.ID)
				continue
			}
			if e.isReady(exec, def, target, edge) {
				exec.MarkReady(target.ID)
			}
		}
	}
}

// isReady decides whether a traversed edge's target can enter the
// frontier now or must keep waiting for other predecessors.
func (e *Engine) isReady(exec *model.WorkflowExecution, def *model.WorkflowDefinition, target *model.Node, via *model.Edge) bool {
	switch {
	case target.Type == model.NodeTypeStart:
		return true
	case target.Type == model.NodeTypeMerge:
		return mergeReady(exec, def, target)
	case via.Type == model.EdgeTypeParallel:
		// Fan-out branches start immediately; the matching MERGE is the
		// synchronization point.
		return true
	}

	for _, in := range def.IncomingEdges(target.ID) {
		switch in.Type {
		case model.EdgeTypeSequential:
			if !exec.NodeCompleted(in.FromNode) {
				return false
			}
		case model.EdgeTypeConditional:
			if exec.EdgeDecisionFor(in.ID) != model.EdgeTraversed || !exec.NodeCompleted(in.FromNode) {
				return false
			}
		}
	}
	return true
}

// mergeReady implements the join rule: every incoming edge must be
// decided, and every traversed one must have a completed source. A
// rejected edge releases its branch from the wait set.
func mergeReady(exec *model.WorkflowExecution, def *model.WorkflowDefinition, target *model.Node) bool {
	for _, in := range def.IncomingEdges(target.ID) {
		switch exec.EdgeDecisionFor(in.ID) {
		case model.EdgeRejected:
			continue
		case model.EdgeTraversed:
			if !exec.NodeCompleted(in.FromNode) {
				return false
			}
		default:
			// Undecided: the source may still fire this edge.
			return false
		}
	}
	return true
}

// runNode executes one node and returns its outcome. TASK, DELAY and
// SUBPROCESS suspend; every other type completes in-line.
func (e *Engine) runNode(ctx context.Context, exec *model.WorkflowExecution, node *model.Node) nodeOutcome {
	switch node.Type {
	case model.NodeTypeStart, model.NodeTypeEnd, model.NodeTypeParallel:
		return nodeOutcome{node: node, result: &model.ControlResult{Node: node.Type}}

	case model.NodeTypeLoop:
		iteration := exec.BumpIterations(node.ID)
		return nodeOutcome{node: node, result: &model.ControlResult{Node: node.Type, Iteration: iteration}}

	case model.NodeTypeDecision, model.NodeTypeCondition:
		decision, checks := e.conditions.evaluateDecision(exec, node.Conditions)
		return nodeOutcome{node: node, result: &model.DecisionResult{Decision: decision, Checks: checks}}

	case model.NodeTypeMerge:
		return nodeOutcome{node: node, result: buildMergeResult(exec, node)}

	case model.NodeTypeTask:
		return e.runTask(ctx, exec, node)

	case model.NodeTypeDelay:
		return e.runDelay(ctx, exec, node)

	case model.NodeTypeSubprocess:
		return e.runSubprocess(ctx, exec, node)

	default:
		return nodeOutcome{node: node, err: fmt.Errorf("unsupported node type %q", node.Type)}
	}
}

// buildMergeResult collects the results of every predecessor that reached
// the merge through a traversed edge.
func buildMergeResult(exec *model.WorkflowExecution, node *model.Node) *model.MergeResult {
	def := exec.Definition()
	merged := make(map[string]model.NodeResult)
	for _, in := range def.IncomingEdges(node.ID) {
		if exec.EdgeDecisionFor(in.ID) != model.EdgeTraversed {
			continue
		}
		if result, ok := exec.NodeResultFor(in.FromNode); ok {
			merged[in.FromNode] = result
		}
	}
	return &model.MergeResult{Results: merged, MergeCount: len(merged)}
}

type taskReturn struct {
	result *model.TaskResult
	err    error
}

// runTask dispatches one TASK node to its agent under the node deadline.
// The deadline is the tighter of the node's own timeout and the
// workflow's remaining budget; agents that outlive their cancelled
// context are recorded as overruns and left to finish on their own.
func (e *Engine) runTask(ctx context.Context, exec *model.WorkflowExecution, node *model.Node) nodeOutcome {
	handler, err := e.agents.Get(node.AgentType)
	if err != nil {
		return nodeOutcome{node: node, err: fmt.Errorf("no suitable agent for agent_type %q", node.AgentType)}
	}

	limit, err := e.taskDeadline(exec, node)
	if err != nil {
		return nodeOutcome{node: node, err: err, timedOut: true}
	}

	taskCtx := ctx
	var cancel context.CancelFunc
	if limit > 0 {
		taskCtx, cancel = context.WithTimeout(ctx, limit)
	} else {
		taskCtx, cancel = context.WithCancel(ctx)
	}
	e.registerNodeCancel(exec.ID(), node.ID, cancel)
	defer e.unregisterNodeCancel(exec.ID(), node.ID)
	defer cancel()

	task := agent.Task{
		ID:          uuid.New().String(),
		Type:        node.AgentType,
		Action:      node.Action,
		Description: node.Description,
		Parameters:  node.Parameters,
		Context: agent.WorkflowContext{
			ExecutionID: exec.ID(),
			WorkflowID:  exec.Definition().WorkflowID,
			NodeID:      node.ID,
			Variables:   exec.ContextSnapshot(),
		},
	}

	done := make(chan taskReturn, 1)
	go func() {
		result, err := handler.ProcessTask(taskCtx, task)
		done <- taskReturn{result: result, err: err}
	}()

	select {
	case ret := <-done:
		return taskOutcome(node, ret, limit)
	case <-taskCtx.Done():
		// The agent is still running; watch it so ignored cancellations
		// surface in metrics instead of leaking silently.
		go func() {
			<-done
			if e.metrics != nil {
				e.metrics.NodeCancellationOverruns.WithLabelValues(node.AgentType).Inc()
			}
			e.log.Warn("agent ignored cancellation and ran to completion",
				"execution_id", exec.ID(),
				"node_id", node.ID,
				"agent_type", node.AgentType)
		}()
		if errors.Is(taskCtx.Err(), context.DeadlineExceeded) {
			return nodeOutcome{
				node:     node,
				err:      fmt.Errorf("timeout after %.0f seconds", limit.Seconds()),
				timedOut: true,
			}
		}
		return nodeOutcome{node: node, err: fmt.Errorf("task cancelled: %v", context.Cause(taskCtx))}
	}
}

func taskOutcome(node *model.Node, ret taskReturn, limit time.Duration) nodeOutcome {
	if ret.err != nil {
		if errors.Is(ret.err, context.DeadlineExceeded) {
			return nodeOutcome{
				node:     node,
				err:      fmt.Errorf("timeout after %.0f seconds", limit.Seconds()),
				timedOut: true,
			}
		}
		return nodeOutcome{node: node, err: ret.err}
	}
	if ret.result == nil {
		return nodeOutcome{node: node, err: errors.New("agent returned no result")}
	}
	if !ret.result.Success {
		msg := ret.result.Error
		if msg == "" {
			msg = "task failed without error detail"
		}
		return nodeOutcome{node: node, result: ret.result, err: errors.New(msg)}
	}
	if ret.result.AgentType == "" {
		ret.result.AgentType = node.AgentType
	}
	if ret.result.Action == "" {
		ret.result.Action = node.Action
	}
	return nodeOutcome{node: node, result: ret.result}
}

// taskDeadline computes the effective limit for one task run: the tighter
// of the node timeout and the workflow's remaining budget. Zero means
// unbounded. A workflow already out of budget fails the node immediately.
func (e *Engine) taskDeadline(exec *model.WorkflowExecution, node *model.Node) (time.Duration, error) {
	var limit time.Duration
	if node.TimeoutSeconds > 0 {
		limit = time.Duration(node.TimeoutSeconds) * time.Second
	}

	def := exec.Definition()
	if def.Timeout > 0 {
		if started := exec.StartedAt(); !started.IsZero() {
			remaining := def.Timeout - e.clock.Now().Sub(started)
			if remaining <= 0 {
				return 0, fmt.Errorf("timeout after %.0f seconds", def.Timeout.Seconds())
			}
			if limit == 0 || remaining < limit {
				limit = remaining
			}
		}
	}
	return limit, nil
}

// runDelay sleeps for parameters.delay_seconds, abandoning the wait when
// the execution is cancelled or times out.
func (e *Engine) runDelay(ctx context.Context, exec *model.WorkflowExecution, node *model.Node) nodeOutcome {
	seconds, err := node.DelaySeconds()
	if err != nil {
		return nodeOutcome{node: node, err: err}
	}

	delayCtx, cancel := context.WithCancel(ctx)
	e.registerNodeCancel(exec.ID(), node.ID, cancel)
	defer e.unregisterNodeCancel(exec.ID(), node.ID)
	defer cancel()

	timer := time.NewTimer(time.Duration(seconds * float64(time.Second)))
	defer timer.Stop()
	select {
	case <-timer.C:
		return nodeOutcome{node: node, result: &model.DelayResult{DelayedSeconds: seconds}}
	case <-delayCtx.Done():
		return nodeOutcome{node: node, err: fmt.Errorf("delay interrupted: %v", context.Cause(delayCtx))}
	}
}

// runSubprocess starts the referenced workflow as a nested execution with
// the parent's context snapshot and waits for its terminal state.
func (e *Engine) runSubprocess(ctx context.Context, exec *model.WorkflowExecution, node *model.Node) nodeOutcome {
	workflowID, err := node.SubprocessWorkflowID()
	if err != nil {
		return nodeOutcome{node: node, err: err}
	}

	subID, err := e.ExecuteWorkflow(ctx, workflowID, exec.ContextSnapshot(), "subprocess:"+exec.ID(), exec.Priority())
	if err != nil {
		return nodeOutcome{node: node, err: fmt.Errorf("subprocess %s: %w", workflowID, err)}
	}

	subCtx, cancel := context.WithCancel(ctx)
	e.registerNodeCancel(exec.ID(), node.ID, cancel)
	defer e.unregisterNodeCancel(exec.ID(), node.ID)
	defer cancel()

	wait := e.cfg.SubprocessWait
	if wait <= 0 {
		wait = time.Hour
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-e.waitDone(subID):
		snap, err := e.GetWorkflowStatus(subID)
		if err != nil {
			return nodeOutcome{node: node, err: fmt.Errorf("subprocess %s result unavailable: %w", subID, err)}
		}
		result := &model.SubprocessResult{
			ExecutionID: subID,
			WorkflowID:  workflowID,
			Status:      snap.Status,
			Results:     snap.NodeResults,
			Error:       snap.Error,
		}
		if snap.Status != model.ExecutionStatusCompleted {
			return nodeOutcome{
				node:   node,
				result: result,
				err:    fmt.Errorf("subprocess %s finished %s: %s", workflowID, snap.Status, snap.Error),
			}
		}
		return nodeOutcome{node: node, result: result}

	case <-timer.C:
		_ = e.CancelExecution(subID, "parent wait expired")
		return nodeOutcome{
			node:     node,
			err:      fmt.Errorf("subprocess timeout after %.0f seconds", wait.Seconds()),
			timedOut: true,
		}

	case <-subCtx.Done():
		_ = e.CancelExecution(subID, "parent execution ended")
		return nodeOutcome{node: node, err: fmt.Errorf("subprocess wait interrupted: %v", context.Cause(subCtx))}
	}
}

// loopMaxIterations reads parameters.max_iterations with the default cap.
func loopMaxIterations(node *model.Node) int {
	raw, ok := node.Parameters["max_iterations"]
	if !ok {
		return defaultLoopIterations
	}
	switch v := raw.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return defaultLoopIterations
	}
}

// nodeIteration reads a LOOP node's iteration counter from its stored
// control result.
func nodeIteration(exec *model.WorkflowExecution, nodeID string) int {
	result, ok := exec.NodeResultFor(nodeID)
	if !ok {
		return 0
	}
	if ctrl, ok := result.(*model.ControlResult); ok {
		return ctrl.Iteration
	}
	return 0
}

func (e *Engine) recordNodeMetrics(node *model.Node, status string, elapsed time.Duration, success bool) {
	if e.metrics != nil {
		e.metrics.NodeExecutionsTotal.WithLabelValues(string(node.Type), status).Inc()
		if elapsed > 0 {
			e.metrics.NodeExecutionDuration.WithLabelValues(string(node.Type)).Observe(elapsed.Seconds())
		}
	}
	e.recordNodeAggregate(string(node.Type), elapsed, success)
}
