package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arachne-ai/arachne/internal/agent"
	"github.com/arachne-ai/arachne/internal/platform/config"
	"github.com/arachne-ai/arachne/internal/shared/events"
	"github.com/arachne-ai/arachne/internal/workflow/domain/model"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testEngineConfig() config.EngineConfig {
	return config.EngineConfig{
		MaxConcurrentExecutions: 10,
		MaxExecutionHistory:     100,
		MonitorInterval:         20 * time.Millisecond,
		CleanupInterval:         time.Hour,
		StuckThreshold:          4 * time.Hour,
		SubprocessWait:          time.Minute,
		ShutdownGrace:           2 * time.Second,
	}
}

func startTestEngine(t *testing.T, cfg config.EngineConfig, agents *agent.Registry, opts ...Option) *Engine {
	t.Helper()
	eng := New(cfg, agents, opts...)
	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(func() { _ = eng.Stop() })
	return eng
}

func awaitTerminal(t *testing.T, eng *Engine, executionID string) *model.ExecutionSnapshot {
	t.Helper()
	var snap *model.ExecutionSnapshot
	require.Eventually(t, func() bool {
		s, err := eng.GetWorkflowStatus(executionID)
		if err != nil || !s.Status.Terminal() {
			return false
		}
		snap = s
		return true
	}, 5*time.Second, 5*time.Millisecond)
	return snap
}

func awaitDone(t *testing.T, eng *Engine, executionID string) {
	t.Helper()
	select {
	case <-eng.waitDone(executionID):
	case <-time.After(5 * time.Second):
		t.Fatalf("execution %s never finished", executionID)
	}
}

func okTask(confidence, completeness float64) *model.TaskResult {
	return &model.TaskResult{
		Success:         true,
		ConfidenceVal:   model.Float64(confidence),
		CompletenessVal: model.Float64(completeness),
	}
}

func mustRegister(t *testing.T, r *agent.Registry, agentType string, fn agent.Func) {
	t.Helper()
	require.NoError(t, r.Register(agentType, fn))
}

// blockingAgent waits for cancellation and signals entry exactly once.
func blockingAgent(entered chan<- struct{}) agent.Func {
	var once sync.Once
	return func(ctx context.Context, task agent.Task) (*model.TaskResult, error) {
		once.Do(func() { close(entered) })
		<-ctx.Done()
		return nil, ctx.Err()
	}
}

func validLinearDef(id string) *model.WorkflowDefinition {
	return &model.WorkflowDefinition{
		WorkflowID: id,
		Name:       id,
		Nodes: map[string]*model.Node{
			"start": {Type: model.NodeTypeStart},
			"end":   {Type: model.NodeTypeEnd},
		},
		Edges: map[string]*model.Edge{
			"e1": {FromNode: "start", ToNode: "end", Type: model.EdgeTypeSequential},
		},
	}
}

func singleTaskDef(id, agentType string) *model.WorkflowDefinition {
	return &model.WorkflowDefinition{
		WorkflowID: id,
		Name:       id,
		Nodes: map[string]*model.Node{
			"start": {Type: model.NodeTypeStart},
			"work":  {Type: model.NodeTypeTask, AgentType: agentType},
			"end":   {Type: model.NodeTypeEnd},
		},
		Edges: map[string]*model.Edge{
			"e1": {FromNode: "start", ToNode: "work", Type: model.EdgeTypeSequential},
			"e2": {FromNode: "work", ToNode: "end", Type: model.EdgeTypeSequential},
		},
	}
}

func TestSequentialWorkflowRunsInOrder(t *testing.T) {
	var mu sync.Mutex
	var calls []string
	record := func(name string) agent.Func {
		return func(ctx context.Context, task agent.Task) (*model.TaskResult, error) {
			mu.Lock()
			calls = append(calls, name)
			mu.Unlock()
			return okTask(0.9, 0.9), nil
		}
	}

	agents := agent.NewRegistry()
	mustRegister(t, agents, "research", record("collect"))
	mustRegister(t, agents, "analysis", record("analyze"))

	eng := startTestEngine(t, testEngineConfig(), agents)

	def := &model.WorkflowDefinition{
		WorkflowID: "wf-linear",
		Name:       "linear research",
		Nodes: map[string]*model.Node{
			"start":   {Type: model.NodeTypeStart},
			"collect": {Type: model.NodeTypeTask, AgentType: "research", Action: "collect"},
			"analyze": {Type: model.NodeTypeTask, AgentType: "analysis", Action: "analyze"},
			"end":     {Type: model.NodeTypeEnd},
		},
		Edges: map[string]*model.Edge{
			"e1": {FromNode: "start", ToNode: "collect", Type: model.EdgeTypeSequential},
			"e2": {FromNode: "collect", ToNode: "analyze", Type: model.EdgeTypeSequential},
			"e3": {FromNode: "analyze", ToNode: "end", Type: model.EdgeTypeSequential},
		},
	}
	warnings, err := eng.RegisterWorkflow(def)
	require.NoError(t, err)
	assert.Empty(t, warnings)

	id, err := eng.ExecuteWorkflow(context.Background(), "wf-linear",
		map[string]interface{}{"topic": "fusion"}, "tester", 0)
	require.NoError(t, err)

	snap := awaitTerminal(t, eng, id)
	require.Equal(t, model.ExecutionStatusCompleted, snap.Status)
	assert.Empty(t, snap.Error)
	assert.Equal(t, PriorityDefault, snap.Priority)

	mu.Lock()
	order := append([]string(nil), calls...)
	mu.Unlock()
	assert.Equal(t, []string{"collect", "analyze"}, order)

	assert.Equal(t, 4, snap.Progress.TotalNodes)
	assert.Equal(t, 4, snap.Progress.CompletedNodes)
	assert.InDelta(t, 100.0, snap.Progress.CompletionPercentage, 0.001)
	assert.Equal(t, model.NodeStatusCompleted, snap.NodeStates["analyze"].Status)
	assert.False(t, snap.CompletedAt.Before(snap.StartedAt))

	result, ok := snap.NodeResults["collect"].(*model.TaskResult)
	require.True(t, ok)
	assert.True(t, result.Success)
	assert.Equal(t, "research", result.AgentType)
}

func TestParallelBranchesOverlap(t *testing.T) {
	var mu sync.Mutex
	starts := map[string]time.Time{}
	ends := map[string]time.Time{}

	sleeper := func(ctx context.Context, task agent.Task) (*model.TaskResult, error) {
		ms := task.Parameters["sleep_ms"].(int)
		mu.Lock()
		starts[task.Context.NodeID] = time.Now()
		mu.Unlock()
		time.Sleep(time.Duration(ms) * time.Millisecond)
		mu.Lock()
		ends[task.Context.NodeID] = time.Now()
		mu.Unlock()
		return okTask(0.8, 0.8), nil
	}

	agents := agent.NewRegistry()
	mustRegister(t, agents, "research", sleeper)

	eng := startTestEngine(t, testEngineConfig(), agents)

	def := &model.WorkflowDefinition{
		WorkflowID: "wf-fan",
		Name:       "fan out research",
		Nodes: map[string]*model.Node{
			"start": {Type: model.NodeTypeStart},
			"fan":   {Type: model.NodeTypeParallel},
			"web":   {Type: model.NodeTypeTask, AgentType: "research", Parameters: map[string]interface{}{"sleep_ms": 80}},
			"news":  {Type: model.NodeTypeTask, AgentType: "research", Parameters: map[string]interface{}{"sleep_ms": 120}},
			"paper": {Type: model.NodeTypeTask, AgentType: "research", Parameters: map[string]interface{}{"sleep_ms": 160}},
			"join":  {Type: model.NodeTypeMerge},
			"end":   {Type: model.NodeTypeEnd},
		},
		Edges: map[string]*model.Edge{
			"e1": {FromNode: "start", ToNode: "fan", Type: model.EdgeTypeSequential},
			"e2": {FromNode: "fan", ToNode: "web", Type: model.EdgeTypeParallel},
			"e3": {FromNode: "fan", ToNode: "news", Type: model.EdgeTypeParallel},
			"e4": {FromNode: "fan", ToNode: "paper", Type: model.EdgeTypeParallel},
			"e5": {FromNode: "web", ToNode: "join", Type: model.EdgeTypeSequential},
			"e6": {FromNode: "news", ToNode: "join", Type: model.EdgeTypeSequential},
			"e7": {FromNode: "paper", ToNode: "join", Type: model.EdgeTypeSequential},
			"e8": {FromNode: "join", ToNode: "end", Type: model.EdgeTypeSequential},
		},
	}
	_, err := eng.RegisterWorkflow(def)
	require.NoError(t, err)

	id, err := eng.ExecuteWorkflow(context.Background(), "wf-fan", nil, "tester", PriorityHighest)
	require.NoError(t, err)

	snap := awaitTerminal(t, eng, id)
	require.Equal(t, model.ExecutionStatusCompleted, snap.Status)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, starts, 3)
	require.Len(t, ends, 3)
	var latestStart time.Time
	for _, at := range starts {
		if at.After(latestStart) {
			latestStart = at
		}
	}
	earliestEnd := ends["web"]
	for _, at := range ends {
		if at.Before(earliestEnd) {
			earliestEnd = at
		}
	}
	assert.True(t, latestStart.Before(earliestEnd),
		"branches should run concurrently: latest start %v, earliest end %v", latestStart, earliestEnd)

	merge, ok := snap.NodeResults["join"].(*model.MergeResult)
	require.True(t, ok)
	assert.Equal(t, 3, merge.MergeCount)
	assert.Contains(t, merge.Results, "web")
	assert.Contains(t, merge.Results, "news")
	assert.Contains(t, merge.Results, "paper")
}

func routeDef(id string, reviewType model.NodeType) *model.WorkflowDefinition {
	return &model.WorkflowDefinition{
		WorkflowID: id,
		Name:       "quality gate",
		Nodes: map[string]*model.Node{
			"start":    {Type: model.NodeTypeStart},
			"assess":   {Type: model.NodeTypeTask, AgentType: "analysis"},
			"review":   {Type: reviewType, Conditions: map[string]float64{"min_confidence": 0.8}},
			"end_good": {Type: model.NodeTypeEnd},
			"end_bad":  {Type: model.NodeTypeEnd},
		},
		Edges: map[string]*model.Edge{
			"e1": {FromNode: "start", ToNode: "assess", Type: model.EdgeTypeSequential},
			"e2": {FromNode: "assess", ToNode: "review", Type: model.EdgeTypeSequential},
			"e3": {FromNode: "review", ToNode: "end_good", Type: model.EdgeTypeConditional, Condition: condQualitySufficient},
			"e4": {FromNode: "review", ToNode: "end_bad", Type: model.EdgeTypeConditional, Condition: condQualityInsufficient},
		},
	}
}

func TestConditionalRoutingFollowsQuality(t *testing.T) {
	assess := func(ctx context.Context, task agent.Task) (*model.TaskResult, error) {
		quality := task.Context.Variables["quality"].(float64)
		return okTask(quality, quality), nil
	}
	agents := agent.NewRegistry()
	mustRegister(t, agents, "analysis", assess)

	eng := startTestEngine(t, testEngineConfig(), agents)

	_, err := eng.RegisterWorkflow(routeDef("wf-route", model.NodeTypeDecision))
	require.NoError(t, err)
	_, err = eng.RegisterWorkflow(routeDef("wf-route-cond", model.NodeTypeCondition))
	require.NoError(t, err)

	t.Run("high quality takes the sufficient branch", func(t *testing.T) {
		id, err := eng.ExecuteWorkflow(context.Background(), "wf-route",
			map[string]interface{}{"quality": 0.9}, "tester", 0)
		require.NoError(t, err)
		snap := awaitTerminal(t, eng, id)

		require.Equal(t, model.ExecutionStatusCompleted, snap.Status)
		assert.Equal(t, model.NodeStatusCompleted, snap.NodeStates["end_good"].Status)
		assert.Equal(t, model.NodeStatusPending, snap.NodeStates["end_bad"].Status)

		decision, ok := snap.NodeResults["review"].(*model.DecisionResult)
		require.True(t, ok)
		assert.True(t, decision.Decision)
		assert.Equal(t, map[string]bool{"min_confidence": true}, decision.Checks)
	})

	t.Run("low quality takes the insufficient branch", func(t *testing.T) {
		id, err := eng.ExecuteWorkflow(context.Background(), "wf-route-cond",
			map[string]interface{}{"quality": 0.3}, "tester", 0)
		require.NoError(t, err)
		snap := awaitTerminal(t, eng, id)

		require.Equal(t, model.ExecutionStatusCompleted, snap.Status)
		assert.Equal(t, model.NodeStatusPending, snap.NodeStates["end_good"].Status)
		assert.Equal(t, model.NodeStatusCompleted, snap.NodeStates["end_bad"].Status)

		decision, ok := snap.NodeResults["review"].(*model.DecisionResult)
		require.True(t, ok)
		assert.False(t, decision.Decision)
	})
}

func TestFailedNodeRetriesThenRoutesErrorHandler(t *testing.T) {
	var mu sync.Mutex
	flakyCalls := 0
	recoverCalls := 0

	agents := agent.NewRegistry()
	mustRegister(t, agents, "synthesis", func(ctx context.Context, task agent.Task) (*model.TaskResult, error) {
		mu.Lock()
		flakyCalls++
		mu.Unlock()
		return &model.TaskResult{Success: false, Error: "synthesis backend unavailable"}, nil
	})
	mustRegister(t, agents, "review", func(ctx context.Context, task agent.Task) (*model.TaskResult, error) {
		mu.Lock()
		recoverCalls++
		mu.Unlock()
		return okTask(0.7, 0.7), nil
	})

	eng := startTestEngine(t, testEngineConfig(), agents)

	def := &model.WorkflowDefinition{
		WorkflowID: "wf-recover",
		Name:       "synthesis with recovery",
		Nodes: map[string]*model.Node{
			"start":   {Type: model.NodeTypeStart},
			"flaky":   {Type: model.NodeTypeTask, AgentType: "synthesis", MaxRetries: 2},
			"recover": {Type: model.NodeTypeTask, AgentType: "review"},
			"end":     {Type: model.NodeTypeEnd},
		},
		Edges: map[string]*model.Edge{
			"e1": {FromNode: "start", ToNode: "flaky", Type: model.EdgeTypeSequential},
			"e2": {FromNode: "flaky", ToNode: "end", Type: model.EdgeTypeSequential},
			"e3": {FromNode: "flaky", ToNode: "recover", Type: model.EdgeTypeErrorHandler},
			"e4": {FromNode: "recover", ToNode: "end", Type: model.EdgeTypeSequential},
		},
	}
	_, err := eng.RegisterWorkflow(def)
	require.NoError(t, err)

	id, err := eng.ExecuteWorkflow(context.Background(), "wf-recover", nil, "tester", 0)
	require.NoError(t, err)

	snap := awaitTerminal(t, eng, id)
	require.Equal(t, model.ExecutionStatusCompleted, snap.Status)

	mu.Lock()
	assert.Equal(t, 3, flakyCalls, "initial attempt plus two retries")
	assert.Equal(t, 1, recoverCalls)
	mu.Unlock()

	flaky := snap.NodeStates["flaky"]
	assert.Equal(t, model.NodeStatusCompleted, flaky.Status)
	assert.Equal(t, 2, flaky.RetryCount)
	assert.Equal(t, "synthesis backend unavailable", flaky.LastError)
	assert.Equal(t, 0, snap.Progress.FailedNodes)

	record, ok := snap.NodeResults["flaky"].(*model.TaskResult)
	require.True(t, ok)
	assert.False(t, record.Success)
	assert.Equal(t, "synthesis backend unavailable", record.Error)
}

func TestRetryExhaustionFailsExecution(t *testing.T) {
	var mu sync.Mutex
	calls := 0

	agents := agent.NewRegistry()
	mustRegister(t, agents, "synthesis", func(ctx context.Context, task agent.Task) (*model.TaskResult, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return &model.TaskResult{Success: false, Error: "synthesis backend unavailable"}, nil
	})

	eng := startTestEngine(t, testEngineConfig(), agents)

	def := &model.WorkflowDefinition{
		WorkflowID: "wf-doomed",
		Name:       "no recovery path",
		Nodes: map[string]*model.Node{
			"start": {Type: model.NodeTypeStart},
			"flaky": {Type: model.NodeTypeTask, AgentType: "synthesis", MaxRetries: 1},
			"end":   {Type: model.NodeTypeEnd},
		},
		Edges: map[string]*model.Edge{
			"e1": {FromNode: "start", ToNode: "flaky", Type: model.EdgeTypeSequential},
			"e2": {FromNode: "flaky", ToNode: "end", Type: model.EdgeTypeSequential},
		},
	}
	_, err := eng.RegisterWorkflow(def)
	require.NoError(t, err)

	id, err := eng.ExecuteWorkflow(context.Background(), "wf-doomed", nil, "tester", 0)
	require.NoError(t, err)

	snap := awaitTerminal(t, eng, id)
	require.Equal(t, model.ExecutionStatusFailed, snap.Status)
	assert.Equal(t, "Node flaky failed: synthesis backend unavailable", snap.Error)

	mu.Lock()
	assert.Equal(t, 2, calls)
	mu.Unlock()

	assert.Equal(t, model.NodeStatusFailed, snap.NodeStates["flaky"].Status)
	assert.Equal(t, model.NodeStatusPending, snap.NodeStates["end"].Status)
	assert.Equal(t, 1, snap.Progress.FailedNodes)
}

func TestNodeTimeoutRoutesTimeoutEdge(t *testing.T) {
	agents := agent.NewRegistry()
	mustRegister(t, agents, "synthesis", func(ctx context.Context, task agent.Task) (*model.TaskResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	mustRegister(t, agents, "review", func(ctx context.Context, task agent.Task) (*model.TaskResult, error) {
		return okTask(0.7, 0.7), nil
	})

	eng := startTestEngine(t, testEngineConfig(), agents)

	def := &model.WorkflowDefinition{
		WorkflowID: "wf-slow",
		Name:       "bounded synthesis",
		Nodes: map[string]*model.Node{
			"start":    {Type: model.NodeTypeStart},
			"slow":     {Type: model.NodeTypeTask, AgentType: "synthesis", TimeoutSeconds: 1},
			"fallback": {Type: model.NodeTypeTask, AgentType: "review"},
			"end":      {Type: model.NodeTypeEnd},
		},
		Edges: map[string]*model.Edge{
			"e1": {FromNode: "start", ToNode: "slow", Type: model.EdgeTypeSequential},
			"e2": {FromNode: "slow", ToNode: "end", Type: model.EdgeTypeSequential},
			"e3": {FromNode: "slow", ToNode: "fallback", Type: model.EdgeTypeTimeout},
			"e4": {FromNode: "fallback", ToNode: "end", Type: model.EdgeTypeSequential},
		},
	}
	_, err := eng.RegisterWorkflow(def)
	require.NoError(t, err)

	id, err := eng.ExecuteWorkflow(context.Background(), "wf-slow", nil, "tester", 0)
	require.NoError(t, err)

	snap := awaitTerminal(t, eng, id)
	require.Equal(t, model.ExecutionStatusCompleted, snap.Status)
	assert.Equal(t, model.NodeStatusCompleted, snap.NodeStates["fallback"].Status)

	record, ok := snap.NodeResults["slow"].(*model.TaskResult)
	require.True(t, ok)
	assert.False(t, record.Success)
	assert.Contains(t, record.Error, "timeout after")
}

func TestWorkflowDeadlineEnforcedBySweep(t *testing.T) {
	entered := make(chan struct{})
	agents := agent.NewRegistry()
	mustRegister(t, agents, "synthesis", blockingAgent(entered))

	clock := newFakeClock()
	eng := startTestEngine(t, testEngineConfig(), agents, WithClock(clock))

	def := singleTaskDef("wf-deadline", "synthesis")
	def.Timeout = 2 * time.Minute
	_, err := eng.RegisterWorkflow(def)
	require.NoError(t, err)

	id, err := eng.ExecuteWorkflow(context.Background(), "wf-deadline", nil, "tester", 0)
	require.NoError(t, err)

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("agent never started")
	}
	clock.Advance(3 * time.Minute)

	snap := awaitTerminal(t, eng, id)
	assert.Equal(t, model.ExecutionStatusTimeout, snap.Status)
	assert.Equal(t, "Workflow timeout", snap.Error)
}

func TestCancelExecutionStopsRun(t *testing.T) {
	entered := make(chan struct{})
	agents := agent.NewRegistry()
	mustRegister(t, agents, "synthesis", blockingAgent(entered))

	eng := startTestEngine(t, testEngineConfig(), agents)

	_, err := eng.RegisterWorkflow(singleTaskDef("wf-cancel", "synthesis"))
	require.NoError(t, err)

	id, err := eng.ExecuteWorkflow(context.Background(), "wf-cancel", nil, "tester", 0)
	require.NoError(t, err)

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("agent never started")
	}

	require.NoError(t, eng.CancelExecution(id, "operator request"))

	snap := awaitTerminal(t, eng, id)
	assert.Equal(t, model.ExecutionStatusCancelled, snap.Status)
	assert.Equal(t, "operator request", snap.Error)

	require.Eventually(t, func() bool {
		s, err := eng.GetWorkflowStatus(id)
		return err == nil && s.NodeStates["work"].Status == model.NodeStatusFailed
	}, 2*time.Second, 5*time.Millisecond)

	// Cancelling again is a no-op; unknown IDs are an error.
	assert.NoError(t, eng.CancelExecution(id, ""))
	assert.ErrorIs(t, eng.CancelExecution("ghost", ""), ErrExecutionNotFound)
}

func TestConcurrencyLimitSerializesRuns(t *testing.T) {
	agents := agent.NewRegistry()
	mustRegister(t, agents, "research", func(ctx context.Context, task agent.Task) (*model.TaskResult, error) {
		time.Sleep(80 * time.Millisecond)
		return okTask(0.8, 0.8), nil
	})

	cfg := testEngineConfig()
	cfg.MaxConcurrentExecutions = 1
	eng := startTestEngine(t, cfg, agents)

	_, err := eng.RegisterWorkflow(singleTaskDef("wf-capped", "research"))
	require.NoError(t, err)

	first, err := eng.ExecuteWorkflow(context.Background(), "wf-capped", nil, "tester", 0)
	require.NoError(t, err)
	second, err := eng.ExecuteWorkflow(context.Background(), "wf-capped", nil, "tester", 0)
	require.NoError(t, err)

	snapFirst := awaitTerminal(t, eng, first)
	snapSecond := awaitTerminal(t, eng, second)
	require.Equal(t, model.ExecutionStatusCompleted, snapFirst.Status)
	require.Equal(t, model.ExecutionStatusCompleted, snapSecond.Status)

	assert.False(t, snapSecond.StartedAt.Before(snapFirst.CompletedAt),
		"second run must wait for the single slot")
}

func TestRegisterWorkflowValidation(t *testing.T) {
	eng := startTestEngine(t, testEngineConfig(), agent.NewRegistry())

	tests := []struct {
		name string
		def  *model.WorkflowDefinition
		want string
	}{
		{
			name: "missing start node",
			def: &model.WorkflowDefinition{
				WorkflowID: "wf-no-start",
				Name:       "no start",
				Nodes: map[string]*model.Node{
					"end": {Type: model.NodeTypeEnd},
				},
			},
			want: "exactly one START",
		},
		{
			name: "two start nodes",
			def: &model.WorkflowDefinition{
				WorkflowID: "wf-two-starts",
				Name:       "two starts",
				Nodes: map[string]*model.Node{
					"s1":  {Type: model.NodeTypeStart},
					"s2":  {Type: model.NodeTypeStart},
					"end": {Type: model.NodeTypeEnd},
				},
			},
			want: "exactly one START",
		},
		{
			name: "task without agent type",
			def: &model.WorkflowDefinition{
				WorkflowID: "wf-agentless",
				Name:       "agentless",
				Nodes: map[string]*model.Node{
					"start": {Type: model.NodeTypeStart},
					"work":  {Type: model.NodeTypeTask},
					"end":   {Type: model.NodeTypeEnd},
				},
			},
			want: "requires agent_type",
		},
		{
			name: "dangling edge",
			def: &model.WorkflowDefinition{
				WorkflowID: "wf-dangling",
				Name:       "dangling",
				Nodes: map[string]*model.Node{
					"start": {Type: model.NodeTypeStart},
					"end":   {Type: model.NodeTypeEnd},
				},
				Edges: map[string]*model.Edge{
					"e1": {FromNode: "start", ToNode: "nowhere", Type: model.EdgeTypeSequential},
				},
			},
			want: "does not exist",
		},
		{
			name: "cycle without loop back",
			def: &model.WorkflowDefinition{
				WorkflowID: "wf-cycle",
				Name:       "cycle",
				Nodes: map[string]*model.Node{
					"start": {Type: model.NodeTypeStart},
					"a":     {Type: model.NodeTypeTask, AgentType: "research"},
					"b":     {Type: model.NodeTypeTask, AgentType: "research"},
					"end":   {Type: model.NodeTypeEnd},
				},
				Edges: map[string]*model.Edge{
					"e1": {FromNode: "start", ToNode: "a", Type: model.EdgeTypeSequential},
					"e2": {FromNode: "a", ToNode: "b", Type: model.EdgeTypeSequential},
					"e3": {FromNode: "b", ToNode: "a", Type: model.EdgeTypeSequential},
					"e4": {FromNode: "b", ToNode: "end", Type: model.EdgeTypeSequential},
				},
			},
			want: "cycle",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := eng.RegisterWorkflow(tt.def)
			var vErr *ValidationError
			require.ErrorAs(t, err, &vErr)
			assert.Contains(t, vErr.Error(), tt.want)
		})
	}

	t.Run("nil definition", func(t *testing.T) {
		_, err := eng.RegisterWorkflow(nil)
		var vErr *ValidationError
		assert.ErrorAs(t, err, &vErr)
	})

	t.Run("duplicate registration", func(t *testing.T) {
		_, err := eng.RegisterWorkflow(validLinearDef("wf-dup"))
		require.NoError(t, err)
		_, err = eng.RegisterWorkflow(validLinearDef("wf-dup"))
		assert.ErrorIs(t, err, ErrDuplicateWorkflow)
	})

	t.Run("unreachable node warns", func(t *testing.T) {
		def := validLinearDef("wf-orphan")
		def.Nodes["stray"] = &model.Node{Type: model.NodeTypeTask, AgentType: "research"}
		warnings, err := eng.RegisterWorkflow(def)
		require.NoError(t, err)
		require.Len(t, warnings, 1)
		assert.Contains(t, warnings[0], "not reachable")
	})

	t.Run("subprocess self reference", func(t *testing.T) {
		def := validLinearDef("wf-self")
		def.Nodes["sub"] = &model.Node{
			Type:       model.NodeTypeSubprocess,
			Parameters: map[string]interface{}{"workflow_id": "wf-self"},
		}
		def.Edges["e2"] = &model.Edge{FromNode: "start", ToNode: "sub", Type: model.EdgeTypeSequential}
		_, err := eng.RegisterWorkflow(def)
		var vErr *ValidationError
		require.ErrorAs(t, err, &vErr)
		assert.Contains(t, vErr.Error(), "cyclic subprocess reference")
	})

	t.Run("mutual subprocess references", func(t *testing.T) {
		defB := validLinearDef("wf-b")
		defB.Nodes["sub"] = &model.Node{
			Type:       model.NodeTypeSubprocess,
			Parameters: map[string]interface{}{"workflow_id": "wf-c"},
		}
		defB.Edges["e2"] = &model.Edge{FromNode: "start", ToNode: "sub", Type: model.EdgeTypeSequential}
		_, err := eng.RegisterWorkflow(defB)
		require.NoError(t, err, "references to unregistered workflows are allowed")

		defC := validLinearDef("wf-c")
		defC.Nodes["sub"] = &model.Node{
			Type:       model.NodeTypeSubprocess,
			Parameters: map[string]interface{}{"workflow_id": "wf-b"},
		}
		defC.Edges["e2"] = &model.Edge{FromNode: "start", ToNode: "sub", Type: model.EdgeTypeSequential}
		_, err = eng.RegisterWorkflow(defC)
		var vErr *ValidationError
		require.ErrorAs(t, err, &vErr)
		assert.Contains(t, vErr.Error(), "cyclic subprocess reference")
	})
}

func TestExecuteWorkflowRejections(t *testing.T) {
	eng := startTestEngine(t, testEngineConfig(), agent.NewRegistry())
	_, err := eng.RegisterWorkflow(validLinearDef("wf-ok"))
	require.NoError(t, err)

	t.Run("unknown workflow", func(t *testing.T) {
		_, err := eng.ExecuteWorkflow(context.Background(), "wf-ghost", nil, "tester", 0)
		assert.ErrorIs(t, err, ErrWorkflowNotFound)
	})

	t.Run("cancelled submission context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := eng.ExecuteWorkflow(ctx, "wf-ok", nil, "tester", 0)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("engine not started", func(t *testing.T) {
		idle := New(testEngineConfig(), agent.NewRegistry())
		_, err := idle.ExecuteWorkflow(context.Background(), "wf-ok", nil, "tester", 0)
		assert.ErrorIs(t, err, ErrEngineStopped)
	})

	t.Run("priority is clamped", func(t *testing.T) {
		id, err := eng.ExecuteWorkflow(context.Background(), "wf-ok", nil, "tester", 9)
		require.NoError(t, err)
		snap, err := eng.GetWorkflowStatus(id)
		require.NoError(t, err)
		assert.Equal(t, PriorityLowest, snap.Priority)

		id, err = eng.ExecuteWorkflow(context.Background(), "wf-ok", nil, "tester", -2)
		require.NoError(t, err)
		snap, err = eng.GetWorkflowStatus(id)
		require.NoError(t, err)
		assert.Equal(t, PriorityHighest, snap.Priority)
	})
}

func TestHistoryEvictsOldestBeyondLimit(t *testing.T) {
	cfg := testEngineConfig()
	cfg.MaxExecutionHistory = 3
	eng := startTestEngine(t, cfg, agent.NewRegistry())

	_, err := eng.RegisterWorkflow(validLinearDef("wf-quick"))
	require.NoError(t, err)

	ids := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		id, err := eng.ExecuteWorkflow(context.Background(), "wf-quick", nil, "tester", 0)
		require.NoError(t, err)
		awaitDone(t, eng, id)
		ids = append(ids, id)
	}

	for _, id := range ids[:2] {
		_, err := eng.GetWorkflowStatus(id)
		assert.ErrorIs(t, err, ErrExecutionNotFound)
	}
	for _, id := range ids[2:] {
		snap, err := eng.GetWorkflowStatus(id)
		require.NoError(t, err)
		assert.Equal(t, model.ExecutionStatusCompleted, snap.Status)
	}

	recent := eng.RecentExecutions(10)
	require.Len(t, recent, 3)
	assert.Equal(t, ids[4], recent[0].ExecutionID)
	assert.Equal(t, ids[3], recent[1].ExecutionID)
	assert.Equal(t, ids[2], recent[2].ExecutionID)
}

func loopDef(id string, maxIterations int) *model.WorkflowDefinition {
	return &model.WorkflowDefinition{
		WorkflowID: id,
		Name:       "iterative drafting",
		Nodes: map[string]*model.Node{
			"start": {Type: model.NodeTypeStart},
			"draft": {Type: model.NodeTypeTask, AgentType: "synthesis"},
			"gate":  {Type: model.NodeTypeLoop, Parameters: map[string]interface{}{"max_iterations": maxIterations}},
			"end":   {Type: model.NodeTypeEnd},
		},
		Edges: map[string]*model.Edge{
			"e1": {FromNode: "start", ToNode: "draft", Type: model.EdgeTypeSequential},
			"e2": {FromNode: "draft", ToNode: "gate", Type: model.EdgeTypeSequential},
			"e3": {FromNode: "gate", ToNode: "draft", Type: model.EdgeTypeLoopBack, Condition: condQualityInsufficient},
			"e4": {FromNode: "gate", ToNode: "end", Type: model.EdgeTypeConditional, Condition: condQualitySufficient},
		},
	}
}

func TestLoopRefinesUntilQualitySufficient(t *testing.T) {
	var mu sync.Mutex
	drafts := 0

	agents := agent.NewRegistry()
	mustRegister(t, agents, "synthesis", func(ctx context.Context, task agent.Task) (*model.TaskResult, error) {
		mu.Lock()
		drafts++
		n := drafts
		mu.Unlock()
		quality := 0.4
		if n >= 3 {
			quality = 0.9
		}
		return okTask(quality, quality), nil
	})

	eng := startTestEngine(t, testEngineConfig(), agents)

	_, err := eng.RegisterWorkflow(loopDef("wf-loop", 5))
	require.NoError(t, err)

	id, err := eng.ExecuteWorkflow(context.Background(), "wf-loop", nil, "tester", 0)
	require.NoError(t, err)

	snap := awaitTerminal(t, eng, id)
	require.Equal(t, model.ExecutionStatusCompleted, snap.Status)

	mu.Lock()
	assert.Equal(t, 3, drafts)
	mu.Unlock()

	assert.Equal(t, 3, snap.NodeStates["gate"].Iterations)
	gate, ok := snap.NodeResults["gate"].(*model.ControlResult)
	require.True(t, ok)
	assert.Equal(t, 3, gate.Iteration)
	assert.Equal(t, model.NodeStatusCompleted, snap.NodeStates["draft"].Status)
}

func TestLoopBudgetExhaustionStallsExecution(t *testing.T) {
	var mu sync.Mutex
	drafts := 0

	agents := agent.NewRegistry()
	mustRegister(t, agents, "synthesis", func(ctx context.Context, task agent.Task) (*model.TaskResult, error) {
		mu.Lock()
		drafts++
		mu.Unlock()
		return okTask(0.4, 0.4), nil
	})

	eng := startTestEngine(t, testEngineConfig(), agents)

	_, err := eng.RegisterWorkflow(loopDef("wf-loop-exhausted", 2))
	require.NoError(t, err)

	id, err := eng.ExecuteWorkflow(context.Background(), "wf-loop-exhausted", nil, "tester", 0)
	require.NoError(t, err)

	snap := awaitTerminal(t, eng, id)
	require.Equal(t, model.ExecutionStatusFailed, snap.Status)
	assert.Contains(t, snap.Error, "stalled")

	mu.Lock()
	assert.Equal(t, 2, drafts)
	mu.Unlock()
	assert.Equal(t, 2, snap.NodeStates["gate"].Iterations)
}

func TestSubprocessRunsChildWorkflow(t *testing.T) {
	var mu sync.Mutex
	var childTopic interface{}

	agents := agent.NewRegistry()
	mustRegister(t, agents, "research", func(ctx context.Context, task agent.Task) (*model.TaskResult, error) {
		mu.Lock()
		childTopic = task.Context.Variables["topic"]
		mu.Unlock()
		return okTask(0.9, 0.9), nil
	})

	eng := startTestEngine(t, testEngineConfig(), agents)

	_, err := eng.RegisterWorkflow(singleTaskDef("wf-child", "research"))
	require.NoError(t, err)

	parent := &model.WorkflowDefinition{
		WorkflowID: "wf-parent",
		Name:       "delegating parent",
		Nodes: map[string]*model.Node{
			"start":  {Type: model.NodeTypeStart},
			"invoke": {Type: model.NodeTypeSubprocess, Parameters: map[string]interface{}{"workflow_id": "wf-child"}},
			"end":    {Type: model.NodeTypeEnd},
		},
		Edges: map[string]*model.Edge{
			"e1": {FromNode: "start", ToNode: "invoke", Type: model.EdgeTypeSequential},
			"e2": {FromNode: "invoke", ToNode: "end", Type: model.EdgeTypeSequential},
		},
	}
	_, err = eng.RegisterWorkflow(parent)
	require.NoError(t, err)

	id, err := eng.ExecuteWorkflow(context.Background(), "wf-parent",
		map[string]interface{}{"topic": "fusion"}, "tester", 2)
	require.NoError(t, err)

	snap := awaitTerminal(t, eng, id)
	require.Equal(t, model.ExecutionStatusCompleted, snap.Status)

	sub, ok := snap.NodeResults["invoke"].(*model.SubprocessResult)
	require.True(t, ok)
	assert.Equal(t, model.ExecutionStatusCompleted, sub.Status)
	assert.Equal(t, "wf-child", sub.WorkflowID)
	require.NotEmpty(t, sub.ExecutionID)

	childSnap, err := eng.GetWorkflowStatus(sub.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionStatusCompleted, childSnap.Status)
	assert.Equal(t, "subprocess:"+id, childSnap.InitiatedBy)
	assert.Equal(t, 2, childSnap.Priority)

	mu.Lock()
	assert.Equal(t, "fusion", childTopic, "parent context flows into the child run")
	mu.Unlock()

	t.Run("missing child workflow fails the parent", func(t *testing.T) {
		ghost := &model.WorkflowDefinition{
			WorkflowID: "wf-ghost-parent",
			Name:       "ghost parent",
			Nodes: map[string]*model.Node{
				"start":  {Type: model.NodeTypeStart},
				"invoke": {Type: model.NodeTypeSubprocess, Parameters: map[string]interface{}{"workflow_id": "wf-ghost"}},
				"end":    {Type: model.NodeTypeEnd},
			},
			Edges: map[string]*model.Edge{
				"e1": {FromNode: "start", ToNode: "invoke", Type: model.EdgeTypeSequential},
				"e2": {FromNode: "invoke", ToNode: "end", Type: model.EdgeTypeSequential},
			},
		}
		_, err := eng.RegisterWorkflow(ghost)
		require.NoError(t, err)

		id, err := eng.ExecuteWorkflow(context.Background(), "wf-ghost-parent", nil, "tester", 0)
		require.NoError(t, err)

		snap := awaitTerminal(t, eng, id)
		assert.Equal(t, model.ExecutionStatusFailed, snap.Status)
		assert.Contains(t, snap.Error, "wf-ghost")
	})
}

func TestStartStopLifecycle(t *testing.T) {
	eng := New(testEngineConfig(), agent.NewRegistry())
	require.NoError(t, eng.Start(context.Background()))
	assert.True(t, eng.Running())
	assert.Error(t, eng.Start(context.Background()))

	require.NoError(t, eng.Stop())
	assert.False(t, eng.Running())
	assert.NoError(t, eng.Stop())
}

func TestStopCancelsActiveExecutions(t *testing.T) {
	entered := make(chan struct{})
	agents := agent.NewRegistry()
	mustRegister(t, agents, "synthesis", blockingAgent(entered))

	eng := New(testEngineConfig(), agents)
	require.NoError(t, eng.Start(context.Background()))

	_, err := eng.RegisterWorkflow(singleTaskDef("wf-interrupted", "synthesis"))
	require.NoError(t, err)

	id, err := eng.ExecuteWorkflow(context.Background(), "wf-interrupted", nil, "tester", 0)
	require.NoError(t, err)

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("agent never started")
	}

	require.NoError(t, eng.Stop())

	snap, err := eng.GetWorkflowStatus(id)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionStatusCancelled, snap.Status)
	assert.Equal(t, "Engine shutdown", snap.Error)

	_, err = eng.ExecuteWorkflow(context.Background(), "wf-interrupted", nil, "tester", 0)
	assert.ErrorIs(t, err, ErrEngineStopped)
}

func TestEngineStatusReflectsState(t *testing.T) {
	agents := agent.NewRegistry()
	mustRegister(t, agents, "research", func(ctx context.Context, task agent.Task) (*model.TaskResult, error) {
		time.Sleep(50 * time.Millisecond)
		return okTask(0.9, 0.9), nil
	})

	cfg := testEngineConfig()
	eng := New(cfg, agents)
	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(func() { _ = eng.Stop() })

	_, err := eng.RegisterWorkflow(validLinearDef("wf-a"))
	require.NoError(t, err)
	_, err = eng.RegisterWorkflow(singleTaskDef("wf-b", "research"))
	require.NoError(t, err)

	id, err := eng.ExecuteWorkflow(context.Background(), "wf-b", nil, "tester", 0)
	require.NoError(t, err)
	awaitDone(t, eng, id)

	st := eng.EngineStatus()
	assert.Equal(t, "running", st.Status)
	assert.Equal(t, 2, st.RegisteredWorkflows)
	assert.Equal(t, 0, st.ActiveExecutions)
	assert.Equal(t, 1, st.HistorySize)
	assert.Equal(t, int64(1), st.Metrics.TotalExecutions)
	assert.Equal(t, int64(1), st.Metrics.SuccessfulExecutions)
	assert.Equal(t, int64(0), st.Metrics.FailedExecutions)
	assert.Greater(t, st.Metrics.AverageExecutionTime, 0.0)
	assert.Equal(t, cfg.MaxConcurrentExecutions, st.Configuration.MaxConcurrentExecutions)

	require.Len(t, st.Workflows, 2)
	assert.Equal(t, "wf-a", st.Workflows[0].WorkflowID)
	assert.Equal(t, "wf-b", st.Workflows[1].WorkflowID)

	task := st.NodeTypes[string(model.NodeTypeTask)]
	assert.Equal(t, int64(1), task.Count)
	assert.Greater(t, task.AvgTime, 0.0)
	assert.InDelta(t, 1.0, task.SuccessRate, 0.001)

	require.NoError(t, eng.Stop())
	assert.Equal(t, "stopped", eng.EngineStatus().Status)
}

func TestEngineEventsLifecycle(t *testing.T) {
	agents := agent.NewRegistry()
	mustRegister(t, agents, "research", func(ctx context.Context, task agent.Task) (*model.TaskResult, error) {
		return okTask(0.9, 0.9), nil
	})

	eng := startTestEngine(t, testEngineConfig(), agents)

	var mu sync.Mutex
	counts := map[string]int{}
	var finished *events.Event
	eng.Events().On(SubscribeAll, func(ev *events.Event) {
		mu.Lock()
		counts[ev.EventType]++
		if ev.EventType == events.TypeExecutionCompleted {
			finished = ev
		}
		mu.Unlock()
	})

	_, err := eng.RegisterWorkflow(singleTaskDef("wf-observed", "research"))
	require.NoError(t, err)

	id, err := eng.ExecuteWorkflow(context.Background(), "wf-observed", nil, "tester", 0)
	require.NoError(t, err)
	awaitDone(t, eng, id)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return counts[events.TypeWorkflowRegistered] == 1 &&
			counts[events.TypeExecutionStarted] == 1 &&
			counts[events.TypeNodeCompleted] == 3 &&
			counts[events.TypeExecutionCompleted] == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, finished)
	var payload events.ExecutionFinished
	require.NoError(t, json.Unmarshal(finished.Payload, &payload))
	assert.Equal(t, id, payload.ExecutionID)
	assert.Equal(t, string(model.ExecutionStatusCompleted), payload.Status)
}

func TestExecutionHooksReceiveSnapshots(t *testing.T) {
	agents := agent.NewRegistry()
	mustRegister(t, agents, "research", func(ctx context.Context, task agent.Task) (*model.TaskResult, error) {
		return okTask(0.9, 0.9), nil
	})

	var mu sync.Mutex
	var started, finished []*model.ExecutionSnapshot

	eng := startTestEngine(t, testEngineConfig(), agents,
		OnExecutionStart(func(s *model.ExecutionSnapshot) {
			mu.Lock()
			started = append(started, s)
			mu.Unlock()
		}),
		OnExecutionComplete(func(s *model.ExecutionSnapshot) {
			mu.Lock()
			finished = append(finished, s)
			mu.Unlock()
		}),
	)

	_, err := eng.RegisterWorkflow(singleTaskDef("wf-hooked", "research"))
	require.NoError(t, err)

	id, err := eng.ExecuteWorkflow(context.Background(), "wf-hooked", nil, "tester", 0)
	require.NoError(t, err)
	awaitDone(t, eng, id)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(started) == 1 && len(finished) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, id, started[0].ExecutionID)
	assert.Equal(t, model.ExecutionStatusRunning, started[0].Status)
	assert.Equal(t, id, finished[0].ExecutionID)
	assert.Equal(t, model.ExecutionStatusCompleted, finished[0].Status)
}

func TestDelayNodeWaits(t *testing.T) {
	eng := startTestEngine(t, testEngineConfig(), agent.NewRegistry())

	def := &model.WorkflowDefinition{
		WorkflowID: "wf-pause",
		Name:       "paced run",
		Nodes: map[string]*model.Node{
			"start": {Type: model.NodeTypeStart},
			"pause": {Type: model.NodeTypeDelay, Parameters: map[string]interface{}{"delay_seconds": 0.2}},
			"end":   {Type: model.NodeTypeEnd},
		},
		Edges: map[string]*model.Edge{
			"e1": {FromNode: "start", ToNode: "pause", Type: model.EdgeTypeSequential},
			"e2": {FromNode: "pause", ToNode: "end", Type: model.EdgeTypeSequential},
		},
	}
	_, err := eng.RegisterWorkflow(def)
	require.NoError(t, err)

	begun := time.Now()
	id, err := eng.ExecuteWorkflow(context.Background(), "wf-pause", nil, "tester", 0)
	require.NoError(t, err)

	snap := awaitTerminal(t, eng, id)
	require.Equal(t, model.ExecutionStatusCompleted, snap.Status)
	assert.GreaterOrEqual(t, time.Since(begun), 200*time.Millisecond)

	delay, ok := snap.NodeResults["pause"].(*model.DelayResult)
	require.True(t, ok)
	assert.InDelta(t, 0.2, delay.DelayedSeconds, 0.001)
}
