package engine

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arachne-ai/arachne/internal/agent"
	"github.com/arachne-ai/arachne/internal/workflow/domain/model"
)

// Temporary diagnostic — not part of the suite; deleted after use.
func TestDiagTimeoutEdge(t *testing.T) {
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
		WorkflowID: "wf-diag-slow",
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
	warnings, err := eng.RegisterWorkflow(def)
	require.NoError(t, err)
	t.Logf("warnings: %v", warnings)
	for id, e := range def.Edges {
		t.Logf("edge key=%s id=%q type=%q from=%s to=%s", id, e.ID, e.Type, e.FromNode, e.ToNode)
	}
	for id, n := range def.Nodes {
		t.Logf("node key=%s id=%q type=%q maxretries=%d timeout=%d", id, n.ID, n.Type, n.MaxRetries, n.TimeoutSeconds)
	}

	id, err := eng.ExecuteWorkflow(context.Background(), "wf-diag-slow", nil, "tester", 0)
	require.NoError(t, err)

	snap := awaitTerminal(t, eng, id)
	raw, _ := json.MarshalIndent(snap, "", " ")
	t.Logf("final snapshot: %s", raw)
}
