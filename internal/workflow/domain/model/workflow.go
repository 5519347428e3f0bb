package model

import (
	"errors"
	"fmt"
	"time"
)

// NodeType enumerates the node kinds the engine understands.
type NodeType string

const (
	NodeTypeStart      NodeType = "START"
	NodeTypeEnd        NodeType = "END"
	NodeTypeTask       NodeType = "TASK"
	NodeTypeDecision   NodeType = "DECISION"
	NodeTypeParallel   NodeType = "PARALLEL"
	NodeTypeMerge      NodeType = "MERGE"
	NodeTypeLoop       NodeType = "LOOP"
	NodeTypeCondition  NodeType = "CONDITION"
	NodeTypeSubprocess NodeType = "SUBPROCESS"
	NodeTypeDelay      NodeType = "DELAY"
)

// Valid reports whether the node type is a known enumerator.
func (t NodeType) Valid() bool {
	switch t {
	case NodeTypeStart, NodeTypeEnd, NodeTypeTask, NodeTypeDecision,
		NodeTypeParallel, NodeTypeMerge, NodeTypeLoop, NodeTypeCondition,
		NodeTypeSubprocess, NodeTypeDelay:
		return true
	}
	return false
}

// EdgeType enumerates the edge kinds the evaluator understands.
type EdgeType string

const (
	EdgeTypeSequential   EdgeType = "SEQUENTIAL"
	EdgeTypeConditional  EdgeType = "CONDITIONAL"
	EdgeTypeParallel     EdgeType = "PARALLEL"
	EdgeTypeLoopBack     EdgeType = "LOOP_BACK"
	EdgeTypeErrorHandler EdgeType = "ERROR_HANDLER"
	EdgeTypeTimeout      EdgeType = "TIMEOUT"
)

// Valid reports whether the edge type is a known enumerator.
func (t EdgeType) Valid() bool {
	switch t {
	case EdgeTypeSequential, EdgeTypeConditional, EdgeTypeParallel,
		EdgeTypeLoopBack, EdgeTypeErrorHandler, EdgeTypeTimeout:
		return true
	}
	return false
}

// DefaultMaxRetries is the retry budget loaders assign to TASK nodes
// whose definition does not set max_retries.
const DefaultMaxRetries = 3

// Node is one vertex of a workflow definition.
type Node struct {
	ID          string   `json:"node_id"`
	Type        NodeType `json:"node_type"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`

	// TASK fields
	AgentType  string                 `json:"agent_type,omitempty"`
	Action     string                 `json:"action,omitempty"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`

	// DECISION / CONDITION fields
	Conditions map[string]float64 `json:"conditions,omitempty"`

	TimeoutSeconds int `json:"timeout_seconds,omitempty"` // 0 = no node deadline
	MaxRetries     int `json:"max_retries,omitempty"`
}

// DelaySeconds extracts the delay duration parameter of a DELAY node.
func (n *Node) DelaySeconds() (float64, error) {
	raw, ok := n.Parameters["delay_seconds"]
	if !ok {
		return 0, fmt.Errorf("node %s: missing parameters.delay_seconds", n.ID)
	}
	switch v := raw.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	default:
		return 0, fmt.Errorf("node %s: parameters.delay_seconds must be numeric", n.ID)
	}
}

// SubprocessWorkflowID extracts the nested workflow reference of a
// SUBPROCESS node.
func (n *Node) SubprocessWorkflowID() (string, error) {
	raw, ok := n.Parameters["workflow_id"]
	if !ok {
		return "", fmt.Errorf("node %s: missing parameters.workflow_id", n.ID)
	}
	id, ok := raw.(string)
	if !ok || id == "" {
		return "", fmt.Errorf("node %s: parameters.workflow_id must be a non-empty string", n.ID)
	}
	return id, nil
}

// Edge connects two nodes of a workflow definition.
type Edge struct {
	ID        string                 `json:"edge_id"`
	FromNode  string                 `json:"from_node"`
	ToNode    string                 `json:"to_node"`
	Type      EdgeType               `json:"edge_type"`
	Condition string                 `json:"condition,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// WorkflowDefinition is the immutable graph a caller registers. After
// registration the engine shares it read-only between executions.
type WorkflowDefinition struct {
	WorkflowID  string           `json:"workflow_id"`
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Version     string           `json:"version,omitempty"`
	Tags        []string         `json:"tags,omitempty"`
	Timeout     time.Duration    `json:"timeout,omitempty"` // 0 = no workflow deadline
	Nodes       map[string]*Node `json:"nodes"`
	Edges       map[string]*Edge `json:"edges"`
}

// Normalize fills node and edge IDs from their map keys so definitions can
// be written without repeating the key inside the value.
func (d *WorkflowDefinition) Normalize() {
	for id, node := range d.Nodes {
		if node.ID == "" {
			node.ID = id
		}
	}
	for id, edge := range d.Edges {
		if edge.ID == "" {
			edge.ID = id
		}
	}
}

// Validate checks the structural invariants of the definition. It returns
// non-fatal warnings (currently: nodes unreachable from START) alongside
// the first fatal defect found.
func (d *WorkflowDefinition) Validate() ([]string, error) {
	if d.WorkflowID == "" {
		return nil, errors.New("workflow_id is required")
	}
	if d.Name == "" {
		return nil, errors.New("workflow name is required")
	}
	if len(d.Nodes) == 0 {
		return nil, errors.New("workflow must contain at least one node")
	}

	var startID string
	endCount := 0
	for id, node := range d.Nodes {
		if node.ID != "" && node.ID != id {
			return nil, fmt.Errorf("node %s: node_id %q does not match its key", id, node.ID)
		}
		if !node.Type.Valid() {
			return nil, fmt.Errorf("node %s: unknown node_type %q", id, node.Type)
		}
		switch node.Type {
		case NodeTypeStart:
			if startID != "" {
				return nil, fmt.Errorf("workflow must contain exactly one START node, found %s and %s", startID, id)
			}
			startID = id
		case NodeTypeEnd:
			endCount++
		case NodeTypeTask:
			if node.AgentType == "" {
				return nil, fmt.Errorf("node %s: TASK requires agent_type", id)
			}
			if node.MaxRetries < 0 {
				return nil, fmt.Errorf("node %s: max_retries must not be negative", id)
			}
		case NodeTypeDelay:
			delay, err := node.DelaySeconds()
			if err != nil {
				return nil, err
			}
			if delay < 0 {
				return nil, fmt.Errorf("node %s: delay_seconds must not be negative", id)
			}
		case NodeTypeSubprocess:
			if _, err := node.SubprocessWorkflowID(); err != nil {
				return nil, err
			}
		}
		if node.TimeoutSeconds < 0 {
			return nil, fmt.Errorf("node %s: timeout_seconds must not be negative", id)
		}
	}
	if startID == "" {
		return nil, errors.New("workflow must contain exactly one START node, found none")
	}
	if endCount == 0 {
		return nil, errors.New("workflow must contain at least one END node")
	}

	for id, edge := range d.Edges {
		if edge.ID != "" && edge.ID != id {
			return nil, fmt.Errorf("edge %s: edge_id %q does not match its key", id, edge.ID)
		}
		if !edge.Type.Valid() {
			return nil, fmt.Errorf("edge %s: unknown edge_type %q", id, edge.Type)
		}
		if _, ok := d.Nodes[edge.FromNode]; !ok {
			return nil, fmt.Errorf("edge %s: from_node %q does not exist", id, edge.FromNode)
		}
		if _, ok := d.Nodes[edge.ToNode]; !ok {
			return nil, fmt.Errorf("edge %s: to_node %q does not exist", id, edge.ToNode)
		}
	}

	if cycle := d.findCycle(); cycle != "" {
		return nil, fmt.Errorf("workflow contains a cycle through node %s; cycles are only allowed via LOOP_BACK edges", cycle)
	}

	return d.unreachableWarnings(startID), nil
}

// findCycle runs a DFS over all edges except LOOP_BACK and returns a node
// on a cycle, or "" when the graph is acyclic.
func (d *WorkflowDefinition) findCycle() string {
	adjacency := make(map[string][]string, len(d.Nodes))
	for _, edge := range d.Edges {
		if edge.Type == EdgeTypeLoopBack {
			continue
		}
		adjacency[edge.FromNode] = append(adjacency[edge.FromNode], edge.ToNode)
	}

	visited := make(map[string]bool, len(d.Nodes))
	recStack := make(map[string]bool, len(d.Nodes))

	var visit func(id string) string
	visit = func(id string) string {
		visited[id] = true
		recStack[id] = true
		for _, next := range adjacency[id] {
			if !visited[next] {
				if hit := visit(next); hit != "" {
					return hit
				}
			} else if recStack[next] {
				return next
			}
		}
		recStack[id] = false
		return ""
	}

	for id := range d.Nodes {
		if !visited[id] {
			if hit := visit(id); hit != "" {
				return hit
			}
		}
	}
	return ""
}

// unreachableWarnings walks every edge type from START and reports nodes
// the walk never touches. Unreachable nodes are admitted but flagged.
func (d *WorkflowDefinition) unreachableWarnings(startID string) []string {
	adjacency := make(map[string][]string, len(d.Nodes))
	for _, edge := range d.Edges {
		adjacency[edge.FromNode] = append(adjacency[edge.FromNode], edge.ToNode)
	}

	seen := map[string]bool{startID: true}
	queue := []string{startID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, next := range adjacency[id] {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}

	var warnings []string
	for id := range d.Nodes {
		if !seen[id] {
			warnings = append(warnings, fmt.Sprintf("node %s is not reachable from START", id))
		}
	}
	return warnings
}

// StartNode returns the unique START node. Callers run Validate first.
func (d *WorkflowDefinition) StartNode() *Node {
	for _, node := range d.Nodes {
		if node.Type == NodeTypeStart {
			return node
		}
	}
	return nil
}

// OutgoingEdges returns the edges leaving a node.
func (d *WorkflowDefinition) OutgoingEdges(nodeID string) []*Edge {
	var out []*Edge
	for _, edge := range d.Edges {
		if edge.FromNode == nodeID {
			out = append(out, edge)
		}
	}
	return out
}

// IncomingEdges returns the edges entering a node.
func (d *WorkflowDefinition) IncomingEdges(nodeID string) []*Edge {
	var in []*Edge
	for _, edge := range d.Edges {
		if edge.ToNode == nodeID {
			in = append(in, edge)
		}
	}
	return in
}

// SubprocessRefs lists the workflow IDs referenced by SUBPROCESS nodes.
// The engine walks these at registration to reject cyclic nesting.
func (d *WorkflowDefinition) SubprocessRefs() []string {
	var refs []string
	for _, node := range d.Nodes {
		if node.Type != NodeTypeSubprocess {
			continue
		}
		if id, err := node.SubprocessWorkflowID(); err == nil {
			refs = append(refs, id)
		}
	}
	return refs
}
