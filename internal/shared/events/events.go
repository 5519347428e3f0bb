package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event types emitted by the orchestration core.
const (
	TypeWorkflowRegistered = "workflow.registered"
	TypeExecutionStarted   = "execution.started"
	TypeExecutionCompleted = "execution.completed"
	TypeExecutionFailed    = "execution.failed"
	TypeExecutionCancelled = "execution.cancelled"
	TypeExecutionTimeout   = "execution.timeout"
	TypeNodeCompleted      = "execution.node.completed"
	TypeNodeFailed         = "execution.node.failed"
	TypeProviderFallback   = "provider.fallback"
	TypeScheduleTriggered  = "schedule.triggered"
)

// Event represents a domain event
type Event struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregateId"`
	AggregateType string          `json:"aggregateType"`
	EventType     string          `json:"eventType"`
	EventVersion  int             `json:"eventVersion"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlationId,omitempty"`
	CausationID   string          `json:"causationId,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// NewEvent creates a new event
func NewEvent(aggregateID, aggregateType, eventType string, payload interface{}) (*Event, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		EventType:     eventType,
		EventVersion:  1,
		Timestamp:     time.Now(),
		Payload:       payloadBytes,
	}, nil
}

// Workflow events

type WorkflowRegistered struct {
	WorkflowID   string    `json:"workflowId"`
	Name         string    `json:"name"`
	Version      string    `json:"version"`
	NodeCount    int       `json:"nodeCount"`
	EdgeCount    int       `json:"edgeCount"`
	RegisteredAt time.Time `json:"registeredAt"`
}

// Execution events

type ExecutionStarted struct {
	ExecutionID string                 `json:"executionId"`
	WorkflowID  string                 `json:"workflowId"`
	InitiatedBy string                 `json:"initiatedBy"`
	Priority    int                    `json:"priority"`
	Context     map[string]interface{} `json:"context,omitempty"`
	StartedAt   time.Time              `json:"startedAt"`
}

type ExecutionFinished struct {
	ExecutionID string        `json:"executionId"`
	WorkflowID  string        `json:"workflowId"`
	Status      string        `json:"status"`
	Error       string        `json:"error,omitempty"`
	Duration    time.Duration `json:"duration"`
	FinishedAt  time.Time     `json:"finishedAt"`
}

type NodeCompleted struct {
	ExecutionID string        `json:"executionId"`
	WorkflowID  string        `json:"workflowId"`
	NodeID      string        `json:"nodeId"`
	NodeType    string        `json:"nodeType"`
	Duration    time.Duration `json:"duration"`
	CompletedAt time.Time     `json:"completedAt"`
}

type NodeFailed struct {
	ExecutionID string    `json:"executionId"`
	WorkflowID  string    `json:"workflowId"`
	NodeID      string    `json:"nodeId"`
	NodeType    string    `json:"nodeType"`
	Error       string    `json:"error"`
	RetryCount  int       `json:"retryCount"`
	Terminal    bool      `json:"terminal"`
	FailedAt    time.Time `json:"failedAt"`
}

// Provider events

type ProviderFallback struct {
	RequestID    string    `json:"requestId"`
	ProviderID   string    `json:"providerId"`
	ProviderName string    `json:"providerName"`
	Attempts     int       `json:"attempts"`
	Timestamp    time.Time `json:"timestamp"`
}

// Schedule events

type ScheduleTriggered struct {
	ScheduleID  string    `json:"scheduleId"`
	WorkflowID  string    `json:"workflowId"`
	ExecutionID string    `json:"executionId"`
	TriggeredAt time.Time `json:"triggeredAt"`
}
