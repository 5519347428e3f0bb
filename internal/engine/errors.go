package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrWorkflowNotFound is returned for references to unregistered
	// workflow IDs.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrExecutionNotFound is returned when an execution ID is neither
	// active nor in the history buffer.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrDuplicateWorkflow is returned when a workflow ID is registered
	// twice.
	ErrDuplicateWorkflow = errors.New("workflow already registered")

	// ErrEngineStopped is returned by submission paths after Stop.
	ErrEngineStopped = errors.New("engine is not running")
)

// ValidationError reports why RegisterWorkflow rejected a definition.
type ValidationError struct {
	WorkflowID string
	Reason     string
}

func (e *ValidationError) Error() string {
	if e.WorkflowID == "" {
		return fmt.Sprintf("invalid workflow definition: %s", e.Reason)
	}
	return fmt.Sprintf("invalid workflow definition %s: %s", e.WorkflowID, e.Reason)
}

func validationErr(workflowID, format string, args ...interface{}) error {
	return &ValidationError{WorkflowID: workflowID, Reason: fmt.Sprintf(format, args...)}
}
