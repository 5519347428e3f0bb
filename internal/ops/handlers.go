package ops

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/arachne-ai/arachne/internal/engine"
	"github.com/arachne-ai/arachne/internal/platform/response"
	"github.com/arachne-ai/arachne/internal/provider"
	"github.com/arachne-ai/arachne/internal/workflow/loader"
)

// ExecuteRequest is the body of POST /api/v1/executions.
type ExecuteRequest struct {
	WorkflowID  string                 `json:"workflow_id"`
	Input       map[string]interface{} `json:"input,omitempty"`
	InitiatedBy string                 `json:"initiated_by,omitempty"`
	Priority    int                    `json:"priority,omitempty"`
}

// ExecuteResponse acknowledges an accepted execution.
type ExecuteResponse struct {
	ExecutionID string `json:"execution_id"`
	WorkflowID  string `json:"workflow_id"`
	Status      string `json:"status"`
}

// RegisterResponse acknowledges a registered workflow.
type RegisterResponse struct {
	WorkflowID string   `json:"workflow_id"`
	Warnings   []string `json:"warnings,omitempty"`
}

func (s *Server) handleEngineStatus(w http.ResponseWriter, r *http.Request) {
	response.OK(w, s.engine.EngineStatus())
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	response.OK(w, s.engine.Workflows())
}

func (s *Server) handleRegisterWorkflow(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 4<<20))
	if err != nil {
		response.Error(w, response.ErrBadRequest)
		return
	}

	def, err := loader.Parse(body)
	if err != nil {
		response.ErrorWithMessage(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}

	warnings, err := s.engine.RegisterWorkflow(def)
	if err != nil {
		var verr *engine.ValidationError
		switch {
		case errors.As(err, &verr):
			response.ErrorWithMessage(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", verr.Error())
		case errors.Is(err, engine.ErrDuplicateWorkflow):
			response.Error(w, response.ErrConflict.WithDetails("workflow_id", def.WorkflowID))
		default:
			s.log.Error("Failed to register workflow", "workflow_id", def.WorkflowID, "error", err)
			response.Error(w, response.ErrInternal)
		}
		return
	}

	response.Created(w, RegisterResponse{WorkflowID: def.WorkflowID, Warnings: warnings})
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	response.OK(w, s.engine.RecentExecutions(limit))
}

func (s *Server) handleExecuteWorkflow(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, response.ErrBadRequest)
		return
	}
	if req.WorkflowID == "" {
		response.ErrorWithMessage(w, http.StatusBadRequest, "BAD_REQUEST", "workflow_id is required")
		return
	}
	if req.InitiatedBy == "" {
		req.InitiatedBy = "api"
	}

	// Priority zero falls through to the engine default.
	executionID, err := s.engine.ExecuteWorkflow(r.Context(), req.WorkflowID, req.Input, req.InitiatedBy, req.Priority)
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrWorkflowNotFound):
			response.Error(w, response.ErrNotFound.WithDetails("workflow_id", req.WorkflowID))
		case errors.Is(err, engine.ErrEngineStopped):
			response.Error(w, response.ErrServiceUnavailable)
		default:
			s.log.Error("Failed to start execution", "workflow_id", req.WorkflowID, "error", err)
			response.Error(w, response.ErrInternal)
		}
		return
	}

	response.JSON(w, http.StatusAccepted, ExecuteResponse{
		ExecutionID: executionID,
		WorkflowID:  req.WorkflowID,
		Status:      "queued",
	})
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	executionID := mux.Vars(r)["id"]

	snapshot, err := s.engine.GetWorkflowStatus(executionID)
	if err != nil {
		if errors.Is(err, engine.ErrExecutionNotFound) {
			response.Error(w, response.ErrNotFound.WithDetails("execution_id", executionID))
			return
		}
		s.log.Error("Failed to load execution", "execution_id", executionID, "error", err)
		response.Error(w, response.ErrInternal)
		return
	}

	response.OK(w, snapshot)
}

func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	executionID := mux.Vars(r)["id"]
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "cancelled via API"
	}

	if err := s.engine.CancelExecution(executionID, reason); err != nil {
		if errors.Is(err, engine.ErrExecutionNotFound) {
			response.Error(w, response.ErrNotFound.WithDetails("execution_id", executionID))
			return
		}
		s.log.Error("Failed to cancel execution", "execution_id", executionID, "error", err)
		response.Error(w, response.ErrInternal)
		return
	}

	response.JSON(w, http.StatusAccepted, map[string]string{
		"execution_id": executionID,
		"status":       "cancelling",
	})
}

// ProviderHealthResponse is the body of GET /api/v1/providers/health.
type ProviderHealthResponse struct {
	Strategy  string               `json:"strategy"`
	Providers []provider.Health    `json:"providers"`
	Stats     provider.StatsReport `json:"stats"`
}

func (s *Server) handleProviderHealth(w http.ResponseWriter, r *http.Request) {
	if s.providers == nil {
		response.Error(w, response.ErrServiceUnavailable.WithDetails("component", "providers"))
		return
	}

	response.OK(w, ProviderHealthResponse{
		Strategy:  string(s.providers.Strategy()),
		Providers: s.providers.ProviderHealth(),
		Stats:     s.providers.Stats(),
	})
}

func (s *Server) handleResetProviderStats(w http.ResponseWriter, r *http.Request) {
	if s.providers == nil {
		response.Error(w, response.ErrServiceUnavailable.WithDetails("component", "providers"))
		return
	}

	s.providers.ResetStats()
	s.log.Info("Provider statistics reset")
	response.OK(w, map[string]string{"message": "provider statistics reset"})
}
