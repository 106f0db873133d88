package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"payroll/pipeline"
	"payroll/router"
	"payroll/stagegate"
)

// failureResponse is the body of every non-2xx response.
type failureResponse struct {
	Status        pipeline.Status  `json:"status"`
	Code          string           `json:"code"`
	Message       string           `json:"message"`
	CurrentStage  *stagegate.Stage `json:"currentStage,omitempty"`
	RequiredStage *stagegate.Stage `json:"requiredStage,omitempty"`
	Progress      string           `json:"progress,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, failureResponse{Status: pipeline.StatusFailed, Code: code, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// leaseRetryAfter is the Retry-After hint sent when the pool is exhausted.
const leaseRetryAfter = "1"

// classifyError maps a routing, gating or pipeline error to an HTTP status and
// failure body. Every branch has its own code.
func classifyError(err error) (int, failureResponse) {
	body := failureResponse{Status: pipeline.StatusFailed, Message: err.Error()}

	var (
		precondition *pipeline.PreconditionError
		collaborator *pipeline.CollaboratorError
		conflict     *stagegate.ConflictError
		outOfOrder   *stagegate.OutOfOrderError
		advanced     *stagegate.AlreadyAdvancedError
		unknown      router.UnknownTenantError
		statement    *router.StatementError
	)
	switch {
	case errors.As(err, &precondition):
		body.Code = precondition.Reason
		body.CurrentStage = stagePtr(precondition.Current)
		body.RequiredStage = stagePtr(precondition.Required)
		return http.StatusConflict, body
	case errors.As(err, &conflict):
		body.Code = "stage_conflict"
		if conflict.Deadlock {
			body.Code = "stage_conflict_deadlock"
		} else {
			body.CurrentStage = stagePtr(conflict.Actual)
		}
		body.RequiredStage = stagePtr(conflict.Expected)
		return http.StatusConflict, body
	case errors.As(err, &outOfOrder):
		body.Code = pipeline.ReasonStageOutOfOrder
		body.CurrentStage = stagePtr(outOfOrder.Current)
		body.RequiredStage = stagePtr(outOfOrder.Required)
		return http.StatusConflict, body
	case errors.As(err, &advanced):
		body.Code = pipeline.ReasonStageAlreadyAdvanced
		body.CurrentStage = stagePtr(advanced.Current)
		body.RequiredStage = stagePtr(advanced.Required)
		return http.StatusConflict, body
	case errors.Is(err, stagegate.ErrMarkerMissing):
		body.Code = "marker_missing"
		return http.StatusNotFound, body
	case errors.As(err, &unknown):
		body.Code = "unknown_tenant"
		return http.StatusBadRequest, body
	case errors.Is(err, router.ErrNoTenantSelected):
		body.Code = "no_tenant_selected"
		return http.StatusPreconditionRequired, body
	case errors.Is(err, router.ErrNoSession):
		body.Code = "no_session"
		return http.StatusUnauthorized, body
	case errors.Is(err, router.ErrLeaseExhausted):
		body.Code = "pool_exhausted"
		return http.StatusServiceUnavailable, body
	case errors.Is(err, pipeline.ErrCollaboratorTimeout):
		body.Code = "collaborator_timeout"
		return http.StatusGatewayTimeout, body
	case errors.As(err, &collaborator):
		body.Code = "collaborator_failed"
		return http.StatusBadGateway, body
	case errors.As(err, &statement):
		body.Code = "database_error"
		body.Message = "database statement failed"
		return http.StatusInternalServerError, body
	case errors.Is(err, context.Canceled):
		body.Code = "request_cancelled"
		return http.StatusServiceUnavailable, body
	case errors.Is(err, context.DeadlineExceeded):
		body.Code = "request_deadline_exceeded"
		return http.StatusGatewayTimeout, body
	default:
		body.Code = "internal_error"
		body.Message = "internal error"
		return http.StatusInternalServerError, body
	}
}

func (s *apiServer) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := classifyError(err)
	s.writeFailure(w, r, status, body, err)
}

func (s *apiServer) writeFailure(w http.ResponseWriter, r *http.Request, status int, body failureResponse, err error) {
	if body.Code == "pool_exhausted" {
		w.Header().Set("Retry-After", leaseRetryAfter)
	}
	if status >= http.StatusInternalServerError {
		s.logRequestError(r, body.Code, err)
	}
	writeJSON(w, status, body)
}

func stagePtr(s stagegate.Stage) *stagegate.Stage {
	return &s
}
