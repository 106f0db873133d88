package main

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"payroll/auth"
	"payroll/metrics"
	"payroll/pii"
	"payroll/pipeline"
	"payroll/requestctx"
	"payroll/router"
	"payroll/stagegate"
)

type apiServer struct {
	router   *router.Router
	gate     *stagegate.Gate
	service  *pipeline.Service
	verifier *auth.Verifier
	metrics  *metrics.Registry
	logger   *zap.Logger
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *apiServer) handleReadyz(w http.ResponseWriter, r *http.Request) {
	health := s.router.HealthCheck(r.Context())
	response := readyResponse{
		Status:  "ok",
		Latency: health.Latency.String(),
		Error:   health.Error,
		Pool:    health.Stats,
	}
	status := http.StatusOK
	if !health.Healthy {
		response.Status = "unavailable"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, response)
}

func (s *apiServer) handleStep(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["step"]
	step, ok := pipeline.ParseStep(name)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown_step", fmt.Sprintf("unknown step %q; expected one of %s", name, stepNames()))
		return
	}

	result, err := s.service.Run(r.Context(), step)
	if err != nil {
		status, body := classifyError(err)
		if body.CurrentStage == nil && result.Progress != "" {
			body.CurrentStage = stagePtr(result.Stage)
		}
		body.Progress = result.Progress
		s.writeFailure(w, r, status, body, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *apiServer) handleMarker(w http.ResponseWriter, r *http.Request) {
	db, err := s.router.CurrentTenant(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	marker, err := s.gate.ReadMarker(requestctx.WithTenant(r.Context(), db))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toMarkerResponse(db.ID, marker))
}

func (s *apiServer) handleSelectTenant(w http.ResponseWriter, r *http.Request) {
	var req selectTenantRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.name() == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "tenant is required")
		return
	}

	db, err := s.router.ResolveTenant(r.Context(), req.name())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(db))
}

func (s *apiServer) handleClearSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, clearSessionResponse{Cleared: s.router.ClearSession(r.Context())})
}

func (s *apiServer) handleOverview(w http.ResponseWriter, r *http.Request) {
	tenants, err := s.service.Overview(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenants": tenants})
}

func (s *apiServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.router.Sessions()
	out := sessionsResponse{Sessions: make([]sessionInfoResponse, 0, len(sessions))}
	for _, session := range sessions {
		out.Sessions = append(out.Sessions, sessionInfoResponse{
			SessionHash: pii.Hash(session.SessionID),
			Tenant:      session.Tenant,
			CreatedAt:   session.CreatedAt.UTC().Format(timeFormat),
			LastSeen:    session.LastSeen.UTC().Format(timeFormat),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *apiServer) logRequestError(r *http.Request, code string, err error) {
	identity, _ := requestctx.IdentityFrom(r.Context())
	s.logger.Error("request_failed",
		zap.String("code", code),
		zap.String("path", r.URL.Path),
		zap.String("actor_hash", pii.Hash(identity.ActorID)),
		zap.String("request_id", requestctx.RequestID(r.Context())),
		zap.Error(err),
	)
}
