package main

import (
	"net/http"

	"github.com/gorilla/mux"
)

func newHandler(server *apiServer) http.Handler {
	r := mux.NewRouter()
	r.Use(server.withRequestID, server.logRequests)
	r.HandleFunc("/healthz", handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", server.handleReadyz).Methods(http.MethodGet)
	r.Handle("/metrics", server.metrics.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/v1").Subrouter()
	api.Use(server.authenticate)
	api.HandleFunc("/payroll/marker", server.handleMarker).Methods(http.MethodGet)
	api.HandleFunc("/payroll/{step}", server.handleStep).Methods(http.MethodPost)
	api.HandleFunc("/session/tenant", server.handleSelectTenant).Methods(http.MethodPut)
	api.HandleFunc("/session", server.handleClearSession).Methods(http.MethodDelete)
	api.HandleFunc("/admin/overview", server.handleOverview).Methods(http.MethodGet)
	api.HandleFunc("/admin/sessions", server.handleSessions).Methods(http.MethodGet)

	setFallbackHandlers(r)
	setFallbackHandlers(api)
	return r
}

// setFallbackHandlers installs the JSON 404 and 405 responses. Subrouters do
// not inherit them from their parent.
func setFallbackHandlers(r *mux.Router) {
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "not found")
	})
}
