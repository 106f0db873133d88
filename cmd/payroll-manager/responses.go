package main

import (
	"time"

	"payroll/router"
	"payroll/stagegate"
	"payroll/tenant"
)

const timeFormat = time.RFC3339Nano

type markerResponse struct {
	Tenant        string          `json:"tenant"`
	Year          int             `json:"year"`
	Month         int             `json:"month"`
	Period        string          `json:"period"`
	Stage         stagegate.Stage `json:"stage"`
	StageName     string          `json:"stageName"`
	Progress      string          `json:"progress"`
	LastUpdatedBy string          `json:"lastUpdatedBy,omitempty"`
	LastUpdatedAt string          `json:"lastUpdatedAt,omitempty"`
}

func toMarkerResponse(tenantID string, marker stagegate.Marker) markerResponse {
	lastUpdatedAt := ""
	if !marker.LastUpdatedAt.IsZero() {
		lastUpdatedAt = marker.LastUpdatedAt.UTC().Format(timeFormat)
	}
	return markerResponse{
		Tenant:        tenantID,
		Year:          marker.Year,
		Month:         marker.Month,
		Period:        marker.Period().String(),
		Stage:         marker.Stage,
		StageName:     marker.Stage.String(),
		Progress:      marker.Stage.Label(),
		LastUpdatedBy: marker.LastUpdatedBy,
		LastUpdatedAt: lastUpdatedAt,
	}
}

type sessionResponse struct {
	Tenant      string `json:"tenant"`
	DisplayName string `json:"displayName"`
}

func toSessionResponse(db tenant.Database) sessionResponse {
	return sessionResponse{Tenant: db.ID, DisplayName: db.DisplayName}
}

type clearSessionResponse struct {
	Cleared bool `json:"cleared"`
}

type sessionsResponse struct {
	Sessions []sessionInfoResponse `json:"sessions"`
}

// sessionInfoResponse omits the raw session id; operators see its hash.
type sessionInfoResponse struct {
	SessionHash string `json:"sessionHash"`
	Tenant      string `json:"tenant"`
	CreatedAt   string `json:"createdAt"`
	LastSeen    string `json:"lastSeen"`
}

type readyResponse struct {
	Status  string       `json:"status"`
	Latency string       `json:"latency"`
	Error   string       `json:"error,omitempty"`
	Pool    router.Stats `json:"pool"`
}
