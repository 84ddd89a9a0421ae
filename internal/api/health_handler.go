package api

import (
	"net/http"
	"time"
)

// HealthHandler serves the liveness and readiness probes.
type HealthHandler struct {
	version string
	started time.Time
	ready   func() bool
}

// NewHealthHandler creates the probe handler. ready reports whether the
// gateway runs and holds a broker session; nil means never ready.
func NewHealthHandler(version string, ready func() bool) *HealthHandler {
	return &HealthHandler{version: version, started: time.Now(), ready: ready}
}

type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version,omitempty"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

type ReadinessResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// Health handles GET /health. It answers as long as the process serves HTTP.
func (h *HealthHandler) Health(w http.ResponseWriter, _ *http.Request) {
	sendJSON(w, http.StatusOK, HealthResponse{
		Status:        "ok",
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
	})
}

// Ready handles GET /ready: 200 once inputs, outputs and sensors run and the
// broker session is up, 503 otherwise (including while reconnecting).
func (h *HealthHandler) Ready(w http.ResponseWriter, _ *http.Request) {
	if h.ready != nil && h.ready() {
		sendJSON(w, http.StatusOK, ReadinessResponse{
			Status: "ready",
			Checks: map[string]string{"mqtt": "connected"},
		})
		return
	}
	sendJSON(w, http.StatusServiceUnavailable, ReadinessResponse{
		Status: "not_ready",
		Checks: map[string]string{"mqtt": "disconnected"},
	})
}
