package api

import (
	"net/http"
	"time"
)

type healthResponse struct {
	Status     string    `json:"status"`
	Version    string    `json:"version"`
	Uptime     float64   `json:"uptime"`
	LastChange time.Time `json:"lastChange,omitempty"`
}

type readyResponse struct {
	Ready  bool   `json:"ready"`
	Reason string `json:"reason,omitempty"`
}

// handleHealth answers the liveness probe with a degraded/ok status
// rather than a hard down/up signal.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if s.health != nil {
		report := s.health.Check(r.Context())
		if report.Status != "healthy" {
			status = "degraded"
		}
	}

	WriteJSON(w, http.StatusOK, healthResponse{
		Status:     status,
		Version:    Version,
		Uptime:     time.Since(s.startTime).Seconds(),
		LastChange: s.lastChange(),
	})
}

// handleReady answers the readiness probe. It is considered not-ready
// when the device inventory has never loaded successfully.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.devices != nil && s.devices.LastModified().IsZero() {
		WriteJSON(w, http.StatusServiceUnavailable, readyResponse{Ready: false, Reason: "device inventory not loaded"})
		return
	}
	if s.health != nil {
		report := s.health.Check(r.Context())
		if report.Status == "unhealthy" {
			WriteJSON(w, http.StatusServiceUnavailable, readyResponse{Ready: false, Reason: "dependency unhealthy"})
			return
		}
	}
	WriteJSON(w, http.StatusOK, readyResponse{Ready: true})
}

// lastChange is the most recent mtime observed across the adapters this
// process owns.
func (s *Server) lastChange() time.Time {
	var latest time.Time
	if s.devices != nil {
		if t := s.devices.LastModified(); t.After(latest) {
			latest = t
		}
	}
	if s.startconf != nil {
		if t := s.startconf.LastModified(); t.After(latest) {
			latest = t
		}
	}
	return latest
}
