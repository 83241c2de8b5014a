package api

import (
	"encoding/json"
	"net/http"
)

// ErrorResponse is the wire envelope every handler error uses.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// WriteJSON sends a JSON success response.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// WriteError sends the standard error envelope. kind is one of the
// documented error kinds (UNAUTHORIZED, FORBIDDEN, NOT_FOUND,
// VALIDATION_ERROR, RATE_LIMITED).
func WriteError(w http.ResponseWriter, status int, kind, message string, details ...string) {
	resp := ErrorResponse{Error: kind, Message: message}
	if len(details) > 0 {
		resp.Details = details[0]
	}
	WriteJSON(w, status, resp)
}

func writeNotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, "NOT_FOUND", message)
}

func writeValidationError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, "VALIDATION_ERROR", message)
}
