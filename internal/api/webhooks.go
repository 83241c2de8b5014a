package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
)

type webhookRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
	Secret string   `json:"secret"`
}

type webhookResponse struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Events    []string  `json:"events"`
	CreatedAt time.Time `json:"createdAt"`
}

const minWebhookSecretLen = 16

// handleWebhooks registers a webhook subscription. This is a stub: the
// registration is validated and echoed back with a generated id, but
// nothing is ever dispatched to it.
func (s *Server) handleWebhooks(w http.ResponseWriter, r *http.Request) {
	var req webhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidationError(w, "invalid JSON body")
		return
	}
	if req.URL == "" {
		writeValidationError(w, "url is required")
		return
	}
	if len(req.Events) == 0 {
		writeValidationError(w, "events must contain at least one entry")
		return
	}
	if len(req.Secret) < minWebhookSecretLen {
		writeValidationError(w, "secret must be at least 16 characters")
		return
	}

	WriteJSON(w, http.StatusCreated, webhookResponse{
		ID:        uuid.NewString(),
		URL:       req.URL,
		Events:    req.Events,
		CreatedAt: time.Now().UTC(),
	})
}
