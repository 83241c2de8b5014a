package api

import (
	"encoding/json"
	"net/http"
	"regexp"

	"github.com/linuxmuster-net/dc-authority/internal/startconf"
)

var startConfIDPattern = regexp.MustCompile(`^[\w._-]+$`)

const maxBatchIDs = 100

type startConfsBatchRequest struct {
	IDs []string `json:"ids"`
}

type startConfWire struct {
	ID        string `json:"id"`
	Content   string `json:"content"`
	Hash      string `json:"hash"`
	UpdatedAt string `json:"updatedAt"`
}

func toStartConfWire(rec startconf.Record) startConfWire {
	return startConfWire{
		ID:        rec.ID,
		Content:   string(rec.Raw),
		Hash:      rec.SHA256,
		UpdatedAt: rec.LastModified.UTC().Format(rfc3339),
	}
}

type startConfsBatchResponse struct {
	StartConfs []startConfWire `json:"startConfs"`
}

// handleStartConfsBatch resolves 1-100 start.conf ids to their raw
// content, hash, and mtime.
func (s *Server) handleStartConfsBatch(w http.ResponseWriter, r *http.Request) {
	var req startConfsBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidationError(w, "invalid JSON body")
		return
	}
	if len(req.IDs) == 0 || len(req.IDs) > maxBatchIDs {
		writeValidationError(w, "ids must contain between 1 and 100 entries")
		return
	}
	for _, id := range req.IDs {
		if !startConfIDPattern.MatchString(id) {
			writeValidationError(w, "id "+id+" does not match the required pattern")
			return
		}
	}

	records, _ := s.startconf.GetAll(req.IDs)
	out := make([]startConfWire, 0, len(records))
	for _, rec := range records {
		out = append(out, toStartConfWire(rec))
	}
	WriteJSON(w, http.StatusOK, startConfsBatchResponse{StartConfs: out})
}

// handleStartConfSingle returns the raw record for a single id, or 404.
func (s *Server) handleStartConfSingle(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if !startConfIDPattern.MatchString(id) {
		writeValidationError(w, "id does not match the required pattern")
		return
	}
	rec, ok := s.startconf.Get(id)
	if !ok {
		writeNotFound(w, "start.conf not found")
		return
	}
	WriteJSON(w, http.StatusOK, toStartConfWire(rec))
}
