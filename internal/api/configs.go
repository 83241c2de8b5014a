package api

import (
	"encoding/json"
	"net/http"

	"github.com/linuxmuster-net/dc-authority/internal/startconf"
)

type configsBatchRequest struct {
	IDs []string `json:"ids"`
}

type configWire struct {
	ID         string                `json:"id"`
	Linbo      startconf.LinboConfig `json:"linbo"`
	Partitions []startconf.Partition `json:"partitions"`
	OSEntries  []startconf.OSEntry   `json:"osEntries"`
	Grub       startconf.GrubPolicy  `json:"grub"`
}

func toConfigWire(rec startconf.Record) configWire {
	return configWire{
		ID:         rec.ID,
		Linbo:      rec.Parsed.Linbo,
		Partitions: rec.Parsed.Partitions,
		OSEntries:  rec.Parsed.OSEntries,
		Grub:       rec.Parsed.Grub,
	}
}

type configsBatchResponse struct {
	Configs []configWire `json:"configs"`
}

// handleConfigsBatch resolves 1-100 ids to their parsed boot-config
// structure (linbo section, partitions, OS entries, derived grub policy).
func (s *Server) handleConfigsBatch(w http.ResponseWriter, r *http.Request) {
	var req configsBatchRequest
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
	out := make([]configWire, 0, len(records))
	for _, rec := range records {
		out = append(out, toConfigWire(rec))
	}
	WriteJSON(w, http.StatusOK, configsBatchResponse{Configs: out})
}
