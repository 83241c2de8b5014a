package api

import (
	"encoding/json"
	"net/http"

	"github.com/linuxmuster-net/dc-authority/internal/devices"
)

// hostWire is the JSON projection of devices.HostRecord.
type hostWire struct {
	MAC            string `json:"mac"`
	Hostname       string `json:"hostname"`
	IP             string `json:"ip,omitempty"`
	Room           string `json:"room"`
	Hostgroup      string `json:"hostgroup"`
	StartConfID    string `json:"startConfId"`
	PXEFlag        int    `json:"pxeFlag"`
	PXEEnabled     bool   `json:"pxeEnabled"`
	SophomorixRole string `json:"sophomorixRole"`
	UpdatedAt      string `json:"updatedAt"`
}

func toHostWire(h devices.HostRecord) hostWire {
	return hostWire{
		MAC:            h.MAC,
		Hostname:       h.Hostname,
		IP:             h.IP,
		Room:           h.Room,
		Hostgroup:      h.Hostgroup,
		StartConfID:    h.StartConfID(),
		PXEFlag:        h.PXEFlag,
		PXEEnabled:     h.PXEEnabled,
		SophomorixRole: h.SophomorixRole,
		UpdatedAt:      h.UpdatedAt.UTC().Format(rfc3339),
	}
}

const rfc3339 = "2006-01-02T15:04:05Z07:00"

const maxBatchMACs = 500

type hostsBatchRequest struct {
	MACs []string `json:"macs"`
}

type hostsBatchResponse struct {
	Hosts []hostWire `json:"hosts"`
}

// handleHostsBatch resolves 1-500 canonical MACs to host records,
// silently omitting any that aren't found.
func (s *Server) handleHostsBatch(w http.ResponseWriter, r *http.Request) {
	var req hostsBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidationError(w, "invalid JSON body")
		return
	}
	if len(req.MACs) == 0 || len(req.MACs) > maxBatchMACs {
		writeValidationError(w, "macs must contain between 1 and 500 entries")
		return
	}
	canonical := make([]string, len(req.MACs))
	for i, mac := range req.MACs {
		canon, ok := devices.NormalizeMAC(mac)
		if !ok || canon != mac {
			writeValidationError(w, "mac "+mac+" is not in canonical form")
			return
		}
		canonical[i] = canon
	}

	records, _ := s.devices.GetAll(canonical)
	out := make([]hostWire, 0, len(records))
	for _, rec := range records {
		out = append(out, toHostWire(rec))
	}
	WriteJSON(w, http.StatusOK, hostsBatchResponse{Hosts: out})
}

// handleHostSingle resolves exactly one canonical MAC to a host record,
// or 404.
func (s *Server) handleHostSingle(w http.ResponseWriter, r *http.Request) {
	mac := r.URL.Query().Get("mac")
	canon, ok := devices.NormalizeMAC(mac)
	if !ok || canon != mac {
		writeValidationError(w, "mac is not in canonical form")
		return
	}
	rec, ok := s.devices.Get(canon)
	if !ok {
		writeNotFound(w, "host not found")
		return
	}
	WriteJSON(w, http.StatusOK, toHostWire(rec))
}
