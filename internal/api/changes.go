package api

import (
	"net/http"
)

// deltaResponse is the wire shape of a get_changes response.
type deltaResponse struct {
	HostsChanged      []string `json:"hostsChanged"`
	StartConfsChanged []string `json:"startConfsChanged"`
	ConfigsChanged    []string `json:"configsChanged"`
	DeletedHosts      []string `json:"deletedHosts"`
	DeletedStartConfs []string `json:"deletedStartConfs"`
	DHCPChanged       bool     `json:"dhcpChanged"`
	Cursor            string   `json:"cursor"`
	FullSnapshot      bool     `json:"fullSnapshot"`
}

// handleChanges answers an incremental (or full-snapshot) sync request
// against the changelog, keyed by an opaque cursor.
func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	if s.changelog == nil {
		WriteError(w, http.StatusServiceUnavailable, "INTERNAL_ERROR", "changelog unavailable")
		return
	}

	since := r.URL.Query().Get("since")
	delta, err := s.changelog.GetChanges(r.Context(), since)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to compute changes")
		return
	}

	WriteJSON(w, http.StatusOK, deltaResponse{
		HostsChanged:      emptyIfNil(delta.HostsChanged),
		StartConfsChanged: emptyIfNil(delta.StartConfsChanged),
		ConfigsChanged:    emptyIfNil(delta.ConfigsChanged),
		DeletedHosts:      emptyIfNil(delta.DeletedHosts),
		DeletedStartConfs: emptyIfNil(delta.DeletedStartConfs),
		DHCPChanged:       delta.DHCPChanged,
		Cursor:            delta.NextCursor.String(),
		FullSnapshot:      delta.FullSnapshot,
	})
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
