package api

import (
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/linuxmuster-net/dc-authority/internal/conditional"
	"github.com/linuxmuster-net/dc-authority/internal/devices"
	"github.com/linuxmuster-net/dc-authority/internal/dhcpexport"
)

type dhcpReservationsBatchRequest struct {
	MACs []string `json:"macs"`
}

type reservationWire struct {
	MAC      string `json:"mac"`
	Hostname string `json:"hostname"`
	IP       string `json:"ip,omitempty"`
}

type dhcpReservationsBatchResponse struct {
	Reservations []reservationWire `json:"reservations"`
}

// handleDHCPReservationsBatch projects host records onto their
// DHCP-relevant fields for 1-500 requested MACs.
func (s *Server) handleDHCPReservationsBatch(w http.ResponseWriter, r *http.Request) {
	var req dhcpReservationsBatchRequest
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
	out := make([]reservationWire, 0, len(records))
	for _, rec := range records {
		out = append(out, reservationWire{MAC: rec.MAC, Hostname: rec.Hostname, IP: rec.IP})
	}
	WriteJSON(w, http.StatusOK, dhcpReservationsBatchResponse{Reservations: out})
}

// handleDHCPExportDnsmasq serves the rendered dnsmasq-proxy configuration
// with ETag/Last-Modified conditional handling.
func (s *Server) handleDHCPExportDnsmasq(w http.ResponseWriter, r *http.Request) {
	s.serveDHCPExport(w, r, dhcpexport.RenderDnsmasqProxy)
}

// handleDHCPExportISC serves the rendered isc-dhcp configuration with
// ETag/Last-Modified conditional handling.
func (s *Server) handleDHCPExportISC(w http.ResponseWriter, r *http.Request) {
	s.serveDHCPExport(w, r, dhcpexport.RenderISCDHCP)
}

type renderFunc func([]devices.HostRecord, dhcpexport.NetworkSettings, time.Time) string

func (s *Server) serveDHCPExport(w http.ResponseWriter, r *http.Request, render renderFunc) {
	hosts := s.devices.Hosts()
	ordered := make([]devices.HostRecord, 0, len(hosts))
	for _, h := range hosts {
		ordered = append(ordered, h)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].MAC < ordered[j].MAC })

	// Stamp the rendered body with the inventory's last-modified time
	// rather than the request's wall-clock time, so the body (and its
	// ETag) stays stable across requests when nothing has changed.
	lastModified := s.devices.LastModified()
	body := []byte(render(ordered, s.dhcpSettings, lastModified))
	conditional.ServeConditional(w, r, body, lastModified, "text/plain; charset=utf-8")
}
