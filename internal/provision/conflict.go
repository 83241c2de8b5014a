package provision

import (
	"fmt"
	"strings"

	"github.com/linuxmuster-net/dc-authority/internal/jobs"
)

// checkConflicts enforces MAC/IP uniqueness on the merged view: every
// still-valid non-delete job must not share a MAC (case-insensitive) or a
// non-"DHCP" IP with any other row. Conflicting jobs are marked failed in
// place; nothing is returned, and the caller excludes them from the batch
// by their failed state.
func checkConflicts(merged [][]string, jobsInBatch []*BatchJob) {
	// First writer wins: when two rows carry the same MAC or IP, the
	// earlier row (master order, then append order) is the owner and the
	// later job is the one that conflicts.
	macOwners := make(map[string]string, len(merged))
	ipOwners := make(map[string]string, len(merged))
	for _, row := range merged {
		if len(row) <= colMAC {
			continue
		}
		hostname := row[colHost]
		mac := strings.ToUpper(strings.TrimSpace(row[colMAC]))
		if mac != "" {
			if _, ok := macOwners[mac]; !ok {
				macOwners[mac] = hostname
			}
		}
		if len(row) > colIP {
			ip := strings.TrimSpace(row[colIP])
			if ip != "" && !strings.EqualFold(ip, "DHCP") {
				if _, ok := ipOwners[ip]; !ok {
					ipOwners[ip] = hostname
				}
			}
		}
	}

	for _, job := range jobsInBatch {
		if job.Failed() || job.Options.Action == jobs.ActionDelete {
			continue
		}
		mac := strings.ToUpper(strings.TrimSpace(job.Options.MAC))
		if owner, ok := macOwners[mac]; ok && !strings.EqualFold(owner, job.Options.Hostname) {
			job.MarkFailed(fmt.Sprintf("Duplicate MAC %s already assigned to host %s", mac, owner))
			continue
		}
		if job.Options.IP != nil && *job.Options.IP != "" && !strings.EqualFold(*job.Options.IP, "DHCP") {
			ip := strings.TrimSpace(*job.Options.IP)
			if owner, ok := ipOwners[ip]; ok && !strings.EqualFold(owner, job.Options.Hostname) {
				job.MarkFailed(fmt.Sprintf("Duplicate IP %s already assigned to host %s", ip, owner))
			}
		}
	}
}
