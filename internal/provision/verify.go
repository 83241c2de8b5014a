package provision

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/linuxmuster-net/dc-authority/internal/jobs"
)

// VerifyConfig carries the external command and path configuration the
// per-job verification step needs.
type VerifyConfig struct {
	SambaToolBin      string
	HostCmdBin        string
	SambaToolAuthArgs []string
	DHCPVerifyPath    string
	Domain            string
	ReverseDNSOctets  int
}

// VerifyResult is the structured per-host outcome reported in a job's
// result payload.
type VerifyResult struct {
	ADObjectExists bool `json:"ad_object_exists"`
	DNSAExists     bool `json:"dns_a_exists"`
	DNSPTRExists   bool `json:"dns_ptr_exists,omitempty"`
	DHCPPresent    bool `json:"dhcp_present,omitempty"`
}

const (
	dnsRetries       = 5
	dnsRetryInterval = 2 * time.Second
)

func runner(ctx context.Context, timeout time.Duration, bin string, args ...string) (stdout string, err error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	cmd := exec.CommandContext(cctx, bin, args...)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err = cmd.Run()
	return buf.String(), err
}

func adObjectExists(ctx context.Context, cfg VerifyConfig, hostname string) bool {
	args := append([]string{"computer", "show", hostname}, cfg.SambaToolAuthArgs...)
	_, err := runner(ctx, 30*time.Second, cfg.SambaToolBin, args...)
	return err == nil
}

func forwardDNSExists(ctx context.Context, cfg VerifyConfig, fqdn string) bool {
	for attempt := 0; attempt < dnsRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(dnsRetryInterval)
		}
		out, err := runner(ctx, 10*time.Second, cfg.HostCmdBin, fqdn)
		if err == nil && strings.Contains(out, "has address") {
			return true
		}
	}
	return false
}

func reverseDNSExists(ctx context.Context, cfg VerifyConfig, ip string) bool {
	out, err := runner(ctx, 10*time.Second, cfg.HostCmdBin, ip)
	return err == nil && strings.Contains(out, "domain name pointer")
}

func dhcpTextContains(cfg VerifyConfig, needle string) bool {
	if cfg.DHCPVerifyPath == "" {
		return false
	}
	b, err := os.ReadFile(cfg.DHCPVerifyPath)
	if err != nil {
		return false
	}
	return strings.Contains(string(b), needle)
}

func cleanupStaleRecords(ctx context.Context, cfg VerifyConfig, hostname string) {
	args := append([]string{"computer", "delete", hostname}, cfg.SambaToolAuthArgs...)
	runner(ctx, 30*time.Second, cfg.SambaToolBin, args...)
	dnsArgs := append([]string{"dns", "delete", "localhost", cfg.Domain, hostname, "A"}, cfg.SambaToolAuthArgs...)
	runner(ctx, 30*time.Second, cfg.SambaToolBin, dnsArgs...)
}

// verifyJob probes AD/DNS/DHCP for one job, and for delete jobs runs
// explicit cleanup plus re-verify if stale records remain.
func verifyJob(ctx context.Context, cfg VerifyConfig, job *BatchJob) VerifyResult {
	hostname := job.Options.Hostname
	fqdn := hostname
	if cfg.Domain != "" {
		fqdn = hostname + "." + cfg.Domain
	}

	result := VerifyResult{
		ADObjectExists: adObjectExists(ctx, cfg, hostname),
		DNSAExists:     forwardDNSExists(ctx, cfg, fqdn),
	}
	if job.Options.IP != nil && *job.Options.IP != "" {
		result.DNSPTRExists = reverseDNSExists(ctx, cfg, *job.Options.IP)
	}
	if cfg.DHCPVerifyPath != "" {
		result.DHCPPresent = dhcpTextContains(cfg, strings.ToUpper(job.Options.MAC))
	}

	if job.Options.Action == jobs.ActionDelete {
		if result.ADObjectExists || result.DNSAExists {
			cleanupStaleRecords(ctx, cfg, hostname)
			result.ADObjectExists = adObjectExists(ctx, cfg, hostname)
			result.DNSAExists = forwardDNSExists(ctx, cfg, fqdn)
		}
	}
	return result
}

// success reports whether result satisfies the job's action-specific
// success criterion.
func (r VerifyResult) success(action jobs.Action) bool {
	switch action {
	case jobs.ActionDelete:
		return !r.ADObjectExists && !r.DNSAExists
	default:
		return r.ADObjectExists && r.DNSAExists
	}
}

// stdoutExcerpt truncates s to at most 500 characters for inclusion in a
// job's result payload.
func stdoutExcerpt(s string) string {
	if len(s) <= 500 {
		return s
	}
	return s[:500]
}
