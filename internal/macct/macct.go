// Package macct implements the worker's single-job machine-account
// repair handler: one subprocess invocation per job, with stdout token
// parsing and operations-API-mediated retry.
package macct

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/linuxmuster-net/dc-authority/internal/jobs"
	"github.com/linuxmuster-net/dc-authority/internal/logging"
	"github.com/linuxmuster-net/dc-authority/internal/metrics"
)

// Timeout bounds a single repair subprocess invocation.
const Timeout = 5 * time.Minute

// DefaultMaxRetries is used when Config.MaxRetries is unset.
const DefaultMaxRetries = 3

// OpsClient is the subset of opsapi.Client the handler depends on.
type OpsClient interface {
	FetchMacctOptions(ctx context.Context, operationID string) (jobs.MacctOptions, error)
	UpdateStatus(ctx context.Context, operationID string, status jobs.Status, result any) error
	RequestRetry(ctx context.Context, operationID string, attempt int) error
}

// Config configures a Handler.
type Config struct {
	ScriptPath string
	LogDir     string
	MaxRetries int
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	return c
}

// Handler processes macct_repair job messages.
type Handler struct {
	cfg    Config
	ops    OpsClient
	logger *logging.Logger
}

// New creates a Handler.
func New(cfg Config, ops OpsClient, logger *logging.Logger) *Handler {
	return &Handler{cfg: cfg.withDefaults(), ops: ops, logger: logger}
}

// Result is the structured outcome reported on successful repair.
type Result struct {
	UnicodePwdSet bool   `json:"unicodePwdSet"`
	PwdLastSet    bool   `json:"pwdLastSet"`
	Skipped       bool   `json:"skipped"`
	NoChanges     bool   `json:"noChanges"`
	Stdout        string `json:"stdout"`
}

// Handle runs one macct_repair job to completion, reporting status via
// the operations API. It returns whether the caller may ACK the message:
// true for a terminal completed/failed transition or a successful
// retry-request handoff, false only if reporting the retry itself failed
// (so the message is retried by a future read instead of silently lost).
func (h *Handler) Handle(ctx context.Context, operationID string, attempt int) (ack bool) {
	opts, err := h.ops.FetchMacctOptions(ctx, operationID)
	if err != nil {
		h.logWarn("failed to fetch macct options", err)
		h.ops.UpdateStatus(ctx, operationID, jobs.StatusFailed, map[string]any{"error": err.Error()})
		return true
	}

	h.ops.UpdateStatus(ctx, operationID, jobs.StatusRunning, nil)

	logPath := filepath.Join(h.cfg.LogDir, fmt.Sprintf("macct-%s.log", opts.Host))
	stdout, err := h.run(ctx, opts.Host, opts.School, logPath)

	if err == nil {
		result := parseResult(stdout)
		h.ops.UpdateStatus(ctx, operationID, jobs.StatusCompleted, result)
		metrics.Get().RecordMacctRepair("completed")
		return true
	}

	if attempt < h.cfg.MaxRetries {
		nextAttempt := attempt + 1
		metrics.Get().RecordMacctRepair("retrying")
		h.ops.UpdateStatus(ctx, operationID, jobs.StatusRetrying, map[string]any{
			"attempt": nextAttempt,
			"error":   err.Error(),
		})
		if retryErr := h.ops.RequestRetry(ctx, operationID, nextAttempt); retryErr != nil {
			h.logWarn("failed to request retry", retryErr)
			return false
		}
		return true
	}

	h.ops.UpdateStatus(ctx, operationID, jobs.StatusFailed, map[string]any{
		"error":  err.Error(),
		"stdout": stdoutExcerpt(stdout),
	})
	metrics.Get().RecordMacctRepair("failed")
	return true
}

func (h *Handler) run(ctx context.Context, host, school, logPath string) (stdout string, err error) {
	cctx, cancel := context.WithTimeout(ctx, Timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, h.cfg.ScriptPath,
		"--only-hosts", host,
		"-s", school,
		"--log-file", logPath,
	)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err = cmd.Run()
	return buf.String(), err
}

// parseResult scans stdout for the tokens the repair script emits.
func parseResult(stdout string) Result {
	lower := strings.ToLower(stdout)
	return Result{
		UnicodePwdSet: strings.Contains(lower, "unicodepwd"),
		PwdLastSet:    strings.Contains(lower, "pwdlastset"),
		Skipped:       strings.Contains(lower, "skipped"),
		NoChanges:     strings.Contains(lower, "no changes"),
		Stdout:        stdoutExcerpt(stdout),
	}
}

func stdoutExcerpt(s string) string {
	const max = 500
	if len(s) <= max {
		return s
	}
	return s[:max]
}

func (h *Handler) logWarn(msg string, err error) {
	if h.logger == nil {
		return
	}
	h.logger.Warn(msg, "err", err)
}
