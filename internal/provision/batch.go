// Package provision implements the provisioning batcher: the worker's
// debounce-collect-delta-merge-import-verify state machine.
package provision

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/linuxmuster-net/dc-authority/internal/jobs"
	"github.com/linuxmuster-net/dc-authority/internal/jobstream"
	"github.com/linuxmuster-net/dc-authority/internal/logging"
	"github.com/linuxmuster-net/dc-authority/internal/metrics"
)

// StreamClient is the subset of jobstream.Consumer the batcher depends
// on, narrowed to an interface so tests can supply a fake broker.
type StreamClient interface {
	ReadNonBlocking(ctx context.Context, count int) ([]jobstream.Message, error)
	Ack(ctx context.Context, id string) error
}

// StreamMessage is an alias of jobstream.Message for readability within
// this package.
type StreamMessage = jobstream.Message

// OpsClient is the subset of opsapi.Client the batcher depends on.
type OpsClient interface {
	FetchProvisionOptions(ctx context.Context, operationID string) (jobs.ProvisionOptions, error)
	UpdateStatus(ctx context.Context, operationID string, status jobs.Status, result any) error
}

// Config configures a Batcher.
type Config struct {
	LockPath    string
	DeltaPath   string
	MasterPath  string
	ImportBin   string
	ImportArgs  []string
	DebounceSec int
	BatchSize   int
	Verify      VerifyConfig
}

func (c Config) withDefaults() Config {
	// Zero disables the debounce wait entirely; only an unset (negative)
	// value falls back to the default.
	if c.DebounceSec < 0 {
		c.DebounceSec = 5
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	return c
}

// Batcher processes provision_host jobs, one batch at a time, under the
// exclusive lock file.
type Batcher struct {
	cfg    Config
	stream StreamClient
	ops    OpsClient
	logger *logging.Logger
}

// New creates a Batcher.
func New(cfg Config, stream StreamClient, ops OpsClient, logger *logging.Logger) *Batcher {
	return &Batcher{cfg: cfg.withDefaults(), stream: stream, ops: ops, logger: logger}
}

// Handle processes a provision_host trigger message end to end. It always
// ACKs (or deliberately defers) every message it touches itself; callers
// must not separately ACK the trigger.
func (b *Batcher) Handle(ctx context.Context, trigger StreamMessage) {
	start := time.Now()
	outcome := "failed"
	batchSize := 1
	defer func() {
		metrics.Get().RecordBatch(batchSize, outcome, time.Since(start).Seconds())
	}()

	release, err := acquireLock(ctx, b.cfg.LockPath)
	defer release()
	if err != nil {
		b.logWarn("failed to acquire provisioning lock", err)
		b.failAndAck(ctx, trigger.ID, trigger.Job.OperationID, "failed to acquire provisioning lock: "+err.Error())
		return
	}

	triggerOpts, err := b.ops.FetchProvisionOptions(ctx, trigger.Job.OperationID)
	if err != nil {
		b.failAndAck(ctx, trigger.ID, trigger.Job.OperationID, "failed to fetch operation options: "+err.Error())
		return
	}
	if err := triggerOpts.ValidateHostname(); err != nil {
		b.failAndAck(ctx, trigger.ID, trigger.Job.OperationID, "invalid hostname: "+err.Error())
		return
	}

	triggerJob := &BatchJob{
		MessageID:   trigger.ID,
		OperationID: trigger.Job.OperationID,
		Attempt:     trigger.Job.Attempt,
		School:      trigger.Job.School,
		Options:     triggerOpts,
	}
	batch := []*BatchJob{triggerJob}
	collected := []string{trigger.ID}

	sleep(ctx, time.Duration(b.cfg.DebounceSec)*time.Second)

	drained, err := b.stream.ReadNonBlocking(ctx, b.cfg.BatchSize)
	if err != nil {
		b.logWarn("drain failed", err)
	}

	var deferred []StreamMessage
	for _, msg := range drained {
		if msg.Job.Type != jobs.TypeProvisionHost || msg.Job.School != trigger.Job.School {
			deferred = append(deferred, msg)
			continue
		}
		opts, err := b.ops.FetchProvisionOptions(ctx, msg.Job.OperationID)
		if err != nil {
			b.failAndAck(ctx, msg.ID, msg.Job.OperationID, "failed to fetch operation options: "+err.Error())
			continue
		}
		if err := opts.ValidateHostname(); err != nil {
			b.failAndAck(ctx, msg.ID, msg.Job.OperationID, "invalid hostname: "+err.Error())
			continue
		}
		job := &BatchJob{
			MessageID:   msg.ID,
			OperationID: msg.Job.OperationID,
			Attempt:     msg.Job.Attempt,
			School:      msg.Job.School,
			Options:     opts,
		}
		batch = append(batch, job)
		collected = append(collected, msg.ID)
	}

	if reason, ok := violatesRenameSafety(batch); ok {
		for _, j := range batch {
			j.MarkFailed(reason)
		}
		b.finalizeStatuses(ctx, batch)
		b.ackAll(ctx, collected)
		b.handleDeferred(ctx, deferred)
		return
	}

	batchSize = len(batch)
	for _, j := range batch {
		j.MarkRunning()
	}
	b.reportStatuses(ctx, batch)

	rows, order, merged, stats, err := b.applyAndMerge(batch)
	if err != nil {
		b.failAllAndAck(ctx, batch, collected, deferred, err.Error())
		return
	}

	remaining := remainingJobs(batch)
	checkConflicts(merged, remaining)

	// A conflicting job is excluded from the batch entirely: rebuild the
	// delta and the merged view from the on-disk state without it, so its
	// row never reaches the written master.
	if survived := remainingJobs(batch); len(survived) != len(remaining) {
		rows, order, merged, stats, err = b.applyAndMerge(batch)
		if err != nil {
			b.failAllAndAck(ctx, batch, collected, deferred, err.Error())
			return
		}
	}
	remaining = remainingJobs(batch)

	if len(remaining) == 0 {
		b.finalizeStatuses(ctx, batch)
		b.ackAll(ctx, collected)
		b.handleDeferred(ctx, deferred)
		return
	}

	if remaining[0].Options.DryRun {
		for _, job := range remaining {
			job.MarkCompleted(map[string]any{
				"mergeStats": stats,
				"dryRun":     true,
			})
		}
		outcome = "dryrun"
		b.finalizeStatuses(ctx, batch)
		b.ackAll(ctx, collected)
		b.handleDeferred(ctx, deferred)
		return
	}

	if err := writeDelta(b.cfg.DeltaPath, rows, order); err != nil {
		b.failAllAndAck(ctx, batch, collected, deferred, "failed to write delta file: "+err.Error())
		return
	}

	if err := b.writeMasterAtomic(merged); err != nil {
		b.failAllAndAck(ctx, batch, collected, deferred, "failed to write master inventory: "+err.Error())
		return
	}

	importOut, err := runImport(ctx, b.cfg.ImportBin, b.cfg.ImportArgs...)
	if err != nil {
		b.failAllAndAck(ctx, batch, collected, deferred, "import-devices failed: "+stdoutExcerpt(importOut))
		return
	}

	for _, job := range remaining {
		verify := verifyJob(ctx, b.cfg.Verify, job)
		result := map[string]any{
			"verify":     verify,
			"mergeStats": stats,
			"stdout":     stdoutExcerpt(importOut),
		}
		if verify.success(job.Options.Action) {
			job.MarkCompleted(result)
		} else {
			job.MarkFailedWithResult("verification failed", result)
		}
	}

	outcome = "completed"
	b.finalizeStatuses(ctx, batch)
	b.ackAll(ctx, collected)
	b.handleDeferred(ctx, deferred)
}

// applyAndMerge reads the on-disk delta, applies every non-failed job's
// action to it with a fresh batch-scoped deleted_hosts set, and merges
// the result against the master inventory. The delta file on disk is
// not modified.
func (b *Batcher) applyAndMerge(batch []*BatchJob) (rows map[string]Row, order []string, merged [][]string, stats MergeStats, err error) {
	rows, order, err = readDelta(b.cfg.DeltaPath)
	if err != nil {
		return nil, nil, nil, stats, fmt.Errorf("failed to read delta file: %w", err)
	}

	deletedHosts := make(map[string]struct{})
	for _, job := range batch {
		if job.Failed() {
			continue
		}
		if err := applyJob(rows, &order, deletedHosts, job); err != nil {
			job.MarkFailed(err.Error())
		}
	}

	merged, stats, err = mergeMaster(b.cfg.MasterPath, rows, order, deletedHosts)
	if err != nil {
		return nil, nil, nil, stats, fmt.Errorf("failed to merge master inventory: %w", err)
	}
	return rows, order, merged, stats, nil
}

func (b *Batcher) writeMasterAtomic(rows [][]string) error {
	tmpPath := b.cfg.MasterPath + ".tmp"
	bakPath := b.cfg.MasterPath + ".bak"

	if err := os.WriteFile(tmpPath, []byte(writeMaster(rows)), 0o644); err != nil {
		return err
	}
	if existing, err := os.ReadFile(b.cfg.MasterPath); err == nil {
		os.WriteFile(bakPath, existing, 0o644)
	}
	return os.Rename(tmpPath, b.cfg.MasterPath)
}

func remainingJobs(batch []*BatchJob) []*BatchJob {
	out := make([]*BatchJob, 0, len(batch))
	for _, j := range batch {
		if !j.Terminal() {
			out = append(out, j)
		}
	}
	return out
}

// violatesRenameSafety rejects a batch where a rename's old hostname is
// later recreated in the same batch: the rename strips the old hostname
// from master on merge, which is only safe when nothing re-adds it.
func violatesRenameSafety(batch []*BatchJob) (reason string, violated bool) {
	renamedAway := make(map[string]int)
	for i, job := range batch {
		if job.Options.Action == jobs.ActionUpdate && job.Options.OldHostname != nil && *job.Options.OldHostname != "" {
			old := strings.ToLower(*job.Options.OldHostname)
			if !strings.EqualFold(old, job.Options.Hostname) {
				renamedAway[old] = i
			}
		}
	}
	for i, job := range batch {
		host := strings.ToLower(job.Options.Hostname)
		if idx, ok := renamedAway[host]; ok && i > idx && job.Options.Action != jobs.ActionDelete {
			return fmt.Sprintf("batch rejected: hostname %s recreated after being renamed away earlier in the same batch", job.Options.Hostname), true
		}
	}
	return "", false
}

func (b *Batcher) failAndAck(ctx context.Context, msgID, operationID, reason string) {
	if b.ops != nil && operationID != "" {
		b.ops.UpdateStatus(ctx, operationID, jobs.StatusFailed, map[string]any{"error": reason})
	}
	b.stream.Ack(ctx, msgID)
}

func (b *Batcher) failAllAndAck(ctx context.Context, batch []*BatchJob, collected []string, deferred []StreamMessage, reason string) {
	for _, j := range remainingJobs(batch) {
		j.MarkFailed(reason)
	}
	b.finalizeStatuses(ctx, batch)
	b.ackAll(ctx, collected)
	b.handleDeferred(ctx, deferred)
}

func (b *Batcher) reportStatuses(ctx context.Context, batch []*BatchJob) {
	for _, j := range batch {
		status, reason, result := j.Snapshot()
		payload := result
		if reason != "" {
			if payload == nil {
				payload = map[string]any{}
			}
			payload["error"] = reason
		}
		b.ops.UpdateStatus(ctx, j.OperationID, status, payload)
	}
}

func (b *Batcher) finalizeStatuses(ctx context.Context, batch []*BatchJob) {
	b.reportStatuses(ctx, batch)
}

func (b *Batcher) ackAll(ctx context.Context, ids []string) {
	for _, id := range ids {
		b.stream.Ack(ctx, id)
	}
}

// handleDeferred leaves macct_repair and other-school provision_host
// messages pending so the main loop's claim-stuck cycle picks them back
// up; anything of an unknown type is ACKed and logged.
func (b *Batcher) handleDeferred(ctx context.Context, deferred []StreamMessage) {
	for _, msg := range deferred {
		switch msg.Job.Type {
		case jobs.TypeMacctRepair, jobs.TypeProvisionHost:
			continue
		default:
			b.logWarn("acking deferred message of unknown type", fmt.Errorf("type=%s", msg.Job.Type))
			b.stream.Ack(ctx, msg.ID)
		}
	}
}

func (b *Batcher) logWarn(msg string, err error) {
	if b.logger == nil {
		return
	}
	b.logger.Warn(msg, "err", err)
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
