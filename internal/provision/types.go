package provision

import (
	"sync"

	"github.com/linuxmuster-net/dc-authority/internal/jobs"
)

// BatchJob tracks one message (trigger or drained) through a single
// batch's state machine, including the outcome the worker will report
// back to the operations API before ACKing.
type BatchJob struct {
	MessageID   string
	OperationID string
	Attempt     int
	School      string
	Options     jobs.ProvisionOptions

	mu     sync.Mutex
	status jobs.Status
	reason string
	result map[string]any
}

// MarkFailed records a terminal failure with a human-readable reason.
// Once failed, a job is excluded from remaining batch steps.
func (j *BatchJob) MarkFailed(reason string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.status = jobs.StatusFailed
	j.reason = reason
}

// MarkCompleted records a terminal success with a structured result.
func (j *BatchJob) MarkCompleted(result map[string]any) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.status = jobs.StatusCompleted
	j.result = result
}

// MarkFailedWithResult records a terminal failure alongside a structured
// result payload (used when verification fails but still produced probe
// details worth reporting).
func (j *BatchJob) MarkFailedWithResult(reason string, result map[string]any) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.status = jobs.StatusFailed
	j.reason = reason
	j.result = result
}

// MarkRunning transitions the job to the running state (step 5).
func (j *BatchJob) MarkRunning() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.status = jobs.StatusRunning
}

// Failed reports whether this job has already terminated as failed.
func (j *BatchJob) Failed() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status == jobs.StatusFailed
}

// Completed reports whether this job has already terminated as completed.
func (j *BatchJob) Completed() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status == jobs.StatusCompleted
}

// Terminal reports whether the job has reached a terminal state.
func (j *BatchJob) Terminal() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status == jobs.StatusFailed || j.status == jobs.StatusCompleted
}

// Snapshot returns the job's current status, reason, and result for
// reporting to the operations API.
func (j *BatchJob) Snapshot() (status jobs.Status, reason string, result map[string]any) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status, j.reason, j.result
}
