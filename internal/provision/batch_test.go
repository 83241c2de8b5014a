package provision

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/linuxmuster-net/dc-authority/internal/jobs"
	"github.com/linuxmuster-net/dc-authority/internal/jobstream"
)

type fakeStream struct {
	mu      sync.Mutex
	drained []jobstream.Message
	acked   []string
}

func (f *fakeStream) ReadNonBlocking(ctx context.Context, count int) ([]jobstream.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.drained
	f.drained = nil
	return out, nil
}

func (f *fakeStream) Ack(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, id)
	return nil
}

type fakeOps struct {
	mu       sync.Mutex
	options  map[string]jobs.ProvisionOptions
	statuses map[string]jobs.Status
}

func newFakeOps() *fakeOps {
	return &fakeOps{options: make(map[string]jobs.ProvisionOptions), statuses: make(map[string]jobs.Status)}
}

func (f *fakeOps) FetchProvisionOptions(ctx context.Context, operationID string) (jobs.ProvisionOptions, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.options[operationID], nil
}

func (f *fakeOps) UpdateStatus(ctx context.Context, operationID string, status jobs.Status, result any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[operationID] = status
	return nil
}

func (f *fakeOps) statusOf(operationID string) jobs.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statuses[operationID]
}

// fakeImportBin returns a path to a tiny script standing in for
// linuxmuster-import-devices, so runImport has something real to exec.
func fakeImportBin(t *testing.T, exitCode int) string {
	t.Helper()
	if _, err := exec.LookPath("/bin/sh"); err != nil {
		t.Skip("no /bin/sh available")
	}
	path := filepath.Join(t.TempDir(), "fake-import.sh")
	script := "#!/bin/sh\necho import-ok\nexit " + strconv.Itoa(exitCode) + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

// fakeHostCmdBin stands in for the `host` binary, answering every lookup
// positively so verify probes resolve without the real DNS retry delay.
func fakeHostCmdBin(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-host.sh")
	script := "#!/bin/sh\necho \"$1 has address 10.0.0.9\"\necho \"domain name pointer $1.\"\nexit 0\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func newTestBatcher(t *testing.T, stream StreamClient, ops OpsClient) *Batcher {
	dir := t.TempDir()
	cfg := Config{
		LockPath:    filepath.Join(dir, "provision.lock"),
		DeltaPath:   filepath.Join(dir, "delta.csv"),
		MasterPath:  filepath.Join(dir, "master.csv"),
		ImportBin:   fakeImportBin(t, 0),
		DebounceSec: 0,
		BatchSize:   10,
		Verify: VerifyConfig{
			SambaToolBin: fakeImportBin(t, 0),
			HostCmdBin:   fakeHostCmdBin(t),
		},
	}
	return New(cfg, stream, ops, nil)
}

func TestBatcherCreateJobCompletesAndWritesMaster(t *testing.T) {
	ops := newFakeOps()
	ops.options["op-1"] = jobs.ProvisionOptions{
		Action:     jobs.ActionCreate,
		Hostname:   "pc001",
		MAC:        "aa:bb:cc:dd:ee:ff",
		ConfigName: "win10",
	}
	stream := &fakeStream{}
	b := newTestBatcher(t, stream, ops)

	b.Handle(context.Background(), jobstream.Message{
		ID:  "1-0",
		Job: jobs.Job{Type: jobs.TypeProvisionHost, OperationID: "op-1", School: "schoolA"},
	})

	require.Contains(t, stream.acked, "1-0")
	master, err := os.ReadFile(b.cfg.MasterPath)
	require.NoError(t, err)
	require.Contains(t, string(master), "pc001")
}

func TestBatcherInvalidHostnameFailsFast(t *testing.T) {
	ops := newFakeOps()
	ops.options["op-1"] = jobs.ProvisionOptions{
		Action:   jobs.ActionCreate,
		Hostname: "-bad",
		MAC:      "aa:bb:cc:dd:ee:ff",
	}
	stream := &fakeStream{}
	b := newTestBatcher(t, stream, ops)

	b.Handle(context.Background(), jobstream.Message{
		ID:  "1-0",
		Job: jobs.Job{Type: jobs.TypeProvisionHost, OperationID: "op-1", School: "schoolA"},
	})

	require.Equal(t, jobs.StatusFailed, ops.statusOf("op-1"))
	require.Contains(t, stream.acked, "1-0")
	_, err := os.Stat(b.cfg.MasterPath)
	require.True(t, os.IsNotExist(err))
}

func TestBatcherDryRunSkipsImportAndWrites(t *testing.T) {
	ops := newFakeOps()
	ops.options["op-1"] = jobs.ProvisionOptions{
		Action:     jobs.ActionCreate,
		Hostname:   "pc001",
		MAC:        "aa:bb:cc:dd:ee:ff",
		ConfigName: "win10",
		DryRun:     true,
	}
	stream := &fakeStream{}
	b := newTestBatcher(t, stream, ops)

	b.Handle(context.Background(), jobstream.Message{
		ID:  "1-0",
		Job: jobs.Job{Type: jobs.TypeProvisionHost, OperationID: "op-1", School: "schoolA"},
	})

	require.Equal(t, jobs.StatusCompleted, ops.statusOf("op-1"))
	_, err := os.Stat(b.cfg.MasterPath)
	require.True(t, os.IsNotExist(err), "dry run must not write the master file")
}

func TestBatcherRenameSafetyRejectsBatch(t *testing.T) {
	ops := newFakeOps()
	old := "old1"
	ops.options["op-1"] = jobs.ProvisionOptions{
		Action:      jobs.ActionUpdate,
		Hostname:    "new1",
		OldHostname: &old,
		MAC:         "aa:bb:cc:dd:ee:01",
	}
	ops.options["op-2"] = jobs.ProvisionOptions{
		Action:   jobs.ActionCreate,
		Hostname: "old1",
		MAC:      "aa:bb:cc:dd:ee:02",
	}
	stream := &fakeStream{drained: []jobstream.Message{
		{ID: "1-1", Job: jobs.Job{Type: jobs.TypeProvisionHost, OperationID: "op-2", School: "schoolA"}},
	}}
	b := newTestBatcher(t, stream, ops)

	b.Handle(context.Background(), jobstream.Message{
		ID:  "1-0",
		Job: jobs.Job{Type: jobs.TypeProvisionHost, OperationID: "op-1", School: "schoolA"},
	})

	require.Equal(t, jobs.StatusFailed, ops.statusOf("op-1"))
	require.Equal(t, jobs.StatusFailed, ops.statusOf("op-2"))
	require.Contains(t, stream.acked, "1-0")
	require.Contains(t, stream.acked, "1-1")
}

func TestBatcherConflictFailsOnlyTheDuplicate(t *testing.T) {
	ops := newFakeOps()
	ops.options["op-1"] = jobs.ProvisionOptions{Action: jobs.ActionCreate, Hostname: "h1", MAC: "aa:bb:cc:dd:ee:01"}
	ops.options["op-2"] = jobs.ProvisionOptions{Action: jobs.ActionCreate, Hostname: "h3", MAC: "AA:BB:CC:DD:EE:01"}
	stream := &fakeStream{drained: []jobstream.Message{
		{ID: "1-1", Job: jobs.Job{Type: jobs.TypeProvisionHost, OperationID: "op-2", School: "schoolA"}},
	}}
	b := newTestBatcher(t, stream, ops)

	b.Handle(context.Background(), jobstream.Message{
		ID:  "1-0",
		Job: jobs.Job{Type: jobs.TypeProvisionHost, OperationID: "op-1", School: "schoolA"},
	})

	require.Equal(t, jobs.StatusCompleted, ops.statusOf("op-1"))
	require.Equal(t, jobs.StatusFailed, ops.statusOf("op-2"))
	require.Contains(t, stream.acked, "1-0")
	require.Contains(t, stream.acked, "1-1")

	master, err := os.ReadFile(b.cfg.MasterPath)
	require.NoError(t, err)
	require.Contains(t, string(master), "h1")
	require.NotContains(t, string(master), "h3", "conflicting job's row must not reach the master file")
}

func TestBatcherDrainsSameSchoolDefersOthers(t *testing.T) {
	ops := newFakeOps()
	ops.options["op-1"] = jobs.ProvisionOptions{Action: jobs.ActionCreate, Hostname: "pc001", MAC: "aa:bb:cc:dd:ee:01"}
	ops.options["op-2"] = jobs.ProvisionOptions{Action: jobs.ActionCreate, Hostname: "pc002", MAC: "aa:bb:cc:dd:ee:02"}
	stream := &fakeStream{drained: []jobstream.Message{
		{ID: "1-1", Job: jobs.Job{Type: jobs.TypeProvisionHost, OperationID: "op-2", School: "schoolA"}},
		{ID: "1-2", Job: jobs.Job{Type: jobs.TypeMacctRepair, OperationID: "op-3", School: "schoolB"}},
	}}
	b := newTestBatcher(t, stream, ops)

	b.Handle(context.Background(), jobstream.Message{
		ID:  "1-0",
		Job: jobs.Job{Type: jobs.TypeProvisionHost, OperationID: "op-1", School: "schoolA"},
	})

	require.Contains(t, stream.acked, "1-0")
	require.Contains(t, stream.acked, "1-1")
	require.NotContains(t, stream.acked, "1-2", "macct_repair message must be left pending for the main loop")
	master, err := os.ReadFile(b.cfg.MasterPath)
	require.NoError(t, err)
	require.Contains(t, string(master), "pc001")
	require.Contains(t, string(master), "pc002")
}
