package provision

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/linuxmuster-net/dc-authority/internal/jobs"
)

func TestCheckConflictsDuplicateMAC(t *testing.T) {
	merged := [][]string{
		{"0", "pc001", "nopxe", "AA:BB:CC:DD:EE:FF", "DHCP"},
	}
	job := &BatchJob{Options: jobs.ProvisionOptions{
		Action:   jobs.ActionCreate,
		Hostname: "pc002",
		MAC:      "aa:bb:cc:dd:ee:ff",
	}}
	checkConflicts(merged, []*BatchJob{job})

	require.True(t, job.Failed())
	_, reason, _ := job.Snapshot()
	require.Contains(t, reason, "Duplicate MAC")
}

func TestCheckConflictsDuplicateIP(t *testing.T) {
	merged := [][]string{
		{"0", "pc001", "nopxe", "AA:BB:CC:DD:EE:01", "10.0.0.5"},
	}
	ip := "10.0.0.5"
	job := &BatchJob{Options: jobs.ProvisionOptions{
		Action:   jobs.ActionCreate,
		Hostname: "pc002",
		MAC:      "aa:bb:cc:dd:ee:02",
		IP:       &ip,
	}}
	checkConflicts(merged, []*BatchJob{job})

	require.True(t, job.Failed())
}

func TestCheckConflictsFirstWriterWins(t *testing.T) {
	// Two batch jobs collide on the same MAC: the earlier row owns it,
	// only the later job fails.
	merged := [][]string{
		{"0", "pc001", "win10", "AA:BB:CC:DD:EE:FF", "DHCP"},
		{"0", "pc003", "win10", "AA:BB:CC:DD:EE:FF", "DHCP"},
	}
	first := &BatchJob{Options: jobs.ProvisionOptions{
		Action: jobs.ActionCreate, Hostname: "pc001", MAC: "AA:BB:CC:DD:EE:FF",
	}}
	second := &BatchJob{Options: jobs.ProvisionOptions{
		Action: jobs.ActionCreate, Hostname: "pc003", MAC: "AA:BB:CC:DD:EE:FF",
	}}
	checkConflicts(merged, []*BatchJob{first, second})

	require.False(t, first.Failed())
	require.True(t, second.Failed())
}

func TestCheckConflictsSameHostnameNotAConflict(t *testing.T) {
	merged := [][]string{
		{"0", "pc001", "nopxe", "AA:BB:CC:DD:EE:FF", "DHCP"},
	}
	job := &BatchJob{Options: jobs.ProvisionOptions{
		Action:   jobs.ActionUpdate,
		Hostname: "pc001",
		MAC:      "aa:bb:cc:dd:ee:ff",
	}}
	checkConflicts(merged, []*BatchJob{job})

	require.False(t, job.Failed())
}

func TestCheckConflictsSkipsDeleteJobs(t *testing.T) {
	merged := [][]string{
		{"0", "pc001", "nopxe", "AA:BB:CC:DD:EE:FF", "DHCP"},
	}
	job := &BatchJob{Options: jobs.ProvisionOptions{
		Action:   jobs.ActionDelete,
		Hostname: "pc002",
		MAC:      "aa:bb:cc:dd:ee:ff",
	}}
	checkConflicts(merged, []*BatchJob{job})

	require.False(t, job.Failed())
}
