package jobstream

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/linuxmuster-net/dc-authority/internal/jobs"
)

func TestEncodeDecodeJobRoundTrip(t *testing.T) {
	j := jobs.Job{
		Type:        jobs.TypeProvisionHost,
		OperationID: "op-123",
		Attempt:     2,
		Host:        "pc001",
		School:      "default-school",
	}
	values := encodeJob(j)
	decoded, err := decodeJob(values)
	require.NoError(t, err)
	require.Equal(t, j, decoded)
}

func TestDecodeJobMissingType(t *testing.T) {
	_, err := decodeJob(map[string]interface{}{"operation_id": "x"})
	require.Error(t, err)
}

func TestIsBusyGroup(t *testing.T) {
	require.True(t, isBusyGroup(errBusyGroup{}))
	require.False(t, isBusyGroup(nil))
}

type errBusyGroup struct{}

func (errBusyGroup) Error() string { return "BUSYGROUP Consumer Group name already exists" }
