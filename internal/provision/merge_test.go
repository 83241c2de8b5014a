package provision

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMergeMasterPatchesAppendsOmits(t *testing.T) {
	masterPath := filepath.Join(t.TempDir(), "master.csv")
	master := strings.Join([]string{
		"0;pc001;nopxe;AA:BB:CC:DD:EE:01;DHCP;schoolA;extra",
		"0;pc002;nopxe;AA:BB:CC:DD:EE:02;DHCP;schoolA;extra",
	}, "\n") + "\n"
	require.NoError(t, os.WriteFile(masterPath, []byte(master), 0o644))

	deltaRows := map[string]Row{
		"pc001": {"0", "pc001", "win10", "AA:BB:CC:DD:EE:FF", "DHCP"},
		"pc003": {"0", "pc003", "win10", "AA:BB:CC:DD:EE:03", "DHCP"},
	}
	deleted := map[string]struct{}{"pc002": {}}

	merged, stats, err := mergeMaster(masterPath, deltaRows, []string{"pc001", "pc003"}, deleted)
	require.NoError(t, err)
	require.Equal(t, 2, stats.MasterRows)
	require.Equal(t, 1, stats.Patched)
	require.Equal(t, 1, stats.Omitted)
	require.Equal(t, 1, stats.Appended)
	require.Equal(t, 2, stats.TotalRows)

	var hosts []string
	for _, row := range merged {
		hosts = append(hosts, row[1])
	}
	require.Equal(t, []string{"pc001", "pc003"}, hosts)
	require.Equal(t, "AA:BB:CC:DD:EE:FF", merged[0][3])
	require.Equal(t, "schoolA", merged[0][5])
}

func TestMergeMasterAppendsInDeltaOrder(t *testing.T) {
	masterPath := filepath.Join(t.TempDir(), "empty.csv")
	require.NoError(t, os.WriteFile(masterPath, nil, 0o644))

	deltaRows := map[string]Row{
		"zebra": {"0", "zebra", "win10", "AA:BB:CC:DD:EE:01", "DHCP"},
		"alpha": {"0", "alpha", "win10", "AA:BB:CC:DD:EE:02", "DHCP"},
	}

	merged, _, err := mergeMaster(masterPath, deltaRows, []string{"zebra", "alpha"}, nil)
	require.NoError(t, err)
	require.Len(t, merged, 2)
	require.Equal(t, "zebra", merged[0][1])
	require.Equal(t, "alpha", merged[1][1])
}

func TestMergeMasterMissingFileYieldsDeltaOnly(t *testing.T) {
	masterPath := filepath.Join(t.TempDir(), "missing.csv")
	deltaRows := map[string]Row{"pc001": {"0", "pc001", "nopxe", "AA:BB:CC:DD:EE:FF", "DHCP"}}

	merged, stats, err := mergeMaster(masterPath, deltaRows, []string{"pc001"}, nil)
	require.NoError(t, err)
	require.Equal(t, 0, stats.MasterRows)
	require.Equal(t, 1, stats.Appended)
	require.Len(t, merged, 1)
}
