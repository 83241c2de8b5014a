package images

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeImageFixture(t *testing.T, root string) {
	t.Helper()
	dir := filepath.Join(root, "win10")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "win10.qcow2"), []byte("0123456789"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "win10.sha256"), []byte("deadbeef  win10.qcow2\n"), 0o644))
}

func TestManifest(t *testing.T) {
	root := t.TempDir()
	writeImageFixture(t, root)

	s := New(root)
	manifest, err := s.Manifest()
	require.NoError(t, err)
	require.Len(t, manifest, 1)
	require.Equal(t, "win10", manifest[0].Name)
	require.Equal(t, "win10.qcow2", manifest[0].Filename)
	require.Equal(t, "deadbeef", manifest[0].Checksum)
	require.EqualValues(t, 10, manifest[0].ImageSize)
}

func TestResolvePathRejectsEscape(t *testing.T) {
	root := t.TempDir()
	writeImageFixture(t, root)
	s := New(root)

	_, ok := s.ResolvePath("win10", "win10.qcow2")
	require.True(t, ok)

	_, ok = s.ResolvePath("../etc", "passwd")
	require.False(t, ok)

	_, ok = s.ResolvePath("win10", "../../../../etc/passwd")
	require.False(t, ok)

	_, ok = s.ResolvePath("win10", "missing.qcow2")
	require.False(t, ok)
}
