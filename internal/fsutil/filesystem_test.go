package fsutil

import (
	"io/fs"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func exercise(t *testing.T, fsys FileSystem, root string) {
	t.Helper()

	dir := filepath.Join(root, "scan")
	require.NoError(t, fsys.MkdirAll(dir, 0o755))
	require.True(t, fsys.Exists(dir))

	for _, name := range []string{"proj_0002.raw", "proj_0000.raw", "proj_0001.raw", "notes.txt"} {
		require.NoError(t, fsys.WriteFile(filepath.Join(dir, name), []byte(name), 0o644))
	}

	data, err := fsys.ReadFile(filepath.Join(dir, "proj_0001.raw"))
	require.NoError(t, err)
	require.Equal(t, "proj_0001.raw", string(data))

	matches, err := fsys.Glob(filepath.Join(dir, "proj_*.raw"))
	require.NoError(t, err)
	require.Equal(t, []string{
		filepath.Join(dir, "proj_0000.raw"),
		filepath.Join(dir, "proj_0001.raw"),
		filepath.Join(dir, "proj_0002.raw"),
	}, matches)

	_, err = fsys.ReadFile(filepath.Join(dir, "missing.raw"))
	require.ErrorIs(t, err, fs.ErrNotExist)
	require.False(t, fsys.Exists(filepath.Join(dir, "missing.raw")))
}

func TestOSFileSystem(t *testing.T) {
	exercise(t, OSFileSystem{}, t.TempDir())
}

func TestMemoryFileSystem(t *testing.T) {
	exercise(t, NewMemoryFileSystem(), "/data")
}
