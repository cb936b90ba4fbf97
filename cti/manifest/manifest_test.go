package manifest_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/common-tools-interface/cti-sub004/cti/manifest"
)

type fakeRegistry map[manifest.Key]string

func (r fakeRegistry) Lookup(key manifest.Key) (string, bool) {
	p, ok := r[key]
	return p, ok
}

func TestAddFileRecordsUnderRootFolder(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	m := manifest.New(fakeRegistry{}, dir, "stage123", 0)
	require.NoError(t, m.AddFile(path))

	entries := m.Entries()
	require.Len(t, entries, 1)
	require.Equal(t, "", entries[0].Folder)
	require.Equal(t, "data.txt", entries[0].Realname)
}

func TestAddLibraryNameOverwriteCreatesOverrideFolder(t *testing.T) {
	dir := t.TempDir()
	libA := filepath.Join(dir, "a", "libfoo.so")
	libB := filepath.Join(dir, "b", "libfoo.so")
	require.NoError(t, os.MkdirAll(filepath.Dir(libA), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Dir(libB), 0o755))
	require.NoError(t, os.WriteFile(libA, []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(libB, []byte("b"), 0o644))

	registry := fakeRegistry{
		{Folder: "lib", Realname: "libfoo.so"}: libA,
	}

	t.Setenv("LD_LIBRARY_PATH", filepath.Dir(libB))
	t.Setenv("CRAY_LD_VAL_LIBRARY", "")

	m := manifest.New(registry, dir, "stage123", 2)

	require.NoError(t, m.AddLibrary("libfoo.so"))

	entry := m.Entries()[0]
	require.Equal(t, "lib.2", entry.Folder)
	require.Equal(t, "lib.2", m.LDLibraryFolder())
}

func TestManifestSealedRejectsFurtherAdds(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	m := manifest.New(fakeRegistry{}, dir, "stage123", 0)
	require.NoError(t, m.BeginShipping())
	m.Seal()

	err := m.AddFile(path)
	require.Error(t, err)
}

func TestLockFilePathEncodesStageAndInstance(t *testing.T) {
	m := manifest.New(fakeRegistry{}, "/tmp/tool", "stageXYZ", 3)
	require.Equal(t, "/tmp/tool/.lock_stageXYZ_3", m.LockFilePath())
}
