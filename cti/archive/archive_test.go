package archive_test

import (
	"archive/tar"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/common-tools-interface/cti-sub004/cti/archive"
)

func TestPackWritesDirsAndFiles(t *testing.T) {
	dir := t.TempDir()

	src := filepath.Join(dir, "tool")
	require.NoError(t, os.WriteFile(src, []byte("#!/bin/sh\necho hi\n"), 0o755))

	outPath := filepath.Join(dir, "out.tar")
	require.NoError(t, archive.Pack(outPath, []archive.Entry{
		{Folder: "bin", Realname: "tool", SourcePath: src},
	}))

	f, err := os.Open(outPath)
	require.NoError(t, err)
	defer f.Close()

	tr := tar.NewReader(f)

	var names []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, hdr.Name)
	}

	require.Contains(t, names, "bin/")
	require.Contains(t, names, "lib/")
	require.Contains(t, names, "tmp/")
	require.Contains(t, names, "bin/tool")
}

func TestPackRejectsNonRegularFile(t *testing.T) {
	dir := t.TempDir()
	outPath := filepath.Join(dir, "out.tar")

	link := filepath.Join(dir, "link")
	require.NoError(t, os.Symlink(filepath.Join(dir, "missing"), link))

	err := archive.Pack(outPath, []archive.Entry{
		{Folder: "lib", Realname: "link", SourcePath: link},
	})
	require.Error(t, err)

	_, statErr := os.Stat(outPath)
	require.True(t, os.IsNotExist(statErr), "partial archive must be unlinked on failure")
}
