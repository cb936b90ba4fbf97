package sidecar

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/common-tools-interface/cti-sub004/cti/app"
)

func TestLayoutRoundTrip(t *testing.T) {
	layout := &app.StepLayout{
		NumPEs: 3,
		Nodes: []app.NodeLayout{
			{Hostname: "nid001", LocalPIDs: []int{100, 102}, FirstPE: 0},
			{Hostname: "nid002", LocalPIDs: []int{101}, FirstPE: 1},
		},
	}

	path := filepath.Join(t.TempDir(), "layout")
	require.NoError(t, WriteLayout(path, layout))

	records, err := ReadLayout(path)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, NodeRecord{Hostname: "nid001", PEsHere: 2, FirstPE: 0}, records[0])
	require.Equal(t, NodeRecord{Hostname: "nid002", PEsHere: 1, FirstPE: 1}, records[1])
}

func TestPIDRoundTrip(t *testing.T) {
	pt := app.ProcTable{
		{PID: 100, Hostname: "nid001", Executable: "/bin/a"},
		{PID: 101, Hostname: "nid002", Executable: "/bin/a"},
	}

	path := filepath.Join(t.TempDir(), "pid")
	require.NoError(t, WritePID(path, pt))

	pids, err := ReadPID(path)
	require.NoError(t, err)
	require.Equal(t, []int{100, 101}, pids)
}

func TestReadLayoutRejectsTruncatedBody(t *testing.T) {
	path := filepath.Join(t.TempDir(), "layout")
	require.NoError(t, WriteLayout(path, &app.StepLayout{Nodes: []app.NodeLayout{{Hostname: "nid001"}}}))

	truncated := path + ".bad"
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(truncated, data[:10], 0o644))

	_, err = ReadLayout(truncated)
	require.Error(t, err)
}
