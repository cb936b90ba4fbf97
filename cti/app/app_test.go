package app_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/common-tools-interface/cti-sub004/cti/app"
	"github.com/common-tools-interface/cti-sub004/cti/ctierr"
)

func TestComputeStepLayoutOrdersByFirstAppearance(t *testing.T) {
	pt := app.ProcTable{
		{PID: 100, Hostname: "nid001.cluster.example", Executable: "/bin/a"},
		{PID: 101, Hostname: "nid002.cluster.example", Executable: "/bin/a"},
		{PID: 102, Hostname: "nid001.cluster.example", Executable: "/bin/a"},
	}

	layout := app.ComputeStepLayout(pt)

	require.Equal(t, 3, layout.NumPEs)
	require.Len(t, layout.Nodes, 2)
	require.Equal(t, "nid001", layout.Nodes[0].Hostname)
	require.Equal(t, 0, layout.Nodes[0].FirstPE)
	require.Equal(t, []int{100, 102}, layout.Nodes[0].LocalPIDs)
	require.Equal(t, "nid002", layout.Nodes[1].Hostname)
	require.Equal(t, 1, layout.Nodes[1].FirstPE)
}

func TestBarrierMonotonicity(t *testing.T) {
	a := app.NewApp(nil, app.WLMSlurm, app.JobID{Primary: "123"}, 42, nil, true)
	require.True(t, a.AtBarrier())

	require.NoError(t, a.MarkReleased())
	require.False(t, a.AtBarrier())

	err := a.MarkReleased()
	require.True(t, ctierr.Of(err, ctierr.BarrierAlreadyReleased))
}

func TestParseWLMKindRoundTrip(t *testing.T) {
	for _, k := range []app.WLMKind{app.WLMSlurm, app.WLMALPS, app.WLMPALS, app.WLMFlux, app.WLMSSH, app.WLMLocalhost} {
		parsed, err := app.ParseWLMKind(k.String())
		require.NoError(t, err)
		require.Equal(t, k, parsed)
	}

	_, err := app.ParseWLMKind("bogus")
	require.True(t, ctierr.Of(err, ctierr.WLMUnsupported))
}
