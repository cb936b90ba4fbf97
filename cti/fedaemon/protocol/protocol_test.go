package protocol_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/common-tools-interface/cti-sub004/cti/fedaemon/protocol"
)

func TestForkExecvpAppRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	req := &protocol.ForkExecvpAppReq{Path: "/bin/true", Argv: []string{"/bin/true", "-x"}, Env: []string{"A=1", "B=2"}}
	require.NoError(t, req.Encode(&buf))

	r := protocol.NewReader(&buf)
	tag, err := protocol.ReadTag(r)
	require.NoError(t, err)
	require.Equal(t, uint32(protocol.ReqForkExecvpApp), tag)

	got, err := protocol.DecodeForkExecvpAppBody(r)
	require.NoError(t, err)
	require.Equal(t, req, got)
}

func TestMPIRRespRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	resp := &protocol.MPIRResp{
		MPIRID:      7,
		LauncherPID: 1234,
		JobID:       "98765",
		StepID:      "0",
		Proctable: []protocol.ProcTableRecord{
			{PID: 100, Hostname: "nid001", Executable: "/bin/a"},
			{PID: 101, Hostname: "nid002", Executable: "/bin/a"},
		},
	}
	require.NoError(t, resp.Encode(&buf))

	r := protocol.NewReader(&buf)
	tag, err := protocol.ReadTag(r)
	require.NoError(t, err)
	require.Equal(t, uint32(protocol.RespMPIR), tag)

	got, err := protocol.DecodeMPIRRespBody(r)
	require.NoError(t, err)
	require.Equal(t, resp, got)
}

func TestAppIDRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	req := protocol.NewDeregisterAppReq(42)
	require.NoError(t, req.Encode(&buf))

	r := protocol.NewReader(&buf)
	tag, err := protocol.ReadTag(r)
	require.NoError(t, err)
	require.Equal(t, uint32(protocol.ReqDeregisterApp), tag)

	id, err := protocol.DecodeAppIDBody(r)
	require.NoError(t, err)
	require.Equal(t, uint64(42), id)
}

func TestShutdownHasNoPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, protocol.EncodeShutdown(&buf))
	require.Equal(t, 4, buf.Len())
}
