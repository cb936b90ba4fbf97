package client

import (
	"context"
	"net"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/common-tools-interface/cti-sub004/cti/fedaemon/protocol"
	"github.com/common-tools-interface/cti-sub004/cti/fedaemon/server"
	"github.com/common-tools-interface/cti-sub004/shared/logger"
)

// newLoopback wires a Client directly to an in-process Server over a real
// socket pair, skipping the fork/exec Start does — enough to exercise the
// wire protocol end to end without a separate daemon binary.
func newLoopback(t *testing.T) *Client {
	t.Helper()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)

	clientFile := os.NewFile(uintptr(fds[0]), "client")
	serverFile := os.NewFile(uintptr(fds[1]), "server")

	clientConn, err := net.FileConn(clientFile)
	require.NoError(t, err)
	serverConn, err := net.FileConn(serverFile)
	require.NoError(t, err)

	srv := server.New(serverConn.(*net.UnixConn), "", logger.New(nil))
	go func() { _ = srv.Serve(context.Background()) }()

	c := &Client{conn: clientConn.(*net.UnixConn), r: protocol.NewReader(clientConn)}
	t.Cleanup(func() { _ = c.conn.Close() })

	return c
}

func TestRegisterCheckDeregisterRoundTrip(t *testing.T) {
	c := newLoopback(t)

	require.NoError(t, c.RegisterApp(12345))

	alive, err := c.CheckApp(12345)
	require.NoError(t, err)
	require.False(t, alive, "pid 12345 is not actually running under this test")

	require.NoError(t, c.DeregisterApp(12345))

	alive, err = c.CheckApp(12345)
	require.NoError(t, err)
	require.False(t, alive)
}

func TestRegisterUtilUnknownOwnerFails(t *testing.T) {
	c := newLoopback(t)

	err := c.RegisterUtil(999, 1)
	require.Error(t, err)
}

func TestForkExecvpUtilSync(t *testing.T) {
	c := newLoopback(t)

	pid, err := c.ForkExecvpUtil(0, true, "/bin/true", []string{"/bin/true"}, nil)
	require.NoError(t, err)
	require.Greater(t, pid, int32(0))
}
