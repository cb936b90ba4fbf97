// Package client is the library-side half of the FE-daemon protocol (spec
// §4.3/§4.4, C4): it forks the FE daemon binary over a freshly created
// socket pair and exposes one function per request type, translating any
// I/O failure on the socket into ctierr.DaemonLost (spec's "any I/O error
// on this socket is fatal to both the daemon and the client").
package client

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"os/exec"

	"golang.org/x/sys/unix"

	"github.com/common-tools-interface/cti-sub004/cti/ctierr"
	"github.com/common-tools-interface/cti-sub004/cti/fedaemon/protocol"
)

// Client is a live connection to one FE daemon process.
type Client struct {
	conn *net.UnixConn
	r    *bufio.Reader
	cmd  *exec.Cmd
}

// Start forks daemonPath as the FE daemon, connecting a freshly created
// AF_UNIX socket pair across the fork boundary (spec §4.3: "a single
// bidirectional socket pair established at startup"). extraArgs are passed
// through to the daemon binary unchanged (e.g. --registry-path).
func Start(daemonPath string, extraArgs ...string) (*Client, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, ctierr.Wrap(ctierr.DaemonLost, err, "creating FE daemon socket pair")
	}

	parentFile := os.NewFile(uintptr(fds[0]), "cti-fe-daemon-parent")
	childFile := os.NewFile(uintptr(fds[1]), "cti-fe-daemon-child")
	defer childFile.Close()

	parentConn, err := net.FileConn(parentFile)
	if err != nil {
		return nil, ctierr.Wrap(ctierr.DaemonLost, err, "wrapping FE daemon socket")
	}

	unixConn, ok := parentConn.(*net.UnixConn)
	if !ok {
		return nil, ctierr.New(ctierr.DaemonLost, "unexpected connection type for FE daemon socket")
	}

	cmd := exec.Command(daemonPath, extraArgs...)
	cmd.ExtraFiles = []*os.File{childFile}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		_ = unixConn.Close()
		return nil, ctierr.Wrap(ctierr.SpawnFailed, err, "starting FE daemon %s", daemonPath)
	}

	return &Client{conn: unixConn, r: protocol.NewReader(unixConn), cmd: cmd}, nil
}

// Close sends Shutdown and waits for the daemon to exit.
func (c *Client) Close() error {
	if err := protocol.EncodeShutdown(c.conn); err != nil {
		_ = c.conn.Close()
		return c.cmd.Wait()
	}

	_, _ = protocol.ReadTag(c.r)
	_ = c.conn.Close()

	return c.cmd.Wait()
}

func (c *Client) lost(err error) error {
	return ctierr.Wrap(ctierr.DaemonLost, err, "FE daemon socket")
}

func (c *Client) readOK() error {
	tag, err := protocol.ReadTag(c.r)
	if err != nil {
		return c.lost(err)
	}

	return c.checkTag(tag, protocol.RespOK)
}

func (c *Client) checkTag(got uint32, want protocol.RespType) error {
	if got == uint32(protocol.RespError) {
		resp, err := protocol.DecodeErrorRespBody(c.r)
		if err != nil {
			return c.lost(err)
		}

		return ctierr.New(ctierr.DaemonProtocolError, "%s", resp.Message)
	}

	if got != uint32(want) {
		return ctierr.New(ctierr.DaemonProtocolError, "unexpected response tag %d, wanted %d", got, want)
	}

	return nil
}

func (c *Client) readPID() (int32, error) {
	tag, err := protocol.ReadTag(c.r)
	if err != nil {
		return 0, c.lost(err)
	}

	if err := c.checkTag(tag, protocol.RespPID); err != nil {
		return 0, err
	}

	resp, err := protocol.DecodePIDRespBody(c.r)
	if err != nil {
		return 0, c.lost(err)
	}

	return resp.PID, nil
}

func (c *Client) readBool() (bool, error) {
	tag, err := protocol.ReadTag(c.r)
	if err != nil {
		return false, c.lost(err)
	}

	if err := c.checkTag(tag, protocol.RespBool); err != nil {
		return false, err
	}

	resp, err := protocol.DecodeBoolRespBody(c.r)
	if err != nil {
		return false, c.lost(err)
	}

	return resp.Value, nil
}

func (c *Client) readMPIR() (*protocol.MPIRResp, error) {
	tag, err := protocol.ReadTag(c.r)
	if err != nil {
		return nil, c.lost(err)
	}

	if err := c.checkTag(tag, protocol.RespMPIR); err != nil {
		return nil, err
	}

	resp, err := protocol.DecodeMPIRRespBody(c.r)
	if err != nil {
		return nil, c.lost(err)
	}

	return resp, nil
}

// ForkExecvpApp asks the daemon to fork+exec path/argv/env, handing it
// stdin/stdout/stderr as an SCM_RIGHTS ancillary message, and returns the
// child's pid.
func (c *Client) ForkExecvpApp(path string, argv, env []string, stdio [3]int) (int32, error) {
	req := &protocol.ForkExecvpAppReq{Path: path, Argv: argv, Env: env}
	if err := req.Encode(c.conn); err != nil {
		return 0, c.lost(err)
	}

	if err := protocol.SendFds(c.conn, stdio[:]); err != nil {
		return 0, c.lost(fmt.Errorf("sending stdio fds: %w", err))
	}

	return c.readPID()
}

// ForkExecvpUtil asks the daemon to fork+exec a tool helper owned by
// ownerAppID, optionally waiting for it to exit before replying.
func (c *Client) ForkExecvpUtil(ownerAppID uint64, sync bool, path string, argv, env []string) (int32, error) {
	req := &protocol.ForkExecvpUtilReq{OwnerAppID: ownerAppID, Sync: sync, Path: path, Argv: argv, Env: env}
	if err := req.Encode(c.conn); err != nil {
		return 0, c.lost(err)
	}

	return c.readPID()
}

// LaunchMPIR asks the daemon to fork path/argv/env under MPIR control and
// run it to the startup barrier.
func (c *Client) LaunchMPIR(path string, argv, env []string) (*protocol.MPIRResp, error) {
	req := &protocol.LaunchMPIRReq{Path: path, Argv: argv, Env: env}
	if err := req.Encode(c.conn); err != nil {
		return nil, c.lost(err)
	}

	return c.readMPIR()
}

// AttachMPIR asks the daemon to attach to an already-running launcher pid
// and run it to the startup barrier via the attach-flavor MPIR handshake.
func (c *Client) AttachMPIR(pid int32) (*protocol.MPIRResp, error) {
	req := &protocol.AttachMPIRReq{PID: pid}
	if err := req.Encode(c.conn); err != nil {
		return nil, c.lost(err)
	}

	return c.readMPIR()
}

// ReleaseMPIR resumes the held MPIR session; monotonic (a second call fails).
func (c *Client) ReleaseMPIR(mpirID uint64) error {
	req := &protocol.ReleaseMPIRReq{MPIRID: mpirID}
	if err := req.Encode(c.conn); err != nil {
		return c.lost(err)
	}

	return c.readOK()
}

// RegisterApp begins lifetime tracking of an externally-launched pid.
func (c *Client) RegisterApp(pid int32) error {
	req := &protocol.RegisterAppReq{PID: pid}
	if err := req.Encode(c.conn); err != nil {
		return c.lost(err)
	}

	return c.readOK()
}

// RegisterUtil attaches utilPID to ownerAppID's lifetime.
func (c *Client) RegisterUtil(ownerAppID uint64, utilPID int32) error {
	req := &protocol.RegisterUtilReq{OwnerAppID: ownerAppID, UtilPID: utilPID}
	if err := req.Encode(c.conn); err != nil {
		return c.lost(err)
	}

	return c.readOK()
}

// DeregisterApp stops tracking appID, killing any still-running utils and
// releasing any held MPIR session.
func (c *Client) DeregisterApp(appID uint64) error {
	req := protocol.NewDeregisterAppReq(appID)
	if err := req.Encode(c.conn); err != nil {
		return c.lost(err)
	}

	return c.readOK()
}

// CheckApp reports whether appID's process is still alive.
func (c *Client) CheckApp(appID uint64) (bool, error) {
	req := protocol.NewCheckAppReq(appID)
	if err := req.Encode(c.conn); err != nil {
		return false, c.lost(err)
	}

	return c.readBool()
}
