package protocol

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// SendFds writes a zero-length message on conn carrying fds as an
// SCM_RIGHTS ancillary message — the file-descriptor-passing mechanism
// spec §4.3 calls for when the client hands stdin/out/err fds to the
// daemon for a launch.
func SendFds(conn *net.UnixConn, fds []int) error {
	rights := unix.UnixRights(fds...)

	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}

	var sendErr error

	ctrlErr := raw.Control(func(fd uintptr) {
		sendErr = unix.Sendmsg(int(fd), nil, rights, nil, 0)
	})
	if ctrlErr != nil {
		return ctrlErr
	}

	return sendErr
}

// RecvFds reads one SCM_RIGHTS ancillary message off conn, returning the
// passed file descriptors in order.
func RecvFds(conn *net.UnixConn, maxFds int) ([]int, error) {
	oob := make([]byte, unix.CmsgSpace(maxFds*4))

	raw, err := conn.SyscallConn()
	if err != nil {
		return nil, err
	}

	var (
		oobN    int
		recvErr error
	)

	ctrlErr := raw.Control(func(fd uintptr) {
		buf := make([]byte, 1)
		oobN, _, _, _, recvErr = unix.Recvmsg(int(fd), buf, oob, 0)
	})
	if ctrlErr != nil {
		return nil, ctrlErr
	}

	if recvErr != nil {
		return nil, recvErr
	}

	msgs, err := unix.ParseSocketControlMessage(oob[:oobN])
	if err != nil {
		return nil, err
	}

	var fds []int

	for _, msg := range msgs {
		parsed, err := unix.ParseUnixRights(&msg)
		if err != nil {
			continue
		}

		fds = append(fds, parsed...)
	}

	if len(fds) == 0 {
		return nil, fmt.Errorf("protocol: no fds received in ancillary message")
	}

	return fds, nil
}
