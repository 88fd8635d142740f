//go:build unix

package imp

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// sendFD ships fd across conn as SCM_RIGHTS ancillary data, along with a
// single placeholder byte (required by some platforms' sendmsg to carry
// OOB data at all).
func sendFD(conn net.Conn, fd int) error {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return fmt.Errorf("imp: fd passing requires a unix socket connection")
	}
	rc, err := uc.SyscallConn()
	if err != nil {
		return err
	}
	rights := unix.UnixRights(fd)
	var sendErr error
	ctrlErr := rc.Control(func(fdesc uintptr) {
		sendErr = unix.Sendmsg(int(fdesc), []byte{0}, rights, nil, 0)
	})
	if ctrlErr != nil {
		return ctrlErr
	}
	return sendErr
}

// recvFD reads one ancillary-data message off conn and extracts the
// first file descriptor, if any. Returns fd=-1 with a nil error if the
// peer sent no descriptor (e.g. an error response carries none).
func recvFD(conn net.Conn) (int, error) {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return -1, fmt.Errorf("imp: fd passing requires a unix socket connection")
	}
	rc, err := uc.SyscallConn()
	if err != nil {
		return -1, err
	}

	oob := make([]byte, unix.CmsgSpace(4))
	buf := make([]byte, 1)
	var n, oobn int
	var recvErr error
	ctrlErr := rc.Read(func(fdesc uintptr) bool {
		n, oobn, _, _, recvErr = unix.Recvmsg(int(fdesc), buf, oob, 0)
		return true
	})
	if ctrlErr != nil {
		return -1, ctrlErr
	}
	if recvErr != nil {
		return -1, recvErr
	}
	if n == 0 && oobn == 0 {
		return -1, fmt.Errorf("imp: peer closed without sending a message")
	}

	scms, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return -1, err
	}
	for _, scm := range scms {
		fds, err := unix.ParseUnixRights(&scm)
		if err != nil {
			continue
		}
		if len(fds) > 0 {
			return fds[0], nil
		}
	}
	return -1, nil
}
