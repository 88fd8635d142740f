//go:build !unix

package imp

import (
	"errors"
	"net"
)

// ErrUnsupportedPlatform is returned by sendFD/recvFD on platforms
// without SCM_RIGHTS-style descriptor passing (spec §4.9 notes Windows
// would need DuplicateHandle instead; not implemented here).
var ErrUnsupportedPlatform = errors.New("imp: file descriptor passing is not implemented on this platform")

func sendFD(conn net.Conn, fd int) error {
	return ErrUnsupportedPlatform
}

func recvFD(conn net.Conn) (int, error) {
	return -1, ErrUnsupportedPlatform
}
