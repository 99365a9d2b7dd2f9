//go:build unix

package protocol

import (
	"errors"

	"golang.org/x/sys/unix"
)

func isWouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR)
}

func isTerminalErrno(err error) bool {
	for _, errno := range []unix.Errno{
		unix.EPIPE,
		unix.ECONNRESET,
		unix.ENODEV,
		unix.ENXIO,
		unix.EIO,
		unix.EBADF,
	} {
		if errors.Is(err, errno) {
			return true
		}
	}
	return false
}

// A connected UDP socket reports ICMP errors for earlier datagrams on the next
// call; the socket itself stays usable.
func isUnreachableErrno(err error) bool {
	return errors.Is(err, unix.ECONNREFUSED) || errors.Is(err, unix.ENETUNREACH) || errors.Is(err, unix.EHOSTUNREACH)
}
