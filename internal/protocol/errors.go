// internal/protocol/errors.go
package protocol

import (
	"errors"
	"fmt"
	"net"
	"os"

	"go.bug.st/serial"

	"link-service/internal/model"
)

var (
	// ErrConstructionFailed matches every error returned by NewLinkComm
	ErrConstructionFailed = errors.New("link construction failed")
	// ErrInvalidConfig reports settings the medium cannot represent
	ErrInvalidConfig = errors.New("invalid link configuration")
	// ErrDeviceOpen reports a serial device that could not be opened
	ErrDeviceOpen = errors.New("serial device open failed")
	// ErrSocketSetup reports a UDP bind or connect rejected by the OS
	ErrSocketSetup = errors.New("udp socket bind/connect failed")
	// ErrNotInitialized is returned by a LinkComm that bypassed NewLinkComm
	ErrNotInitialized = errors.New("transport not initialized")
)

// ConstructionError carries the medium, the failure kind and the OS cause
type ConstructionError struct {
	Medium model.Medium
	Kind   error
	Err    error
}

func newConstructionError(medium model.Medium, kind, err error) *ConstructionError {
	return &ConstructionError{Medium: medium, Kind: kind, Err: err}
}

func (e *ConstructionError) Error() string {
	return fmt.Sprintf("%s link construction failed: %v", e.Medium, e.Err)
}

// Unwrap exposes both the kind and the underlying cause to errors.Is/As
func (e *ConstructionError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// Is makes every ConstructionError match ErrConstructionFailed
func (e *ConstructionError) Is(target error) bool {
	return target == ErrConstructionFailed
}

// IsTimeout reports whether err is the expected outcome of the 1ms I/O timeout.
// Callers retry or accumulate on these.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return isWouldBlock(err)
}

// IsPeerUnreachable reports whether err is an ICMP error (refused or
// unreachable) reported for an earlier datagram. The link keeps working and
// recovers once the peer listens again.
func IsPeerUnreachable(err error) bool {
	return err != nil && isUnreachableErrno(err)
}

// IsLinkDown reports whether err means the medium is gone and the link should
// be treated as down.
func IsLinkDown(err error) bool {
	if err == nil || IsTimeout(err) || IsPeerUnreachable(err) {
		return false
	}
	if errors.Is(err, ErrNotInitialized) || errors.Is(err, net.ErrClosed) || errors.Is(err, os.ErrClosed) {
		return true
	}
	var pe *serial.PortError
	if errors.As(err, &pe) && pe.Code() == serial.PortClosed {
		return true
	}
	return isTerminalErrno(err)
}
