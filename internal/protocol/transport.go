// internal/protocol/transport.go
package protocol

import (
	"net"
	"time"

	"link-service/internal/model"
)

// transport is implemented by exactly two variants, serialTransport and
// udpTransport. The unexported methods keep the set closed to this package.
type transport interface {
	medium() model.Medium
	read(buf []byte) (int, error)
	write(buf []byte) (int, error)
	close() error
}

// serialTransport owns a configured serial device
type serialTransport struct {
	port serialPort
}

func (s *serialTransport) medium() model.Medium { return model.MediumSerial }

// read returns (0, nil) when the 1ms read timeout expires without data
func (s *serialTransport) read(buf []byte) (int, error) {
	return s.port.Read(buf)
}

func (s *serialTransport) write(buf []byte) (int, error) {
	return s.port.Write(buf)
}

func (s *serialTransport) close() error {
	return s.port.Close()
}

// udpTransport owns a socket bound locally and connected to the uplink peer
type udpTransport struct {
	conn *net.UDPConn
}

func (u *udpTransport) medium() model.Medium { return model.MediumUDP }

func (u *udpTransport) read(buf []byte) (int, error) {
	if err := u.conn.SetReadDeadline(time.Now().Add(ioTimeout)); err != nil {
		return 0, err
	}
	return u.conn.Read(buf)
}

func (u *udpTransport) write(buf []byte) (int, error) {
	if err := u.conn.SetWriteDeadline(time.Now().Add(ioTimeout)); err != nil {
		return 0, err
	}
	return u.conn.Write(buf)
}

func (u *udpTransport) close() error {
	return u.conn.Close()
}
