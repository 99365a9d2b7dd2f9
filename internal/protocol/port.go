// internal/protocol/port.go
package protocol

import (
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"
)

// ioTimeout bounds every read and write on either medium. One millisecond
// keeps the polling caller responsive without spinning the CPU.
const ioTimeout = time.Millisecond

// serialPort is the subset of serial.Port the link relies on
type serialPort interface {
	io.ReadWriteCloser
	SetMode(mode *serial.Mode) error
	SetReadTimeout(t time.Duration) error
}

// openSerial opens a serial device; replaced in tests
var openSerial = func(path string, mode *serial.Mode) (serialPort, error) {
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, err
	}
	return port, nil
}

var supportedBaudRates = map[int]struct{}{
	300: {}, 600: {}, 1200: {}, 2400: {}, 4800: {}, 9600: {}, 19200: {}, 38400: {},
	57600: {}, 115200: {}, 230400: {}, 460800: {}, 500000: {}, 576000: {}, 921600: {},
	1000000: {}, 1152000: {}, 1500000: {}, 2000000: {}, 2500000: {}, 3000000: {},
	3500000: {}, 4000000: {},
}

// IsSupportedBaudRate reports whether baud can be programmed into the line
func IsSupportedBaudRate(baud int) bool {
	_, ok := supportedBaudRates[baud]
	return ok
}

// lineMode returns the fixed 8N1 line discipline at the given speed.
// go.bug.st/serial leaves RTS/CTS flow control disabled on open.
func lineMode(baud int) *serial.Mode {
	return &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
}

// configurePort applies 8N1, no flow control and the 1ms read timeout to port.
func configurePort(port serialPort, baud int) (serialPort, error) {
	if port == nil {
		return nil, fmt.Errorf("%w: nil serial port", ErrInvalidConfig)
	}
	if !IsSupportedBaudRate(baud) {
		return nil, fmt.Errorf("%w: unsupported baud rate %d", ErrInvalidConfig, baud)
	}

	if err := port.SetMode(lineMode(baud)); err != nil {
		return nil, fmt.Errorf("%w: device rejected line settings: %w", ErrInvalidConfig, err)
	}

	if err := port.SetReadTimeout(ioTimeout); err != nil {
		return nil, fmt.Errorf("%w: device rejected read timeout: %w", ErrInvalidConfig, err)
	}

	return port, nil
}
