// internal/service/downlink.go
package service

import (
	"bytes"
	"unicode/utf8"

	"link-service/internal/model"
)

// maxBusMessage bounds an unterminated downlink line kept between reads
const maxBusMessage = 4096

// downlinkSplitter cuts downlink bytes into newline separated bus messages.
// A datagram always ends a message; a serial line may be split across reads,
// so its unterminated tail is kept until the newline arrives.
type downlinkSplitter struct {
	stream  bool
	max     int
	pending []byte
}

func newDownlinkSplitter(medium model.Medium, max int) *downlinkSplitter {
	return &downlinkSplitter{
		stream: medium == model.MediumSerial,
		max:    max,
	}
}

// feed emits every complete message found in data
func (d *downlinkSplitter) feed(data []byte, emit func(string)) {
	if !d.stream {
		for _, line := range bytes.Split(data, []byte{'\n'}) {
			emitLine(line, emit)
		}
		return
	}

	d.pending = append(d.pending, data...)
	for {
		i := bytes.IndexByte(d.pending, '\n')
		if i < 0 {
			break
		}
		emitLine(d.pending[:i], emit)
		d.pending = append(d.pending[:0], d.pending[i+1:]...)
	}

	// Binary traffic without newlines must not grow the buffer forever
	if len(d.pending) > d.max {
		d.pending = d.pending[:0]
	}
}

func emitLine(line []byte, emit func(string)) {
	line = bytes.TrimRight(line, "\r")
	if len(line) == 0 || !utf8.Valid(line) {
		return
	}
	emit(string(line))
}
