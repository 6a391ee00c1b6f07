// Package uart abstracts the physical serial line the TLV link runs
// over, following internal/serial's tarm/serial wrapper technique
// from the teacher almost verbatim.
package uart

import (
	"time"

	"github.com/tarm/serial"
)

// Port abstracts tarm/serial for testability.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// Open opens a real serial device.
func Open(name string, baud int, readTimeout time.Duration) (Port, error) {
	cfg := &serial.Config{Name: name, Baud: baud, ReadTimeout: readTimeout}
	return serial.OpenPort(cfg)
}

// PollOneByte performs a single bounded read of at most one byte,
// refreshing kick between attempts if non-nil. It returns the byte
// read (zero-length if the read timed out) and any non-timeout error.
//
// This is the only place the TLV layer blocks (tlv_poll_uart in
// spec.md §4.1): cmd/uartbridge's UART goroutine calls PollOneByte
// back to back until shutdown, feeding each byte read to the deframer.
func PollOneByte(p Port, kick func()) ([]byte, error) {
	buf := make([]byte, 1)
	n, err := p.Read(buf)
	if kick != nil {
		kick()
	}
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}
