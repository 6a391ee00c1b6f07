// Package tlv implements the channel-first TLV framing layer
// multiplexed over a single half-duplex UART, grounded on the
// cannelloni frame codec's length-prefixed decode loop and the serial
// codec's preamble-resync technique from the teacher.
package tlv

import (
	"errors"
	"sync"

	"github.com/kstaniek/uartbridge/internal/logging"
	"github.com/kstaniek/uartbridge/internal/metrics"
)

// Channel numbers. Control is the reserved flow-control channel;
// Generic is aliased Pipe by the transparent bridge.
const (
	Control     uint8 = 0
	HID         uint8 = 1
	Generic     uint8 = 2
	Pipe              = Generic
	Debug       uint8 = 3
	MaxHandlers       = 4
	MaxPacket         = 64
)

// ErrWouldBlock is returned by Framer.Send when the link is paused.
var ErrWouldBlock = errors.New("tlv: send would block")

// ErrPayloadTooLarge is returned when a caller asks to send more than
// MaxPacket bytes in a single frame.
var ErrPayloadTooLarge = errors.New("tlv: payload exceeds max packet size")

// Handler processes a complete dispatched frame. It returns nothing;
// the deframer does not learn whether a handler accepted the frame.
type Handler func(channel uint8, payload []byte)

// phase is the deframer's byte-wise parse state.
type phase int

const (
	awaitChannel phase = iota
	awaitLength
	awaitData
)

// Sink receives a named-channel notification; console.Sink satisfies
// this structurally without internal/tlv needing to import it.
type Sink interface {
	Write(channel string, data []byte)
}

// Deframer turns a raw byte stream into dispatched (channel, payload)
// frames. One instance exists per UART; it is not safe for concurrent
// use from more than one feeder goroutine.
type Deframer struct {
	ph        phase
	channel   uint8
	length    uint8
	bytesRead uint8
	buf       [MaxPacket]byte

	handlers [MaxHandlers]Handler

	framer *Framer // for channel-0 flow-control updates; may be nil
	sink   Sink    // for resync diagnostics; may be nil
}

// NewDeframer constructs a Deframer. framer may be nil if this
// instance is only used in tests that don't exercise flow control.
func NewDeframer(framer *Framer) *Deframer {
	return &Deframer{framer: framer}
}

// SetSink installs the diagnostic sink resync events are reported on.
func (d *Deframer) SetSink(sink Sink) { d.sink = sink }

// SetHandler installs the handler for a channel index. Channel 0 is
// the fallback for any channel number ≥ MaxHandlers.
func (d *Deframer) SetHandler(channel uint8, h Handler) {
	if int(channel) < MaxHandlers {
		d.handlers[channel] = h
	}
}

// Feed advances the state machine over data, dispatching every
// complete frame inline before returning. Every byte is consumed
// exactly once.
func (d *Deframer) Feed(data []byte) {
	for _, b := range data {
		switch d.ph {
		case awaitChannel:
			d.channel = b
			d.ph = awaitLength
		case awaitLength:
			if b > MaxPacket {
				// Out-of-range length (§3/§7): discard the malformed
				// header and resync by reinterpreting b as the next
				// candidate channel byte, advancing one byte at a
				// time until a plausible header reappears — the same
				// recovery internal/cnl's decode loop applies to an
				// out-of-range cannelloni DLC.
				metrics.IncTLVMalformed()
				if d.sink != nil {
					d.sink.Write("resync", []byte{d.channel, b})
				}
				d.channel = b
				continue
			}
			d.length = b
			d.bytesRead = 0
			d.ph = awaitData
			if d.length == 0 {
				d.dispatch()
				d.ph = awaitChannel
			}
		case awaitData:
			if int(d.bytesRead) < len(d.buf) {
				d.buf[d.bytesRead] = b
			}
			d.bytesRead++
			if d.bytesRead >= d.length {
				d.dispatch()
				d.ph = awaitChannel
			}
		}
	}
}

func (d *Deframer) dispatch() {
	payload := d.buf[:d.bytesRead]
	if d.channel == Control && d.length == 2 && payload[0] == 0 {
		if d.framer != nil {
			d.framer.setPaused(payload[1] != 0)
		}
		metrics.IncTLVRx()
		return
	}
	h := d.handlers[Control]
	if int(d.channel) < MaxHandlers {
		h = d.handlers[d.channel]
	}
	if h != nil {
		h(d.channel, payload)
	}
	metrics.IncTLVRx()
}

// Framer sends frames over a single writer, applying the half-duplex
// pause/resume discipline of the source.
type Framer struct {
	mu    sync.Mutex
	write func(p []byte) error

	paused      bool
	lastRxNanos int64
	nowNanos    func() int64
	poll        func() ([]byte, error)
	feed        func([]byte)
}

func NewFramer(write func(p []byte) error, nowNanos func() int64, poll func() ([]byte, error), feed func([]byte)) *Framer {
	return &Framer{write: write, nowNanos: nowNanos, poll: poll, feed: feed}
}

func (f *Framer) setPaused(p bool) {
	f.mu.Lock()
	f.paused = p
	f.lastRxNanos = f.now()
	f.mu.Unlock()
}

func (f *Framer) now() int64 {
	if f.nowNanos != nil {
		return f.nowNanos()
	}
	return 0
}

const stalePauseNanos = 50_000_000 // 50ms

// Send transmits channel, length and payload, in that order, as a
// single write of one frame buffer, and sets the link
// paused on success. Returns ErrWouldBlock without writing anything if
// the link is currently paused; before returning it makes one
// best-effort attempt to unstick a stale pause by polling the UART for
// a single byte, per §4.1.3.
func (f *Framer) Send(channel uint8, payload []byte) error {
	if len(payload) > MaxPacket {
		return ErrPayloadTooLarge
	}
	f.mu.Lock()
	paused := f.paused
	stale := f.nowNanos != nil && f.now()-f.lastRxNanos > stalePauseNanos
	f.mu.Unlock()

	if paused {
		if stale && f.poll != nil && f.feed != nil {
			if b, err := f.poll(); err == nil && len(b) > 0 {
				f.feed(b)
			}
		}
		metrics.IncTLVWouldBlock()
		return ErrWouldBlock
	}

	if len(payload) == 4 {
		logging.L().Debug("tlv_send_mouse", "channel", channel, "payload", payload)
	}

	frame := make([]byte, 0, 2+len(payload))
	frame = append(frame, channel, uint8(len(payload)))
	frame = append(frame, payload...)
	if err := f.write(frame); err != nil {
		return err
	}

	f.mu.Lock()
	f.paused = true
	f.mu.Unlock()
	metrics.IncTLVTx()
	return nil
}
