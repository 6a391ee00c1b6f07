// Package serialbridge wires a bridge.Pool to the TLV PIPE/DEBUG/
// CONTROL channels, implementing the transparent serial bridge (C3):
// RX from every TCP connection is chunked onto channel PIPE, and
// inbound PIPE bytes are fanned out to the console sink and every
// live connection, grounded on internal/server's reader/writer split
// from the teacher.
package serialbridge

import (
	"net"

	"github.com/kstaniek/uartbridge/internal/bridge"
	"github.com/kstaniek/uartbridge/internal/console"
	"github.com/kstaniek/uartbridge/internal/logging"
	"github.com/kstaniek/uartbridge/internal/tlv"
)

const (
	maxTxBuffer = 2920  // 2x1460
	maxRxBuffer = 11680 // 8x1460
)

// Bridge is the transparent serial bridge: one bridge.Pool plus the
// TLV channel wiring that moves bytes between it and the UART link.
type Bridge struct {
	name   string
	pool   *bridge.Pool
	framer *tlv.Framer
	sink   console.Sink
}

// New constructs a Bridge with the given connection pool size (§6:
// MAX_CONN, default 1, exposed as a flag-configurable capacity knob
// rather than a semantic change).
func New(name string, maxConn int, framer *tlv.Framer, sink console.Sink) *Bridge {
	b := &Bridge{
		name:   name,
		pool:   bridge.NewPool(name, maxConn, maxRxBuffer, maxTxBuffer),
		framer: framer,
		sink:   sink,
	}
	return b
}

// RegisterHandlers installs the PIPE/DEBUG/CONTROL deframer handlers:
// PIPE and CONTROL (the fallback for out-of-range channels) go to the
// console-and-connections fan-out, DEBUG bytes are only logged (§4.3).
func (b *Bridge) RegisterHandlers(d *tlv.Deframer) {
	d.SetHandler(tlv.Pipe, b.onInboundPipe)
	d.SetHandler(tlv.Debug, b.onInboundDebug)
	d.SetHandler(tlv.Control, b.onInboundPipe)
}

func (b *Bridge) onInboundPipe(_ uint8, payload []byte) {
	if b.sink != nil {
		b.sink.Write("pipe", payload)
	}
	for _, slot := range b.pool.Live() {
		if err := slot.BufferedSend(payload); err != nil {
			logging.L().Warn("pipe_fanout_error", "bridge", b.name, "error", err)
		}
	}
}

func (b *Bridge) onInboundDebug(_ uint8, payload []byte) {
	if b.sink != nil {
		b.sink.Write("debug", payload)
	}
}

// Accept claims a free slot for conn or disconnects it immediately if
// the pool is full.
func (b *Bridge) Accept(conn net.Conn) (*bridge.Slot, error) {
	slot, err := b.pool.Accept(conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return slot, nil
}

// Release frees slot back to the pool.
func (b *Bridge) Release(slot *bridge.Slot) { b.pool.Release(slot) }

// Sweep reclaims drained, closed slots.
func (b *Bridge) Sweep() { b.pool.Sweep() }

// OnRecv appends inbound TCP bytes and drains whatever can be sent
// immediately on channel PIPE, mirroring §4.3's RX processing loop:
// it stops at the first WouldBlock and leaves the remainder buffered
// for the next call.
func (b *Bridge) OnRecv(slot *bridge.Slot, data []byte) error {
	if err := slot.OnRecv(data); err != nil {
		return err
	}
	b.drain(slot)
	return nil
}

// Drain is exported so the deferred-drain sweep can retry slots that
// previously stopped on WouldBlock once the link resumes.
func (b *Bridge) Drain(slot *bridge.Slot) { b.drain(slot) }

func (b *Bridge) drain(slot *bridge.Slot) {
	rx := slot.TakeRx()
	for len(rx) > 0 {
		n := len(rx)
		if n > tlv.MaxPacket {
			n = tlv.MaxPacket
		}
		if err := b.framer.Send(tlv.Pipe, rx[:n]); err != nil {
			slot.PutBackRx(rx)
			if slot.ShouldUnhold() {
				slot.MarkUnheld()
			}
			return
		}
		rx = rx[n:]
	}
	slot.PutBackRx(rx)
	if slot.ShouldUnhold() {
		slot.MarkUnheld()
	}
}

// DrainAll retries every live connection's deferred drain, the
// periodic analogue of the deferred task's repost: a slot that
// previously stopped mid-drain on TLV WouldBlock makes forward
// progress once the link resumes, even if the client sends nothing
// more to trigger a fresh OnRecv.
func (b *Bridge) DrainAll() {
	for _, slot := range b.pool.Live() {
		b.drain(slot)
	}
}
