// Package vncbridge wires internal/rfb, internal/bridge, internal/hid
// and internal/tlv together into the VNC front-end, the RFB-side
// analogue of internal/serialbridge.
package vncbridge

import (
	"net"
	"sync"

	"github.com/kstaniek/uartbridge/internal/bridge"
	"github.com/kstaniek/uartbridge/internal/hid"
	"github.com/kstaniek/uartbridge/internal/logging"
	"github.com/kstaniek/uartbridge/internal/rfb"
	"github.com/kstaniek/uartbridge/internal/tlv"
)

const (
	maxTxBuffer = 1460
	maxRxBuffer = 8760 // 6x1460
)

// Bridge is the VNC front-end: a bridge.Pool driving per-connection
// rfb.Conn state machines, sharing one process-wide hid.Translator
// (sound because MAX_CONN=1 for this bridge, §9 note 3).
type Bridge struct {
	name       string
	pool       *bridge.Pool
	framer     *tlv.Framer
	translator *hid.Translator
	password   string

	mu    sync.Mutex
	conns map[*bridge.Slot]*rfb.Conn
}

// New constructs a VNC Bridge. password is the configured shared
// secret; maxConn is ordinarily 1 (§9 note 3 governs raising it).
func New(name string, maxConn int, framer *tlv.Framer, password string) *Bridge {
	return &Bridge{
		name:       name,
		pool:       bridge.NewPool(name, maxConn, maxRxBuffer, maxTxBuffer),
		framer:     framer,
		translator: hid.NewTranslator(framer),
		password:   password,
		conns:      make(map[*bridge.Slot]*rfb.Conn),
	}
}

// RegisterHandlers installs the HID channel handler; inbound HID
// traffic is unused (§2's data-flow table: "for HID inbound, dropped").
func (b *Bridge) RegisterHandlers(d *tlv.Deframer) {
	d.SetHandler(tlv.HID, func(uint8, []byte) {})
}

// Accept claims a free slot, starts a fresh rfb.Conn and sends the
// RFB server hello.
func (b *Bridge) Accept(conn net.Conn) (*bridge.Slot, error) {
	slot, err := b.pool.Accept(conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	rc, err := rfb.New(b.password, b.translator)
	if err != nil {
		b.pool.Release(slot)
		_ = conn.Close()
		return nil, err
	}
	b.mu.Lock()
	b.conns[slot] = rc
	b.mu.Unlock()
	if err := rc.Start(slot); err != nil {
		logging.L().Warn("vnc_hello_send_error", "bridge", b.name, "error", err)
	}
	return slot, nil
}

// Release frees slot back to the pool and drops its rfb.Conn.
func (b *Bridge) Release(slot *bridge.Slot) {
	b.mu.Lock()
	delete(b.conns, slot)
	b.mu.Unlock()
	b.pool.Release(slot)
}

// Sweep reclaims drained, closed slots.
func (b *Bridge) Sweep() { b.pool.Sweep() }

// OnRecv appends inbound bytes and runs the RFB state machine as far
// as it can; a terminal failure (auth failure, unknown message type)
// disconnects the connection, mirroring vncProcessRX.
func (b *Bridge) OnRecv(slot *bridge.Slot, data []byte) error {
	if err := slot.OnRecv(data); err != nil {
		return err
	}
	b.drain(slot)
	return nil
}

// Drain reruns the state machine over whatever is currently buffered;
// the deferred-drain sweep calls this to retry a step that previously
// stopped on a HID WouldBlock once the TLV link resumes.
func (b *Bridge) Drain(slot *bridge.Slot) { b.drain(slot) }

func (b *Bridge) drain(slot *bridge.Slot) {
	b.mu.Lock()
	rc := b.conns[slot]
	b.mu.Unlock()
	if rc == nil {
		return
	}
	rx := slot.TakeRx()
	remainder, err := rc.Step(rx, slot)
	if err != nil {
		logging.L().Info("vnc_session_terminated", "bridge", b.name, "error", err)
		_ = slot.Conn().Close()
		return
	}
	slot.PutBackRx(remainder)
	if slot.ShouldUnhold() {
		slot.MarkUnheld()
	}
}

// DrainAll retries every live connection's RFB step, the periodic
// analogue of the deferred task's repost: a session that previously
// stopped mid-step on a HID WouldBlock makes forward progress once
// the TLV link resumes, even with no fresh bytes from the client.
func (b *Bridge) DrainAll() {
	for _, slot := range b.pool.Live() {
		b.drain(slot)
	}
}
