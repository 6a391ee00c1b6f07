// Package bridge implements the per-connection TCP buffer manager
// shared by the transparent serial bridge and the RFB front-end:
// bounded RX/TX buffers, send-in-flight gating, overflow handling and
// back-pressure, grounded on the teacher's internal/hub client
// bookkeeping and internal/server connection lifecycle.
package bridge

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/kstaniek/uartbridge/internal/logging"
	"github.com/kstaniek/uartbridge/internal/metrics"
)

// ErrAllocFailed mirrors the source's -128 allocation-failure return
// from buffered_send. Real Go allocation essentially never fails this
// way; the hook exists so overflow-path tests can force it.
var ErrAllocFailed = errors.New("bridge: tx buffer allocation failed")

// ErrNoFreeSlot is returned by Pool.Accept when every slot is in use.
var ErrNoFreeSlot = errors.New("bridge: no free connection slot")

const unholdThreshold = 32

// Slot is one connection's buffer state. The zero value is not usable;
// construct via Pool.Accept.
type Slot struct {
	mu sync.Mutex

	name string // bridge name, used as the metrics label
	conn net.Conn

	rx []byte
	tx []byte

	maxRx, maxTx int

	readyToSend bool
	sentSize    int
	overflowAt  time.Time

	held bool       // true while recv is held back, mirroring recv_hold
	cond *sync.Cond // broadcasts when held transitions to false

	// allocTx mirrors the source's allocator hook; overridable by
	// tests to exercise the allocation-failure path.
	allocTx func(size int) ([]byte, error)

	closed bool
}

func defaultAlloc(size int) ([]byte, error) { return make([]byte, 0, size), nil }

// Conn returns the underlying net.Conn.
func (s *Slot) Conn() net.Conn { return s.conn }

// RxLen reports the current amount of buffered, undrained RX data.
func (s *Slot) RxLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rx)
}

// TakeRx returns the current RX buffer for processing and clears it;
// callers that cannot consume all of it must call PutBackRx with the
// unconsumed remainder.
func (s *Slot) TakeRx() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.rx
	s.rx = nil
	return out
}

// PutBackRx restores unconsumed RX bytes (e.g. an RFB message that
// needs more input than is currently buffered, or a TLV WouldBlock
// that must retry later).
func (s *Slot) PutBackRx(remainder []byte) {
	s.mu.Lock()
	s.rx = remainder
	s.mu.Unlock()
}

// OnRecv appends inbound TCP bytes to the RX buffer. If the append
// would exceed maxRx, the caller must disconnect the slot. Otherwise,
// per §4.2, it marks the slot held: the caller's read loop must not
// issue its next read until ShouldUnhold fires (see WaitUnheld).
func (s *Slot) OnRecv(data []byte) error {
	s.mu.Lock()
	if len(s.rx)+len(data) > s.maxRx {
		name := s.name
		s.mu.Unlock()
		metrics.IncBridgeRxOverrun(name)
		logging.L().Warn("bridge_rx_overrun", "bridge", name)
		return ErrRxOverrun
	}
	s.rx = append(s.rx, data...)
	s.mu.Unlock()
	s.MarkHeld()
	return nil
}

// ErrRxOverrun is returned by OnRecv when the append would exceed the
// slot's RX capacity; the caller must disconnect.
var ErrRxOverrun = errors.New("bridge: rx buffer overrun")

// ShouldUnhold reports whether the slot has drained enough to lift
// recv_hold back-pressure (rx_len < 32, per §4.2).
func (s *Slot) ShouldUnhold() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.held && len(s.rx) < unholdThreshold
}

// MarkHeld/MarkUnheld track whether inbound delivery is currently
// paused, so ShouldUnhold only fires once per hold. MarkUnheld wakes
// any reader blocked in WaitUnheld.
func (s *Slot) MarkHeld() { s.mu.Lock(); s.held = true; s.mu.Unlock() }
func (s *Slot) MarkUnheld() {
	s.mu.Lock()
	s.held = false
	s.mu.Unlock()
	s.cond.Broadcast()
}

// WaitUnheld blocks the caller while the slot is held or until the
// slot is released, the Go analogue of recv_hold pausing inbound
// delivery on a blocking-read connection: the serve loop simply
// defers its next Read rather than being handed a new recv callback.
func (s *Slot) WaitUnheld() {
	s.mu.Lock()
	for s.held && !s.closed {
		s.cond.Wait()
	}
	s.mu.Unlock()
}

// BufferedSend appends data to the TX buffer and flushes when ready,
// following §4.2's buffered_send exactly: when data only partly fits,
// it recurses with the remainder if the flush emptied the buffer and
// goes to overflow handling otherwise.
func (s *Slot) BufferedSend(data []byte) error {
	s.mu.Lock()
	if len(s.tx) >= s.maxTx {
		s.mu.Unlock()
		return s.overflow()
	}
	if s.tx == nil {
		buf, err := s.allocTx(s.maxTx)
		if err != nil {
			s.mu.Unlock()
			return ErrAllocFailed
		}
		s.tx = buf
	}
	room := s.maxTx - len(s.tx)
	avail := len(data)
	if avail > room {
		avail = room
	}
	s.tx = append(s.tx, data[:avail]...)
	ready := s.readyToSend
	s.mu.Unlock()

	var flushErr error
	if ready {
		flushErr = s.flushTx()
	}

	if avail < len(data) {
		s.mu.Lock()
		drained := len(s.tx) == 0
		s.mu.Unlock()
		if drained {
			return s.BufferedSend(data[avail:])
		}
		return s.overflow()
	}
	return flushErr
}

// flushTx hands the TX buffer to the connection. Only valid while
// tx_len > 0. The actual write runs on its own goroutine so a slow
// peer cannot stall the caller; completion is reported back through
// onSent/onSendFailed, mirroring the source's sent-callback model.
func (s *Slot) flushTx() error {
	s.mu.Lock()
	if len(s.tx) == 0 {
		s.mu.Unlock()
		return nil
	}
	payload := s.tx
	s.tx = nil
	s.sentSize = len(payload)
	s.readyToSend = false
	conn := s.conn
	s.mu.Unlock()

	go func() {
		_, err := conn.Write(payload)
		if err != nil {
			s.onSendFailed()
			return
		}
		s.onSent()
	}()
	return nil
}

// onSent is invoked once the in-flight write completes successfully.
func (s *Slot) onSent() {
	s.mu.Lock()
	s.sentSize = 0
	s.readyToSend = true
	s.overflowAt = time.Time{}
	pending := len(s.tx) > 0
	s.mu.Unlock()
	if pending {
		_ = s.flushTx()
	}
}

// onSendFailed clears the in-flight buffer and stamps the overflow
// timer if one isn't already running.
func (s *Slot) onSendFailed() {
	s.mu.Lock()
	s.sentSize = 0
	s.tx = nil
	if s.overflowAt.IsZero() {
		s.overflowAt = time.Now()
	}
	s.readyToSend = true
	s.mu.Unlock()
}

// overflow implements the overflow-handling branch of buffered_send:
// stamp the timer on first observation, force-disconnect once it has
// persisted past the stuck-send deadline.
func (s *Slot) overflow() error {
	s.mu.Lock()
	first := s.overflowAt.IsZero()
	if first {
		s.overflowAt = time.Now()
	}
	stuck := !first && time.Since(s.overflowAt) > StuckSendTimeout
	conn := s.conn
	name := s.name
	s.mu.Unlock()

	if first {
		logging.L().Warn("bridge_tx_overflow", "bridge", name)
		metrics.IncBridgeOverflow(name)
	}
	if stuck {
		metrics.IncBridgeStuckKill(name)
		logging.L().Error("bridge_stuck_send_kill", "bridge", name)
		_ = conn.Close()
	}
	return ErrAllocFailed
}

// StuckSendTimeout is the 10-second liveness guard on a persistently
// overflowing send.
const StuckSendTimeout = 10 * time.Second

// IdleTimeout is the per-listener idle timeout value of §4.6. No code
// in this module applies it: accepted connections get no read or
// write deadline and are never closed for being idle.
const IdleTimeout = 300 * time.Second

// Pool is a fixed-size set of connection slots, one per live
// connection, sized MAX_CONN for its bridge.
type Pool struct {
	mu    sync.Mutex
	name  string
	slots []*Slot
	maxRx int
	maxTx int
}

// NewPool allocates size slots (all initially free).
func NewPool(name string, size, maxRx, maxTx int) *Pool {
	return &Pool{name: name, slots: make([]*Slot, size), maxRx: maxRx, maxTx: maxTx}
}

// Accept claims the first free slot for conn, or returns
// ErrNoFreeSlot if the pool is full (caller must disconnect conn).
func (p *Pool) Accept(conn net.Conn) (*Slot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, s := range p.slots {
		if s == nil || (s.closed && s.RxLen() == 0) {
			slot := &Slot{
				name:        p.name,
				conn:        conn,
				maxRx:       p.maxRx,
				maxTx:       p.maxTx,
				readyToSend: true,
				allocTx:     defaultAlloc,
			}
			slot.cond = sync.NewCond(&slot.mu)
			p.slots[i] = slot
			metrics.SetBridgeClients(p.name, p.liveCountLocked())
			logging.L().Info("client_connected", "bridge", p.name, "remote", conn.RemoteAddr(), "slot", i)
			return slot, nil
		}
	}
	metrics.IncBridgeRejected(p.name)
	return nil, ErrNoFreeSlot
}

// Release frees a slot. If it still holds undrained RX data the slot
// is only marked closed (conn cleared); Sweep reclaims it once
// drained, mirroring §4.2's "do not free rx_buffer" rule.
func (p *Pool) Release(slot *Slot) {
	slot.mu.Lock()
	slot.conn = nil
	slot.tx = nil
	slot.closed = true
	rxEmpty := len(slot.rx) == 0
	slot.mu.Unlock()
	slot.cond.Broadcast()
	if rxEmpty {
		p.mu.Lock()
		for i, s := range p.slots {
			if s == slot {
				p.slots[i] = nil
				break
			}
		}
		p.mu.Unlock()
	}
	p.mu.Lock()
	n := p.liveCountLocked()
	p.mu.Unlock()
	metrics.SetBridgeClients(p.name, n)
}

// Sweep reclaims any closed slot that has finished draining, the Go
// analogue of the deferred task's residual-rx_buffer free.
func (p *Pool) Sweep() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, s := range p.slots {
		if s != nil && s.closed && s.RxLen() == 0 {
			p.slots[i] = nil
		}
	}
}

// Live returns every currently connected slot.
func (p *Pool) Live() []*Slot {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Slot, 0, len(p.slots))
	for _, s := range p.slots {
		if s != nil && !s.closed {
			out = append(out, s)
		}
	}
	return out
}

func (p *Pool) liveCountLocked() int {
	n := 0
	for _, s := range p.slots {
		if s != nil && !s.closed {
			n++
		}
	}
	return n
}
