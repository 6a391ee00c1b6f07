// Package rfb implements the RFB 3.3 server state machine driving the
// VNC front-end: handshake, shared-secret auth, a fake ServerInit, and
// a message parser that translates KeyEvent/PointerEvent into HID
// reports and discards everything else, grounded directly on
// vncbridge.c's vnc_proto_handler since the teacher's CAN domain has
// no RFB precedent.
package rfb

import (
	"crypto/rand"
	"encoding/binary"
	"errors"

	"github.com/kstaniek/uartbridge/internal/des"
	"github.com/kstaniek/uartbridge/internal/hid"
	"github.com/kstaniek/uartbridge/internal/metrics"
)

// RFB 3.3 wire constants (§6).
var (
	serverHello = []byte("RFB 003.003\n")
	authOK      = []byte{0, 0, 0, 0}
	authFailed  = []byte{0, 0, 0, 1, 0, 0, 0, 0}
)

func initMessage() []byte {
	b := make([]byte, 30)
	binary.BigEndian.PutUint16(b[0:2], 2880)
	binary.BigEndian.PutUint16(b[2:4], 1800)
	b[4] = 8                                // bpp
	b[5] = 8                                // depth
	b[6] = 0                                // big-endian-flag
	b[7] = 1                                // true-color-flag
	binary.BigEndian.PutUint16(b[8:10], 7)  // rmax
	binary.BigEndian.PutUint16(b[10:12], 7) // gmax
	binary.BigEndian.PutUint16(b[12:14], 3) // bmax
	b[14] = 0                               // rshift
	b[15] = 3                               // gshift
	b[16] = 6                               // bshift
	// b[17:20] padding, already zero
	binary.BigEndian.PutUint32(b[20:24], 6)
	copy(b[24:30], "VNC_KM")
	return b
}

// RFB message types (§4.4).
const (
	msgSetPixelFormat           = 0
	msgFixColourMapEntries      = 1
	msgSetEncodings             = 2
	msgFrameBufferUpdateRequest = 3
	msgKeyEvent                 = 4
	msgPointerEvent             = 5
	msgClientCutText            = 6
)

type state int

const (
	stateClientHello state = iota
	stateClientAuth
	stateClientInit
	stateRfbMessage
	stateCutText
)

// ErrUnknownMessage is returned when an RFB message type is not one
// of the six recognised types; the caller must disconnect.
var ErrUnknownMessage = errors.New("rfb: unrecognised message type")

// ErrAuthFailed is returned once the 16-byte auth response has been
// compared and didn't match; the caller must disconnect after the
// AuthFailed reply has drained.
var ErrAuthFailed = errors.New("rfb: authentication failed")

// Sender is the minimal TCP-side send contract a Conn needs, matching
// bridge.Slot.BufferedSend.
type Sender interface {
	BufferedSend(data []byte) error
}

// Conn drives one RFB session's state machine. It is not safe for
// concurrent use; each connection's own reader goroutine owns it.
type Conn struct {
	state            state
	cutTextRemaining uint32

	expectedResponse [16]byte
	challenge        [16]byte

	hid *hid.Translator
}

// New constructs a Conn that authenticates against password and emits
// HID reports through h. A fresh random challenge is generated per
// connection (see DESIGN.md's Open Question decision); the expected
// response is derived immediately so ClientAuth is a pure comparison.
func New(password string, h *hid.Translator) (*Conn, error) {
	var challenge [16]byte
	if _, err := rand.Read(challenge[:]); err != nil {
		return nil, err
	}
	resp, err := des.ChallengeResponse(password, challenge)
	if err != nil {
		return nil, err
	}
	return &Conn{
		state:            stateClientHello,
		challenge:        challenge,
		expectedResponse: resp,
		hid:              h,
	}, nil
}

// Start emits the server hello; call once right after accept.
func (c *Conn) Start(send Sender) error {
	return send.BufferedSend(serverHello)
}

// needMore is a sentinel used internally to stop the step loop
// without it being a caller-visible error.
var needMore = errors.New("rfb: need more input")

// Step drains buffered client bytes, advancing the state machine as
// far as it can. It returns needMore-wrapped-away (nil) when no
// terminal condition has been hit; ErrUnknownMessage or ErrAuthFailed
// when the bridge engine must disconnect. rx is the slot's currently
// buffered bytes; Step returns the unconsumed remainder, which the
// caller must feed back via Slot.PutBackRx.
func (c *Conn) Step(rx []byte, send Sender) ([]byte, error) {
	for {
		consumed, err := c.stepOnce(rx, send)
		if err == needMore {
			return rx, nil
		}
		if err != nil {
			return nil, err
		}
		rx = rx[consumed:]
		if len(rx) == 0 {
			return rx, nil
		}
	}
}

func (c *Conn) stepOnce(rx []byte, send Sender) (int, error) {
	switch c.state {
	case stateClientHello:
		if len(rx) < 12 {
			return 0, needMore
		}
		challengeMsg := make([]byte, 0, 20)
		challengeMsg = append(challengeMsg, 0, 0, 0, 2)
		challengeMsg = append(challengeMsg, c.challenge[:]...)
		if err := send.BufferedSend(challengeMsg); err != nil {
			return 0, err
		}
		c.state = stateClientAuth
		return 12, nil

	case stateClientAuth:
		if len(rx) < 16 {
			return 0, needMore
		}
		ok := true
		for i := 0; i < 16; i++ {
			if rx[i] != c.expectedResponse[i] {
				ok = false
				break
			}
		}
		if ok {
			if err := send.BufferedSend(authOK); err != nil {
				return 0, err
			}
			c.state = stateClientInit
			return 16, nil
		}
		_ = send.BufferedSend(authFailed)
		metrics.IncRFBAuthFail()
		return 0, ErrAuthFailed

	case stateClientInit:
		if len(rx) < 1 {
			return 0, needMore
		}
		if err := send.BufferedSend(initMessage()); err != nil {
			return 0, err
		}
		c.state = stateRfbMessage
		return 1, nil

	case stateRfbMessage:
		return c.stepRfbMessage(rx, send)

	case stateCutText:
		n := uint32(len(rx))
		if n > c.cutTextRemaining {
			n = c.cutTextRemaining
		}
		c.cutTextRemaining -= n
		if c.cutTextRemaining == 0 {
			c.state = stateRfbMessage
		}
		if n == 0 {
			return 0, needMore
		}
		return int(n), nil
	}
	metrics.IncRFBUnknownMsg()
	return 0, ErrUnknownMessage
}

func (c *Conn) stepRfbMessage(rx []byte, send Sender) (int, error) {
	if len(rx) < 1 {
		return 0, needMore
	}
	switch rx[0] {
	case msgSetPixelFormat:
		if len(rx) < 20 {
			return 0, needMore
		}
		return 20, nil

	case msgFixColourMapEntries:
		if len(rx) < 6 {
			return 0, needMore
		}
		entries := int(binary.BigEndian.Uint16(rx[4:6]))
		need := 6 + 6*entries
		if len(rx) < need {
			return 0, needMore
		}
		return need, nil

	case msgSetEncodings:
		if len(rx) < 4 {
			return 0, needMore
		}
		n := int(binary.BigEndian.Uint16(rx[2:4]))
		need := 4 + 4*n
		if len(rx) < need {
			return 0, needMore
		}
		return need, nil

	case msgFrameBufferUpdateRequest:
		if len(rx) < 10 {
			return 0, needMore
		}
		return 10, nil

	case msgKeyEvent:
		if len(rx) < 8 {
			return 0, needMore
		}
		pressed := rx[1] == 1
		keysym := binary.BigEndian.Uint32(rx[4:8])
		if err := c.hid.EmitKey(pressed, keysym); err != nil {
			return 0, needMore // WouldBlock: retry on next Step
		}
		return 8, nil

	case msgPointerEvent:
		if len(rx) < 6 {
			return 0, needMore
		}
		mask := rx[1]
		x := int(binary.BigEndian.Uint16(rx[2:4]))
		y := int(binary.BigEndian.Uint16(rx[4:6]))
		if err := c.hid.EmitPointer(mask, x, y); err != nil {
			return 0, needMore
		}
		return 6, nil

	case msgClientCutText:
		if len(rx) < 8 {
			return 0, needMore
		}
		// §9 note 1: be_u32 @ offset 4, not the source's |-instead-of-<<8 bug.
		c.cutTextRemaining = binary.BigEndian.Uint32(rx[4:8])
		c.state = stateCutText
		return 8, nil
	}
	metrics.IncRFBUnknownMsg()
	return 0, ErrUnknownMessage
}
