package rfb

import (
	"bytes"
	"errors"
	"testing"

	"github.com/kstaniek/uartbridge/internal/des"
	"github.com/kstaniek/uartbridge/internal/hid"
)

type fakeSender struct {
	sent [][]byte
}

func (f *fakeSender) BufferedSend(data []byte) error {
	f.sent = append(f.sent, append([]byte(nil), data...))
	return nil
}

type fakeHIDSender struct{}

func (fakeHIDSender) Send(channel uint8, payload []byte) error { return nil }

func newTestConn(t *testing.T, password string) (*Conn, *fakeSender) {
	t.Helper()
	tr := hid.NewTranslator(fakeHIDSender{})
	c, err := New(password, tr)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, &fakeSender{}
}

func TestHandshake_HappyPath(t *testing.T) {
	c, s := newTestConn(t, "hunter2")

	if err := c.Start(s); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !bytes.Equal(s.sent[0], []byte("RFB 003.003\n")) {
		t.Fatalf("server hello = %q", s.sent[0])
	}

	rx, err := c.Step(make([]byte, 12), s)
	if err != nil || len(rx) != 0 {
		t.Fatalf("Step(client hello) = %v %v, want consumed, no error", rx, err)
	}
	if len(s.sent[1]) != 20 || s.sent[1][3] != 2 {
		t.Fatalf("challenge = % X", s.sent[1])
	}

	resp, err := des.ChallengeResponse("hunter2", c.challenge)
	if err != nil {
		t.Fatalf("ChallengeResponse: %v", err)
	}
	rx, err = c.Step(resp[:], s)
	if err != nil || len(rx) != 0 {
		t.Fatalf("Step(auth) = %v %v, want accepted", rx, err)
	}
	if !bytes.Equal(s.sent[2], []byte{0, 0, 0, 0}) {
		t.Fatalf("expected AuthOK, got % X", s.sent[2])
	}

	rx, err = c.Step([]byte{0x00}, s) // shared-flag byte
	if err != nil || len(rx) != 0 {
		t.Fatalf("Step(init) = %v %v", rx, err)
	}
	if len(s.sent[3]) != 30 || !bytes.Equal(s.sent[3][24:30], []byte("VNC_KM")) {
		t.Fatalf("ServerInit = % X", s.sent[3])
	}
}

func TestAuth_FailureEmitsAuthFailedAndTerminates(t *testing.T) {
	c, s := newTestConn(t, "hunter2")
	_, _ = c.Step(make([]byte, 12), s)

	wrong := make([]byte, 16)
	_, err := c.Step(wrong, s)
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("Step(bad auth) = %v, want ErrAuthFailed", err)
	}
	last := s.sent[len(s.sent)-1]
	if !bytes.Equal(last, []byte{0, 0, 0, 1, 0, 0, 0, 0}) {
		t.Fatalf("expected AuthFailed, got % X", last)
	}
}

func advanceToRfbMessage(t *testing.T, password string) (*Conn, *fakeSender) {
	t.Helper()
	c, s := newTestConn(t, password)
	_, _ = c.Step(make([]byte, 12), s)
	resp, _ := des.ChallengeResponse(password, c.challenge)
	_, _ = c.Step(resp[:], s)
	_, _ = c.Step([]byte{0x00}, s)
	return c, s
}

func TestRfbMessage_UnknownTypeTerminates(t *testing.T) {
	c, s := advanceToRfbMessage(t, "hunter2")
	_, err := c.Step([]byte{7, 0, 0, 0, 0, 0, 0, 0}, s)
	if !errors.Is(err, ErrUnknownMessage) {
		t.Fatalf("Step(unknown msg) = %v, want ErrUnknownMessage", err)
	}
}

func TestRfbMessage_CutTextLengthIsBigEndianU32AtOffset4(t *testing.T) {
	c, s := advanceToRfbMessage(t, "hunter2")
	// length = 3, one byte of payload given; two more bytes still pending.
	msg := []byte{6, 0, 0, 0, 0, 0, 0, 3, 'x'}
	rx, err := c.Step(msg, s)
	if err != nil {
		t.Fatalf("Step(cut text header): %v", err)
	}
	if len(rx) != 0 {
		t.Fatalf("expected the one pending payload byte to be consumed, got %d left", len(rx))
	}
	if c.state != stateCutText || c.cutTextRemaining != 2 {
		t.Fatalf("state=%v remaining=%d, want CutText/2", c.state, c.cutTextRemaining)
	}

	rx, err = c.Step([]byte{'y', 'z', 4, 1, 0, 0, 0, 0, 0, 0}, s)
	if err != nil {
		t.Fatalf("Step(cut text tail): %v", err)
	}
	if c.state != stateRfbMessage {
		t.Fatalf("expected return to RfbMessage after cut text drains")
	}
	// The trailing 8 bytes parse as a KeyEvent and are fully consumed.
	if len(rx) != 0 {
		t.Fatalf("expected trailing message consumed, got %d left", len(rx))
	}
}

func TestRfbMessage_KeyEventNeedsEightBytes(t *testing.T) {
	c, s := advanceToRfbMessage(t, "hunter2")
	rx, err := c.Step([]byte{4, 1, 0, 0, 0}, s)
	if err != nil {
		t.Fatalf("Step(short key event): %v", err)
	}
	if len(rx) != 5 {
		t.Fatalf("short message must be left unconsumed, got %d left", len(rx))
	}
}
