//go:build linux

// Package watchdog pets a Linux hardware watchdog device, grounded on
// internal/socketcan's direct golang.org/x/sys/unix ioctl technique.
package watchdog

import (
	"os"

	"golang.org/x/sys/unix"
)

const (
	wdiocKeepAlive = 0x80045705 // WDIOC_KEEPALIVE
)

// Watchdog pets /dev/watchdog (or an equivalent path) on demand.
type Watchdog struct {
	f *os.File
}

// Open opens the watchdog device. Callers that don't have permission
// to open a watchdog device (e.g. in tests or containers) should
// treat the error as non-fatal and pass a nil *Watchdog's Kick (which
// is a safe no-op) to callers expecting a kick func.
func Open(path string) (*Watchdog, error) {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return nil, err
	}
	return &Watchdog{f: f}, nil
}

// Kick refreshes the watchdog timer. Safe to call on a nil *Watchdog.
func (w *Watchdog) Kick() error {
	if w == nil || w.f == nil {
		return nil
	}
	return unix.IoctlSetInt(int(w.f.Fd()), wdiocKeepAlive, 0)
}

// Close disarms the watchdog (best-effort, magic-close convention)
// and releases the file descriptor.
func (w *Watchdog) Close() error {
	if w == nil || w.f == nil {
		return nil
	}
	_, _ = w.f.Write([]byte{'V'})
	return w.f.Close()
}

// KickFunc returns a closure suitable for passing to uart.PollOneByte,
// tolerating a nil receiver.
func (w *Watchdog) KickFunc() func() {
	return func() { _ = w.Kick() }
}
