//go:build !linux

package watchdog

import "errors"

// ErrUnsupported is returned by Open on platforms without a hardware
// watchdog ioctl (mirrors internal/socketcan's stub.go split).
var ErrUnsupported = errors.New("watchdog: unsupported on this platform")

// Watchdog is a no-op stand-in outside Linux.
type Watchdog struct{}

func Open(path string) (*Watchdog, error) { return nil, ErrUnsupported }

func (w *Watchdog) Kick() error { return nil }

func (w *Watchdog) Close() error { return nil }

func (w *Watchdog) KickFunc() func() { return func() {} }
