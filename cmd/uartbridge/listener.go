package main

import (
	"context"
	"errors"
	"log/slog"
	"net"

	"github.com/kstaniek/uartbridge/internal/bridge"
)

// frontend is the shared surface serialbridge.Bridge and vncbridge.Bridge
// both implement; runListener drives either one through an accept loop
// grounded on internal/server.Server.Serve/acceptOnce.
type frontend interface {
	Accept(conn net.Conn) (*bridge.Slot, error)
	Release(slot *bridge.Slot)
	OnRecv(slot *bridge.Slot, data []byte) error
}

// runListener opens addr, reports readiness by closing ready, and
// accepts connections until ctx is cancelled, handing each one to fe.
func runListener(ctx context.Context, addr string, fe frontend, name string, l *slog.Logger, ready chan<- struct{}) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	l.Info("tcp_listen", "bridge", name, "addr", ln.Addr().String())
	close(ready)
	go func() { <-ctx.Done(); _ = ln.Close() }()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go serveConn(fe, conn, name, l)
	}
}

func serveConn(fe frontend, conn net.Conn, name string, l *slog.Logger) {
	slot, err := fe.Accept(conn)
	if err != nil {
		l.Warn("accept_rejected", "bridge", name, "error", err)
		return
	}
	defer fe.Release(slot)
	buf := make([]byte, 4096)
	for {
		slot.WaitUnheld()
		n, err := conn.Read(buf)
		if n > 0 {
			if rerr := fe.OnRecv(slot, buf[:n]); rerr != nil {
				l.Info("connection_closed", "bridge", name, "error", rerr)
				_ = conn.Close()
				return
			}
		}
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				l.Debug("read_end", "bridge", name, "error", err)
			}
			return
		}
	}
}
