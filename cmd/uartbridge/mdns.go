package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	mdnsTelnetServiceType = "_uartbridge-telnet._tcp"
	mdnsVNCServiceType    = "_uartbridge-vnc._tcp"
)

// startMDNS registers serviceType on port via mDNS and returns a
// cleanup function. It is safe to call even if disabled (no-op).
func startMDNS(ctx context.Context, cfg *appConfig, serviceType string, port int) (func(), error) {
	if !cfg.mdnsEnable {
		return func() {}, nil
	}
	instance := cfg.mdnsName
	if instance == "" {
		host, _ := os.Hostname()
		instance = fmt.Sprintf("uartbridge-%s", host)
	}
	meta := []string{
		"version=" + version,
		"commit=" + commit,
	}
	svc, err := zeroconf.Register(instance, serviceType, "local.", port, meta, nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register %s: %w", serviceType, err)
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		svc.Shutdown()
	}()
	return func() { close(done); svc.Shutdown(); time.Sleep(50 * time.Millisecond) }, nil
}
