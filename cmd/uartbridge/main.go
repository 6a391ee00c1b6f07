package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/kstaniek/uartbridge/internal/console"
	"github.com/kstaniek/uartbridge/internal/metrics"
	"github.com/kstaniek/uartbridge/internal/serialbridge"
	"github.com/kstaniek/uartbridge/internal/tlv"
	"github.com/kstaniek/uartbridge/internal/uart"
	"github.com/kstaniek/uartbridge/internal/vncbridge"
	"github.com/kstaniek/uartbridge/internal/watchdog"
)

// Helper implementations moved to dedicated files: version.go, config.go,
// logger.go, mdns.go, metrics_logger.go, listener.go.

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("uartbridge %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	l.Info("build_info", "version", version, "commit", commit, "date", date)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	var wd *watchdog.Watchdog
	if cfg.watchdogPath != "" {
		w, err := watchdog.Open(cfg.watchdogPath)
		if err != nil {
			l.Warn("watchdog_open_failed", "path", cfg.watchdogPath, "error", err)
		} else {
			wd = w
		}
	}
	defer func() { _ = wd.Close() }()

	port, err := uart.Open(cfg.uartDev, cfg.baud, cfg.uartReadTO)
	if err != nil {
		l.Error("uart_open_error", "device", cfg.uartDev, "error", err)
		return
	}
	defer func() { _ = port.Close() }()
	l.Info("uart_open", "device", cfg.uartDev, "baud", cfg.baud)

	// Serialized so concurrent Send calls from both bridges never
	// interleave bytes on the wire; the UART link is otherwise shared.
	var writeMu sync.Mutex
	write := func(p []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_, err := port.Write(p)
		return err
	}
	framer := tlv.NewFramer(write, func() int64 { return time.Now().UnixNano() }, nil, nil)
	deframer := tlv.NewDeframer(framer)

	var sink console.Sink = console.NewStdout()
	if cfg.redisAddr != "" {
		rs, err := console.NewRedis(cfg.redisAddr, cfg.redisPass, cfg.redisDB, cfg.redisChannel, "uartbridge")
		if err != nil {
			l.Warn("redis_sink_disabled", "error", err)
		} else {
			sink = console.Multi{sink, rs}
			defer func() { _ = rs.Close() }()
		}
	}
	deframer.SetSink(sink)

	serialBr := serialbridge.New("serial", cfg.maxConn, framer, sink)
	serialBr.RegisterHandlers(deframer)

	vncBr := vncbridge.New("vnc", cfg.maxConn, framer, cfg.vncPassword)
	vncBr.RegisterHandlers(deframer)

	kick := func() {}
	if wd != nil {
		kick = wd.KickFunc()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			if ctx.Err() != nil {
				return
			}
			b, err := uart.PollOneByte(port, kick)
			if len(b) > 0 {
				deframer.Feed(b)
			}
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				continue // read timeout or transient error; keep polling
			}
		}
	}()

	telnetReady := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := runListener(ctx, cfg.telnetListen, serialBr, "serial", l, telnetReady); err != nil {
			l.Error("telnet_listener_error", "error", err)
			cancel()
		}
	}()

	vncReady := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := runListener(ctx, cfg.vncListen, vncBr, "vnc", l, vncReady); err != nil {
			l.Error("vnc_listener_error", "error", err)
			cancel()
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		sweepPoolsPeriodically(ctx, serialBr, vncBr)
	}()

	startMDNSFor(ctx, cfg, l, telnetReady, mdnsTelnetServiceType, cfg.telnetListen)
	startMDNSFor(ctx, cfg, l, vncReady, mdnsVNCServiceType, cfg.vncListen)

	metrics.SetReadinessFunc(func() bool {
		select {
		case <-telnetReady:
		default:
			return false
		}
		select {
		case <-vncReady:
		default:
			return false
		}
		return ctx.Err() == nil
	})
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	s := <-sigCh
	l.Info("shutdown_signal", "signal", s.String())
	cancel()
	wg.Wait()
}

// sweepPoolsPeriodically reclaims drained, closed slots so a fully
// disconnected client's buffer doesn't pin a pool slot forever.
func sweepPoolsPeriodically(ctx context.Context, serialBr *serialbridge.Bridge, vncBr *vncbridge.Bridge) {
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			serialBr.Sweep()
			vncBr.Sweep()
			serialBr.DrainAll()
			vncBr.DrainAll()
		case <-ctx.Done():
			return
		}
	}
}

func startMDNSFor(ctx context.Context, cfg *appConfig, l *slog.Logger, ready <-chan struct{}, serviceType, listenAddr string) {
	go func() {
		if !cfg.mdnsEnable {
			return
		}
		select {
		case <-ready:
		case <-ctx.Done():
			return
		}
		port := portFromAddr(listenAddr)
		cleanup, err := startMDNS(ctx, cfg, serviceType, port)
		if err != nil {
			l.Warn("mdns_start_failed", "service", serviceType, "error", err)
			return
		}
		l.Info("mdns_started", "service", serviceType, "name", cfg.mdnsName, "port", port)
		go func() { <-ctx.Done(); cleanup() }()
	}()
}

func portFromAddr(addr string) int {
	if _, p, err := net.SplitHostPort(addr); err == nil {
		if n, err := strconv.Atoi(p); err == nil {
			return n
		}
	}
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		if n, err := strconv.Atoi(addr[i+1:]); err == nil {
			return n
		}
	}
	return 0
}
