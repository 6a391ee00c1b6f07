package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/uartbridge/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				snap := metrics.Snap()
				l.Info("metrics_snapshot",
					"tlv_rx", snap.TLVRx,
					"tlv_tx", snap.TLVTx,
					"tlv_would_block", snap.TLVWouldBlock,
					"tlv_malformed", snap.TLVMalformed,
					"hid_sent", snap.HIDSent,
					"errors", snap.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
