package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-sap-host/internal/metrics"
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
					"notif_tx", snap.NotifTx,
					"notif_rx", snap.NotifRx,
					"data_tx", snap.DataTx,
					"data_rx", snap.DataRx,
					"signals", snap.Signals,
					"throttled", snap.Throttled,
					"overflows", snap.Overflows,
					"corruptions", snap.Corruptions,
					"filter_copy", snap.FilterCopy,
					"filter_drop", snap.FilterDrop,
					"malformed", snap.Malformed,
					"errors", snap.Errors,
					"connected", snap.Connected,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
