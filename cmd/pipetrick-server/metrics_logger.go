package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/pipetrick-go/internal/metrics"
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
					"accepted", snap.Accepted,
					"admitted", snap.Admitted,
					"emfile", snap.EMFILE,
					"cancelled", snap.Cancelled,
					"timed_out", snap.TimedOut,
					"round_trips", snap.RoundTrips,
					"errors", snap.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
