package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-can-debugger/internal/debugger"
	"github.com/kstaniek/go-can-debugger/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, client *debugger.Client, wg *sync.WaitGroup) {
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
				attrs := []any{
					"state", client.State().String(),
					"can_rx", snap.CANRx,
					"can_tx", snap.CANTx,
					"heartbeats", snap.HeartbeatsSent,
					"heartbeat_failures", snap.HeartbeatsFailed,
					"observer_failures", snap.ObserverFailures,
					"mirror_tx", snap.MirrorTx,
					"malformed", snap.Malformed,
					"errors", snap.Errors,
				}
				if st, ok := client.Stats(); ok {
					attrs = append(attrs,
						"link_connects", st.Connects,
						"link_read_failures", st.ReadFailures,
						"link_rx", st.RxTotal,
						"link_rx_processed", st.RxProcessed,
						"link_rx_ignored", st.RxIgnored,
						"link_tx", st.TxTotal,
					)
				}
				l.Info("metrics_snapshot", attrs...)
			case <-ctx.Done():
				return
			}
		}
	}()
}
