package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/avast/retry-go"
	"github.com/spf13/cobra"

	"github.com/kstaniek/go-can-debugger/internal/ble"
	"github.com/kstaniek/go-can-debugger/internal/console"
	"github.com/kstaniek/go-can-debugger/internal/debugger"
	"github.com/kstaniek/go-can-debugger/internal/logging"
	"github.com/kstaniek/go-can-debugger/internal/metrics"
	"github.com/kstaniek/go-can-debugger/internal/socketcan"
	"github.com/kstaniek/go-can-debugger/internal/tcpjson"
	"github.com/kstaniek/go-can-debugger/internal/transport"
)

const (
	mirrorBuffer = 256
	retryDelay   = 500 * time.Millisecond
)

// permanentErr reports errors a retry cannot fix.
func permanentErr(err error) bool {
	for _, target := range []error{
		tcpjson.ErrTargetRequired,
		tcpjson.ErrBadPort,
		ble.ErrAddressRequired,
		ble.ErrUnsupported,
		transport.ErrAlreadyConnected,
		context.Canceled,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// connectWithRetry calls Connect up to attempts times with backoff.
func connectWithRetry(ctx context.Context, client *debugger.Client, target string, attempts int, l *slog.Logger) error {
	return retry.Do(
		func() error { return client.Connect(ctx, target) },
		retry.Context(ctx),
		retry.Attempts(uint(attempts)),
		retry.Delay(retryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool { return !permanentErr(err) }),
		retry.OnRetry(func(n uint, err error) {
			l.Warn("connect_retry", "attempt", n+1, "of", attempts, "error", err)
		}),
	)
}

// runSession connects tr to target and runs the console until the user quits
// or a signal arrives.
func runSession(cmd *cobra.Command, cfg *appConfig, tr transport.Transport, target string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	l := logging.L().With("transport", tr.Name())

	client := debugger.New(tr,
		debugger.WithHeartbeatInterval(cfg.heartbeat),
		debugger.WithConnectTimeout(cfg.connectTO),
		debugger.WithLogger(l),
	)
	con := console.New(cmd.OutOrStdout(), client)
	con.Attach(client)

	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, client, &wg)
	metrics.SetReadinessFunc(func() bool { return client.State() == debugger.Connected })
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srv := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srv.Shutdown(context.Background()) }()
	}

	if cfg.mirrorIf != "" {
		dev, err := socketcan.Open(cfg.mirrorIf)
		if err != nil {
			return fmt.Errorf("mirror interface: %w", err)
		}
		defer dev.Close()
		m := socketcan.NewMirror(ctx, dev, mirrorBuffer)
		defer func() {
			m.Close()
			st := m.Stats()
			l.Info("socketcan_mirror_stats", "written", st.Written, "dropped", st.Dropped, "failed", st.Failed)
		}()
		client.OnCANRx(m.Observe)
		l.Info("socketcan_mirror", "if", cfg.mirrorIf, "forward", cfg.forward)
		if cfg.forward {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := socketcan.Forward(ctx, dev, client.SendCANPacket); err != nil && ctx.Err() == nil {
					l.Error("socketcan_forward_stopped", "error", err)
				}
			}()
		}
	}

	if cfg.reconnect {
		startReconnector(ctx, client, target, cfg.retryAttempts, l, &wg)
	}
	if err := connectWithRetry(ctx, client, target, cfg.retryAttempts, l); err != nil {
		return err
	}

	if cfg.noPrompt {
		<-ctx.Done()
	} else {
		uiDone := make(chan error, 1)
		go func() { uiDone <- con.Run(ctx) }()
		select {
		case <-ctx.Done():
		case err := <-uiDone:
			if err != nil {
				l.Error("console_error", "error", err)
			}
		}
	}
	stop()
	_ = client.Disconnect()
	if st, ok := client.Stats(); ok {
		l.Info("link_stats",
			"connects", st.Connects,
			"read_failures", st.ReadFailures,
			"rx_total", st.RxTotal,
			"rx_processed", st.RxProcessed,
			"rx_ignored", st.RxIgnored,
			"tx_total", st.TxTotal,
		)
	}
	l.Info("shutdown")
	wg.Wait()
	return nil
}

// startReconnector reconnects after an unsolicited Connected -> Disconnected
// transition. The client never retries on its own.
func startReconnector(ctx context.Context, client *debugger.Client, target string, attempts int, l *slog.Logger, wg *sync.WaitGroup) {
	var up atomic.Bool
	lost := make(chan struct{}, 1)
	client.OnStateChange(func(s debugger.State) {
		switch s {
		case debugger.Connected:
			up.Store(true)
		case debugger.Disconnected:
			if up.Swap(false) {
				select {
				case lost <- struct{}{}:
				default:
				}
			}
		}
	})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-lost:
			}
			if ctx.Err() != nil {
				return
			}
			l.Info("reconnecting", "target", target)
			if err := connectWithRetry(ctx, client, target, attempts, l); err != nil && ctx.Err() == nil {
				l.Error("reconnect_failed", "error", err)
			}
		}
	}()
}
