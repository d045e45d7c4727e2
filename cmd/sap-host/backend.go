package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-sap-host/internal/channel"
	"github.com/kstaniek/go-sap-host/internal/fwsim"
	"github.com/kstaniek/go-sap-host/internal/session"
)

// initBackend opens the firmware byte channel. For the loopback backend the
// second return value is the far end, later handed to the in-process
// firmware simulator; it is nil for real hardware.
func initBackend(cfg *appConfig, l *slog.Logger) (channel.Channel, channel.Channel, func(), error) {
	switch cfg.backend {
	case "serial":
		ch, err := channel.OpenSerial(cfg.serialDev, cfg.baud, cfg.serialReadTO)
		if err != nil {
			return nil, nil, func() {}, fmt.Errorf("open serial: %w", err)
		}
		l.Info("serial_open", "device", cfg.serialDev, "baud", cfg.baud)
		return ch, nil, func() { _ = ch.Close() }, nil
	case "loopback":
		hostEnd, fwEnd := channel.Loopback(64)
		l.Info("loopback_open")
		return hostEnd, fwEnd, func() { _ = fwEnd.Close() }, nil
	default:
		return nil, nil, func() {}, fmt.Errorf("unknown backend %q (use serial|loopback)", cfg.backend)
	}
}

// startLoopbackSim runs the in-process firmware on the far channel end and
// flips its feature on once the handshake lands, so the loopback daemon
// exercises the data path out of the box.
func startLoopbackSim(ctx context.Context, sess *session.Session, fwEnd channel.Channel, l *slog.Logger, wg *sync.WaitGroup) error {
	sim, err := fwsim.New(sess.Region(), sess.Sizes(), fwEnd, fwsim.WithLogger(l))
	if err != nil {
		return err
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := sim.Run(ctx); err != nil && ctx.Err() == nil {
			l.Warn("fwsim_exit", "error", err)
		}
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(10 * time.Millisecond)
		defer t.Stop()
		for !sim.Started() {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
		}
		if err := sim.EnableFeature(true); err != nil {
			l.Warn("fwsim_feature_enable_failed", "error", err)
		}
	}()
	return nil
}
