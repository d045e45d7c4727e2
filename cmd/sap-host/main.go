package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/kstaniek/go-sap-host/internal/bridge"
	"github.com/kstaniek/go-sap-host/internal/metrics"
	"github.com/kstaniek/go-sap-host/internal/profile"
	"github.com/kstaniek/go-sap-host/internal/session"
)

// Helper implementations live in dedicated files: version.go, config.go,
// logger.go, backend.go, events.go, sink.go, mdns.go, metrics_logger.go.

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("sap-host %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(2)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)

	if cfg.profilesFile != "" {
		res, err := profile.Load(cfg.profilesFile)
		if err != nil {
			l.Error("profile_load_error", "error", err)
			os.Exit(1)
		}
		if cfg.deviceID != "" {
			if ov, ok := res.Lookup(cfg.deviceID); ok {
				if err := cfg.applyProfile(ov); err != nil {
					l.Error("profile_apply_error", "error", err)
					os.Exit(1)
				}
				l.Info("profile_applied", "device", cfg.deviceID, "keys", len(ov))
			} else {
				l.Warn("profile_not_found", "device", cfg.deviceID)
			}
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	ch, fwEnd, cleanup, berr := initBackend(cfg, l)
	if berr != nil {
		l.Error("backend_init_error", "error", berr)
		os.Exit(1)
	}

	sink, err := initSink(cfg.sink, l)
	if err != nil {
		l.Error("sink_init_error", "error", err)
		os.Exit(1)
	}

	events := newLogEvents(l)
	sess, err := session.New(ch,
		session.WithLogger(l),
		session.WithEvents(events),
		session.WithCSAThrottle(cfg.csaThrottle),
		session.WithOwnershipTimeout(cfg.ownershipTO),
		session.WithNVMTimeout(cfg.nvmTO),
	)
	if err != nil {
		l.Error("session_init_error", "error", err)
		os.Exit(1)
	}
	br := bridge.New(sess, bridge.WithSink(sink), bridge.WithLogger(l))
	sess.SetDataPath(br)

	go func() {
		if err := sess.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			l.Error("session_error", "error", err)
			cancel()
		}
	}()

	if fwEnd != nil {
		if err := startLoopbackSim(ctx, sess, fwEnd, l, &wg); err != nil {
			l.Error("fwsim_init_error", "error", err)
			os.Exit(1)
		}
	}

	if cfg.requestOwnership {
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case <-events.Connected():
			case <-ctx.Done():
				return
			}
			if err := sess.RequestOwnership(ctx); err != nil {
				l.Warn("ownership_request_failed", "error", err)
				return
			}
			l.Info("radio_ownership_granted")
			nvm, err := sess.GetNVM(ctx)
			if err != nil {
				l.Warn("nvm_fetch_failed", "error", err)
				return
			}
			l.Info("nvm_fetched",
				"hw_addr", net.HardwareAddr(nvm.HwAddr[:]).String(),
				"nvm_version", nvm.NVMVersion)
		}()
	}

	metrics.SetReadinessFunc(func() bool { return sess.Connected() && ctx.Err() == nil })
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()

		// Advertise the metrics endpoint once we know its port.
		if _, p, err := net.SplitHostPort(cfg.metricsAddr); err == nil {
			if portNum, perr := strconv.Atoi(p); perr == nil && portNum > 0 {
				cleanupMDNS, merr := startMDNS(ctx, cfg, portNum)
				if merr != nil {
					l.Warn("mdns_start_failed", "error", merr)
				} else {
					defer cleanupMDNS()
					if cfg.mdnsEnable {
						l.Info("mdns_started", "service", mdnsServiceType, "port", portNum)
					}
				}
			}
		}
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sigCh:
		l.Info("shutdown_signal", "signal", s.String())
	case <-ctx.Done():
	}
	if err := sess.Close(); err != nil {
		l.Warn("session_close_error", "error", err)
	}
	cancel()
	cleanup()
	wg.Wait()
}
