package main

import (
	"log/slog"
	"sync"

	"github.com/kstaniek/go-sap-host/internal/sap"
)

// logEvents is the daemon's session notification surface: it logs everything
// and exposes a channel that closes once the session connects, used to gate
// startup actions like the initial ownership request.
type logEvents struct {
	l         *slog.Logger
	connected chan struct{}
	once      sync.Once
}

func newLogEvents(l *slog.Logger) *logEvents {
	return &logEvents{l: l, connected: make(chan struct{})}
}

func (e *logEvents) Connected() <-chan struct{} { return e.connected }

func (e *logEvents) SapConnected() {
	e.l.Info("sap_connected")
	e.once.Do(func() { close(e.connected) })
}

func (e *logEvents) ConnStatus(status sap.ConnStatus) {
	e.l.Info("conn_status",
		"link_prot_state", status.LinkProtState,
		"ssid", string(status.Info.SSID),
		"channel", status.Info.Channel,
		"band", status.Info.Band,
	)
}

func (e *logEvents) RadioStateRequest(enabled bool) {
	e.l.Info("radio_state_request", "enabled", enabled)
}

func (e *logEvents) ForcedRelease() {
	e.l.Warn("radio_ownership_reclaimed")
}

func (e *logEvents) DeviceStolen() {
	e.l.Error("firmware_channel_lost")
}
