package main

import (
	"fmt"
	"log/slog"

	"github.com/kstaniek/go-sap-host/internal/bridge"
)

// logSink logs inbound firmware packets; the useful deployment wires a real
// network path here, the daemon default just makes the traffic visible.
type logSink struct{ l *slog.Logger }

func (s *logSink) Deliver(pkt []byte) error {
	s.l.Info("fw_packet", "len", len(pkt))
	return nil
}

// discardSink drops inbound packets silently (benchmarking, soak tests).
type discardSink struct{}

func (discardSink) Deliver([]byte) error { return nil }

func initSink(name string, l *slog.Logger) (bridge.PacketSink, error) {
	switch name {
	case "log":
		return &logSink{l: l}, nil
	case "discard":
		return discardSink{}, nil
	default:
		return nil, fmt.Errorf("unknown sink %q (use log|discard)", name)
	}
}
