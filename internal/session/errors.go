package session

import (
	"errors"

	"github.com/kstaniek/go-sap-host/internal/metrics"
)

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	// ErrNotConnected fails an operation fast while the session is
	// inactive; requests are never queued for a later connection.
	ErrNotConnected = errors.New("session: not connected")
	// ErrProtocolMismatch aborts the handshake on an unexpected version.
	// There is no automatic retry.
	ErrProtocolMismatch = errors.New("session: protocol mismatch")
	// ErrTimeout means a bounded wait elapsed with no firmware answer.
	// Callers must treat it as unknown state, never as a denial.
	ErrTimeout = errors.New("session: timeout")
	// ErrOwnershipDenied is the firmware's explicit refusal.
	ErrOwnershipDenied = errors.New("session: ownership denied")
	// ErrSessionEnded wakes blocked waiters during teardown.
	ErrSessionEnded = errors.New("session: ending")
	// ErrFrameTooLarge rejects a packet whose framed length does not fit
	// the 16-bit length field of a queue header.
	ErrFrameTooLarge = errors.New("session: frame too large")
)

// mapErrToMetric classifies receive-loop failures for the errors counter.
func mapErrToMetric(err error) string {
	if errors.Is(err, ErrProtocolMismatch) {
		return metrics.ErrHandshake
	}
	return metrics.ErrDispatch
}
