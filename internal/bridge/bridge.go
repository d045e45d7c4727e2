// Package bridge sits between the host packet path and the session: outbound
// host packets are matched against the firmware's filter snapshot and copied
// into the shared queues when a rule says so; inbound packets reconstructed
// from the queues are handed to a sink.
package bridge

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-sap-host/internal/filter"
	"github.com/kstaniek/go-sap-host/internal/logging"
	"github.com/kstaniek/go-sap-host/internal/metrics"
)

// PacketSink receives inbound link-layer frames reconstructed from the
// firmware's data queue.
type PacketSink interface {
	Deliver(pkt []byte) error
}

// Uplink is the session surface the bridge transmits through. Satisfied by
// *session.Session.
type Uplink interface {
	// EnqueueTxPacket copies a host packet into the outbound data queue;
	// notify selects the callback framing that reports fired rule bits.
	EnqueueTxPacket(pkt []byte, notify bool, status uint32) error
	// CurrentFilters returns the live filter snapshot, nil before the
	// first push.
	CurrentFilters() *filter.Set
}

// Bridge implements the session's DataPath. regMu is the registration lock;
// the session's feature-state handler runs its state flip under it, so it
// orders before the session's own mutex.
type Bridge struct {
	regMu  sync.Mutex
	active atomic.Bool
	uplink Uplink
	sink   PacketSink
	logger *slog.Logger
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger overrides the process logger.
func WithLogger(l *slog.Logger) Option { return func(b *Bridge) { b.logger = l } }

// WithSink wires the inbound packet destination. Without one, inbound
// packets are counted and discarded.
func WithSink(sink PacketSink) Option { return func(b *Bridge) { b.sink = sink } }

// New builds a bridge transmitting through the given uplink.
func New(uplink Uplink, opts ...Option) *Bridge {
	b := &Bridge{uplink: uplink, logger: logging.L()}
	for _, o := range opts {
		o(b)
	}
	return b
}

// SetActive flips the data path and runs fn under the registration lock.
// Called by the session when the firmware's feature state changes.
func (b *Bridge) SetActive(active bool, fn func()) {
	b.regMu.Lock()
	defer b.regMu.Unlock()
	b.active.Store(active)
	fn()
}

// Active reports whether the firmware currently wants the data path.
func (b *Bridge) Active() bool { return b.active.Load() }

// HandleHostPacket inspects one outbound host packet against the current
// filter snapshot. It returns true when the packet must be dropped from the
// host path (the firmware consumed it). Hot path: one snapshot load, no
// locks, and enqueue failures drop the copy rather than block.
func (b *Bridge) HandleHostPacket(pkt []byte) bool {
	if !b.active.Load() {
		return false
	}
	set := b.uplink.CurrentFilters()
	if set == nil {
		return false
	}
	v := set.Match(pkt)
	if v.CopyToFw || v.Notify {
		metrics.IncFilterCopy()
		if err := b.uplink.EnqueueTxPacket(pkt, v.Notify, v.FilterStatus); err != nil {
			b.logger.Debug("firmware copy dropped", "len", len(pkt), "err", err)
		}
	}
	if v.Drop {
		metrics.IncFilterDrop()
		return true
	}
	return false
}

// DeliverInbound hands a firmware-originated frame to the host packet path.
func (b *Bridge) DeliverInbound(pkt []byte) {
	if b.sink == nil {
		return
	}
	if err := b.sink.Deliver(pkt); err != nil {
		metrics.IncError(metrics.ErrDeliver)
		b.logger.Warn("inbound delivery failed", "len", len(pkt), "err", err)
	}
}
