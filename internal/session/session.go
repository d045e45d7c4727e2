// Package session implements the host side of the shared-memory protocol:
// the handshake over the byte channel, the notification dispatcher, radio
// ownership arbitration, and the teardown sequencing that keeps the far side
// from touching memory we are about to release.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/kstaniek/go-sap-host/internal/channel"
	"github.com/kstaniek/go-sap-host/internal/filter"
	"github.com/kstaniek/go-sap-host/internal/logging"
	"github.com/kstaniek/go-sap-host/internal/metrics"
	"github.com/kstaniek/go-sap-host/internal/ring"
	"github.com/kstaniek/go-sap-host/internal/sap"
	"github.com/kstaniek/go-sap-host/internal/shmem"
)

const (
	defaultCSAThrottle      = 100 * time.Millisecond
	defaultOwnershipTimeout = 500 * time.Millisecond
	defaultNVMTimeout       = 2 * time.Second

	drainPollInterval = 5 * time.Millisecond
	drainPollRetries  = 9 // first attempt plus nine retries
)

// hostConfig is the configuration replayed to the firmware whenever it
// enables its wireless management feature. The firmware forgets host state
// across feature flips, so the host keeps the authoritative copy.
type hostConfig struct {
	linkUp     *sap.LinkUp
	nicInfo    *sap.NicInfo
	sarLimits  *[sap.SarChainCount]uint16
	mcc        uint16
	hasMCC     bool
	radioState uint32
	hasRadio   bool
}

// Session coordinates one connection to the firmware processor.
//
// Lock order: the data path's registration lock (taken by DataPath.SetActive)
// comes before mu; dataMu is independent and only guards the outbound data
// queue. mu is never held across a blocking wait on the firmware.
type Session struct {
	ch     channel.Channel
	region *shmem.Region
	layout *shmem.Layout
	sizes  shmem.Sizes
	logger *slog.Logger

	events   Events
	dataPath atomic.Pointer[dataPathBox]

	mu                sync.Mutex
	featureEnabled    bool
	ownsRadio         bool
	fwTakingOwnership bool
	cache             hostConfig
	ownCh             chan bool
	nvmCh             chan sap.NVMData
	pongCh            chan struct{}
	nvm               *sap.NVMData
	csaThrottled      bool
	csaTimer          *time.Timer

	// dataMu serializes writers of the outbound data queue. The packet hot
	// path never touches mu.
	dataMu sync.Mutex

	// rxMu is held for the whole of an inbound decode pass. Close acquires
	// it after marking the session closed and before releasing the region,
	// so a pass parked inside a handler can never resume against unmapped
	// memory. Taken before mu: handlers lock mu inside the pass.
	rxMu sync.Mutex

	connected atomic.Bool
	notifSeq  atomic.Uint32
	dataSeq   atomic.Uint32
	chanSeq   atomic.Uint32

	notifier  *asyncNotifier
	closing   chan struct{}
	closeOnce sync.Once

	csaThrottle      time.Duration
	ownershipTimeout time.Duration
	nvmTimeout       time.Duration

	filters filter.Table
}

// dataPathBox wraps the interface so swapping it stays a single pointer store.
type dataPathBox struct{ dp DataPath }

// Option configures a Session.
type Option func(*Session)

// WithLogger overrides the process logger for this session.
func WithLogger(l *slog.Logger) Option { return func(s *Session) { s.logger = l } }

// WithEvents registers the owner's notification surface.
func WithEvents(ev Events) Option { return func(s *Session) { s.events = ev } }

// WithSizes overrides the queue capacities. Tests shrink them to force
// wrap-around and overflow quickly.
func WithSizes(sz shmem.Sizes) Option { return func(s *Session) { s.sizes = sz } }

// WithCSAThrottle overrides the doorbell throttle window.
func WithCSAThrottle(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.csaThrottle = d
		}
	}
}

// WithOwnershipTimeout bounds RequestOwnership when the caller's context
// carries no deadline of its own.
func WithOwnershipTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.ownershipTimeout = d
		}
	}
}

// WithNVMTimeout bounds GetNVM when the caller's context carries no deadline.
func WithNVMTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.nvmTimeout = d
		}
	}
}

// New allocates the shared region, lays out the queues, and binds the
// session to the given byte channel. The handshake does not start until Run.
func New(ch channel.Channel, opts ...Option) (*Session, error) {
	s := &Session{
		ch:               ch,
		sizes:            shmem.DefaultSizes(),
		logger:           logging.L(),
		csaThrottle:      defaultCSAThrottle,
		ownershipTimeout: defaultOwnershipTimeout,
		nvmTimeout:       defaultNVMTimeout,
		closing:          make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.dataPath.Store(&dataPathBox{dp: nopDataPath{}})
	s.notifSeq.Store(sap.InitNotifSeq)
	s.dataSeq.Store(sap.InitDataSeq)

	region, err := shmem.Alloc(s.sizes)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	layout, err := shmem.Init(region, s.sizes)
	if err != nil {
		region.Release()
		return nil, fmt.Errorf("session: %w", err)
	}
	s.region = region
	s.layout = layout
	s.notifier = newAsyncNotifier(context.Background(), s.signalAreaChanged)
	return s, nil
}

// Region exposes the shared arena so the far side (simulator, tests) can
// attach to the same memory.
func (s *Session) Region() *shmem.Region { return s.region }

// Sizes returns the queue capacities this session allocated.
func (s *Session) Sizes() shmem.Sizes { return s.sizes }

// Connected reports whether the handshake completed and the session is live.
func (s *Session) Connected() bool { return s.connected.Load() }

// SetDataPath wires the packet bridge. Pass nil to detach.
func (s *Session) SetDataPath(dp DataPath) {
	if dp == nil {
		dp = nopDataPath{}
	}
	s.dataPath.Store(&dataPathBox{dp: dp})
}

func (s *Session) path() DataPath { return s.dataPath.Load().dp }

// CurrentFilters returns the packet filter snapshot last pushed by the
// firmware, or nil before the first push.
func (s *Session) CurrentFilters() *filter.Set { return s.filters.Load() }

// Run sends the start message and services the byte channel until the
// context is canceled or the session is closed. It owns the receive side of
// the channel; exactly one Run per session.
func (s *Session) Run(ctx context.Context) error {
	if err := s.sendStart(); err != nil {
		metrics.IncError(metrics.ErrHandshake)
		return err
	}

	buf := make([]byte, 4096)
	for {
		n, err := s.ch.Recv(buf)
		if err != nil {
			select {
			case <-s.closing:
				return nil
			default:
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// The transport vanished underneath a live session.
			metrics.IncError(metrics.ErrChanRecv)
			if s.connected.Swap(false) {
				metrics.SetConnected(false)
				if s.events != nil {
					s.events.DeviceStolen()
				}
			}
			return fmt.Errorf("session: channel receive: %w", err)
		}
		if err := s.handleChanMsg(buf[:n]); err != nil {
			s.logger.Warn("channel message rejected", "err", err)
			metrics.IncError(mapErrToMetric(err))
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (s *Session) sendStart() error {
	msg := sap.NewStart(s.chanSeq.Add(1))
	if _, err := s.ch.Send(msg.Encode()); err != nil {
		return fmt.Errorf("session: send start: %w", err)
	}
	s.logger.Debug("start sent", "version", sap.Version)
	return nil
}

func (s *Session) handleChanMsg(b []byte) error {
	hdr, err := sap.ParseChanHeader(b)
	if err != nil {
		return err
	}
	switch hdr.Type {
	case sap.ChanMsgStartOK:
		return s.handleStartOK(b)
	case sap.ChanMsgCheckSharedArea:
		s.processSharedArea()
		return nil
	default:
		s.logger.Debug("unknown channel message", "type", hdr.Type, "seq", hdr.Seq)
		return nil
	}
}

func (s *Session) handleStartOK(b []byte) error {
	ok, err := sap.ParseStartOK(b)
	if err != nil {
		return err
	}
	if ok.Version != sap.Version {
		// No downgrade path: stay unbound and let the operator sort the
		// firmware out.
		s.logger.Error("firmware speaks unsupported version",
			"got", ok.Version, "want", sap.Version)
		return fmt.Errorf("%w: firmware version %d", ErrProtocolMismatch, ok.Version)
	}

	s.mu.Lock()
	s.connected.Store(true)
	metrics.SetConnected(true)
	var sendErr error
	if s.events != nil {
		sendErr = s.sendFrameLocked(sap.MsgDriverUp, nil)
	}
	s.mu.Unlock()

	if sendErr != nil {
		s.logger.Warn("driver-up notification failed", "err", sendErr)
	}
	s.logger.Info("session established", "version", ok.Version)
	if s.events != nil {
		s.events.SapConnected()
	}
	return nil
}

// sendFrameLocked frames a notification into the outbound notification queue
// and rings the doorbell. Callers hold mu.
func (s *Session) sendFrameLocked(typ uint16, payload []byte) error {
	if !s.connected.Load() {
		return ErrNotConnected
	}
	hdr := sap.Header{Type: typ, Len: uint16(len(payload)), Seq: s.notifSeq.Add(1) - 1}
	q := s.layout.Queue(shmem.HostToFw, shmem.Notif)
	var err error
	if payload == nil {
		err = q.Write(hdr)
	} else {
		err = q.Write(hdr, payload)
	}
	if err != nil {
		if isOverflow(err) {
			metrics.IncOverflow()
		}
		metrics.IncError(metrics.ErrEnqueue)
		return fmt.Errorf("session: enqueue type %d: %w", typ, err)
	}
	metrics.IncNotifTx()
	s.signalAreaChangedLocked()
	return nil
}

func isOverflow(err error) bool { return errors.Is(err, ring.ErrOverflow) }

// signalAreaChanged is the unlocked entry used by the async doorbell funnel.
func (s *Session) signalAreaChanged() {
	s.mu.Lock()
	s.signalAreaChangedLocked()
	s.mu.Unlock()
}

// signalAreaChangedLocked sends the check-shared-area doorbell unless one was
// sent inside the current throttle window. A throttled request is not lost:
// the window expiry re-checks the outbound queues and resends if bytes still
// sit there.
func (s *Session) signalAreaChangedLocked() {
	if !s.connected.Load() {
		return
	}
	if s.csaThrottled {
		metrics.IncAreaSignalThrottled()
		return
	}
	s.sendCSALocked()
	s.csaThrottled = true
	s.csaTimer = time.AfterFunc(s.csaThrottle, s.throttleEnd)
}

func (s *Session) sendCSALocked() {
	if _, err := s.ch.Send(sap.NewCheckSharedArea(s.chanSeq.Add(1))); err != nil {
		metrics.IncError(metrics.ErrChanSend)
		s.logger.Warn("doorbell send failed", "err", err)
		return
	}
	metrics.IncAreaSignal()
}

func (s *Session) throttleEnd() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.csaThrottled = false
	if !s.connected.Load() {
		return
	}
	if s.layout.HostDataPending() {
		s.sendCSALocked()
		s.csaThrottled = true
		s.csaTimer = time.AfterFunc(s.csaThrottle, s.throttleEnd)
	}
}

// processSharedArea drains both inbound queues: the notification queue first,
// dispatching each frame (handlers lock what they need; mu is not held across
// the pass), then the data queue, whose packets are copied out under mu and
// delivered to the data path after unlocking. rxMu covers the entire pass;
// once the session is closed no new pass may start, because the region is
// about to go away.
func (s *Session) processSharedArea() {
	s.rxMu.Lock()
	defer s.rxMu.Unlock()
	select {
	case <-s.closing:
		return
	default:
	}

	notifQ := s.layout.Queue(shmem.FwToHost, shmem.Notif)
	n, err := notifQ.ReadPass(func(f sap.Frame) {
		metrics.IncNotifRx()
		s.dispatch(f)
	})
	if err != nil {
		metrics.IncCorruption()
		s.logger.Warn("notification queue corrupted, tail discarded",
			"delivered", n, "err", err)
	}

	var pkts [][]byte
	s.mu.Lock()
	dataQ := s.layout.Queue(shmem.FwToHost, shmem.Data)
	_, err = dataQ.ReadPass(func(f sap.Frame) {
		if len(f.Payload) == 0 {
			metrics.IncMalformed()
			s.logger.Debug("empty data frame dropped", "seq", f.Seq)
			return
		}
		if len(f.Payload) < 14 {
			// Shorter than a link-layer header; the stack upstairs
			// decides what to make of it.
			s.logger.Warn("undersized data frame", "len", len(f.Payload), "seq", f.Seq)
		}
		pkts = append(pkts, append([]byte(nil), f.Payload...))
	})
	s.mu.Unlock()
	if err != nil {
		metrics.IncCorruption()
		s.logger.Warn("data queue corrupted, tail discarded", "err", err)
	}

	dp := s.path()
	for _, pkt := range pkts {
		metrics.AddDataRx(len(pkt))
		dp.DeliverInbound(pkt)
	}
}

// RequestOwnership asks the firmware to hand the radio to the host and waits
// for its verdict. A timeout is not a denial: the radio state is unknown and
// the caller may retry.
func (s *Session) RequestOwnership(ctx context.Context) error {
	s.mu.Lock()
	if !s.connected.Load() {
		s.mu.Unlock()
		return ErrNotConnected
	}
	if s.ownsRadio {
		s.mu.Unlock()
		return nil
	}
	if s.ownCh != nil {
		s.mu.Unlock()
		return fmt.Errorf("session: ownership request already in flight")
	}
	ch := make(chan bool, 1)
	s.ownCh = ch
	err := s.sendFrameLocked(sap.MsgHostAsksForOwnership, nil)
	if err != nil {
		s.ownCh = nil
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.ownershipTimeout)
		defer cancel()
	}

	select {
	case granted := <-ch:
		if !granted {
			metrics.IncOwnership(metrics.OwnDenied)
			return ErrOwnershipDenied
		}
		metrics.IncOwnership(metrics.OwnGranted)
		return nil
	case <-ctx.Done():
		s.clearOwnWaiter(ch)
		metrics.IncOwnership(metrics.OwnTimeout)
		return fmt.Errorf("%w: ownership answer", ErrTimeout)
	case <-s.closing:
		s.clearOwnWaiter(ch)
		return ErrSessionEnded
	}
}

func (s *Session) clearOwnWaiter(ch chan bool) {
	s.mu.Lock()
	if s.ownCh == ch {
		s.ownCh = nil
	}
	s.mu.Unlock()
}

// GetNVM fetches the firmware's non-volatile configuration. The first fetch
// round-trips to the firmware; later calls return the cached copy.
func (s *Session) GetNVM(ctx context.Context) (sap.NVMData, error) {
	s.mu.Lock()
	if s.nvm != nil {
		nvm := *s.nvm
		s.mu.Unlock()
		return nvm, nil
	}
	if !s.connected.Load() {
		s.mu.Unlock()
		return sap.NVMData{}, ErrNotConnected
	}
	if s.nvmCh != nil {
		s.mu.Unlock()
		return sap.NVMData{}, fmt.Errorf("session: nvm fetch already in flight")
	}
	ch := make(chan sap.NVMData, 1)
	s.nvmCh = ch
	err := s.sendFrameLocked(sap.MsgGetNVM, nil)
	if err != nil {
		s.nvmCh = nil
	}
	s.mu.Unlock()
	if err != nil {
		return sap.NVMData{}, err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.nvmTimeout)
		defer cancel()
	}

	select {
	case nvm := <-ch:
		return nvm, nil
	case <-ctx.Done():
		s.mu.Lock()
		if s.nvmCh == ch {
			s.nvmCh = nil
		}
		s.mu.Unlock()
		return sap.NVMData{}, fmt.Errorf("%w: nvm answer", ErrTimeout)
	case <-s.closing:
		return sap.NVMData{}, ErrSessionEnded
	}
}

// Ping round-trips a liveness probe through the queues.
func (s *Session) Ping(ctx context.Context) error {
	s.mu.Lock()
	if s.pongCh != nil {
		s.mu.Unlock()
		return fmt.Errorf("session: ping already in flight")
	}
	ch := make(chan struct{}, 1)
	s.pongCh = ch
	err := s.sendFrameLocked(sap.MsgPing, nil)
	if err != nil {
		s.pongCh = nil
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		if s.pongCh == ch {
			s.pongCh = nil
		}
		s.mu.Unlock()
		return fmt.Errorf("%w: pong", ErrTimeout)
	case <-s.closing:
		return ErrSessionEnded
	}
}

// SetRadioState records and reports the kill-switch state. The value is
// cached and replayed whenever the firmware re-enables its feature.
func (s *Session) SetRadioState(swEnabled, hwEnabled bool) error {
	var v uint32
	if swEnabled {
		v |= sap.SwRadioKillDeasserted
	}
	if hwEnabled {
		v |= sap.HwRadioKillDeasserted
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.radioState = v
	s.cache.hasRadio = true
	if !s.connected.Load() {
		return nil
	}
	var b [4]byte
	sap.PutDWord(b[:], v)
	return s.sendFrameLocked(sap.MsgRadioState, b[:])
}

// SetNicInfo records and reports the interface addresses.
func (s *Session) SetNicInfo(ni sap.NicInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.nicInfo = &ni
	if !s.connected.Load() {
		return nil
	}
	return s.sendFrameLocked(sap.MsgNicInfo, ni.Encode())
}

// SetCountryCode records and reports the regulatory country (MCC).
func (s *Session) SetCountryCode(mcc uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.mcc = mcc
	s.cache.hasMCC = true
	if !s.connected.Load() {
		return nil
	}
	var b [4]byte
	sap.PutDWord(b[:], uint32(mcc))
	return s.sendFrameLocked(sap.MsgCountryCode, b[:])
}

// SetPowerLimit records and reports the per-chain transmit power table.
func (s *Session) SetPowerLimit(limits [sap.SarChainCount]uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := limits
	s.cache.sarLimits = &l
	if !s.connected.Load() {
		return nil
	}
	return s.sendFrameLocked(sap.MsgSarLimits, sap.EncodeSarLimits(limits))
}

// HostAssociated tells the firmware the host joined a network.
func (s *Session) HostAssociated(lu sap.LinkUp) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := lu
	s.cache.linkUp = &l
	if !s.connected.Load() {
		return nil
	}
	return s.sendFrameLocked(sap.MsgLinkUp, lu.Encode())
}

// HostDisassociated tells the firmware the host left its network.
func (s *Session) HostDisassociated() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.linkUp = nil
	if !s.connected.Load() {
		return nil
	}
	return s.sendFrameLocked(sap.MsgLinkDown, nil)
}

// DeviceDown reports the host radio going quiet. If the firmware announced
// it was taking the radio, this is the moment the handover completes.
func (s *Session) DeviceDown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ownsRadio = false
	if !s.connected.Load() {
		return nil
	}
	if s.fwTakingOwnership {
		s.fwTakingOwnership = false
		return s.sendFrameLocked(sap.MsgFirmwareOwnershipConfirmed, nil)
	}
	return s.sendFrameLocked(sap.MsgDriverDown, nil)
}

// EnqueueTxPacket frames a host packet into the outbound data queue. Called
// by the bridge from its hot path; holds only dataMu. status carries the
// fired filter rule bits for the callback framing variant; pass notify=false
// for plain passthrough copies.
func (s *Session) EnqueueTxPacket(pkt []byte, notify bool, status uint32) error {
	// The callback variant carries the larger framing; one limit covers both.
	const maxPkt = int(^uint16(0)) - (sap.CbDataHeaderSize - sap.HeaderSize)
	if len(pkt) > maxPkt {
		metrics.IncError(metrics.ErrEnqueue)
		return fmt.Errorf("%w: packet of %d bytes", ErrFrameTooLarge, len(pkt))
	}
	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	if !s.connected.Load() {
		return ErrNotConnected
	}
	q := s.layout.Queue(shmem.HostToFw, shmem.Data)
	var err error
	if notify {
		hdr := sap.Header{
			Type: sap.MsgCbDataPacket,
			Len:  uint16(sap.CbDataHeaderSize - sap.HeaderSize + len(pkt)),
			Seq:  s.dataSeq.Add(1) - 1,
		}
		var ext [sap.CbDataHeaderSize - sap.HeaderSize]byte
		sap.PutDWord(ext[0:4], status)
		sap.PutDWord(ext[4:8], uint32(len(pkt)))
		err = q.Write(hdr, ext[:], pkt)
	} else {
		hdr := sap.Header{
			Type: sap.MsgDataPacket,
			Len:  uint16(len(pkt)),
			Seq:  s.dataSeq.Add(1) - 1,
		}
		err = q.Write(hdr, pkt)
	}
	if err != nil {
		if isOverflow(err) {
			metrics.IncOverflow()
		}
		metrics.IncError(metrics.ErrEnqueue)
		return fmt.Errorf("session: enqueue packet: %w", err)
	}
	metrics.IncDataTx()
	s.notifier.Kick()
	return nil
}

// Close tears the session down: announce the host going away (throttle
// bypassed so the far side hears it now), give the firmware a bounded window
// to drain what we already queued, then stop everything and release the
// region. Safe to call more than once.
func (s *Session) Close() error {
	var firstErr error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		wasConnected := s.connected.Load()
		if wasConnected {
			hdr := sap.Header{Type: sap.MsgHostGoesDown, Len: 0, Seq: s.notifSeq.Add(1) - 1}
			if err := s.layout.Queue(shmem.HostToFw, shmem.Notif).Write(hdr); err != nil {
				s.logger.Warn("going-down notification not queued", "err", err)
				metrics.IncError(metrics.ErrTeardown)
			} else {
				metrics.IncNotifTx()
				s.sendCSALocked()
			}
		}
		if s.csaTimer != nil {
			s.csaTimer.Stop()
		}
		s.csaThrottled = true // no further doorbells
		s.mu.Unlock()

		if wasConnected {
			// Bounded drain poll, mu released: the far side needs the
			// queues while we wait.
			op := func() error {
				if s.layout.HostDataPending() {
					return fmt.Errorf("outbound queues not drained")
				}
				return nil
			}
			bo := backoff.WithMaxRetries(backoff.NewConstantBackOff(drainPollInterval), drainPollRetries)
			if err := backoff.Retry(op, bo); err != nil {
				s.logger.Warn("firmware did not drain outbound queues", "err", err)
				metrics.IncError(metrics.ErrTeardown)
			}
		}

		s.dataMu.Lock()
		s.connected.Store(false)
		s.dataMu.Unlock()
		metrics.SetConnected(false)

		close(s.closing)
		s.wakeWaiters()
		s.notifier.Close()
		if err := s.ch.Close(); err != nil {
			firstErr = fmt.Errorf("session: close channel: %w", err)
		}
		// Wait out any inbound decode pass still holding rxMu; closing is
		// already closed, so no new pass starts after this barrier.
		s.rxMu.Lock()
		s.rxMu.Unlock()
		if err := s.region.Release(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("session: %w", err)
		}
		s.logger.Info("session closed")
	})
	return firstErr
}

// wakeWaiters drops waiter registrations so blocked callers fall through to
// their closing case.
func (s *Session) wakeWaiters() {
	s.mu.Lock()
	s.ownCh = nil
	s.nvmCh = nil
	s.pongCh = nil
	s.mu.Unlock()
}
