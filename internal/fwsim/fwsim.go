// Package fwsim is an in-process stand-in for the firmware processor. It
// attaches to the far side of a host session's shared region, answers the
// handshake, drains the host's queues when the doorbell rings, and lets
// callers script firmware behavior: ownership verdicts, feature flips,
// filter pushes, inbound packets. The loopback backend runs one of these so
// the daemon works end to end with no hardware; tests script it directly.
package fwsim

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-sap-host/internal/channel"
	"github.com/kstaniek/go-sap-host/internal/filter"
	"github.com/kstaniek/go-sap-host/internal/logging"
	"github.com/kstaniek/go-sap-host/internal/sap"
	"github.com/kstaniek/go-sap-host/internal/shmem"
)

// OwnershipPolicy scripts the answer to a host ownership request.
type OwnershipPolicy int

const (
	// Grant hands the radio over.
	Grant OwnershipPolicy = iota
	// Deny refuses explicitly (granted word = 0).
	Deny
	// Silent never answers; the host request times out.
	Silent
)

// Sim is one simulated firmware. Run drives it; the Push/Take methods let
// tests inject firmware-originated traffic at any point after the handshake.
type Sim struct {
	ch     channel.Channel
	layout *shmem.Layout
	logger *slog.Logger

	policy  OwnershipPolicy
	nvm     sap.NVMData
	filters *filter.Set

	mu       sync.Mutex // serializes f2h queue writers
	hostDown bool

	notifSeq atomic.Uint32
	dataSeq  atomic.Uint32
	chanSeq  atomic.Uint32
	started  atomic.Bool

	recvMu     sync.Mutex
	notifTypes []uint16
	dataPkts   [][]byte
}

// Option configures a Sim.
type Option func(*Sim)

// WithOwnershipPolicy scripts ownership request handling.
func WithOwnershipPolicy(p OwnershipPolicy) Option { return func(s *Sim) { s.policy = p } }

// WithNVM sets the configuration returned for NVM fetches.
func WithNVM(n sap.NVMData) Option { return func(s *Sim) { s.nvm = n } }

// WithLogger overrides the process logger.
func WithLogger(l *slog.Logger) Option { return func(s *Sim) { s.logger = l } }

// WithFilters sets the filter table pushed right after feature enable.
func WithFilters(set *filter.Set) Option { return func(s *Sim) { s.filters = set } }

// New attaches a simulator to the far side of an initialized region.
func New(region *shmem.Region, sizes shmem.Sizes, ch channel.Channel, opts ...Option) (*Sim, error) {
	layout, err := shmem.Attach(region, sizes)
	if err != nil {
		return nil, fmt.Errorf("fwsim: %w", err)
	}
	s := &Sim{
		ch:     ch,
		layout: layout,
		logger: logging.L(),
		policy: Grant,
	}
	s.nvm.HwAddr = [6]byte{0x02, 0x00, 0x00, 0x5a, 0x70, 0x01}
	s.nvm.NumHwAddrs = 1
	s.nvm.NVMVersion = 1
	for _, o := range opts {
		o(s)
	}
	s.notifSeq.Store(sap.InitNotifSeq)
	s.dataSeq.Store(sap.InitDataSeq)
	return s, nil
}

// Run services the byte channel until the context ends or the channel
// closes.
func (s *Sim) Run(ctx context.Context) error {
	buf := make([]byte, 4096)
	for {
		n, err := s.ch.Recv(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return nil
		}
		hdr, err := sap.ParseChanHeader(buf[:n])
		if err != nil {
			s.logger.Debug("fwsim: short channel message", "err", err)
			continue
		}
		switch hdr.Type {
		case sap.ChanMsgStart:
			s.handleStart(buf[:n])
		case sap.ChanMsgCheckSharedArea:
			s.drainHostQueues()
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (s *Sim) handleStart(b []byte) {
	start, err := sap.ParseStart(b)
	if err != nil {
		s.logger.Warn("fwsim: bad start message", "err", err)
		return
	}
	ok := sap.StartOK{
		ChanHeader: sap.ChanHeader{
			Type: sap.ChanMsgStartOK,
			Seq:  s.chanSeq.Add(1),
			Len:  sap.StartOKSize,
		},
		Version: start.SupportedVersions[0],
	}
	if _, err := s.ch.Send(ok.Encode()); err != nil {
		s.logger.Warn("fwsim: start-ok send failed", "err", err)
		return
	}
	s.started.Store(true)
}

// Started reports whether the handshake completed.
func (s *Sim) Started() bool { return s.started.Load() }

func (s *Sim) drainHostQueues() {
	notifQ := s.layout.Queue(shmem.HostToFw, shmem.Notif)
	if _, err := notifQ.ReadPass(s.handleHostNotif); err != nil {
		s.logger.Warn("fwsim: host notif queue corrupted", "err", err)
	}
	dataQ := s.layout.Queue(shmem.HostToFw, shmem.Data)
	if _, err := dataQ.ReadPass(s.handleHostData); err != nil {
		s.logger.Warn("fwsim: host data queue corrupted", "err", err)
	}
}

func (s *Sim) handleHostNotif(f sap.Frame) {
	s.recvMu.Lock()
	s.notifTypes = append(s.notifTypes, f.Type)
	s.recvMu.Unlock()

	switch f.Type {
	case sap.MsgPing:
		s.SendNotif(sap.MsgPong, nil)
	case sap.MsgGetNVM:
		s.SendNotif(sap.MsgNVM, s.nvm.Encode())
	case sap.MsgHostAsksForOwnership:
		switch s.policy {
		case Grant:
			var b [4]byte
			sap.PutDWord(b[:], 1)
			s.SendNotif(sap.MsgOwnershipGranted, b[:])
		case Deny:
			var b [4]byte
			sap.PutDWord(b[:], 0)
			s.SendNotif(sap.MsgOwnershipGranted, b[:])
		case Silent:
		}
	case sap.MsgHostGoesDown:
		s.mu.Lock()
		s.hostDown = true
		s.mu.Unlock()
	}
}

func (s *Sim) handleHostData(f sap.Frame) {
	pkt := f.Payload
	if f.Type == sap.MsgCbDataPacket {
		if len(pkt) < sap.CbDataHeaderSize-sap.HeaderSize {
			return
		}
		pkt = pkt[sap.CbDataHeaderSize-sap.HeaderSize:]
	}
	s.recvMu.Lock()
	s.dataPkts = append(s.dataPkts, append([]byte(nil), pkt...))
	s.recvMu.Unlock()
}

// SendNotif frames a firmware notification and rings the host's doorbell.
func (s *Sim) SendNotif(typ uint16, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hostDown {
		return fmt.Errorf("fwsim: host is down")
	}
	hdr := sap.Header{Type: typ, Len: uint16(len(payload)), Seq: s.notifSeq.Add(1) - 1}
	q := s.layout.Queue(shmem.FwToHost, shmem.Notif)
	var err error
	if payload == nil {
		err = q.Write(hdr)
	} else {
		err = q.Write(hdr, payload)
	}
	if err != nil {
		return fmt.Errorf("fwsim: enqueue notif: %w", err)
	}
	return s.ringDoorbell()
}

// SendDataPacket pushes one inbound packet toward the host.
func (s *Sim) SendDataPacket(pkt []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hostDown {
		return fmt.Errorf("fwsim: host is down")
	}
	hdr := sap.Header{Type: sap.MsgDataPacket, Len: uint16(len(pkt)), Seq: s.dataSeq.Add(1) - 1}
	if err := s.layout.Queue(shmem.FwToHost, shmem.Data).Write(hdr, pkt); err != nil {
		return fmt.Errorf("fwsim: enqueue packet: %w", err)
	}
	return s.ringDoorbell()
}

func (s *Sim) ringDoorbell() error {
	if _, err := s.ch.Send(sap.NewCheckSharedArea(s.chanSeq.Add(1))); err != nil {
		return fmt.Errorf("fwsim: doorbell: %w", err)
	}
	return nil
}

// EnableFeature announces the wireless management feature state, then pushes
// the configured filter table when coming up, matching real firmware order.
func (s *Sim) EnableFeature(enabled bool) error {
	var b [4]byte
	if enabled {
		sap.PutDWord(b[:], 1)
	}
	if err := s.SendNotif(sap.MsgFeatureState, b[:]); err != nil {
		return err
	}
	if enabled && s.filters != nil {
		return s.SendNotif(sap.MsgFilters, s.filters.Encode())
	}
	return nil
}

// PushConnStatus sends a connection status notification.
func (s *Sim) PushConnStatus(cs sap.ConnStatus) error {
	return s.SendNotif(sap.MsgConnStatus, cs.Encode())
}

// TakeOwnership simulates the firmware reclaiming the radio.
func (s *Sim) TakeOwnership() error {
	return s.SendNotif(sap.MsgTakingOwnership, nil)
}

// OfferRelease simulates the firmware offering the radio back.
func (s *Sim) OfferRelease() error {
	return s.SendNotif(sap.MsgCanReleaseOwnership, nil)
}

// HostNotifTypes returns the notification types received from the host so
// far, in order.
func (s *Sim) HostNotifTypes() []uint16 {
	s.recvMu.Lock()
	defer s.recvMu.Unlock()
	return append([]uint16(nil), s.notifTypes...)
}

// HostDataPackets returns copies of the packets the host pushed down.
func (s *Sim) HostDataPackets() [][]byte {
	s.recvMu.Lock()
	defer s.recvMu.Unlock()
	out := make([][]byte, len(s.dataPkts))
	for i, p := range s.dataPkts {
		out[i] = append([]byte(nil), p...)
	}
	return out
}

// HostDown reports whether the host announced teardown.
func (s *Sim) HostDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hostDown
}
