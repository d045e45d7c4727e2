package session

import (
	"github.com/kstaniek/go-sap-host/internal/filter"
	"github.com/kstaniek/go-sap-host/internal/metrics"
	"github.com/kstaniek/go-sap-host/internal/sap"
)

// handler describes one notification type: the smallest payload it accepts
// and whether dispatch runs it with mu held. Handlers marked unlocked manage
// their own locking, usually because they must call out (events, data path)
// without mu, or because they take the data path's registration lock first.
type handler struct {
	minLen int
	locked bool
	fn     func(*Session, sap.Frame)
}

var handlers = map[uint16]handler{
	sap.MsgPing:                {locked: true, fn: (*Session).handlePing},
	sap.MsgPong:                {locked: true, fn: (*Session).handlePong},
	sap.MsgFilters:             {minLen: filter.WireSize, fn: (*Session).handleFilters},
	sap.MsgConnStatus:          {minLen: sap.ConnStatusSize, fn: (*Session).handleConnStatus},
	sap.MsgFeatureState:        {minLen: 4, fn: (*Session).handleFeatureState},
	sap.MsgNVM:                 {minLen: sap.NVMSize, locked: true, fn: (*Session).handleNVM},
	sap.MsgOwnershipGranted:    {minLen: 4, fn: (*Session).handleOwnershipGranted},
	sap.MsgNicOwner:            {minLen: 4, locked: true, fn: (*Session).handleNicOwner},
	sap.MsgCanReleaseOwnership: {locked: true, fn: (*Session).handleCanReleaseOwnership},
	sap.MsgTakingOwnership:     {fn: (*Session).handleTakingOwnership},
}

// dispatch routes one inbound notification. Unknown types are dropped quietly
// (forward compatibility); undersized payloads are dropped loudly.
func (s *Session) dispatch(f sap.Frame) {
	h, ok := handlers[f.Type]
	if !ok {
		s.logger.Debug("unknown notification", "type", f.Type, "seq", f.Seq)
		return
	}
	if len(f.Payload) < h.minLen {
		metrics.IncMalformed()
		s.logger.Warn("undersized notification dropped",
			"type", f.Type, "len", len(f.Payload), "min", h.minLen)
		return
	}
	if h.locked {
		s.mu.Lock()
		h.fn(s, f)
		s.mu.Unlock()
		return
	}
	h.fn(s, f)
}

func (s *Session) handlePing(sap.Frame) {
	if err := s.sendFrameLocked(sap.MsgPong, nil); err != nil {
		s.logger.Warn("pong not sent", "err", err)
	}
}

func (s *Session) handlePong(sap.Frame) {
	if s.pongCh != nil {
		select {
		case s.pongCh <- struct{}{}:
		default:
		}
		s.pongCh = nil
	}
}

func (s *Session) handleFilters(f sap.Frame) {
	set, err := filter.Parse(f.Payload)
	if err != nil {
		metrics.IncMalformed()
		s.logger.Warn("filter push rejected", "err", err)
		return
	}
	s.filters.Store(set)
	s.logger.Debug("filters replaced",
		"ethertypes", len(set.EtherTypes), "udp_ports", len(set.UDPPorts))
}

func (s *Session) handleConnStatus(f sap.Frame) {
	status, err := sap.ParseConnStatus(f.Payload)
	if err != nil {
		metrics.IncMalformed()
		s.logger.Warn("conn status rejected", "err", err)
		return
	}
	if s.events != nil {
		s.events.ConnStatus(status)
	}
}

// handleFeatureState flips the firmware's wireless management feature. The
// data path's registration lock is taken before mu so the bridge never
// observes a half-flipped state; when the feature comes up the cached host
// configuration is replayed because the firmware forgot it.
func (s *Session) handleFeatureState(f sap.Frame) {
	v, _ := sap.ParseDWord(f.Payload)
	enabled := v != 0
	s.path().SetActive(enabled, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.featureEnabled == enabled {
			return
		}
		s.featureEnabled = enabled
		s.logger.Info("firmware feature state", "enabled", enabled)
		if enabled {
			s.sendInitialConfigLocked()
		}
	})
}

// sendInitialConfigLocked replays every cached host setting. Individual
// failures are logged and skipped; the firmware asks again if it cares.
func (s *Session) sendInitialConfigLocked() {
	if s.cache.hasRadio {
		var b [4]byte
		sap.PutDWord(b[:], s.cache.radioState)
		if err := s.sendFrameLocked(sap.MsgRadioState, b[:]); err != nil {
			s.logger.Warn("radio state replay failed", "err", err)
		}
	}
	if s.cache.nicInfo != nil {
		if err := s.sendFrameLocked(sap.MsgNicInfo, s.cache.nicInfo.Encode()); err != nil {
			s.logger.Warn("nic info replay failed", "err", err)
		}
	}
	if s.cache.hasMCC {
		var b [4]byte
		sap.PutDWord(b[:], uint32(s.cache.mcc))
		if err := s.sendFrameLocked(sap.MsgCountryCode, b[:]); err != nil {
			s.logger.Warn("country code replay failed", "err", err)
		}
	}
	if s.cache.sarLimits != nil {
		if err := s.sendFrameLocked(sap.MsgSarLimits, sap.EncodeSarLimits(*s.cache.sarLimits)); err != nil {
			s.logger.Warn("power limit replay failed", "err", err)
		}
	}
	if s.cache.linkUp != nil {
		if err := s.sendFrameLocked(sap.MsgLinkUp, s.cache.linkUp.Encode()); err != nil {
			s.logger.Warn("link-up replay failed", "err", err)
		}
	}
}

func (s *Session) handleNVM(f sap.Frame) {
	nvm, err := sap.ParseNVM(f.Payload)
	if err != nil {
		metrics.IncMalformed()
		s.logger.Warn("nvm payload rejected", "err", err)
		return
	}
	s.nvm = &nvm
	if s.nvmCh != nil {
		select {
		case s.nvmCh <- nvm:
		default:
		}
		s.nvmCh = nil
	}
}

// handleOwnershipGranted resolves a pending ownership request. A zero word
// is an explicit denial. The waiter (if any) is woken outside mu, and the
// grant is confirmed back to the firmware before the radio is used.
func (s *Session) handleOwnershipGranted(f sap.Frame) {
	v, _ := sap.ParseDWord(f.Payload)
	granted := v != 0

	s.mu.Lock()
	if granted {
		s.ownsRadio = true
		s.fwTakingOwnership = false
		if err := s.sendFrameLocked(sap.MsgHostOwnershipConfirmed, nil); err != nil {
			s.logger.Warn("ownership confirmation not sent", "err", err)
		}
	}
	ch := s.ownCh
	s.ownCh = nil
	s.mu.Unlock()

	if ch != nil {
		ch <- granted
	} else if granted {
		metrics.IncOwnership(metrics.OwnGranted)
	}
	if granted && s.events != nil {
		s.events.RadioStateRequest(true)
	}
	if !granted {
		s.logger.Info("ownership denied by firmware")
	}
}

func (s *Session) handleNicOwner(f sap.Frame) {
	owner, _ := sap.ParseDWord(f.Payload)
	if owner == sap.NicOwnerFw {
		s.ownsRadio = false
	}
	s.logger.Debug("nic owner reported", "owner", owner)
}

// handleCanReleaseOwnership answers the firmware's offer to return the
// radio. A registered owner means the host still wants it, so ask again;
// the grant flows through the usual handler with no waiter attached.
func (s *Session) handleCanReleaseOwnership(sap.Frame) {
	if s.events == nil {
		return
	}
	if err := s.sendFrameLocked(sap.MsgHostAsksForOwnership, nil); err != nil {
		s.logger.Warn("ownership re-request failed", "err", err)
	}
}

// handleTakingOwnership is the firmware's unilateral reclaim. The host loses
// the radio immediately; the owner quiesces and calls DeviceDown, which
// sends the handover confirmation.
func (s *Session) handleTakingOwnership(sap.Frame) {
	s.mu.Lock()
	s.ownsRadio = false
	s.fwTakingOwnership = true
	s.mu.Unlock()

	s.logger.Info("firmware taking radio ownership")
	if s.events != nil {
		s.events.ForcedRelease()
	}
}
