// Package filter holds the firmware-supplied packet filtering rules. A rule
// set is an immutable snapshot replaced wholesale: the data path loads the
// current snapshot once per packet and never observes a half-updated set.
// Superseded snapshots simply become unreferenced once in-flight readers
// finish with them.
package filter

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/kstaniek/go-sap-host/internal/sap"
)

// Rule flags.
const (
	// FlagCopy routes a matching packet to the firmware data queue.
	FlagCopy uint8 = 1 << 0
	// FlagNotify additionally requires the callback framing variant that
	// tells the firmware which rule fired.
	FlagNotify uint8 = 1 << 1
	// FlagDrop suppresses normal host delivery after the copy.
	FlagDrop uint8 = 1 << 2
)

// Fixed rule-table sizes on the wire.
const (
	MaxEtherTypeRules = 8
	MaxUDPPortRules   = 8
)

// WireSize is the encoded size of a MsgFilters payload.
const WireSize = 6 + 1 + 1 + 4*MaxEtherTypeRules + 4*MaxUDPPortRules

// EtherTypeRule matches on the Ethernet type field.
type EtherTypeRule struct {
	EtherType uint16
	Flags     uint8
	Index     uint8
}

// UDPPortRule matches on the UDP destination port of IPv4 packets.
type UDPPortRule struct {
	Port  uint16
	Flags uint8
	Index uint8
}

// Set is one immutable snapshot of the firmware's filtering rules.
type Set struct {
	MAC        [6]byte
	MatchMAC   bool
	EtherTypes []EtherTypeRule
	UDPPorts   []UDPPortRule
}

// Verdict is the outcome of matching one packet.
type Verdict struct {
	// CopyToFw routes the packet to the firmware-bound data queue.
	CopyToFw bool
	// Notify selects the callback framing variant; FilterStatus then
	// carries the fired rule bit.
	Notify bool
	// Drop suppresses normal host delivery.
	Drop bool
	// FilterStatus is the bitmask of fired rule indices.
	FilterStatus uint32
}

const (
	ethHeaderSize  = 14
	etherTypeIPv4  = 0x0800
	ipProtoUDP     = 17
	minIPv4Header  = 20
	udpHeaderPorts = 4
)

// Match evaluates pkt (a link-layer frame) against the snapshot.
func (s *Set) Match(pkt []byte) Verdict {
	var v Verdict
	if s == nil || len(pkt) < ethHeaderSize {
		return v
	}
	if s.MatchMAC {
		match := true
		for i := 0; i < 6; i++ {
			if pkt[i] != s.MAC[i] {
				match = false
				break
			}
		}
		if !match {
			return v
		}
	}

	etherType := binary.BigEndian.Uint16(pkt[12:14])
	for _, r := range s.EtherTypes {
		if r.EtherType == etherType {
			v.apply(r.Flags, r.Index)
		}
	}

	if etherType == etherTypeIPv4 && len(s.UDPPorts) > 0 {
		if port, ok := udpDstPort(pkt[ethHeaderSize:]); ok {
			for _, r := range s.UDPPorts {
				if r.Port == port {
					v.apply(r.Flags, r.Index)
				}
			}
		}
	}
	return v
}

func (v *Verdict) apply(flags uint8, idx uint8) {
	if flags&FlagCopy != 0 {
		v.CopyToFw = true
		v.FilterStatus |= 1 << idx
	}
	if flags&FlagNotify != 0 {
		v.Notify = true
	}
	if flags&FlagDrop != 0 {
		v.Drop = true
	}
}

func udpDstPort(ip []byte) (uint16, bool) {
	if len(ip) < minIPv4Header {
		return 0, false
	}
	ihl := int(ip[0]&0x0f) * 4
	if ihl < minIPv4Header || ip[9] != ipProtoUDP || len(ip) < ihl+udpHeaderPorts {
		return 0, false
	}
	return binary.BigEndian.Uint16(ip[ihl+2 : ihl+4]), true
}

// Parse decodes a MsgFilters payload into a fresh snapshot.
func Parse(b []byte) (*Set, error) {
	if len(b) < WireSize {
		return nil, fmt.Errorf("%w: filters need %d bytes, have %d", sap.ErrTruncated, WireSize, len(b))
	}
	s := &Set{}
	copy(s.MAC[:], b[0:6])
	s.MatchMAC = b[6] != 0
	nEther := int(b[7] >> 4)
	nUDP := int(b[7] & 0x0f)
	if nEther > MaxEtherTypeRules || nUDP > MaxUDPPortRules {
		return nil, fmt.Errorf("filter: rule counts %d/%d exceed table size", nEther, nUDP)
	}
	off := 8
	for i := 0; i < nEther; i++ {
		s.EtherTypes = append(s.EtherTypes, EtherTypeRule{
			EtherType: binary.LittleEndian.Uint16(b[off : off+2]),
			Flags:     b[off+2],
			Index:     b[off+3],
		})
		off += 4
	}
	off = 8 + 4*MaxEtherTypeRules
	for i := 0; i < nUDP; i++ {
		s.UDPPorts = append(s.UDPPorts, UDPPortRule{
			Port:  binary.LittleEndian.Uint16(b[off : off+2]),
			Flags: b[off+2],
			Index: b[off+3],
		})
		off += 4
	}
	return s, nil
}

// Encode returns the wire form of the snapshot. Used by tests and firmware
// simulators.
func (s *Set) Encode() []byte {
	b := make([]byte, WireSize)
	copy(b[0:6], s.MAC[:])
	if s.MatchMAC {
		b[6] = 1
	}
	b[7] = byte(len(s.EtherTypes))<<4 | byte(len(s.UDPPorts))
	off := 8
	for _, r := range s.EtherTypes {
		binary.LittleEndian.PutUint16(b[off:], r.EtherType)
		b[off+2] = r.Flags
		b[off+3] = r.Index
		off += 4
	}
	off = 8 + 4*MaxEtherTypeRules
	for _, r := range s.UDPPorts {
		binary.LittleEndian.PutUint16(b[off:], r.Port)
		b[off+2] = r.Flags
		b[off+3] = r.Index
		off += 4
	}
	return b
}

// Table is the swap point between the dispatcher (writer) and the data path
// (concurrent readers).
type Table struct {
	p atomic.Pointer[Set]
}

// Load returns the current snapshot, which may be nil before the firmware
// sent any rules.
func (t *Table) Load() *Set { return t.p.Load() }

// Store installs a new snapshot wholesale.
func (t *Table) Store(s *Set) { t.p.Store(s) }
