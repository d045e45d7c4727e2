// Package sap defines the wire format of the shared-memory application
// protocol spoken between the host driver and the platform firmware:
// the frame header used inside the cyclic queues, the out-of-band channel
// messages, and the notification type space.
package sap

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Version is the single protocol version this host implementation speaks.
// There is no downgrade negotiation: a firmware answering with anything
// else aborts the connection attempt.
const Version = 3

// ControlBlockID is the magic written at the head of the shared region and
// repeated as a sentinel right after the last queue ("SAP!" in ASCII).
const ControlBlockID = 0x21504153

// HeaderSize is the encoded size of a queue frame header.
const HeaderSize = 8

// Initial sequence numbers declared in the start message, one per channel.
const (
	InitDataSeq  = 0x100
	InitNotifSeq = 0x800
)

// Frame notification types carried over the cyclic queues.
const (
	MsgPing uint16 = iota + 1
	MsgPong
	MsgGetNVM
	MsgNVM
	MsgFeatureState
	MsgNicOwner
	MsgCanReleaseOwnership
	MsgTakingOwnership
	MsgOwnershipGranted
	MsgHostOwnershipConfirmed
	MsgFirmwareOwnershipConfirmed
	MsgHostAsksForOwnership
	MsgFilters
	MsgConnStatus
	MsgLinkUp
	MsgLinkDown
	MsgNicInfo
	MsgCountryCode
	MsgSarLimits
	MsgRadioState
	MsgDriverUp
	MsgDriverDown
	MsgHostGoesDown

	// Data queue frame types. Kept in the same 16-bit space; the queues
	// they travel on differ, not the header format.
	MsgDataPacket   uint16 = 0x100
	MsgCbDataPacket uint16 = 0x101
)

// Owner values reported in a MsgNicOwner payload.
const (
	NicOwnerHost uint32 = 0
	NicOwnerFw   uint32 = 1
)

// Radio-state bits reported to the firmware (deasserted = radio usable).
const (
	HwRadioKillDeasserted uint32 = 1 << 0
	SwRadioKillDeasserted uint32 = 1 << 1
)

// ErrTruncated is returned when a buffer ends before a complete header or
// the payload its header declares.
var ErrTruncated = errors.New("sap: truncated")

// Header precedes every frame in a cyclic queue. Len counts the payload
// bytes following the header. All fields are little-endian on the wire.
type Header struct {
	Type uint16
	Len  uint16
	Seq  uint32
}

// Frame is a decoded queue frame. Payload aliases the scratch buffer of the
// decode pass and must be copied if retained.
type Frame struct {
	Header
	Payload []byte
}

// PutHeader encodes h into b, which must hold at least HeaderSize bytes.
func PutHeader(b []byte, h Header) {
	binary.LittleEndian.PutUint16(b[0:2], h.Type)
	binary.LittleEndian.PutUint16(b[2:4], h.Len)
	binary.LittleEndian.PutUint32(b[4:8], h.Seq)
}

// ParseHeader decodes a frame header from b.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("%w: header needs %d bytes, have %d", ErrTruncated, HeaderSize, len(b))
	}
	return Header{
		Type: binary.LittleEndian.Uint16(b[0:2]),
		Len:  binary.LittleEndian.Uint16(b[2:4]),
		Seq:  binary.LittleEndian.Uint32(b[4:8]),
	}, nil
}

// CbDataHeaderSize is the encoded size of the callback data framing variant.
const CbDataHeaderSize = HeaderSize + 8

// CbDataHeader is the framing variant used when a matched filter rule
// requires telling the firmware which rule fired. FilterStatus is a bitmask
// of fired rule indices; DataLen is the packet length after this header.
type CbDataHeader struct {
	Header
	FilterStatus uint32
	DataLen      uint32
}

// PutCbDataHeader encodes h into b (at least CbDataHeaderSize bytes).
func PutCbDataHeader(b []byte, h CbDataHeader) {
	PutHeader(b, h.Header)
	binary.LittleEndian.PutUint32(b[8:12], h.FilterStatus)
	binary.LittleEndian.PutUint32(b[12:16], h.DataLen)
}

// ParseCbDataHeader decodes the callback data framing variant from b.
func ParseCbDataHeader(b []byte) (CbDataHeader, error) {
	if len(b) < CbDataHeaderSize {
		return CbDataHeader{}, fmt.Errorf("%w: cb header needs %d bytes, have %d", ErrTruncated, CbDataHeaderSize, len(b))
	}
	hdr, _ := ParseHeader(b)
	return CbDataHeader{
		Header:       hdr,
		FilterStatus: binary.LittleEndian.Uint32(b[8:12]),
		DataLen:      binary.LittleEndian.Uint32(b[12:16]),
	}, nil
}

// PutDWord encodes the single-word payload form shared by several
// notifications (feature state, radio state, ownership replies).
func PutDWord(b []byte, v uint32) {
	binary.LittleEndian.PutUint32(b[0:4], v)
}

// ParseDWord decodes a single-word payload.
func ParseDWord(b []byte) (uint32, error) {
	if len(b) < 4 {
		return 0, fmt.Errorf("%w: dword needs 4 bytes, have %d", ErrTruncated, len(b))
	}
	return binary.LittleEndian.Uint32(b[0:4]), nil
}
