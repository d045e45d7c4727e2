package sap

import (
	"encoding/binary"
	"fmt"
)

// Out-of-band channel message types. These travel over the byte channel to
// the firmware processor, not over the shared queues.
const (
	ChanMsgStart uint32 = iota + 1
	ChanMsgStartOK
	ChanMsgCheckSharedArea
)

// ChanHeaderSize is the encoded size of a channel message header.
const ChanHeaderSize = 12

// ChanHeader heads every out-of-band channel message.
type ChanHeader struct {
	Type uint32
	Seq  uint32
	Len  uint32
}

// PutChanHeader encodes h into b (at least ChanHeaderSize bytes).
func PutChanHeader(b []byte, h ChanHeader) {
	binary.LittleEndian.PutUint32(b[0:4], h.Type)
	binary.LittleEndian.PutUint32(b[4:8], h.Seq)
	binary.LittleEndian.PutUint32(b[8:12], h.Len)
}

// ParseChanHeader decodes a channel message header from b.
func ParseChanHeader(b []byte) (ChanHeader, error) {
	if len(b) < ChanHeaderSize {
		return ChanHeader{}, fmt.Errorf("%w: channel header needs %d bytes, have %d", ErrTruncated, ChanHeaderSize, len(b))
	}
	return ChanHeader{
		Type: binary.LittleEndian.Uint32(b[0:4]),
		Seq:  binary.LittleEndian.Uint32(b[4:8]),
		Len:  binary.LittleEndian.Uint32(b[8:12]),
	}, nil
}

// StartSize is the encoded size of the start (handshake) message.
const StartSize = ChanHeaderSize + 8 + 2 + 2

// Start opens the session. The host declares the protocol versions it
// supports (one, in practice) and the initial sequence numbers it will use
// on each queue channel.
type Start struct {
	ChanHeader
	SupportedVersions [8]byte
	InitDataSeq       uint16
	InitNotifSeq      uint16
}

// NewStart builds the canonical start message for the given sequence number.
func NewStart(seq uint32) Start {
	s := Start{
		ChanHeader:   ChanHeader{Type: ChanMsgStart, Seq: seq, Len: StartSize},
		InitDataSeq:  InitDataSeq,
		InitNotifSeq: InitNotifSeq,
	}
	s.SupportedVersions[0] = Version
	return s
}

// Encode returns the wire form of the start message.
func (s Start) Encode() []byte {
	b := make([]byte, StartSize)
	PutChanHeader(b, s.ChanHeader)
	copy(b[ChanHeaderSize:ChanHeaderSize+8], s.SupportedVersions[:])
	binary.LittleEndian.PutUint16(b[ChanHeaderSize+8:], s.InitDataSeq)
	binary.LittleEndian.PutUint16(b[ChanHeaderSize+10:], s.InitNotifSeq)
	return b
}

// ParseStart decodes a start message from b.
func ParseStart(b []byte) (Start, error) {
	if len(b) < StartSize {
		return Start{}, fmt.Errorf("%w: start needs %d bytes, have %d", ErrTruncated, StartSize, len(b))
	}
	var s Start
	s.ChanHeader, _ = ParseChanHeader(b)
	copy(s.SupportedVersions[:], b[ChanHeaderSize:ChanHeaderSize+8])
	s.InitDataSeq = binary.LittleEndian.Uint16(b[ChanHeaderSize+8:])
	s.InitNotifSeq = binary.LittleEndian.Uint16(b[ChanHeaderSize+10:])
	return s, nil
}

// StartOKSize is the encoded size of the handshake acknowledgment.
const StartOKSize = ChanHeaderSize + 4

// StartOK acknowledges the start message and names the version the firmware
// selected. A version other than Version aborts the handshake.
type StartOK struct {
	ChanHeader
	Version byte
	// three reserved bytes follow on the wire
}

// Encode returns the wire form of the acknowledgment.
func (s StartOK) Encode() []byte {
	b := make([]byte, StartOKSize)
	PutChanHeader(b, s.ChanHeader)
	b[ChanHeaderSize] = s.Version
	return b
}

// ParseStartOK decodes a handshake acknowledgment from b.
func ParseStartOK(b []byte) (StartOK, error) {
	if len(b) < StartOKSize {
		return StartOK{}, fmt.Errorf("%w: start-ok needs %d bytes, have %d", ErrTruncated, StartOKSize, len(b))
	}
	var s StartOK
	s.ChanHeader, _ = ParseChanHeader(b)
	s.Version = b[ChanHeaderSize]
	return s, nil
}

// NewCheckSharedArea builds the "new frames are enqueued" doorbell message.
func NewCheckSharedArea(seq uint32) []byte {
	b := make([]byte, ChanHeaderSize)
	PutChanHeader(b, ChanHeader{Type: ChanMsgCheckSharedArea, Seq: seq, Len: ChanHeaderSize})
	return b
}
