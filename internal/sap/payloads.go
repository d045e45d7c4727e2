package sap

import (
	"encoding/binary"
	"fmt"
)

// MaxSSIDLen bounds the SSID carried in connection payloads.
const MaxSSIDLen = 32

// ConnInfo describes the link the firmware (or the host) is connected
// through. It is embedded in MsgConnStatus and MsgLinkUp payloads.
type ConnInfo struct {
	SSID           []byte
	BSSID          [6]byte
	Channel        uint8
	Band           uint8
	AuthMode       uint32
	PairwiseCipher uint32
}

// ConnStatusSize is the encoded size of a MsgConnStatus payload.
const ConnStatusSize = 4 + connInfoSize

const connInfoSize = 4 + MaxSSIDLen + 4 + 4 + 1 + 1 + 2 + 6

// ConnStatus is the firmware's connection status notification.
type ConnStatus struct {
	LinkProtState uint32
	Info          ConnInfo
}

func putConnInfo(b []byte, ci ConnInfo) {
	binary.LittleEndian.PutUint32(b[0:4], uint32(len(ci.SSID)))
	copy(b[4:4+MaxSSIDLen], ci.SSID)
	off := 4 + MaxSSIDLen
	binary.LittleEndian.PutUint32(b[off:off+4], ci.AuthMode)
	binary.LittleEndian.PutUint32(b[off+4:off+8], ci.PairwiseCipher)
	b[off+8] = ci.Channel
	b[off+9] = ci.Band
	copy(b[off+12:off+18], ci.BSSID[:])
}

func parseConnInfo(b []byte) (ConnInfo, error) {
	var ci ConnInfo
	ssidLen := binary.LittleEndian.Uint32(b[0:4])
	if ssidLen > MaxSSIDLen {
		return ci, fmt.Errorf("sap: ssid length %d exceeds %d", ssidLen, MaxSSIDLen)
	}
	ci.SSID = append([]byte(nil), b[4:4+ssidLen]...)
	off := 4 + MaxSSIDLen
	ci.AuthMode = binary.LittleEndian.Uint32(b[off : off+4])
	ci.PairwiseCipher = binary.LittleEndian.Uint32(b[off+4 : off+8])
	ci.Channel = b[off+8]
	ci.Band = b[off+9]
	copy(ci.BSSID[:], b[off+12:off+18])
	return ci, nil
}

// Encode returns the wire form of the connection status payload.
func (cs ConnStatus) Encode() []byte {
	b := make([]byte, ConnStatusSize)
	binary.LittleEndian.PutUint32(b[0:4], cs.LinkProtState)
	putConnInfo(b[4:], cs.Info)
	return b
}

// ParseConnStatus decodes a MsgConnStatus payload.
func ParseConnStatus(b []byte) (ConnStatus, error) {
	if len(b) < ConnStatusSize {
		return ConnStatus{}, fmt.Errorf("%w: conn status needs %d bytes, have %d", ErrTruncated, ConnStatusSize, len(b))
	}
	info, err := parseConnInfo(b[4:])
	if err != nil {
		return ConnStatus{}, err
	}
	return ConnStatus{
		LinkProtState: binary.LittleEndian.Uint32(b[0:4]),
		Info:          info,
	}, nil
}

// LinkUpSize is the encoded size of a MsgLinkUp payload: the connection
// info plus the collocated access point (channel, band, bssid).
const LinkUpSize = connInfoSize + 1 + 1 + 6

// LinkUp tells the firmware the host associated.
type LinkUp struct {
	Info        ConnInfo
	CollocChan  uint8
	CollocBand  uint8
	CollocBSSID [6]byte
	HasColloc   bool
}

// Encode returns the wire form of the link-up payload.
func (lu LinkUp) Encode() []byte {
	b := make([]byte, LinkUpSize)
	putConnInfo(b, lu.Info)
	if lu.HasColloc {
		b[connInfoSize] = lu.CollocChan
		b[connInfoSize+1] = lu.CollocBand
		copy(b[connInfoSize+2:], lu.CollocBSSID[:])
	}
	return b
}

// NVMChannelCount is the fixed number of channel words in the NVM payload.
const NVMChannelCount = 110

// NVMSize is the encoded size of a MsgNVM payload.
const NVMSize = 6 + 1 + 1 + 4 + 4 + 4 + 4*NVMChannelCount

// NVMData is the non-volatile configuration owned by the firmware and
// fetched by the host at startup.
type NVMData struct {
	HwAddr     [6]byte
	NumHwAddrs uint8
	RadioCfg   uint32
	Caps       uint32
	NVMVersion uint32
	Channels   [NVMChannelCount]uint32
}

// Encode returns the wire form of the NVM payload.
func (n NVMData) Encode() []byte {
	b := make([]byte, NVMSize)
	copy(b[0:6], n.HwAddr[:])
	b[6] = n.NumHwAddrs
	binary.LittleEndian.PutUint32(b[8:12], n.RadioCfg)
	binary.LittleEndian.PutUint32(b[12:16], n.Caps)
	binary.LittleEndian.PutUint32(b[16:20], n.NVMVersion)
	for i, ch := range n.Channels {
		binary.LittleEndian.PutUint32(b[20+4*i:], ch)
	}
	return b
}

// ParseNVM decodes a MsgNVM payload.
func ParseNVM(b []byte) (NVMData, error) {
	if len(b) < NVMSize {
		return NVMData{}, fmt.Errorf("%w: nvm needs %d bytes, have %d", ErrTruncated, NVMSize, len(b))
	}
	var n NVMData
	copy(n.HwAddr[:], b[0:6])
	n.NumHwAddrs = b[6]
	n.RadioCfg = binary.LittleEndian.Uint32(b[8:12])
	n.Caps = binary.LittleEndian.Uint32(b[12:16])
	n.NVMVersion = binary.LittleEndian.Uint32(b[16:20])
	for i := range n.Channels {
		n.Channels[i] = binary.LittleEndian.Uint32(b[20+4*i:])
	}
	return n, nil
}

// NicInfoSize is the encoded size of a MsgNicInfo payload.
const NicInfoSize = 12

// NicInfo carries the interface and NVM MAC addresses to the firmware.
type NicInfo struct {
	MACAddress [6]byte
	NVMAddress [6]byte
}

// Encode returns the wire form of the NIC info payload.
func (ni NicInfo) Encode() []byte {
	b := make([]byte, NicInfoSize)
	copy(b[0:6], ni.MACAddress[:])
	copy(b[6:12], ni.NVMAddress[:])
	return b
}

// ParseNicInfo decodes a MsgNicInfo payload.
func ParseNicInfo(b []byte) (NicInfo, error) {
	if len(b) < NicInfoSize {
		return NicInfo{}, fmt.Errorf("%w: nic info needs %d bytes, have %d", ErrTruncated, NicInfoSize, len(b))
	}
	var ni NicInfo
	copy(ni.MACAddress[:], b[0:6])
	copy(ni.NVMAddress[:], b[6:12])
	return ni, nil
}

// SarChainCount is the number of per-chain power limit words.
const SarChainCount = 10

// SarLimitsSize is the encoded size of a MsgSarLimits payload.
const SarLimitsSize = 2 * SarChainCount

// EncodeSarLimits returns the wire form of the per-chain power table.
func EncodeSarLimits(limits [SarChainCount]uint16) []byte {
	b := make([]byte, SarLimitsSize)
	for i, v := range limits {
		binary.LittleEndian.PutUint16(b[2*i:], v)
	}
	return b
}

// ParseSarLimits decodes a MsgSarLimits payload.
func ParseSarLimits(b []byte) ([SarChainCount]uint16, error) {
	var limits [SarChainCount]uint16
	if len(b) < SarLimitsSize {
		return limits, fmt.Errorf("%w: sar limits need %d bytes, have %d", ErrTruncated, SarLimitsSize, len(b))
	}
	for i := range limits {
		limits[i] = binary.LittleEndian.Uint16(b[2*i:])
	}
	return limits, nil
}
