package sap

import "testing"

// FuzzParsersNoPanic throws arbitrary bytes at every payload parser; they
// must reject short or garbage input with an error, never panic.
func FuzzParsersNoPanic(f *testing.F) {
	f.Add(NewStart(1).Encode())
	f.Add(StartOK{ChanHeader: ChanHeader{Type: ChanMsgStartOK, Len: StartOKSize}, Version: Version}.Encode())
	f.Add((ConnStatus{Info: ConnInfo{SSID: []byte("net")}}).Encode())
	f.Add(NVMData{NumHwAddrs: 1}.Encode())
	f.Add([]byte{})
	f.Fuzz(func(t *testing.T, data []byte) {
		_, _ = ParseHeader(data)
		_, _ = ParseChanHeader(data)
		_, _ = ParseStart(data)
		_, _ = ParseStartOK(data)
		_, _ = ParseCbDataHeader(data)
		_, _ = ParseConnStatus(data)
		_, _ = ParseNVM(data)
		_, _ = ParseNicInfo(data)
		_, _ = ParseSarLimits(data)
		_, _ = ParseDWord(data)
	})
}

// FuzzStartRoundTrip checks that any start message surviving the parser
// re-encodes to the bytes it was parsed from.
func FuzzStartRoundTrip(f *testing.F) {
	f.Add(NewStart(7).Encode())
	f.Fuzz(func(t *testing.T, data []byte) {
		s, err := ParseStart(data)
		if err != nil {
			return
		}
		enc := s.Encode()
		for i, b := range enc {
			if data[i] != b {
				t.Fatalf("byte %d: re-encoded %#x, parsed from %#x", i, b, data[i])
			}
		}
	})
}
