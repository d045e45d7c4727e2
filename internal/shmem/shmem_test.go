package shmem

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/kstaniek/go-sap-host/internal/sap"
)

// testSizes keeps regions small so wrap and overflow paths are cheap to hit.
func testSizes() Sizes {
	return Sizes{
		HostToFwData:  512,
		HostToFwNotif: 256,
		FwToHostData:  512,
		FwToHostNotif: 256,
	}
}

func allocInit(t *testing.T, sizes Sizes) (*Region, *Layout) {
	t.Helper()
	r, err := Alloc(sizes)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	t.Cleanup(func() { _ = r.Release() })
	l, err := Init(r, sizes)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	return r, l
}

func TestInit_LayoutOffsets(t *testing.T) {
	sizes := testSizes()
	r, _ := allocInit(t, sizes)
	arena := r.Bytes()

	if got := binary.LittleEndian.Uint32(arena[0:]); got != ControlBlockID {
		t.Fatalf("head magic = 0x%08x", got)
	}
	if got := binary.LittleEndian.Uint32(arena[4:]); got != uint32(ctrlSize) {
		t.Fatalf("control block size = %d, want %d", got, ctrlSize)
	}
	sentinelOff := sizes.total() - 4
	if got := binary.LittleEndian.Uint32(arena[sentinelOff:]); got != ControlBlockID {
		t.Fatalf("tail sentinel = 0x%08x", got)
	}
	// Capacities land in the right descriptors.
	wantCaps := map[[2]int]uint32{
		{int(HostToFw), int(Notif)}: sizes.HostToFwNotif,
		{int(HostToFw), int(Data)}:  sizes.HostToFwData,
		{int(FwToHost), int(Notif)}: sizes.FwToHostNotif,
		{int(FwToHost), int(Data)}:  sizes.FwToHostData,
	}
	for k, want := range wantCaps {
		off := descOff(Direction(k[0]), Channel(k[1]))
		if got := binary.LittleEndian.Uint32(arena[off+8:]); got != want {
			t.Fatalf("queue %d/%d capacity = %d, want %d", k[0], k[1], got, want)
		}
	}
}

func TestDefaultSizes_ProductionCapacities(t *testing.T) {
	s := DefaultSizes()
	if s.HostToFwData != 48256 || s.HostToFwNotif != 2240 ||
		s.FwToHostData != 24128 || s.FwToHostNotif != 62720 {
		t.Fatalf("unexpected default capacities: %+v", s)
	}
}

func TestAttach_SeesInitiatorFrames(t *testing.T) {
	sizes := testSizes()
	r, host := allocInit(t, sizes)

	payload := []byte{1, 2, 3, 4, 5}
	hdr := sap.Header{Type: sap.MsgPing, Len: uint16(len(payload)), Seq: 9}
	if err := host.Queue(HostToFw, Notif).Write(hdr, payload); err != nil {
		t.Fatalf("Write: %v", err)
	}

	far, err := Attach(r, sizes)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	var got []byte
	if _, err := far.Queue(HostToFw, Notif).ReadPass(func(f sap.Frame) {
		got = append([]byte(nil), f.Payload...)
	}); err != nil {
		t.Fatalf("ReadPass: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("far side read %v, want %v", got, payload)
	}
	// The read cursor advance is visible back on the host view.
	if host.Queue(HostToFw, Notif).Pending() {
		t.Fatalf("host still sees pending bytes after far-side drain")
	}
}

func TestVerify_DetectsScribbledSentinel(t *testing.T) {
	sizes := testSizes()
	r, l := allocInit(t, sizes)
	if err := l.Verify(); err != nil {
		t.Fatalf("Verify on fresh layout: %v", err)
	}
	binary.LittleEndian.PutUint32(r.Bytes()[sizes.total()-4:], 0xdeadbeef)
	if err := l.Verify(); !errors.Is(err, ErrLayout) {
		t.Fatalf("expected ErrLayout, got %v", err)
	}
}

func TestAttach_RejectsUninitializedRegion(t *testing.T) {
	sizes := testSizes()
	r, err := Alloc(sizes)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	t.Cleanup(func() { _ = r.Release() })
	if _, err := Attach(r, sizes); !errors.Is(err, ErrLayout) {
		t.Fatalf("expected ErrLayout, got %v", err)
	}
}

func TestHostDataPending(t *testing.T) {
	sizes := testSizes()
	_, l := allocInit(t, sizes)
	if l.HostDataPending() {
		t.Fatalf("fresh layout reports pending data")
	}
	if err := l.Queue(HostToFw, Data).Write(sap.Header{Len: 3}, []byte{1, 2, 3}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !l.HostDataPending() {
		t.Fatalf("pending data not reported")
	}
	if _, err := l.Queue(HostToFw, Data).ReadPass(func(sap.Frame) {}); err != nil {
		t.Fatalf("ReadPass: %v", err)
	}
	if l.HostDataPending() {
		t.Fatalf("drained layout still reports pending data")
	}
}

func TestRelease_Idempotent(t *testing.T) {
	r, err := Alloc(testSizes())
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if err := r.Release(); err != nil {
		t.Fatalf("first Release: %v", err)
	}
	if err := r.Release(); err != nil {
		t.Fatalf("second Release: %v", err)
	}
}
