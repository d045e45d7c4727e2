package session

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kstaniek/go-sap-host/internal/bridge"
	"github.com/kstaniek/go-sap-host/internal/channel"
	"github.com/kstaniek/go-sap-host/internal/filter"
	"github.com/kstaniek/go-sap-host/internal/fwsim"
	"github.com/kstaniek/go-sap-host/internal/metrics"
	"github.com/kstaniek/go-sap-host/internal/sap"
	"github.com/kstaniek/go-sap-host/internal/shmem"
)

func testSizes() shmem.Sizes {
	return shmem.Sizes{
		HostToFwData:  4096,
		HostToFwNotif: 2048,
		FwToHostData:  4096,
		FwToHostNotif: 2048,
	}
}

// recEvents records session notifications for assertions.
type recEvents struct {
	mu         sync.Mutex
	connected  chan struct{}
	connOnce   sync.Once
	radioReqs  []bool
	forced     int
	stolen     int
	connStatus []sap.ConnStatus
}

func newRecEvents() *recEvents {
	return &recEvents{connected: make(chan struct{})}
}

func (e *recEvents) SapConnected() { e.connOnce.Do(func() { close(e.connected) }) }
func (e *recEvents) ConnStatus(cs sap.ConnStatus) {
	e.mu.Lock()
	e.connStatus = append(e.connStatus, cs)
	e.mu.Unlock()
}
func (e *recEvents) RadioStateRequest(enabled bool) {
	e.mu.Lock()
	e.radioReqs = append(e.radioReqs, enabled)
	e.mu.Unlock()
}
func (e *recEvents) ForcedRelease() {
	e.mu.Lock()
	e.forced++
	e.mu.Unlock()
}
func (e *recEvents) DeviceStolen() {
	e.mu.Lock()
	e.stolen++
	e.mu.Unlock()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// startPair spins up a connected session/simulator pair. Cleanup closes the
// session first (it quiesces the simulator via the going-down handshake).
func startPair(t *testing.T, ev Events, simOpts []fwsim.Option, sessOpts ...Option) (*Session, *fwsim.Sim) {
	t.Helper()
	hostEnd, fwEnd := channel.Loopback(64)
	opts := append([]Option{WithSizes(testSizes()), WithEvents(ev)}, sessOpts...)
	sess, err := New(hostEnd, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sim, err := fwsim.New(sess.Region(), sess.Sizes(), fwEnd, simOpts...)
	if err != nil {
		t.Fatalf("fwsim.New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = sim.Run(ctx) }()
	go func() { _ = sess.Run(ctx) }()
	t.Cleanup(func() {
		_ = sess.Close()
		cancel()
	})
	waitFor(t, "handshake", sess.Connected)
	return sess, sim
}

func TestSession_HandshakeConnects(t *testing.T) {
	ev := newRecEvents()
	sess, sim := startPair(t, ev, nil)
	select {
	case <-ev.connected:
	case <-time.After(time.Second):
		t.Fatalf("SapConnected never fired")
	}
	if !sim.Started() {
		t.Fatalf("simulator missed the start message")
	}
	// DriverUp goes down right after the handshake.
	waitFor(t, "driver-up", func() bool {
		for _, typ := range sim.HostNotifTypes() {
			if typ == sap.MsgDriverUp {
				return true
			}
		}
		return false
	})
	_ = sess
}

func TestSession_VersionMismatchStaysUnbound(t *testing.T) {
	hostEnd, fwEnd := channel.Loopback(16)
	sess, err := New(hostEnd, WithSizes(testSizes()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = sess.Run(ctx) }()
	t.Cleanup(func() { _ = sess.Close() })

	// Hand-rolled firmware end answering with a version we do not speak.
	buf := make([]byte, 256)
	if _, err := fwEnd.Recv(buf); err != nil {
		t.Fatalf("Recv start: %v", err)
	}
	errsBefore := metrics.Snap().Errors
	bad := sap.StartOK{
		ChanHeader: sap.ChanHeader{Type: sap.ChanMsgStartOK, Seq: 1, Len: sap.StartOKSize},
		Version:    99,
	}
	if _, err := fwEnd.Send(bad.Encode()); err != nil {
		t.Fatalf("Send start-ok: %v", err)
	}

	// The rejection is counted once, classified by the receive loop.
	waitFor(t, "handshake error counted", func() bool {
		return metrics.Snap().Errors > errsBefore
	})
	if sess.Connected() {
		t.Fatalf("session connected despite version mismatch")
	}
	if err := sess.RequestOwnership(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestSession_OwnershipGranted(t *testing.T) {
	ev := newRecEvents()
	sess, sim := startPair(t, ev, []fwsim.Option{fwsim.WithOwnershipPolicy(fwsim.Grant)})
	if err := sess.RequestOwnership(context.Background()); err != nil {
		t.Fatalf("RequestOwnership: %v", err)
	}
	waitFor(t, "ownership confirmation", func() bool {
		for _, typ := range sim.HostNotifTypes() {
			if typ == sap.MsgHostOwnershipConfirmed {
				return true
			}
		}
		return false
	})
	ev.mu.Lock()
	gotRadioOn := len(ev.radioReqs) > 0 && ev.radioReqs[0]
	ev.mu.Unlock()
	if !gotRadioOn {
		t.Fatalf("RadioStateRequest(true) not delivered")
	}
	// Granting twice is a no-op.
	if err := sess.RequestOwnership(context.Background()); err != nil {
		t.Fatalf("second RequestOwnership: %v", err)
	}
}

func TestSession_OwnershipDenied(t *testing.T) {
	sess, _ := startPair(t, newRecEvents(), []fwsim.Option{fwsim.WithOwnershipPolicy(fwsim.Deny)})
	err := sess.RequestOwnership(context.Background())
	if !errors.Is(err, ErrOwnershipDenied) {
		t.Fatalf("expected ErrOwnershipDenied, got %v", err)
	}
	if errors.Is(err, ErrTimeout) {
		t.Fatalf("denial must not classify as timeout")
	}
}

func TestSession_OwnershipTimeoutIsNotDenial(t *testing.T) {
	sess, _ := startPair(t, newRecEvents(),
		[]fwsim.Option{fwsim.WithOwnershipPolicy(fwsim.Silent)},
		WithOwnershipTimeout(50*time.Millisecond))
	err := sess.RequestOwnership(context.Background())
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if errors.Is(err, ErrOwnershipDenied) {
		t.Fatalf("timeout must not classify as denial")
	}
}

func TestSession_ForcedReleaseHandover(t *testing.T) {
	ev := newRecEvents()
	sess, sim := startPair(t, ev, []fwsim.Option{fwsim.WithOwnershipPolicy(fwsim.Grant)})
	if err := sess.RequestOwnership(context.Background()); err != nil {
		t.Fatalf("RequestOwnership: %v", err)
	}
	if err := sim.TakeOwnership(); err != nil {
		t.Fatalf("TakeOwnership: %v", err)
	}
	waitFor(t, "forced release event", func() bool {
		ev.mu.Lock()
		defer ev.mu.Unlock()
		return ev.forced > 0
	})
	// The owner quiesces and reports down, completing the handover.
	if err := sess.DeviceDown(); err != nil {
		t.Fatalf("DeviceDown: %v", err)
	}
	waitFor(t, "handover confirmation", func() bool {
		for _, typ := range sim.HostNotifTypes() {
			if typ == sap.MsgFirmwareOwnershipConfirmed {
				return true
			}
		}
		return false
	})
}

func TestSession_GetNVM(t *testing.T) {
	var nvm sap.NVMData
	nvm.HwAddr = [6]byte{0x02, 0x11, 0x22, 0x33, 0x44, 0x55}
	nvm.NVMVersion = 42
	sess, _ := startPair(t, newRecEvents(), []fwsim.Option{fwsim.WithNVM(nvm)})

	got, err := sess.GetNVM(context.Background())
	if err != nil {
		t.Fatalf("GetNVM: %v", err)
	}
	if got.HwAddr != nvm.HwAddr || got.NVMVersion != nvm.NVMVersion {
		t.Fatalf("nvm mismatch: %+v", got)
	}
	// Second fetch is served from cache.
	again, err := sess.GetNVM(context.Background())
	if err != nil || again.HwAddr != nvm.HwAddr {
		t.Fatalf("cached fetch: %+v, %v", again, err)
	}
}

func TestSession_Ping(t *testing.T) {
	sess, _ := startPair(t, newRecEvents(), nil)
	if err := sess.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

// sinkCollector gathers inbound packets from the bridge.
type sinkCollector struct {
	mu   sync.Mutex
	pkts [][]byte
}

func (s *sinkCollector) Deliver(pkt []byte) error {
	s.mu.Lock()
	s.pkts = append(s.pkts, append([]byte(nil), pkt...))
	s.mu.Unlock()
	return nil
}

func (s *sinkCollector) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pkts)
}

// mkDHCPPacket builds an Ethernet/IPv4/UDP frame to port 67.
func mkDHCPPacket() []byte {
	pkt := make([]byte, 14+20+8+100)
	binary.BigEndian.PutUint16(pkt[12:14], 0x0800)
	ip := pkt[14:]
	ip[0] = 0x45
	ip[9] = 17 // UDP
	binary.BigEndian.PutUint16(ip[22:24], 67)
	return pkt
}

func TestSession_DataPathBothDirections(t *testing.T) {
	filters := &filter.Set{
		UDPPorts: []filter.UDPPortRule{
			{Port: 67, Flags: filter.FlagCopy | filter.FlagNotify | filter.FlagDrop, Index: 0},
		},
	}
	ev := newRecEvents()
	sess, sim := startPair(t, ev, []fwsim.Option{fwsim.WithFilters(filters)})
	sink := &sinkCollector{}
	br := bridge.New(sess, bridge.WithSink(sink))
	sess.SetDataPath(br)

	if err := sim.EnableFeature(true); err != nil {
		t.Fatalf("EnableFeature: %v", err)
	}
	waitFor(t, "filter push", func() bool { return sess.CurrentFilters() != nil })
	waitFor(t, "bridge activation", br.Active)

	// Outbound: the DHCP rule copies, notifies, and drops from the host path.
	pkt := mkDHCPPacket()
	if drop := br.HandleHostPacket(pkt); !drop {
		t.Fatalf("dhcp packet not dropped from host path")
	}
	waitFor(t, "firmware copy", func() bool { return len(sim.HostDataPackets()) == 1 })
	got := sim.HostDataPackets()[0]
	if len(got) != len(pkt) {
		t.Fatalf("firmware received %d bytes, want %d", len(got), len(pkt))
	}

	// Outbound non-matching traffic stays on the host path untouched.
	other := make([]byte, 60)
	binary.BigEndian.PutUint16(other[12:14], 0x86dd)
	if drop := br.HandleHostPacket(other); drop {
		t.Fatalf("unmatched packet dropped")
	}
	if n := len(sim.HostDataPackets()); n != 1 {
		t.Fatalf("unmatched packet copied to firmware (%d)", n)
	}

	// Inbound: firmware-originated packets land in the sink.
	inbound := make([]byte, 80)
	inbound[0] = 0xab
	if err := sim.SendDataPacket(inbound); err != nil {
		t.Fatalf("SendDataPacket: %v", err)
	}
	waitFor(t, "inbound delivery", func() bool { return sink.count() == 1 })

	// Empty inbound frames are malformed and never reach the sink.
	if err := sim.SendDataPacket(nil); err != nil {
		t.Fatalf("SendDataPacket empty: %v", err)
	}
	if err := sim.SendDataPacket(make([]byte, 80)); err != nil {
		t.Fatalf("SendDataPacket follow-up: %v", err)
	}
	waitFor(t, "follow-up delivery", func() bool { return sink.count() == 2 })
}

func TestSession_ConfigReplayOnFeatureEnable(t *testing.T) {
	hostEnd, fwEnd := channel.Loopback(64)
	sess, err := New(hostEnd, WithSizes(testSizes()), WithEvents(newRecEvents()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// Cached while unbound; nothing goes on the wire yet.
	if err := sess.SetCountryCode(840); err != nil {
		t.Fatalf("SetCountryCode: %v", err)
	}
	ni := sap.NicInfo{MACAddress: [6]byte{2, 0, 0, 1, 2, 3}}
	if err := sess.SetNicInfo(ni); err != nil {
		t.Fatalf("SetNicInfo: %v", err)
	}

	sim, err := fwsim.New(sess.Region(), sess.Sizes(), fwEnd)
	if err != nil {
		t.Fatalf("fwsim.New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = sim.Run(ctx) }()
	go func() { _ = sess.Run(ctx) }()
	t.Cleanup(func() { _ = sess.Close(); cancel() })
	waitFor(t, "handshake", sess.Connected)

	if err := sim.EnableFeature(true); err != nil {
		t.Fatalf("EnableFeature: %v", err)
	}
	waitFor(t, "config replay", func() bool {
		var gotMCC, gotNic bool
		for _, typ := range sim.HostNotifTypes() {
			switch typ {
			case sap.MsgCountryCode:
				gotMCC = true
			case sap.MsgNicInfo:
				gotNic = true
			}
		}
		return gotMCC && gotNic
	})
}

func TestSession_CSAThrottle(t *testing.T) {
	hostEnd, fwEnd := channel.Loopback(64)
	sess, err := New(hostEnd, WithSizes(testSizes()), WithCSAThrottle(150*time.Millisecond))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = sess.Run(ctx) }()
	t.Cleanup(func() { _ = sess.Close() })

	// Raw firmware end: complete the handshake, then count doorbells
	// without ever draining the queues.
	var doorbells atomic.Int32
	go func() {
		buf := make([]byte, 256)
		for {
			n, err := fwEnd.Recv(buf)
			if err != nil {
				return
			}
			hdr, err := sap.ParseChanHeader(buf[:n])
			if err != nil {
				continue
			}
			switch hdr.Type {
			case sap.ChanMsgStart:
				ok := sap.StartOK{
					ChanHeader: sap.ChanHeader{Type: sap.ChanMsgStartOK, Seq: 1, Len: sap.StartOKSize},
					Version:    sap.Version,
				}
				_, _ = fwEnd.Send(ok.Encode())
			case sap.ChanMsgCheckSharedArea:
				doorbells.Add(1)
			}
		}
	}()
	waitFor(t, "handshake", sess.Connected)

	// Two sends inside one throttle window ring the doorbell once.
	if err := sess.SetCountryCode(840); err != nil {
		t.Fatalf("SetCountryCode: %v", err)
	}
	if err := sess.SetRadioState(true, true); err != nil {
		t.Fatalf("SetRadioState: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if n := doorbells.Load(); n != 1 {
		t.Fatalf("doorbells inside window = %d, want 1", n)
	}

	// The deferred re-check fires once the window ends, because the far
	// side never drained the queues.
	waitFor(t, "deferred doorbell", func() bool { return doorbells.Load() >= 2 })
}

func TestSession_CloseDrainsAndAnnounces(t *testing.T) {
	sess, sim := startPair(t, newRecEvents(), nil)
	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	waitFor(t, "host-down announcement", sim.HostDown)
	if sess.Connected() {
		t.Fatalf("session still connected after Close")
	}
	// Idempotent.
	if err := sess.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	// Sends fail fast once the session ended.
	if err := sess.Ping(context.Background()); err == nil {
		t.Fatalf("Ping succeeded on closed session")
	}
}

// gateEvents parks the receive goroutine inside the status handler so tests
// can hold an inbound decode pass open across a concurrent Close.
type gateEvents struct {
	*recEvents
	entered chan struct{}
	release chan struct{}
}

func (e *gateEvents) ConnStatus(cs sap.ConnStatus) {
	e.entered <- struct{}{}
	<-e.release
	e.recEvents.ConnStatus(cs)
}

func TestSession_CloseWaitsForInboundPass(t *testing.T) {
	ev := &gateEvents{
		recEvents: newRecEvents(),
		entered:   make(chan struct{}),
		release:   make(chan struct{}),
	}
	sess, sim := startPair(t, ev, nil)

	// Two status notifications keep inbound frames queued behind the one
	// whose handler we park in.
	if err := sim.PushConnStatus(sap.ConnStatus{LinkProtState: 1}); err != nil {
		t.Fatalf("PushConnStatus: %v", err)
	}
	if err := sim.PushConnStatus(sap.ConnStatus{LinkProtState: 1}); err != nil {
		t.Fatalf("PushConnStatus: %v", err)
	}
	<-ev.entered // decode pass parked inside the first handler

	closed := make(chan struct{})
	go func() {
		_ = sess.Close()
		close(closed)
	}()

	// Close must not release the region while the pass is still inside it.
	select {
	case <-closed:
		t.Fatalf("Close returned with a decode pass in flight")
	case <-time.After(150 * time.Millisecond):
	}

	ev.release <- struct{}{}
	// The second frame may ride the same pass or a later doorbell; a pass
	// starting after Close bails out without dispatching.
	select {
	case <-ev.entered:
		ev.release <- struct{}{}
	case <-closed:
	}

	select {
	case <-closed:
	case <-time.After(3 * time.Second):
		t.Fatalf("Close never finished after the pass drained")
	}
}

func TestSession_EnqueueRejectsOversizedPacket(t *testing.T) {
	sess, _ := startPair(t, newRecEvents(), nil)
	pkt := make([]byte, 1<<17) // cannot be framed in a 16-bit length
	if err := sess.EnqueueTxPacket(pkt, false, 0); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
	if err := sess.EnqueueTxPacket(pkt, true, 0); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge for callback framing, got %v", err)
	}
	// A normal-sized packet still goes through.
	if err := sess.EnqueueTxPacket(make([]byte, 1500), false, 0); err != nil {
		t.Fatalf("EnqueueTxPacket: %v", err)
	}
}

func TestSession_CanReleaseOwnershipReasserts(t *testing.T) {
	sess, sim := startPair(t, newRecEvents(), []fwsim.Option{fwsim.WithOwnershipPolicy(fwsim.Grant)})
	if err := sim.OfferRelease(); err != nil {
		t.Fatalf("OfferRelease: %v", err)
	}
	// The host re-asserts interest; the simulator grants with no waiter.
	waitFor(t, "ownership re-request", func() bool {
		var asked, confirmed bool
		for _, typ := range sim.HostNotifTypes() {
			switch typ {
			case sap.MsgHostAsksForOwnership:
				asked = true
			case sap.MsgHostOwnershipConfirmed:
				confirmed = true
			}
		}
		return asked && confirmed
	})
	_ = sess
}
