package channel

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/kstaniek/go-sap-host/internal/sap"
)

// scriptedPort plays back read chunks in order, the way a serial port hands
// out whatever happens to sit in its buffer. An empty chunk models a read
// timeout (zero bytes, no error).
type scriptedPort struct {
	chunks [][]byte
	sent   bytes.Buffer
	closed bool
}

func (p *scriptedPort) Read(b []byte) (int, error) {
	if len(p.chunks) == 0 {
		return 0, io.EOF
	}
	c := p.chunks[0]
	p.chunks = p.chunks[1:]
	return copy(b, c), nil
}

func (p *scriptedPort) Write(b []byte) (int, error) { return p.sent.Write(b) }

func (p *scriptedPort) Close() error {
	p.closed = true
	return nil
}

func recvOne(t *testing.T, ch Channel) []byte {
	t.Helper()
	buf := make([]byte, 256)
	n, err := ch.Recv(buf)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	return buf[:n]
}

func TestStreamChannel_ReassemblesFragments(t *testing.T) {
	msg := sap.NewStart(7).Encode()
	port := &scriptedPort{chunks: [][]byte{
		msg[:5],
		{}, // read timeout mid-message
		msg[5:13],
		msg[13:],
	}}
	ch := newStreamChannel(port)
	if got := recvOne(t, ch); !bytes.Equal(got, msg) {
		t.Fatalf("reassembled %x, want %x", got, msg)
	}
}

func TestStreamChannel_SplitsCoalescedMessages(t *testing.T) {
	first := sap.NewCheckSharedArea(1)
	second := sap.NewStart(2).Encode()
	// Both messages plus the head of a third arrive in a single read.
	third := sap.NewCheckSharedArea(3)
	joined := append(append(append([]byte(nil), first...), second...), third[:4]...)
	port := &scriptedPort{chunks: [][]byte{joined, third[4:]}}
	ch := newStreamChannel(port)

	if got := recvOne(t, ch); !bytes.Equal(got, first) {
		t.Fatalf("first message: got %x, want %x", got, first)
	}
	if got := recvOne(t, ch); !bytes.Equal(got, second) {
		t.Fatalf("second message: got %x, want %x", got, second)
	}
	if got := recvOne(t, ch); !bytes.Equal(got, third) {
		t.Fatalf("third message: got %x, want %x", got, third)
	}
}

func TestStreamChannel_ResyncsPastGarbage(t *testing.T) {
	msg := sap.NewStart(9).Encode()
	garbage := []byte{0xde, 0xad, 0xbe, 0xef, 0x00, 0xff, 0x13, 0x37, 0x42, 0x42, 0x42, 0x42, 0x42}
	port := &scriptedPort{chunks: [][]byte{append(append([]byte(nil), garbage...), msg...)}}
	ch := newStreamChannel(port)
	if got := recvOne(t, ch); !bytes.Equal(got, msg) {
		t.Fatalf("after resync got %x, want %x", got, msg)
	}
}

func TestStreamChannel_RejectsImplausibleLength(t *testing.T) {
	// A header claiming far more than any real message must not stall the
	// decoder waiting for bytes that never come.
	var bogus [sap.ChanHeaderSize]byte
	sap.PutChanHeader(bogus[:], sap.ChanHeader{Type: sap.ChanMsgStart, Seq: 1, Len: 1 << 20})
	msg := sap.NewCheckSharedArea(2)
	port := &scriptedPort{chunks: [][]byte{append(bogus[:], msg...)}}
	ch := newStreamChannel(port)
	if got := recvOne(t, ch); !bytes.Equal(got, msg) {
		t.Fatalf("got %x, want %x", got, msg)
	}
}

func TestStreamChannel_PropagatesReadError(t *testing.T) {
	port := &scriptedPort{} // immediate EOF
	ch := newStreamChannel(port)
	if _, err := ch.Recv(make([]byte, 64)); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

func TestStreamChannel_SendPassesThrough(t *testing.T) {
	port := &scriptedPort{}
	ch := newStreamChannel(port)
	msg := sap.NewStart(4).Encode()
	if _, err := ch.Send(msg); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !bytes.Equal(port.sent.Bytes(), msg) {
		t.Fatalf("wire bytes %x, want %x", port.sent.Bytes(), msg)
	}
	if err := ch.Close(); err != nil || !port.closed {
		t.Fatalf("Close: err=%v closed=%v", err, port.closed)
	}
}
