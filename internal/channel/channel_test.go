package channel

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

func TestLoopback_RoundTrip(t *testing.T) {
	a, b := Loopback(4)
	msg := []byte{1, 2, 3, 4, 5}
	if n, err := a.Send(msg); err != nil || n != len(msg) {
		t.Fatalf("Send = %d, %v", n, err)
	}
	buf := make([]byte, 64)
	n, err := b.Recv(buf)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if !bytes.Equal(buf[:n], msg) {
		t.Fatalf("got %v, want %v", buf[:n], msg)
	}
}

func TestLoopback_MessageFraming(t *testing.T) {
	a, b := Loopback(4)
	_, _ = a.Send([]byte{1, 2})
	_, _ = a.Send([]byte{3, 4, 5})
	buf := make([]byte, 64)
	if n, _ := b.Recv(buf); n != 2 {
		t.Fatalf("first message %d bytes, want 2", n)
	}
	if n, _ := b.Recv(buf); n != 3 {
		t.Fatalf("second message %d bytes, want 3", n)
	}
}

func TestLoopback_SenderDoesNotSeePeerMutation(t *testing.T) {
	a, b := Loopback(4)
	msg := []byte{9, 9, 9}
	_, _ = a.Send(msg)
	msg[0] = 0 // mutate after send
	buf := make([]byte, 8)
	n, _ := b.Recv(buf)
	if buf[0] != 9 || n != 3 {
		t.Fatalf("message aliased the sender's buffer")
	}
}

func TestLoopback_CloseDrainsInFlight(t *testing.T) {
	a, b := Loopback(4)
	_, _ = a.Send([]byte{7})
	_ = a.Close()

	buf := make([]byte, 8)
	if n, err := b.Recv(buf); err != nil || n != 1 {
		t.Fatalf("in-flight message lost: %d, %v", n, err)
	}
	if _, err := b.Recv(buf); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := a.Send([]byte{1}); !errors.Is(err, ErrClosed) {
		t.Fatalf("send on closed channel: %v", err)
	}
}

func TestLoopback_CloseUnblocksReceiver(t *testing.T) {
	a, b := Loopback(4)
	done := make(chan error, 1)
	go func() {
		buf := make([]byte, 8)
		_, err := b.Recv(buf)
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	_ = a.Close()
	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Recv never unblocked after Close")
	}
}
