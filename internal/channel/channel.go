// Package channel abstracts the byte-oriented link to the firmware
// processor. The session layer only ever sends and receives opaque message
// buffers; how the bytes move is a backend concern.
package channel

import (
	"errors"
	"sync"
)

// Channel is the transport boundary to the firmware side.
type Channel interface {
	// Send transmits one message buffer and returns the bytes written.
	Send(p []byte) (int, error)
	// Recv blocks for the next message and copies it into p.
	Recv(p []byte) (int, error)
	Close() error
}

// ErrClosed is returned once the channel is shut down.
var ErrClosed = errors.New("channel: closed")

// Loopback returns two connected in-process channels: what one side sends
// the other receives, message-framed. Used by tests and the loopback
// backend that runs a firmware simulator in-process.
func Loopback(depth int) (Channel, Channel) {
	if depth <= 0 {
		depth = 16
	}
	ab := make(chan []byte, depth)
	ba := make(chan []byte, depth)
	shared := &loopState{}
	a := &loopEnd{tx: ab, rx: ba, state: shared}
	b := &loopEnd{tx: ba, rx: ab, state: shared}
	return a, b
}

type loopState struct {
	mu     sync.Mutex
	closed chan struct{}
	once   sync.Once
}

func (s *loopState) closedCh() chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed == nil {
		s.closed = make(chan struct{})
	}
	return s.closed
}

func (s *loopState) close() {
	ch := s.closedCh()
	s.once.Do(func() { close(ch) })
}

type loopEnd struct {
	tx    chan []byte
	rx    chan []byte
	state *loopState
}

func (e *loopEnd) Send(p []byte) (int, error) {
	msg := append([]byte(nil), p...)
	select {
	case <-e.state.closedCh():
		return 0, ErrClosed
	case e.tx <- msg:
		return len(p), nil
	}
}

func (e *loopEnd) Recv(p []byte) (int, error) {
	select {
	case <-e.state.closedCh():
		// Drain what was already in flight before reporting closure.
		select {
		case msg := <-e.rx:
			return copy(p, msg), nil
		default:
			return 0, ErrClosed
		}
	case msg := <-e.rx:
		return copy(p, msg), nil
	}
}

func (e *loopEnd) Close() error {
	e.state.close()
	return nil
}
