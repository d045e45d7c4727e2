package session

import (
	"context"
	"sync"
	"sync/atomic"
)

// asyncNotifier funnels doorbell requests from the packet hot path through a
// single goroutine (fan-in). Kick is non-blocking: if a signal is already
// pending, the new one coalesces with it, which is exactly what the
// check-shared-area semantics want. Close stops the worker and waits; kicks
// arriving after Close are ignored.
type asyncNotifier struct {
	mu     sync.Mutex
	ch     chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	fire   func()
	closed atomic.Bool
}

func newAsyncNotifier(parent context.Context, fire func()) *asyncNotifier {
	ctx, cancel := context.WithCancel(parent)
	n := &asyncNotifier{
		ch:     make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		fire:   fire,
	}
	n.wg.Add(1)
	go n.loop()
	return n
}

func (n *asyncNotifier) loop() {
	defer n.wg.Done()
	for {
		select {
		case _, ok := <-n.ch:
			if !ok {
				return
			}
			n.fire()
		case <-n.ctx.Done():
			return
		}
	}
}

// Kick requests one asynchronous doorbell; coalesces with a pending one.
func (n *asyncNotifier) Kick() {
	if n.closed.Load() {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed.Load() {
		return
	}
	select {
	case n.ch <- struct{}{}:
	default:
	}
}

// Close stops the worker and waits for a pending fire to finish.
func (n *asyncNotifier) Close() {
	if n.closed.Swap(true) {
		return
	}
	n.cancel()
	n.mu.Lock()
	close(n.ch)
	n.mu.Unlock()
	n.wg.Wait()
}
