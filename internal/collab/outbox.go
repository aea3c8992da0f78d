package collab

import "sync"

// Outbox is one participant's bounded outbound queue. The transport
// layer owns exactly one Outbox per connection and drains Frames() into
// the wire; sessions push into it without ever blocking. A full outbox
// means the participant is too slow to keep state in sync, so it gets
// disconnected and must rejoin to resynchronize.
type Outbox struct {
	mu     sync.Mutex
	ch     chan Frame
	closed bool
}

// NewOutbox creates an outbox holding at most size frames.
func NewOutbox(size int) *Outbox {
	return &Outbox{ch: make(chan Frame, size)}
}

// Frames is the drain side, consumed by the transport write loop. The
// channel is closed when the outbox closes.
func (o *Outbox) Frames() <-chan Frame {
	return o.ch
}

// TrySend enqueues a frame without blocking. It reports false when the
// queue is full or the outbox is closed.
func (o *Outbox) TrySend(f Frame) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return false
	}
	select {
	case o.ch <- f:
		return true
	default:
		return false
	}
}

// Close shuts the outbox. Idempotent.
func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.closed {
		o.closed = true
		close(o.ch)
	}
}
