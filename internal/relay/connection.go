package relay

import (
	"errors"
	"sync"
)

var (
	// ErrConnClosed reports a send attempt on a connection that is already closed.
	ErrConnClosed = errors.New("connection closed")

	// ErrQueueFull reports that a connection's outbound queue was full at enqueue time.
	ErrQueueFull = errors.New("outbound queue full")
)

// Conn is one live client connection as the relay sees it: an id and a bounded
// outbound queue. The transport itself stays outside this package; the server's
// write loop drains Outbound() and the read loop calls Close on teardown.
//
// Lifecycle is one-directional: constructed (not yet registered) → registered →
// Close requested (write loop flushes what it can) → both loops exited. A closed
// connection is never reused; reconnects get a fresh id.
type Conn struct {
	id        uint64
	queue     chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewConn creates a connection with the given id and outbound queue capacity.
// Capacities below 1 are raised to 1 so TrySend can always distinguish a full
// queue from a zero-capacity one.
func NewConn(id uint64, queueSize int) *Conn {
	if queueSize < 1 {
		queueSize = 1
	}
	return &Conn{
		id:    id,
		queue: make(chan []byte, queueSize),
		done:  make(chan struct{}),
	}
}

// ID returns the registry-allocated connection id.
func (c *Conn) ID() uint64 {
	return c.id
}

// TrySend enqueues data without blocking. It returns ErrConnClosed if the
// connection is closed and ErrQueueFull if the queue has no room. The queue is
// never closed, so concurrent senders cannot panic on a teardown race.
func (c *Conn) TrySend(data []byte) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}

	select {
	case c.queue <- data:
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
		return ErrQueueFull
	}
}

// Outbound is the delivery channel. Only the connection's own write loop may
// receive from it; messages arrive in enqueue order.
func (c *Conn) Outbound() <-chan []byte {
	return c.queue
}

// Done is closed when the connection is closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close marks the connection closed. Idempotent and safe from any goroutine.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
