package p2p

import (
	"sync"
	"time"
)

// messageQueue is an unbounded FIFO with a timed pop. It has a single
// consumer.
type messageQueue struct {
	mu     sync.Mutex
	items  [][]byte
	closed bool
	signal chan struct{}
}

func newMessageQueue() *messageQueue {
	return &messageQueue{signal: make(chan struct{}, 1)}
}

func (q *messageQueue) push(m []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.items = append(q.items, m)
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

func (q *messageQueue) tryPop() ([]byte, bool, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) > 0 {
		m := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		return m, true, q.closed
	}
	return nil, false, q.closed
}

func (q *messageQueue) pop(timeout time.Duration) ([]byte, bool) {
	if m, ok, closed := q.tryPop(); ok || closed || timeout <= 0 {
		return m, ok
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-q.signal:
			if m, ok, closed := q.tryPop(); ok || closed {
				return m, ok
			}
		case <-timer.C:
			m, ok, _ := q.tryPop()
			return m, ok
		}
	}
}

func (q *messageQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.closed {
		q.closed = true
		close(q.signal)
	}
}

// LoopbackChannel delivers every sent message back to its own Recv. It
// lets protocol code be exercised without sockets.
type LoopbackChannel struct {
	q *messageQueue

	mu     sync.Mutex
	reason string
}

var _ Channel = (*LoopbackChannel)(nil)

func NewLoopbackChannel() *LoopbackChannel {
	return &LoopbackChannel{q: newMessageQueue()}
}

func (c *LoopbackChannel) Send(data []byte) error {
	msg := make([]byte, len(data))
	copy(msg, data)
	if !c.q.push(msg) {
		return ErrClosed
	}
	return nil
}

func (c *LoopbackChannel) SendChunks(chunks ...[]byte) error {
	if !c.q.push(NewChunkWalker(chunks...).Bytes()) {
		return ErrClosed
	}
	return nil
}

func (c *LoopbackChannel) Recv(timeout time.Duration) ([]byte, bool) {
	return c.q.pop(timeout)
}

func (c *LoopbackChannel) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason == ""
}

func (c *LoopbackChannel) DisconnectReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Disconnect simulates the peer going away. Queued messages can still be
// received.
func (c *LoopbackChannel) Disconnect(reason string) {
	c.mu.Lock()
	if c.reason == "" {
		c.reason = reason
	}
	c.mu.Unlock()
	c.q.close()
}

func (c *LoopbackChannel) Close() error {
	c.Disconnect("channel closed")
	return nil
}
