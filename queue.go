package tether

import (
	"sync"

	"github.com/raskyld/tether/pkg/envelope"
)

// Outbound is the capability a `Registry` holds to reach a peer. It is not
// the connection itself: releasing it only tells whoever drains it that no
// more envelopes will come.
type Outbound interface {
	// Deliver must not block.
	Deliver(env envelope.Envelope) error
	Release()
}

// outboundQueue is the ordered bounded queue sitting between the registry
// and the pump writing to a hub-side connection.
type outboundQueue struct {
	data   chan envelope.Envelope
	lk     sync.Mutex
	closed bool
}

func newOutboundQueue(size int) *outboundQueue {
	return &outboundQueue{
		data: make(chan envelope.Envelope, size),
	}
}

func (q *outboundQueue) Deliver(env envelope.Envelope) error {
	q.lk.Lock()
	defer q.lk.Unlock()
	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.data <- env:
		return nil
	default:
		return ErrQueueFull
	}
}

// Release closes the queue, envelopes already enqueued are still handed to
// the reader.
func (q *outboundQueue) Release() {
	q.lk.Lock()
	defer q.lk.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.data)
}

// Recv returns false once the queue is released and drained.
func (q *outboundQueue) Recv() (envelope.Envelope, bool) {
	env, ok := <-q.data
	return env, ok
}

func (q *outboundQueue) Len() int {
	return len(q.data)
}
