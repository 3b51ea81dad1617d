package tether

import (
	"sync"

	"github.com/raskyld/tether/pkg/envelope"
)

// Inbound is a non-control message received by the hub.
type Inbound struct {
	Category envelope.Category
	Payload  []byte
	PeerID   string
}

// Subscription is an independent receiver of a fan-out. A subscriber which
// does not keep up misses messages once its buffer is full.
type Subscription[T any] struct {
	ch   chan T
	fan  *fanout[T]
	once sync.Once
}

// C is closed when the subscription or its source is closed.
func (sub *Subscription[T]) C() <-chan T {
	return sub.ch
}

func (sub *Subscription[T]) Close() {
	sub.once.Do(func() {
		sub.fan.unsubscribe(sub)
	})
}

type fanout[T any] struct {
	lk     sync.RWMutex
	subs   map[*Subscription[T]]struct{}
	buffer int
	closed bool
	onDrop func()
}

func newFanout[T any](buffer int, onDrop func()) *fanout[T] {
	return &fanout[T]{
		subs:   make(map[*Subscription[T]]struct{}),
		buffer: buffer,
		onDrop: onDrop,
	}
}

func (f *fanout[T]) subscribe() *Subscription[T] {
	sub := &Subscription[T]{
		ch:  make(chan T, f.buffer),
		fan: f,
	}

	f.lk.Lock()
	defer f.lk.Unlock()
	if f.closed {
		close(sub.ch)
		return sub
	}
	f.subs[sub] = struct{}{}
	return sub
}

func (f *fanout[T]) unsubscribe(sub *Subscription[T]) {
	f.lk.Lock()
	defer f.lk.Unlock()
	if _, ok := f.subs[sub]; !ok {
		return
	}
	delete(f.subs, sub)
	close(sub.ch)
}

// publish returns how many subscribers missed msg.
func (f *fanout[T]) publish(msg T) (dropped int) {
	f.lk.RLock()
	defer f.lk.RUnlock()
	for sub := range f.subs {
		select {
		case sub.ch <- msg:
		default:
			dropped++
			if f.onDrop != nil {
				f.onDrop()
			}
		}
	}
	return
}

func (f *fanout[T]) close() {
	f.lk.Lock()
	defer f.lk.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for sub := range f.subs {
		close(sub.ch)
	}
	clear(f.subs)
}
