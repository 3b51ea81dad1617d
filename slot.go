package tether

import (
	"context"
	"sync"

	"github.com/raskyld/tether/pkg/envelope"
)

// Slot is a single-value channel: publishing overwrites whatever was not
// consumed yet, readers wait for a newer value than the one they saw.
type Slot struct {
	lk      sync.Mutex
	val     envelope.Envelope
	version uint64
	changed chan struct{}
	closed  bool
}

func NewSlot() *Slot {
	return &Slot{
		changed: make(chan struct{}),
	}
}

func (s *Slot) Publish(env envelope.Envelope) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	if s.closed {
		return ErrSlotClosed
	}
	s.val = env
	s.version++
	close(s.changed)
	s.changed = make(chan struct{})
	return nil
}

// Next blocks until the slot holds a value newer than version seen, and
// returns it with its version. Zero means nothing seen yet.
//
// A value published before Close is still returned.
func (s *Slot) Next(ctx context.Context, seen uint64) (envelope.Envelope, uint64, error) {
	for {
		s.lk.Lock()
		if s.version > seen {
			val, version := s.val, s.version
			s.lk.Unlock()
			return val, version, nil
		}
		if s.closed {
			s.lk.Unlock()
			return envelope.Envelope{}, seen, ErrSlotClosed
		}
		changed := s.changed
		s.lk.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return envelope.Envelope{}, seen, ctx.Err()
		}
	}
}

// Load returns the current value, ok is false if nothing was published.
func (s *Slot) Load() (env envelope.Envelope, ok bool) {
	s.lk.Lock()
	defer s.lk.Unlock()
	return s.val, s.version > 0
}

func (s *Slot) Close() {
	s.lk.Lock()
	defer s.lk.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.changed)
}

func (s *Slot) Closed() bool {
	s.lk.Lock()
	defer s.lk.Unlock()
	return s.closed
}
