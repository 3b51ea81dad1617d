package tether

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/raskyld/tether/pkg/envelope"
)

type fakeClock struct {
	lk  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.lk.Lock()
	defer c.lk.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.lk.Lock()
	defer c.lk.Unlock()
	c.now = t
}

// recordingOutbound is an `Outbound` keeping everything delivered to it.
type recordingOutbound struct {
	lk       sync.Mutex
	got      []envelope.Envelope
	attempts []time.Time
	failWith error
	released bool
}

func (o *recordingOutbound) Deliver(env envelope.Envelope) error {
	o.lk.Lock()
	defer o.lk.Unlock()
	o.attempts = append(o.attempts, time.Now())
	if o.failWith != nil {
		return o.failWith
	}
	o.got = append(o.got, env)
	return nil
}

func (o *recordingOutbound) Release() {
	o.lk.Lock()
	defer o.lk.Unlock()
	o.released = true
}

func (o *recordingOutbound) Received() []envelope.Envelope {
	o.lk.Lock()
	defer o.lk.Unlock()
	return append([]envelope.Envelope(nil), o.got...)
}

func (o *recordingOutbound) Attempts() []time.Time {
	o.lk.Lock()
	defer o.lk.Unlock()
	return append([]time.Time(nil), o.attempts...)
}

func (o *recordingOutbound) Released() bool {
	o.lk.Lock()
	defer o.lk.Unlock()
	return o.released
}

func countCategory(envs []envelope.Envelope, cat envelope.Category) int {
	n := 0
	for _, env := range envs {
		if env.Category() == cat {
			n++
		}
	}
	return n
}

type pipeAddr string

func (a pipeAddr) Network() string { return "pipe" }
func (a pipeAddr) String() string  { return string(a) }

// pipeConn is one end of an in-memory frame pipe.
type pipeConn struct {
	in   chan []byte
	out  chan []byte
	done chan struct{}
	once *sync.Once
	name string
}

func newPipe() (*pipeConn, *pipeConn) {
	a2b := make(chan []byte, 64)
	b2a := make(chan []byte, 64)
	done := make(chan struct{})
	once := &sync.Once{}
	return &pipeConn{in: b2a, out: a2b, done: done, once: once, name: "a"},
		&pipeConn{in: a2b, out: b2a, done: done, once: once, name: "b"}
}

func (p *pipeConn) ReadFrame() ([]byte, error) {
	select {
	case frame := <-p.in:
		return frame, nil
	default:
	}
	select {
	case frame := <-p.in:
		return frame, nil
	case <-p.done:
		// frames written before the close are still readable
		select {
		case frame := <-p.in:
			return frame, nil
		default:
			return nil, io.EOF
		}
	}
}

func (p *pipeConn) WriteFrame(frame []byte) error {
	select {
	case <-p.done:
		return ErrConnClosed
	default:
	}
	select {
	case p.out <- frame:
		return nil
	case <-p.done:
		return ErrConnClosed
	}
}

func (p *pipeConn) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

func (p *pipeConn) RemoteAddr() net.Addr {
	return pipeAddr(p.name)
}

func (p *pipeConn) Closed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// writeEnv is a test shortcut writing a marshalled envelope.
func (p *pipeConn) writeEnv(env envelope.Envelope) error {
	return p.WriteFrame(env.Marshal())
}

// readEnv returns the next envelope or an error once the pipe is closed.
func (p *pipeConn) readEnv() (envelope.Envelope, error) {
	frame, err := p.ReadFrame()
	if err != nil {
		return envelope.Envelope{}, err
	}
	return envelope.Unmarshal(frame)
}

type pipeListener struct {
	ch   chan Conn
	done chan struct{}
	once sync.Once
}

func newPipeListener() *pipeListener {
	return &pipeListener{
		ch:   make(chan Conn),
		done: make(chan struct{}),
	}
}

// dial returns the client end of a new pipe whose server end is accepted.
func (l *pipeListener) dial() *pipeConn {
	client, server := newPipe()
	l.ch <- server
	return client
}

func (l *pipeListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case conn := <-l.ch:
		return conn, nil
	case <-l.done:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *pipeListener) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

func (l *pipeListener) Addr() net.Addr {
	return pipeAddr("listener")
}
