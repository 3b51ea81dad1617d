package tether

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"google.golang.org/protobuf/encoding/protowire"
)

// QuicALPN is the application protocol negotiated by QUIC transports.
const QuicALPN = "tether"

const (
	defaultQuicLinger       = 2 * time.Second
	defaultQuicStreamAccept = 10 * time.Second
)

var (
	QErrNone     = quic.ApplicationErrorCode(0x0)
	QErrInternal = quic.ApplicationErrorCode(0x1)
	QErrShutdown = quic.ApplicationErrorCode(0x3)
)

func quicConfig() *quic.Config {
	return &quic.Config{
		Versions:        []quic.Version{quic.Version2, quic.Version1},
		Allow0RTT:       false,
		MaxIdleTimeout:  1 * time.Minute,
		KeepAlivePeriod: 15 * time.Second,
		// a session is exactly one bidirectional stream
		MaxIncomingStreams:    1,
		MaxIncomingUniStreams: -1,
	}
}

func withALPN(tlsConf *tls.Config) *tls.Config {
	tlsConf = tlsConf.Clone()
	if len(tlsConf.NextProtos) == 0 {
		tlsConf.NextProtos = []string{QuicALPN}
	}
	return tlsConf
}

// quicConn carries varint length-prefixed frames on a single stream.
type quicConn struct {
	conn     quic.Connection
	stream   quic.Stream
	r        *bufio.Reader
	wlk      sync.Mutex
	maxFrame int
	linger   time.Duration
	closeFn  sync.Once
}

func newQuicConn(conn quic.Connection, stream quic.Stream, maxFrame int) *quicConn {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameSize
	}
	return &quicConn{
		conn:     conn,
		stream:   stream,
		r:        bufio.NewReader(stream),
		maxFrame: maxFrame,
		linger:   defaultQuicLinger,
	}
}

func (c *quicConn) ReadFrame() ([]byte, error) {
	size, err := binary.ReadUvarint(c.r)
	if err != nil {
		return nil, err
	}
	if size > uint64(c.maxFrame) {
		c.stream.CancelRead(quic.StreamErrorCode(QErrInternal))
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}

	frame := make([]byte, size)
	if _, err := io.ReadFull(c.r, frame); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return frame, nil
}

func (c *quicConn) WriteFrame(frame []byte) error {
	buf := protowire.AppendVarint(make([]byte, 0, len(frame)+binary.MaxVarintLen64), uint64(len(frame)))
	buf = append(buf, frame...)

	c.wlk.Lock()
	defer c.wlk.Unlock()
	_, err := c.stream.Write(buf)
	return err
}

// Close ends the send side of the stream, then gives the remote some time
// to read what is left before tearing the connection down.
func (c *quicConn) Close() (err error) {
	c.closeFn.Do(func() {
		c.wlk.Lock()
		err = c.stream.Close()
		c.wlk.Unlock()
		c.stream.CancelRead(quic.StreamErrorCode(QErrNone))
		time.AfterFunc(c.linger, func() {
			c.conn.CloseWithError(QErrNone, "session closed")
		})
	})
	return
}

func (c *quicConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// QuicListener accepts one session per QUIC connection.
type QuicListener struct {
	logger   *slog.Logger
	ln       *quic.Listener
	maxFrame int

	connCh  chan Conn
	ctx     context.Context
	cancel  context.CancelFunc
	closeFn sync.Once
}

// ListenQuic listens on the UDP addr, TLS is mandatory.
func ListenQuic(addr string, tlsConf *tls.Config, opts ...Option) (*QuicListener, error) {
	if tlsConf == nil {
		return nil, ErrNoTLSConfig
	}
	cfg, err := newConfig(opts)
	if err != nil {
		return nil, err
	}

	ln, err := quic.ListenAddr(addr, withALPN(tlsConf), quicConfig())
	if err != nil {
		return nil, fmt.Errorf("transport: failed to allocate QUIC listener: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ql := &QuicListener{
		logger:   cfg.logger().With("component", "quic-listener"),
		ln:       ln,
		maxFrame: cfg.maxFrameSize,
		connCh:   make(chan Conn),
		ctx:      ctx,
		cancel:   cancel,
	}
	go ql.run()
	return ql, nil
}

func (ql *QuicListener) run() {
	for {
		conn, err := ql.ln.Accept(ql.ctx)
		if err != nil {
			if ql.ctx.Err() == nil {
				ql.logger.Error("quic listener stopped", LabelError.L(err))
			}
			return
		}
		go ql.handleConn(conn)
	}
}

func (ql *QuicListener) handleConn(conn quic.Connection) {
	ctx, cancel := context.WithTimeout(ql.ctx, defaultQuicStreamAccept)
	defer cancel()

	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		ql.logger.Warn("no session stream opened", LabelPeerAddr.L(conn.RemoteAddr().String()), LabelError.L(err))
		conn.CloseWithError(QErrInternal, "no stream opened")
		return
	}

	qc := newQuicConn(conn, stream, ql.maxFrame)
	select {
	case ql.connCh <- qc:
	case <-ql.ctx.Done():
		conn.CloseWithError(QErrShutdown, "shutting down")
	}
}

func (ql *QuicListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case conn := <-ql.connCh:
		return conn, nil
	case <-ql.ctx.Done():
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (ql *QuicListener) Close() (err error) {
	ql.closeFn.Do(func() {
		ql.cancel()
		err = ql.ln.Close()
	})
	return
}

func (ql *QuicListener) Addr() net.Addr {
	return ql.ln.Addr()
}

// QuicDialer dials `host:port` UDP addresses.
type QuicDialer struct {
	TLSConfig    *tls.Config
	MaxFrameSize int
}

func (d QuicDialer) Dial(ctx context.Context, addr string) (Conn, error) {
	if d.TLSConfig == nil {
		return nil, ErrNoTLSConfig
	}

	conn, err := quic.DialAddr(ctx, addr, withALPN(d.TLSConfig), quicConfig())
	if err != nil {
		return nil, fmt.Errorf("transport: could not dial %s: %w", addr, err)
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(QErrInternal, "could not open stream")
		return nil, fmt.Errorf("transport: could not open stream to %s: %w", addr, err)
	}
	return newQuicConn(conn, stream, d.MaxFrameSize), nil
}

// DialQuic is a shortcut for a `QuicDialer`.
func DialQuic(ctx context.Context, addr string, tlsConf *tls.Config) (Conn, error) {
	return QuicDialer{TLSConfig: tlsConf}.Dial(ctx, addr)
}
