package tether

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is a full-duplex, message-framed connection. Only binary frames are
// surfaced, others are skipped.
type Conn interface {
	ReadFrame() ([]byte, error)
	// WriteFrame is safe to call concurrently with ReadFrame, but not with
	// itself.
	WriteFrame(frame []byte) error
	// Close flushes what was written and tells the remote end, it is safe
	// to call more than once.
	Close() error
	RemoteAddr() net.Addr
}

// Listener hands out accepted connections.
type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Close() error
	Addr() net.Addr
}

// Dialer opens a `Conn` towards addr, whose format depends on the dialer.
type Dialer interface {
	Dial(ctx context.Context, addr string) (Conn, error)
}

const wsCloseTimeout = 1 * time.Second

type websocketConn struct {
	ws      *websocket.Conn
	wlk     sync.Mutex
	closeFn sync.Once
}

func newWebsocketConn(ws *websocket.Conn, maxFrameSize int) *websocketConn {
	ws.SetReadLimit(int64(maxFrameSize))
	return &websocketConn{ws: ws}
}

func (c *websocketConn) ReadFrame() ([]byte, error) {
	for {
		mt, frame, err := c.ws.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				return nil, fmt.Errorf("%w: %w", ErrFrameTooLarge, err)
			}
			return nil, err
		}
		if mt == websocket.BinaryMessage {
			return frame, nil
		}
	}
}

func (c *websocketConn) WriteFrame(frame []byte) error {
	c.wlk.Lock()
	defer c.wlk.Unlock()
	return c.ws.WriteMessage(websocket.BinaryMessage, frame)
}

func (c *websocketConn) Close() (err error) {
	c.closeFn.Do(func() {
		c.wlk.Lock()
		// best-effort, the remote may already be gone
		_ = c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(wsCloseTimeout),
		)
		c.wlk.Unlock()
		err = c.ws.Close()
	})
	return
}

func (c *websocketConn) RemoteAddr() net.Addr {
	return c.ws.RemoteAddr()
}

func upgradeWebsocket(upgrader *websocket.Upgrader, w http.ResponseWriter, r *http.Request, maxFrameSize int) (Conn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return newWebsocketConn(ws, maxFrameSize), nil
}

// WebsocketListener accepts websocket connections on a dedicated HTTP
// server.
type WebsocketListener struct {
	logger   *slog.Logger
	ln       net.Listener
	srv      *http.Server
	upgrader websocket.Upgrader
	maxFrame int

	connCh  chan Conn
	closeCh chan struct{}
	closeFn sync.Once
}

// ListenWebsocket serves websocket upgrades on path at addr.
func ListenWebsocket(addr, path string, opts ...Option) (*WebsocketListener, error) {
	cfg, err := newConfig(opts)
	if err != nil {
		return nil, err
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: failed to allocate TCP listener: %w", err)
	}

	wl := &WebsocketListener{
		logger:   cfg.logger().With("component", "websocket-listener"),
		ln:       ln,
		maxFrame: cfg.maxFrameSize,
		connCh:   make(chan Conn),
		closeCh:  make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.Handle(path, wl)
	wl.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		err := wl.srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			wl.logger.Error("websocket server stopped", LabelError.L(err))
		}
	}()

	return wl, nil
}

func (wl *WebsocketListener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgradeWebsocket(&wl.upgrader, w, r, wl.maxFrame)
	if err != nil {
		wl.logger.Warn("websocket upgrade failed", LabelPeerAddr.L(r.RemoteAddr), LabelError.L(err))
		return
	}

	select {
	case wl.connCh <- conn:
	case <-wl.closeCh:
		conn.Close()
	}
}

func (wl *WebsocketListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case conn := <-wl.connCh:
		return conn, nil
	case <-wl.closeCh:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (wl *WebsocketListener) Close() (err error) {
	wl.closeFn.Do(func() {
		close(wl.closeCh)
		// hijacked connections are not affected
		err = wl.srv.Close()
	})
	return
}

func (wl *WebsocketListener) Addr() net.Addr {
	return wl.ln.Addr()
}

// URL is the address peers should dial, assuming path is the one the
// listener was created with.
func (wl *WebsocketListener) URL(path string) string {
	return "ws://" + wl.ln.Addr().String() + path
}

// WebsocketDialer dials `ws://` or `wss://` URLs.
type WebsocketDialer struct {
	Dialer       *websocket.Dialer
	Header       http.Header
	MaxFrameSize int
}

func (d WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	maxFrame := d.MaxFrameSize
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameSize
	}

	ws, resp, err := dialer.DialContext(ctx, url, d.Header)
	if err != nil {
		return nil, fmt.Errorf("transport: could not dial %s: %w", url, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return newWebsocketConn(ws, maxFrame), nil
}

// DialWebsocket is a shortcut for a default `WebsocketDialer`.
func DialWebsocket(ctx context.Context, url string, header http.Header) (Conn, error) {
	return WebsocketDialer{Header: header}.Dial(ctx, url)
}
