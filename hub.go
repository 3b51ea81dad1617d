package tether

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/tether/pkg/envelope"
)

// Hub accepts peer connections, identifies them through their first frame
// and routes everything else through its `Registry`.
type Hub struct {
	cfg      *config
	logger   *slog.Logger
	sink     metrics.MetricSink
	registry *LocalRegistry
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc

	lk        sync.Mutex
	listeners map[Listener]struct{}
	conns     map[Conn]struct{}
	closed    bool
	wg        sync.WaitGroup
}

// NewHub creates a hub and starts its liveness sweep.
func NewHub(opts ...Option) (*Hub, error) {
	cfg, err := newConfig(opts)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		cfg:       cfg,
		logger:    cfg.logger().With("component", "hub"),
		sink:      cfg.sink(),
		registry:  newRegistry(cfg),
		ctx:       ctx,
		cancel:    cancel,
		listeners: make(map[Listener]struct{}),
		conns:     make(map[Conn]struct{}),
	}

	h.wg.Add(1)
	go h.sweeper()
	return h, nil
}

func (h *Hub) sweeper() {
	defer h.wg.Done()
	ticker := time.NewTicker(h.cfg.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			if n := h.registry.SweepStale(h.cfg.now()); n > 0 {
				h.logger.Debug("liveness sweep done", "swept", n)
			}
		}
	}
}

// Registry exposes the hub's registry, mostly to inspect it.
func (h *Hub) Registry() Registry {
	return h.registry
}

// Send delivers env to peerID, evicting the peer if delivery fails.
// Sending to a peer which is not connected succeeds.
func (h *Hub) Send(ctx context.Context, peerID string, env envelope.Envelope) error {
	err := h.registry.Send(ctx, peerID, env)
	if evictOnFailure(h.registry, err) {
		h.logger.Info("peer evicted after failed delivery", LabelPeerID.L(peerID))
	}
	return err
}

// Subscribe returns an independent stream of the messages peers send.
func (h *Hub) Subscribe() *Subscription[Inbound] {
	return h.registry.Subscribe()
}

// NotifyNotActive sends an Expired envelope to every connected peer whose
// id is not in active.
func (h *Hub) NotifyNotActive(ctx context.Context, active []string) {
	h.registry.NotifyNotActive(ctx, active)
}

// Serve accepts connections from l until it fails or the hub is shut down.
// The listener is closed on Shutdown.
func (h *Hub) Serve(l Listener) error {
	h.lk.Lock()
	if h.closed {
		h.lk.Unlock()
		return ErrHubClosed
	}
	h.listeners[l] = struct{}{}
	h.lk.Unlock()

	defer func() {
		h.lk.Lock()
		delete(h.listeners, l)
		h.lk.Unlock()
	}()

	h.logger.Info("serving", LabelPeerAddr.L(l.Addr().String()))
	for {
		conn, err := l.Accept(h.ctx)
		if err != nil {
			if h.ctx.Err() != nil {
				return ErrHubClosed
			}
			return fmt.Errorf("hub: accept failed: %w", err)
		}

		if !h.track(conn) {
			conn.Close()
			return ErrHubClosed
		}
		go func() {
			defer h.untrack(conn)
			h.handleConn(conn)
		}()
	}
}

// ServeHTTP upgrades the request to a websocket and serves the peer on it,
// so a hub can be mounted on any `http.ServeMux`.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgradeWebsocket(&h.upgrader, w, r, h.cfg.maxFrameSize)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", LabelPeerAddr.L(r.RemoteAddr), LabelError.L(err))
		return
	}
	if !h.track(conn) {
		conn.Close()
		return
	}
	defer h.untrack(conn)
	h.handleConn(conn)
}

func (h *Hub) track(conn Conn) bool {
	h.lk.Lock()
	defer h.lk.Unlock()
	if h.closed {
		return false
	}
	h.conns[conn] = struct{}{}
	h.wg.Add(1)
	return true
}

func (h *Hub) untrack(conn Conn) {
	h.lk.Lock()
	delete(h.conns, conn)
	h.lk.Unlock()
	h.wg.Done()
}

func (h *Hub) handleConn(conn Conn) {
	addr := conn.RemoteAddr().String()
	logger := h.logger.With(LabelPeerAddr.L(addr))
	h.sink.IncrCounterWithLabels(MetricHubConnAccepted, 1.0, h.cfg.metricLabels)

	queue := newOutboundQueue(h.cfg.queueSize)
	pumpDone := make(chan struct{})
	go h.pump(conn, queue, logger, pumpDone)
	defer func() {
		queue.Release()
		<-pumpDone
	}()

	peerID, err := readHandshake(conn)
	if err != nil {
		logger.Warn("rejecting connection", LabelError.L(err))
		h.sink.IncrCounterWithLabels(MetricHubHandshakeRejected, 1.0, h.cfg.metricLabels)
		_ = queue.Deliver(envelope.NewDisconnect("invalid handshake"))
		return
	}

	logger = logger.With(LabelPeerID.L(peerID))
	h.registry.Register(peerID, queue)
	if err := h.Send(h.ctx, peerID, envelope.NewPong()); err != nil {
		logger.Warn("could not acknowledge handshake", LabelError.L(err))
	}

	h.readLoop(conn, peerID, logger)
}

func readHandshake(conn Conn) (string, error) {
	frame, err := conn.ReadFrame()
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	env, err := envelope.Unmarshal(frame)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	record, err := envelope.DecodeHandshake(env)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	return record.PeerID, nil
}

func (h *Hub) readLoop(conn Conn, peerID string, logger *slog.Logger) {
	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			if isClosedErr(err) {
				logger.Info("peer connection closed")
			} else {
				logger.Error("could not read from peer", LabelError.L(err))
			}
			return
		}

		env, err := envelope.Unmarshal(frame)
		if err != nil {
			logger.Debug("dropping malformed frame", LabelError.L(err))
			h.sink.IncrCounterWithLabels(MetricHubInboundMalformed, 1.0, h.cfg.metricLabels)
			continue
		}

		switch env.Category() {
		case envelope.Ping:
			// the embedded id is the one answered, not the socket owner
			record, err := envelope.DecodeHandshake(env)
			if err != nil {
				// not a heartbeat, the application gets to see it
				logger.Debug("forwarding ping without handshake", LabelError.L(err))
				h.forward(env, peerID)
				continue
			}
			if err := h.Send(h.ctx, record.PeerID, envelope.NewPong()); err != nil {
				logger.Warn("could not answer ping", LabelError.L(err))
			}
		case envelope.Disconnect:
			logger.Info("peer disconnected")
			return
		default:
			h.forward(env, peerID)
		}
	}
}

func (h *Hub) forward(env envelope.Envelope, peerID string) {
	h.sink.IncrCounterWithLabels(MetricHubInboundFrames, 1.0, h.cfg.metricLabels)
	h.registry.Forward(Inbound{
		Category: env.Category(),
		Payload:  env.Payload(),
		PeerID:   peerID,
	})
}

// pump writes what the registry enqueues for this connection. It stops once
// the queue is released and drained, on a write error, or right after
// writing a Disconnect envelope.
func (h *Hub) pump(conn Conn, queue *outboundQueue, logger *slog.Logger, done chan<- struct{}) {
	defer close(done)
	defer conn.Close()
	defer queue.Release()

	for {
		env, ok := queue.Recv()
		if !ok {
			return
		}
		if err := conn.WriteFrame(env.Marshal()); err != nil {
			logger.Error("could not write to peer", LabelError.L(err))
			return
		}
		logger.Debug("frame sent", LabelCategory.L(env.Category().String()))
		if env.Category() == envelope.Disconnect {
			return
		}
	}
}

// Shutdown stops accepting, closes every connection and waits for their
// loops to end or ctx to expire.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.lk.Lock()
	if h.closed {
		h.lk.Unlock()
		return nil
	}
	h.closed = true
	h.cancel()
	for l := range h.listeners {
		if err := l.Close(); err != nil {
			h.logger.Warn("could not close listener", LabelError.L(err))
		}
	}
	for conn := range h.conns {
		conn.Close()
	}
	h.lk.Unlock()

	h.registry.Close()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("hub shut down")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func isClosedErr(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, ErrConnClosed) ||
		websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
