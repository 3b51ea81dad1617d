package tether

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/tether/pkg/envelope"
)

// Resolver lists the hub addresses a `Client` should try, in order.
type Resolver interface {
	Resolve(ctx context.Context) ([]string, error)
}

// StaticResolver always resolves to the same addresses.
type StaticResolver []string

func (r StaticResolver) Resolve(_ context.Context) ([]string, error) {
	if len(r) == 0 {
		return nil, ErrNoCandidates
	}
	return append([]string(nil), r...), nil
}

// Client keeps a peer connected to a hub: it resolves candidates, dials
// them in order and runs a session on the first one that answers, then
// starts over once the session ends.
type Client struct {
	cfg      *config
	logger   *slog.Logger
	sink     metrics.MetricSink
	settings Settings

	lk   sync.Mutex
	slot *Slot
	addr string

	status  *fanout[Status]
	inbound *fanout[[]byte]
}

var _ SessionBroker = (*Client)(nil)

func NewClient(settings Settings, opts ...Option) (*Client, error) {
	cfg, err := newConfig(opts)
	if err != nil {
		return nil, err
	}
	if settings == nil {
		return nil, fmt.Errorf("%w: settings are required", ErrInvalidCfg)
	}
	if cfg.resolver == nil {
		return nil, fmt.Errorf("%w: a resolver is required", ErrInvalidCfg)
	}
	if cfg.dialer == nil {
		cfg.dialer = WebsocketDialer{MaxFrameSize: cfg.maxFrameSize}
	}

	c := &Client{
		cfg:      cfg,
		logger:   cfg.logger().With("component", "client"),
		sink:     cfg.sink(),
		settings: settings,
	}
	c.status = newFanout[Status](cfg.fanoutBuffer, nil)
	c.inbound = newFanout[[]byte](cfg.fanoutBuffer, func() {
		c.sink.IncrCounterWithLabels(MetricFanoutDropped, 1.0, cfg.metricLabels)
	})
	return c, nil
}

// Run keeps the client connected until ctx is done. It only returns early
// if the local identity is missing.
func (c *Client) Run(ctx context.Context) error {
	for {
		err := c.round(ctx)
		if errors.Is(err, ErrMissingIdentity) {
			return err
		}
		if err != nil && ctx.Err() == nil {
			c.logger.Warn("connection round failed", LabelError.L(err))
		}

		timer := time.NewTimer(c.cfg.reconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// round tries every candidate once and runs a session on the first one
// which can be dialed.
func (c *Client) round(ctx context.Context) error {
	candidates, err := c.cfg.resolver.Resolve(ctx)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return ErrNoCandidates
	}

	var errs []error
	for _, addr := range candidates {
		conn, err := c.cfg.dialer.Dial(ctx, addr)
		if err != nil {
			c.logger.Debug("could not dial hub", LabelHubURL.L(addr), LabelError.L(err))
			c.sink.IncrCounterWithLabels(MetricClientDialError, 1.0, c.cfg.metricLabels)
			errs = append(errs, err)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}

		c.logger.Info("connected to hub", LabelHubURL.L(addr))
		err = runSession(ctx, c.cfg, conn, addr, c.settings, c)
		c.detach()
		c.PublishStatus(StatusDisconnected)
		return err
	}
	return errors.Join(errs...)
}

func (c *Client) detach() {
	c.lk.Lock()
	defer c.lk.Unlock()
	if c.slot != nil {
		c.slot.Close()
	}
	c.slot = nil
	c.addr = ""
}

func (c *Client) Register(slot *Slot, addr string) {
	c.lk.Lock()
	defer c.lk.Unlock()
	if c.slot != nil && c.slot != slot {
		c.slot.Close()
	}
	c.slot = slot
	c.addr = addr
}

func (c *Client) PublishStatus(status Status) {
	c.status.publish(status)
}

func (c *Client) PublishInbound(frame []byte) {
	c.inbound.publish(frame)
}

func (c *Client) UsePing() bool {
	return c.cfg.usePing
}

// Send publishes env for the current session. Only the latest envelope
// not yet written is kept.
func (c *Client) Send(env envelope.Envelope) error {
	c.lk.Lock()
	slot := c.slot
	c.lk.Unlock()
	if slot == nil {
		return ErrNotConnected
	}
	err := slot.Publish(env)
	if errors.Is(err, ErrSlotClosed) {
		return ErrNotConnected
	}
	return err
}

// Addr is the hub the client is connected to, empty if none.
func (c *Client) Addr() string {
	c.lk.Lock()
	defer c.lk.Unlock()
	return c.addr
}

// Status streams every status change.
func (c *Client) Status() *Subscription[Status] {
	return c.status.subscribe()
}

// Inbound streams the raw frames the hub sends which are not control ones.
func (c *Client) Inbound() *Subscription[[]byte] {
	return c.inbound.subscribe()
}

// Close ends every subscription, call it once Run returned.
func (c *Client) Close() {
	c.detach()
	c.status.close()
	c.inbound.close()
}
