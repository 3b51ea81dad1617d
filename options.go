package tether

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	leg_metrics "github.com/armon/go-metrics"
	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/tether/pkg/settings"
)

const (
	DefaultQueueSize      = 1024
	DefaultFanoutBuffer   = 32
	DefaultSendAttempts   = 6
	DefaultSendDelay      = 1 * time.Second
	DefaultSweepInterval  = 15 * time.Second
	DefaultStaleAfter     = 30 * time.Second
	DefaultHeartbeatDelay = 15 * time.Second
	DefaultReconnectDelay = 1 * time.Second
	DefaultMaxFrameSize   = 32 << 20
	DefaultGossipPort     = 7946
)

type config struct {
	logHandler     slog.Handler
	metricSink     metrics.MetricSink
	metricLabels   []metrics.Label
	legacyLabels   []leg_metrics.Label
	queueSize      int
	fanoutBuffer   int
	sendAttempts   int
	sendDelay      time.Duration
	sweepInterval  time.Duration
	staleAfter     time.Duration
	heartbeatDelay time.Duration
	usePing        bool
	identityKey    string
	reconnectDelay time.Duration
	resolver       Resolver
	dialer         Dialer
	maxFrameSize   int
	now            func() time.Time

	bindAddr   string
	bindPort   int
	hostname   string
	neighbours []string
}

func defaultConfig() *config {
	return &config{
		queueSize:      DefaultQueueSize,
		fanoutBuffer:   DefaultFanoutBuffer,
		sendAttempts:   DefaultSendAttempts,
		sendDelay:      DefaultSendDelay,
		sweepInterval:  DefaultSweepInterval,
		staleAfter:     DefaultStaleAfter,
		heartbeatDelay: DefaultHeartbeatDelay,
		usePing:        true,
		identityKey:    settings.DefaultIdentityKey,
		reconnectDelay: DefaultReconnectDelay,
		maxFrameSize:   DefaultMaxFrameSize,
		now:            time.Now,
		bindAddr:       "0.0.0.0",
		bindPort:       DefaultGossipPort,
	}
}

func newConfig(opts []Option) (*config, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}
	return cfg, nil
}

func (c *config) logger() *slog.Logger {
	if c.logHandler == nil {
		return slog.Default()
	}
	return slog.New(c.logHandler)
}

func (c *config) sink() metrics.MetricSink {
	if c.metricSink == nil {
		return metrics.Default()
	}
	return c.metricSink
}

// Option to pass to `NewHub`, `NewClient`, `NewRegistry` or `NewGossip`.
type Option func(*config) error

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.metricSink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels

		// memberlist still emits through armon/go-metrics.
		c.legacyLabels = make([]leg_metrics.Label, len(labels))
		for i, label := range labels {
			c.legacyLabels[i] = leg_metrics.Label{
				Name:  label.Name,
				Value: label.Value,
			}
		}
		return nil
	}
}

// WithQueueSize bounds the ordered outbound queue of every hub-side
// connection.
func WithQueueSize(size int) Option {
	return func(c *config) error {
		if size <= 0 {
			return errors.New("queue size must be positive")
		}
		c.queueSize = size
		return nil
	}
}

// WithFanoutBuffer controls how many inbound messages a subscriber may lag
// behind before it starts missing some.
func WithFanoutBuffer(size int) Option {
	return func(c *config) error {
		if size < 0 {
			return errors.New("fan-out buffer cannot be negative")
		}
		c.fanoutBuffer = size
		return nil
	}
}

// WithSendRetry controls how many times in total a delivery is attempted
// and how long to wait between two attempts.
func WithSendRetry(attempts int, delay time.Duration) Option {
	return func(c *config) error {
		if attempts < 1 {
			return errors.New("at least one send attempt is required")
		}
		if delay < 0 {
			return errors.New("send retry delay cannot be negative")
		}
		c.sendAttempts = attempts
		c.sendDelay = delay
		return nil
	}
}

// WithLiveness controls how often the registry is swept and after how long
// without a successful delivery a session is considered stale.
func WithLiveness(sweepInterval, staleAfter time.Duration) Option {
	return func(c *config) error {
		if sweepInterval <= 0 || staleAfter <= 0 {
			return errors.New("liveness durations must be positive")
		}
		c.sweepInterval = sweepInterval
		c.staleAfter = staleAfter
		return nil
	}
}

// WithHeartbeatDelay controls how long a peer waits after a Pong before
// sending its next Ping.
func WithHeartbeatDelay(delay time.Duration) Option {
	return func(c *config) error {
		if delay < 0 {
			return errors.New("heartbeat delay cannot be negative")
		}
		c.heartbeatDelay = delay
		return nil
	}
}

// WithPing enables or disables the peer heartbeat.
func WithPing(enabled bool) Option {
	return func(c *config) error {
		c.usePing = enabled
		return nil
	}
}

// WithIdentityKey sets the settings key holding the local peer identity.
func WithIdentityKey(key string) Option {
	return func(c *config) error {
		if key == "" {
			return errors.New("identity key cannot be empty")
		}
		c.identityKey = key
		return nil
	}
}

// WithReconnectDelay controls how long the client waits between two
// connection rounds.
func WithReconnectDelay(delay time.Duration) Option {
	return func(c *config) error {
		if delay < 0 {
			return errors.New("reconnect delay cannot be negative")
		}
		c.reconnectDelay = delay
		return nil
	}
}

// WithResolver sets where the client looks for hub addresses.
func WithResolver(r Resolver) Option {
	return func(c *config) error {
		if r == nil {
			return errors.New("resolver cannot be nil")
		}
		c.resolver = r
		return nil
	}
}

// WithDialer sets how the client opens connections, it defaults to
// websockets.
func WithDialer(d Dialer) Option {
	return func(c *config) error {
		if d == nil {
			return errors.New("dialer cannot be nil")
		}
		c.dialer = d
		return nil
	}
}

// WithMaxFrameSize bounds the size of a single inbound frame.
func WithMaxFrameSize(size int) Option {
	return func(c *config) error {
		if size <= 0 {
			return errors.New("max frame size must be positive")
		}
		c.maxFrameSize = size
		return nil
	}
}

// WithClock replaces the wall clock used for liveness bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(c *config) error {
		if now == nil {
			return errors.New("clock cannot be nil")
		}
		c.now = now
		return nil
	}
}

// WithListenOn specifies which UDP/TCP interface the gossip protocol binds
// to. A zero port picks a free one.
func WithListenOn(addr string, port int) Option {
	return func(c *config) error {
		if port < 0 || port > 65535 {
			return fmt.Errorf("invalid port %d", port)
		}
		c.bindAddr = addr
		c.bindPort = port
		return nil
	}
}

// WithHostname specifies which name should be exposed to other nodes when
// joining the gossip. For a well-behaving cluster, the name MUST be unique.
func WithHostname(hostname string) Option {
	return func(c *config) error {
		c.hostname = hostname
		return nil
	}
}

// WithNeighbours controls which nodes are tried initially to join the
// gossip.
func WithNeighbours(neighbours []string) Option {
	return func(c *config) error {
		c.neighbours = neighbours
		return nil
	}
}
