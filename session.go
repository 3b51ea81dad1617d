package tether

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/raskyld/tether/pkg/envelope"
)

// Status of a peer's connection to its hub.
type Status uint8

const (
	StatusDisconnected Status = iota
	StatusConnected
)

func (s Status) String() string {
	switch s {
	case StatusConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// SessionBroker is what a peer session reports to.
type SessionBroker interface {
	// Register hands over the slot the session writes from. Publishing to
	// it is how the application sends to the hub.
	Register(slot *Slot, addr string)
	PublishStatus(status Status)
	// PublishInbound receives every frame which is not a control one.
	PublishInbound(frame []byte)
	UsePing() bool
}

// Settings gives access to the local configuration of a peer.
type Settings interface {
	Get(key string) ([]byte, error)
}

// RunSession drives a peer's connection to a hub until either side ends it
// or ctx is done. conn is closed when it returns.
//
// The session writes whatever is published on its slot, keeping only the
// latest value, and answers every Pong with a new Ping after the heartbeat
// delay. A lost Pong stops the heartbeat.
func RunSession(ctx context.Context, conn Conn, addr string, settings Settings, broker SessionBroker, opts ...Option) error {
	cfg, err := newConfig(opts)
	if err != nil {
		return err
	}
	return runSession(ctx, cfg, conn, addr, settings, broker)
}

func runSession(ctx context.Context, cfg *config, conn Conn, addr string, settings Settings, broker SessionBroker) error {
	defer conn.Close()
	logger := cfg.logger().With("component", "session", LabelHubURL.L(addr))
	sink := cfg.sink()

	raw, err := settings.Get(cfg.identityKey)
	if err == nil && len(raw) == 0 {
		err = fmt.Errorf("key %q is empty", cfg.identityKey)
	}
	if err != nil {
		logger.Error("could not fetch identity", LabelError.L(err))
		return fmt.Errorf("%w: %w", ErrMissingIdentity, err)
	}
	identity := string(raw)
	logger = logger.With(LabelPeerID.L(identity))

	// the handshake goes out before anyone can publish on the slot, so a
	// send reacting to Connected cannot replace it
	if broker.UsePing() {
		if err := conn.WriteFrame(envelope.NewPing(identity).Marshal()); err != nil {
			logger.Error("could not send handshake", LabelError.L(err))
			return err
		}
	}

	slot := NewSlot()
	defer slot.Close()
	broker.Register(slot, addr)
	broker.PublishStatus(StatusConnected)
	sink.IncrCounterWithLabels(MetricSessionStarted, 1.0, cfg.metricLabels)
	logger.Info("session started")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopClose := context.AfterFunc(ctx, func() { conn.Close() })
	defer stopClose()

	inboundDone := make(chan struct{})
	go func() {
		defer close(inboundDone)
		defer cancel()

		for {
			frame, err := conn.ReadFrame()
			if err != nil {
				if ctx.Err() == nil && !isClosedErr(err) {
					logger.Error("could not read from hub", LabelError.L(err))
				}
				return
			}

			env, err := envelope.Unmarshal(frame)
			if err != nil {
				logger.Debug("dropping malformed frame", LabelError.L(err))
				continue
			}

			switch env.Category() {
			case envelope.Pong:
				// next beat only happens in reaction to this one
				time.AfterFunc(cfg.heartbeatDelay, func() {
					if ctx.Err() != nil {
						return
					}
					if err := slot.Publish(envelope.NewPing(identity)); err == nil {
						sink.IncrCounterWithLabels(MetricSessionHeartbeat, 1.0, cfg.metricLabels)
					}
				})
			case envelope.Disconnect:
				logger.Info("hub ended the session")
				return
			default:
				broker.PublishInbound(frame)
			}
		}
	}()

	var (
		seen     uint64
		writeErr error
	)
	for {
		env, version, err := slot.Next(ctx, seen)
		if err != nil {
			break
		}
		seen = version

		if err := conn.WriteFrame(env.Marshal()); err != nil {
			if ctx.Err() == nil {
				logger.Error("could not write to hub", LabelError.L(err))
				sink.IncrCounterWithLabels(MetricSessionWriteError, 1.0, cfg.metricLabels)
				writeErr = err
			}
			break
		}
		if env.Category() == envelope.Disconnect {
			logger.Info("session ended locally")
			break
		}
	}

	cancel()
	<-inboundDone
	logger.Info("session closed")
	if writeErr != nil && !errors.Is(writeErr, ErrConnClosed) {
		return writeErr
	}
	return nil
}
