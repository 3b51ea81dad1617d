package tether

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/tether/pkg/envelope"
)

// Registry owns the mapping between a peer identity and the outbound
// handle of its live session.
type Registry interface {
	// Register binds peerID to out. A session already bound to peerID is
	// told to disconnect and replaced, it keeps its last send time.
	Register(peerID string, out Outbound)

	// Send delivers env to peerID, retrying on failure. Sending to a peer
	// which is not registered succeeds and does nothing: callers never
	// need to check for presence first.
	//
	// On failure, a *DeliveryError is returned. Send never removes the
	// session, pass the error to Evict for that.
	Send(ctx context.Context, peerID string, env envelope.Envelope) error

	// Evict removes the session a failed Send targeted, unless it was
	// replaced in the meantime.
	Evict(failure *DeliveryError) bool

	// SweepStale removes the sessions which had no successful delivery
	// for longer than the staleness threshold.
	SweepStale(now time.Time) int

	// NotifyNotActive sends an Expired envelope to every registered peer
	// not listed in active. Peers are not removed.
	NotifyNotActive(ctx context.Context, active []string)

	// Forward fans an inbound message out to every subscriber.
	Forward(msg Inbound)

	Subscribe() *Subscription[Inbound]
	Remove(peerID string)

	Len() int
	Peers() []string
	LastSend(peerID string) (time.Time, bool)
}

type peerSession struct {
	peerID   string
	out      Outbound
	lastSend time.Time
	gen      uint64
}

// LocalRegistry is an in-memory `Registry`.
type LocalRegistry struct {
	cfg    *config
	logger *slog.Logger
	sink   metrics.MetricSink

	lk       sync.RWMutex
	sessions []*peerSession
	gen      uint64

	inbound *fanout[Inbound]
}

var _ Registry = (*LocalRegistry)(nil)

func NewRegistry(opts ...Option) (*LocalRegistry, error) {
	cfg, err := newConfig(opts)
	if err != nil {
		return nil, err
	}
	return newRegistry(cfg), nil
}

func newRegistry(cfg *config) *LocalRegistry {
	r := &LocalRegistry{
		cfg:    cfg,
		logger: cfg.logger().With("component", "registry"),
		sink:   cfg.sink(),
	}
	r.inbound = newFanout[Inbound](cfg.fanoutBuffer, func() {
		r.sink.IncrCounterWithLabels(MetricFanoutDropped, 1.0, cfg.metricLabels)
	})
	return r
}

// find must be called with lk held.
func (r *LocalRegistry) find(peerID string) int {
	return slices.IndexFunc(r.sessions, func(s *peerSession) bool {
		return s.peerID == peerID
	})
}

func (r *LocalRegistry) Register(peerID string, out Outbound) {
	r.lk.Lock()
	defer r.lk.Unlock()
	r.gen++

	idx := r.find(peerID)
	if idx < 0 {
		r.sessions = append(r.sessions, &peerSession{
			peerID: peerID,
			out:    out,
			gen:    r.gen,
		})
		r.logger.Info("peer registered", LabelPeerID.L(peerID))
		r.sink.IncrCounterWithLabels(MetricRegistryRegistered, 1.0, r.cfg.metricLabels)
		r.sink.SetGaugeWithLabels(MetricRegistrySessions, float32(len(r.sessions)), r.cfg.metricLabels)
		return
	}

	prev := r.sessions[idx]
	// the previous session may already be dead
	if err := prev.out.Deliver(envelope.NewDisconnect("replaced")); err != nil {
		r.logger.Debug("could not notify replaced session", LabelPeerID.L(peerID), LabelError.L(err))
	}
	prev.out.Release()
	prev.out = out
	prev.gen = r.gen

	r.logger.Info("peer session replaced", LabelPeerID.L(peerID))
	r.sink.IncrCounterWithLabels(MetricRegistryReplaced, 1.0, r.cfg.metricLabels)
}

func (r *LocalRegistry) Send(ctx context.Context, peerID string, env envelope.Envelope) error {
	r.lk.RLock()
	idx := r.find(peerID)
	if idx < 0 {
		r.lk.RUnlock()
		return nil
	}
	out, gen := r.sessions[idx].out, r.sessions[idx].gen
	r.lk.RUnlock()

	var err error
	attempt := 1
	for ; ; attempt++ {
		if err = out.Deliver(env); err == nil {
			r.touch(peerID, gen)
			return nil
		}
		if attempt >= r.cfg.sendAttempts {
			break
		}

		r.sink.IncrCounterWithLabels(MetricRegistrySendRetry, 1.0, r.cfg.metricLabels)
		timer := time.NewTimer(r.cfg.sendDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("registry: send to %q interrupted: %w", peerID, ctx.Err())
		case <-timer.C:
		}
	}

	r.logger.Warn(
		"delivery failed",
		LabelPeerID.L(peerID),
		LabelAttempts.L(attempt),
		LabelError.L(err),
	)
	r.sink.IncrCounterWithLabels(MetricRegistrySendFailed, 1.0, r.cfg.metricLabels)
	return &DeliveryError{
		PeerID:   peerID,
		Attempts: attempt,
		Last:     err,
		gen:      gen,
	}
}

// touch records a successful delivery, unless the session it was made on
// got replaced since.
func (r *LocalRegistry) touch(peerID string, gen uint64) {
	r.lk.Lock()
	defer r.lk.Unlock()
	idx := r.find(peerID)
	if idx < 0 || r.sessions[idx].gen != gen {
		return
	}
	r.sessions[idx].lastSend = r.cfg.now()
}

func (r *LocalRegistry) Evict(failure *DeliveryError) bool {
	if failure == nil {
		return false
	}

	r.lk.Lock()
	defer r.lk.Unlock()
	idx := r.find(failure.PeerID)
	if idx < 0 || r.sessions[idx].gen != failure.gen {
		return false
	}
	r.removeAt(idx)
	r.logger.Info("peer evicted", LabelPeerID.L(failure.PeerID))
	r.sink.IncrCounterWithLabels(MetricRegistryEvicted, 1.0, r.cfg.metricLabels)
	return true
}

// removeAt must be called with lk held.
func (r *LocalRegistry) removeAt(idx int) {
	r.sessions[idx].out.Release()
	r.sessions = slices.Delete(r.sessions, idx, idx+1)
	r.sink.SetGaugeWithLabels(MetricRegistrySessions, float32(len(r.sessions)), r.cfg.metricLabels)
}

func (r *LocalRegistry) SweepStale(now time.Time) int {
	r.lk.Lock()
	defer r.lk.Unlock()

	swept := 0
	r.sessions = slices.DeleteFunc(r.sessions, func(s *peerSession) bool {
		if !s.lastSend.Add(r.cfg.staleAfter).Before(now) {
			return false
		}
		s.out.Release()
		swept++
		r.logger.Info("stale peer swept", LabelPeerID.L(s.peerID))
		return true
	})

	if swept > 0 {
		r.sink.IncrCounterWithLabels(MetricRegistrySwept, float32(swept), r.cfg.metricLabels)
		r.sink.SetGaugeWithLabels(MetricRegistrySessions, float32(len(r.sessions)), r.cfg.metricLabels)
	}
	return swept
}

func (r *LocalRegistry) NotifyNotActive(ctx context.Context, active []string) {
	for _, peerID := range r.Peers() {
		if slices.Contains(active, peerID) {
			continue
		}
		if err := r.Send(ctx, peerID, envelope.NewExpired()); err != nil {
			r.logger.Debug("could not notify expiry", LabelPeerID.L(peerID), LabelError.L(err))
		}
	}
}

func (r *LocalRegistry) Forward(msg Inbound) {
	r.inbound.publish(msg)
}

func (r *LocalRegistry) Subscribe() *Subscription[Inbound] {
	return r.inbound.subscribe()
}

func (r *LocalRegistry) Remove(peerID string) {
	r.lk.Lock()
	defer r.lk.Unlock()
	if idx := r.find(peerID); idx >= 0 {
		r.removeAt(idx)
	}
}

func (r *LocalRegistry) Len() int {
	r.lk.RLock()
	defer r.lk.RUnlock()
	return len(r.sessions)
}

func (r *LocalRegistry) Peers() []string {
	r.lk.RLock()
	defer r.lk.RUnlock()
	ids := make([]string, len(r.sessions))
	for i, s := range r.sessions {
		ids[i] = s.peerID
	}
	return ids
}

func (r *LocalRegistry) LastSend(peerID string) (time.Time, bool) {
	r.lk.RLock()
	defer r.lk.RUnlock()
	if idx := r.find(peerID); idx >= 0 {
		return r.sessions[idx].lastSend, true
	}
	return time.Time{}, false
}

// Close releases every session and ends all inbound subscriptions.
func (r *LocalRegistry) Close() {
	r.lk.Lock()
	for _, s := range r.sessions {
		s.out.Release()
	}
	r.sessions = nil
	r.lk.Unlock()
	r.inbound.close()
}

// evictOnFailure is a helper for callers that send and evict in one go.
func evictOnFailure(reg Registry, err error) bool {
	var failure *DeliveryError
	if errors.As(err, &failure) {
		return reg.Evict(failure)
	}
	return false
}
