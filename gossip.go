package tether

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/hashicorp/memberlist"
)

const (
	RoleHub  = "hub"
	RolePeer = "peer"
)

const gossipLeaveTimeout = 2 * time.Second

// Advertisement is what a node tells the others about itself.
type Advertisement struct {
	Role string `cbor:"role"`
	// URL peers should dial, only meaningful for hubs.
	URL string `cbor:"url,omitempty"`
}

func decodeAdvertisement(meta []byte) (Advertisement, error) {
	var ad Advertisement
	if err := cbor.Unmarshal(meta, &ad); err != nil {
		return ad, fmt.Errorf("%w: %w", ErrInvalidAdvert, err)
	}
	return ad, nil
}

// Gossip discovers hubs on the local network. It is a `Resolver`.
type Gossip struct {
	cfg    *config
	logger *slog.Logger
	ml     *memberlist.Memberlist

	lk       sync.RWMutex
	meta     []byte
	shutdown bool
}

var _ Resolver = (*Gossip)(nil)

// NewGossip starts a gossip node advertising ad. Call `Join` to meet the
// configured neighbours.
func NewGossip(ad Advertisement, opts ...Option) (*Gossip, error) {
	cfg, err := newConfig(opts)
	if err != nil {
		return nil, err
	}

	g := &Gossip{
		cfg:    cfg,
		logger: cfg.logger().With("component", "gossip"),
	}
	if err := g.setAdvertisement(ad); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}

	mlCfg := memberlist.DefaultLANConfig()
	if cfg.hostname != "" {
		mlCfg.Name = cfg.hostname
	}
	mlCfg.BindAddr = cfg.bindAddr
	mlCfg.BindPort = cfg.bindPort
	mlCfg.AdvertisePort = cfg.bindPort
	mlCfg.Delegate = g
	mlCfg.Events = &gossipEvents{logger: g.logger}
	mlCfg.MetricLabels = cfg.legacyLabels
	handler := cfg.logHandler
	if handler == nil {
		handler = slog.Default().Handler()
	}
	mlCfg.Logger = slog.NewLogLogger(handler, slog.LevelDebug)

	ml, err := memberlist.Create(mlCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	g.ml = ml
	return g, nil
}

func (g *Gossip) setAdvertisement(ad Advertisement) error {
	if ad.Role != RoleHub && ad.Role != RolePeer {
		return fmt.Errorf("%w: unknown role %q", ErrInvalidAdvert, ad.Role)
	}
	if ad.Role == RoleHub && ad.URL == "" {
		return fmt.Errorf("%w: hubs must advertise a URL", ErrInvalidAdvert)
	}

	meta, err := cbor.Marshal(ad)
	if err != nil {
		return err
	}
	if len(meta) > memberlist.MetaMaxSize {
		return fmt.Errorf("%w: %d bytes is over the %d limit", ErrInvalidAdvert, len(meta), memberlist.MetaMaxSize)
	}

	g.lk.Lock()
	g.meta = meta
	g.lk.Unlock()
	return nil
}

// Join contacts the configured neighbours.
func (g *Gossip) Join() error {
	if len(g.cfg.neighbours) == 0 {
		return nil
	}
	joined, err := g.ml.Join(g.cfg.neighbours)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrJoinCluster, err)
	}
	g.logger.Info("cluster joined")
	if joined != len(g.cfg.neighbours) {
		g.logger.Warn(
			"not all neighbours are reachable",
			"joined", joined,
			"expected", len(g.cfg.neighbours),
		)
	}
	return nil
}

// Advertise replaces what this node advertises and spreads it.
func (g *Gossip) Advertise(ad Advertisement) error {
	if err := g.setAdvertisement(ad); err != nil {
		return err
	}
	return g.ml.UpdateNode(gossipLeaveTimeout)
}

// Addr is the address other nodes can join this one on.
func (g *Gossip) Addr() string {
	return g.ml.LocalNode().Address()
}

// Hubs lists the hubs currently alive, this node included.
func (g *Gossip) Hubs() []Advertisement {
	var hubs []Advertisement
	for _, node := range g.ml.Members() {
		ad, err := decodeAdvertisement(node.Meta)
		if err != nil {
			g.logger.Debug("ignoring node", LabelNode.L(node.Name), LabelError.L(err))
			continue
		}
		if ad.Role == RoleHub {
			hubs = append(hubs, ad)
		}
	}
	slices.SortFunc(hubs, func(a, b Advertisement) int {
		switch {
		case a.URL < b.URL:
			return -1
		case a.URL > b.URL:
			return 1
		}
		return 0
	})
	return hubs
}

// Resolve returns the URL of every known hub, sorted.
func (g *Gossip) Resolve(_ context.Context) ([]string, error) {
	g.lk.RLock()
	closed := g.shutdown
	g.lk.RUnlock()
	if closed {
		return nil, ErrGossipClosed
	}

	hubs := g.Hubs()
	if len(hubs) == 0 {
		return nil, ErrNoCandidates
	}
	urls := make([]string, 0, len(hubs))
	for _, hub := range hubs {
		urls = append(urls, hub.URL)
	}
	return slices.Compact(urls), nil
}

// Shutdown leaves the cluster gracefully.
func (g *Gossip) Shutdown() error {
	g.lk.Lock()
	if g.shutdown {
		g.lk.Unlock()
		return nil
	}
	g.shutdown = true
	g.lk.Unlock()

	if err := g.ml.Leave(gossipLeaveTimeout); err != nil {
		g.logger.Warn("could not leave cluster gracefully", LabelError.L(err))
	}
	return g.ml.Shutdown()
}

func (g *Gossip) NodeMeta(limit int) []byte {
	g.lk.RLock()
	defer g.lk.RUnlock()
	if len(g.meta) > limit {
		return nil
	}
	return g.meta
}

// Only node metadata is gossiped.
func (g *Gossip) NotifyMsg([]byte) {}
func (g *Gossip) GetBroadcasts(overhead, limit int) [][]byte { return nil }
func (g *Gossip) LocalState(join bool) []byte { return nil }
func (g *Gossip) MergeRemoteState(buf []byte, join bool) {}

type gossipEvents struct {
	logger *slog.Logger
}

func (ev *gossipEvents) NotifyJoin(node *memberlist.Node) {
	withLogNode(ev.logger, node).Info("node joined cluster")
}

func (ev *gossipEvents) NotifyLeave(node *memberlist.Node) {
	withLogNode(ev.logger, node).Info("node left cluster")
}

func (ev *gossipEvents) NotifyUpdate(node *memberlist.Node) {
	withLogNode(ev.logger, node).Info("node updated")
}

func withLogNode(logger *slog.Logger, node *memberlist.Node) *slog.Logger {
	logger = logger.With(LabelNode.L(node.Name), LabelPeerAddr.L(node.Address()))
	if ad, err := decodeAdvertisement(node.Meta); err == nil {
		logger = logger.With("role", ad.Role, LabelHubURL.L(ad.URL))
	}
	return logger
}
