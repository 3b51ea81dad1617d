package tether

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidCfg = errors.New("tether: invalid options")

	ErrDeliveryFailed = errors.New("registry: delivery failed")
	ErrQueueFull      = errors.New("registry: outbound queue is full")
	ErrQueueClosed    = errors.New("registry: outbound queue is closed")

	ErrHandshake = errors.New("hub: invalid handshake")
	ErrHubClosed = errors.New("hub: shutting down")

	ErrMissingIdentity = errors.New("session: local identity is not configured")
	ErrNotConnected    = errors.New("session: no active connection")
	ErrSlotClosed      = errors.New("session: slot closed")

	ErrNoCandidates = errors.New("client: no hub candidate resolved")

	ErrJoinCluster   = errors.New("gossip: could not join cluster")
	ErrInvalidAdvert = errors.New("gossip: invalid node advertisement")
	ErrGossipClosed  = errors.New("gossip: shut down")

	ErrConnClosed    = errors.New("transport: connection closed")
	ErrFrameTooLarge = errors.New("transport: frame exceeds maximum size")
	ErrNoTLSConfig   = errors.New("transport: TlsConfig is required")
)

// DeliveryError is returned by `Registry.Send` once every attempt to
// enqueue an envelope for a peer failed.
type DeliveryError struct {
	PeerID   string
	Attempts int
	Last     error

	gen uint64
}

func (err *DeliveryError) Error() string {
	return fmt.Sprintf("%s: peer %q after %d attempts: %s", ErrDeliveryFailed, err.PeerID, err.Attempts, err.Last)
}

func (err *DeliveryError) Unwrap() []error {
	return []error{ErrDeliveryFailed, err.Last}
}
