package tether

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGossip(t *testing.T) {
	hubNode, err := NewGossip(
		Advertisement{Role: RoleHub, URL: "ws://127.0.0.1:9000/ws"},
		WithLog(testLogHandler("node1")),
		WithHostname("node1"),
		WithListenOn("127.0.0.1", 0),
	)
	require.NoError(t, err)
	defer hubNode.Shutdown()

	peerNode, err := NewGossip(
		Advertisement{Role: RolePeer},
		WithLog(testLogHandler("node2")),
		WithHostname("node2"),
		WithListenOn("127.0.0.1", 0),
		WithNeighbours([]string{hubNode.Addr()}),
	)
	require.NoError(t, err)
	defer peerNode.Shutdown()

	_, err = peerNode.Resolve(context.Background())
	require.ErrorIs(t, err, ErrNoCandidates, "a lone peer knows no hub")

	require.NoError(t, peerNode.Join())

	require.Eventually(t, func() bool {
		urls, err := peerNode.Resolve(context.Background())
		return err == nil && len(urls) == 1 && urls[0] == "ws://127.0.0.1:9000/ws"
	}, 5*time.Second, 50*time.Millisecond)

	require.NoError(t, hubNode.Advertise(Advertisement{Role: RoleHub, URL: "ws://127.0.0.1:9001/ws"}))
	require.Eventually(t, func() bool {
		urls, err := peerNode.Resolve(context.Background())
		return err == nil && len(urls) == 1 && urls[0] == "ws://127.0.0.1:9001/ws"
	}, 5*time.Second, 50*time.Millisecond)

	require.NoError(t, peerNode.Shutdown())
	_, err = peerNode.Resolve(context.Background())
	require.ErrorIs(t, err, ErrGossipClosed)
}

func TestGossip_InvalidAdvertisement(t *testing.T) {
	_, err := NewGossip(Advertisement{Role: RoleHub}, WithListenOn("127.0.0.1", 0))
	require.ErrorIs(t, err, ErrInvalidCfg)
	require.ErrorIs(t, err, ErrInvalidAdvert)

	_, err = NewGossip(Advertisement{Role: "relay"}, WithListenOn("127.0.0.1", 0))
	require.ErrorIs(t, err, ErrInvalidAdvert)

	_, err = NewGossip(Advertisement{Role: RolePeer}, WithListenOn("127.0.0.1", 70000))
	require.ErrorIs(t, err, ErrInvalidCfg)
}

func TestDecodeAdvertisement(t *testing.T) {
	_, err := decodeAdvertisement([]byte{0xff})
	require.ErrorIs(t, err, ErrInvalidAdvert)
}
