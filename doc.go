// Package tether keeps a fleet of *peers* connected to a *hub* over
// message-framed, full-duplex connections.
//
// ## How it works
//
// A `Hub` accepts connections (websockets by default, QUIC if you want) and
// expects the first frame of each of them to be a `Ping` carrying the
// identity of the peer. Once identified, the connection is bound to that
// identity in the hub's `Registry`: you can then `Hub.Send` to a peer by
// its id, and `Hub.Subscribe` to everything peers send.
//
// On the other side, a `Client` keeps a peer connected: it resolves hub
// candidates (statically or through a `Gossip` on the LAN), dials them in
// order, and runs a session on the first one which answers. A session
// keeps the peer alive with a *self-clocking* heartbeat: every `Pong`
// received schedules the next `Ping`.
//
// ## Design Principles
//
// ### Asymmetric Back-Pressure
//
// Hub to peer traffic carries discrete commands, so each connection has an
// ordered bounded queue, and sends are retried before the peer gets
// evicted. Peer to hub traffic is mostly state snapshots, where only the
// latest one matters, so peers write from a single-value `Slot` which
// coalesces whatever was not written yet.
//
// ### Proactive Liveness
//
// The hub does not trust transport keepalives: a peer nothing was
// delivered to for a while is swept from the `Registry`. Make sure you
// talk to your peers, heartbeats do that for you.
//
// ### Presence Is Not An Error
//
// Sending to a peer which is not connected is a success. Peers come and
// go, callers should not have to check before sending.
//
// Dependencies:
//
// * [`gorilla/websocket`][dep-ws], the default transport.
// * [`quic-go/quic-go`][dep-quic], the alternative transport.
// * [`hashicorp/memberlist`][dep-mbl], for the UDP gossip discovering hubs.
// * [`hashicorp/go-metrics`][dep-met], to let you chose where metrics go.
//
// [dep-ws]: https://pkg.go.dev/github.com/gorilla/websocket
// [dep-quic]: https://pkg.go.dev/github.com/quic-go/quic-go
// [dep-mbl]: https://pkg.go.dev/github.com/hashicorp/memberlist
// [dep-met]: https://pkg.go.dev/github.com/hashicorp/go-metrics
package tether
