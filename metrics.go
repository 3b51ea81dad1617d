package tether

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricRegistryRegistered   = []string{"tether", "registry", "registered", "count"}
	MetricRegistryReplaced     = []string{"tether", "registry", "replaced", "count"}
	MetricRegistrySendRetry    = []string{"tether", "registry", "send", "retry", "count"}
	MetricRegistrySendFailed   = []string{"tether", "registry", "send", "failed", "count"}
	MetricRegistryEvicted      = []string{"tether", "registry", "evicted", "count"}
	MetricRegistrySwept        = []string{"tether", "registry", "swept", "count"}
	MetricRegistrySessions     = []string{"tether", "registry", "sessions"}
	MetricHubHandshakeRejected = []string{"tether", "hub", "handshake", "rejected", "count"}
	MetricHubConnAccepted      = []string{"tether", "hub", "connection", "accepted", "count"}
	MetricHubInboundFrames     = []string{"tether", "hub", "inbound", "frames", "count"}
	MetricHubInboundMalformed  = []string{"tether", "hub", "inbound", "malformed", "count"}
	MetricFanoutDropped        = []string{"tether", "fanout", "dropped", "count"}
	MetricSessionStarted       = []string{"tether", "session", "started", "count"}
	MetricSessionHeartbeat     = []string{"tether", "session", "heartbeat", "count"}
	MetricSessionWriteError    = []string{"tether", "session", "write", "error", "count"}
	MetricClientDialError      = []string{"tether", "client", "dial", "error", "count"}
)

type TelemetryLabel string

var (
	LabelError    TelemetryLabel = "error"
	LabelPeerID   TelemetryLabel = "peer_id"
	LabelPeerAddr TelemetryLabel = "peer_addr"
	LabelCategory TelemetryLabel = "category"
	LabelAttempts TelemetryLabel = "attempts"
	LabelHubURL   TelemetryLabel = "hub_url"
	LabelNode     TelemetryLabel = "node"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{
		Name:  string(lab),
		Value: val,
	}
}

func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}
