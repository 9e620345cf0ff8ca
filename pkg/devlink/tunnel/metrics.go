package tunnel

import (
	"context"

	"github.com/tsarna/devlink/pkg/devlink/o11y"
)

// TunnelMetrics records tunnel activity. A nil *TunnelMetrics records nothing.
type TunnelMetrics struct {
	connections   o11y.Counter
	rejections    o11y.Counter
	preemptions   o11y.Counter
	framesRelayed o11y.Counter
	bytesRelayed  o11y.Counter
	relayFailures o11y.Counter
	attached      o11y.Gauge
}

// NewTunnelMetrics creates the tunnel instruments on provider. Returns nil for a nil provider.
func NewTunnelMetrics(provider o11y.MetricsProvider) *TunnelMetrics {
	if provider == nil {
		return nil
	}

	return &TunnelMetrics{
		connections:   provider.Counter("tunnel_connections_total"),
		rejections:    provider.Counter("tunnel_rejections_total"),
		preemptions:   provider.Counter("tunnel_preemptions_total"),
		framesRelayed: provider.Counter("tunnel_frames_relayed_total"),
		bytesRelayed:  provider.Counter("tunnel_bytes_relayed_total"),
		relayFailures: provider.Counter("tunnel_relay_failures_total"),
		attached:      provider.Gauge("tunnel_attached"),
	}
}

func (m *TunnelMetrics) RecordAdmitted(ctx context.Context, role string) {
	if m == nil {
		return
	}
	m.connections.Add(ctx, 1, o11y.Label{Key: "role", Value: role})
	m.attached.Set(ctx, 1, o11y.Label{Key: "role", Value: role})
}

func (m *TunnelMetrics) RecordDetached(ctx context.Context, role string) {
	if m == nil {
		return
	}
	m.attached.Set(ctx, 0, o11y.Label{Key: "role", Value: role})
}

func (m *TunnelMetrics) RecordRejected(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.rejections.Add(ctx, 1, o11y.Label{Key: "reason", Value: reason})
}

func (m *TunnelMetrics) RecordPreempted(ctx context.Context) {
	if m == nil {
		return
	}
	m.preemptions.Add(ctx, 1)
}

func (m *TunnelMetrics) RecordRelayed(ctx context.Context, from string, size int) {
	if m == nil {
		return
	}
	m.framesRelayed.Add(ctx, 1, o11y.Label{Key: "from", Value: from})
	m.bytesRelayed.Add(ctx, int64(size), o11y.Label{Key: "from", Value: from})
}

func (m *TunnelMetrics) RecordRelayFailure(ctx context.Context, from string) {
	if m == nil {
		return
	}
	m.relayFailures.Add(ctx, 1, o11y.Label{Key: "from", Value: from})
}
