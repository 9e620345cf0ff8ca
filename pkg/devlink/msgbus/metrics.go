package msgbus

import (
	"context"

	"github.com/tsarna/devlink/pkg/devlink/o11y"
)

// BusMetrics holds the metric instruments recorded by the Bus. A nil *BusMetrics
// records nothing.
type BusMetrics struct {
	activePeers      o11y.Gauge
	connectionsTotal o11y.Counter

	messagesReceived o11y.Counter
	messagesSent     o11y.Counter
	protocolErrors   o11y.Counter
	routingErrors    o11y.Counter
	sendFailures     o11y.Counter

	unheardBroadcasts o11y.Counter
}

// NewBusMetrics creates the bus instruments on provider. Returns nil for a nil provider.
func NewBusMetrics(provider o11y.MetricsProvider) *BusMetrics {
	if provider == nil {
		return nil
	}

	return &BusMetrics{
		activePeers:       provider.Gauge("msgbus_active_peers"),
		connectionsTotal:  provider.Counter("msgbus_connections_total"),
		messagesReceived:  provider.Counter("msgbus_messages_received_total"),
		messagesSent:      provider.Counter("msgbus_messages_sent_total"),
		protocolErrors:    provider.Counter("msgbus_protocol_errors_total"),
		routingErrors:     provider.Counter("msgbus_routing_errors_total"),
		sendFailures:      provider.Counter("msgbus_send_failures_total"),
		unheardBroadcasts: provider.Counter("msgbus_unheard_broadcasts_total"),
	}
}

// RecordPeerConnected records a new peer and the resulting peer count.
func (m *BusMetrics) RecordPeerConnected(ctx context.Context, count int) {
	if m == nil {
		return
	}
	m.connectionsTotal.Add(ctx, 1)
	m.activePeers.Set(ctx, float64(count))
}

// RecordPeerDisconnected records the peer count after a peer left.
func (m *BusMetrics) RecordPeerDisconnected(ctx context.Context, count int) {
	if m == nil {
		return
	}
	m.activePeers.Set(ctx, float64(count))
}

// RecordMessage records a classified inbound message.
func (m *BusMetrics) RecordMessage(ctx context.Context, kind Kind) {
	if m == nil {
		return
	}
	m.messagesReceived.Add(ctx, 1, o11y.Label{Key: "kind", Value: string(kind)})
}

// RecordMessageSent records an envelope queued to a peer.
func (m *BusMetrics) RecordMessageSent(ctx context.Context) {
	if m == nil {
		return
	}
	m.messagesSent.Add(ctx, 1)
}

// RecordProtocolError records a frame dropped before classification.
func (m *BusMetrics) RecordProtocolError(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.protocolErrors.Add(ctx, 1, o11y.Label{Key: "reason", Value: reason})
}

// RecordRoutingError records a classified message whose handling failed.
func (m *BusMetrics) RecordRoutingError(ctx context.Context, kind Kind) {
	if m == nil {
		return
	}
	m.routingErrors.Add(ctx, 1, o11y.Label{Key: "kind", Value: string(kind)})
}

// RecordSendFailure records a message that could not be queued or written to a peer.
func (m *BusMetrics) RecordSendFailure(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.sendFailures.Add(ctx, 1, o11y.Label{Key: "reason", Value: reason})
}

// RecordUnheardBroadcast records a broadcast that had no recipients.
func (m *BusMetrics) RecordUnheardBroadcast(ctx context.Context) {
	if m == nil {
		return
	}
	m.unheardBroadcasts.Add(ctx, 1)
}
