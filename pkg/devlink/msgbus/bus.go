package msgbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/tsarna/devlink/pkg/devlink/notify"
	"go.uber.org/zap"
)

// Bus relays JSON envelopes between any number of connected peers and answers
// requests addressed to the "server" target itself. Bus is an http.Handler;
// mount it at the path devices connect to.
type Bus struct {
	logger   *zap.Logger
	notifier notify.Notifier
	metrics  *BusMetrics
	config   *BusConfig

	peersMutex sync.RWMutex
	peers      map[string]*peer
	nextID     uint64

	shutdown     chan struct{}
	shutdownOnce sync.Once
}

func newBus(config *BusConfig) *Bus {
	return &Bus{
		logger:   config.logger,
		notifier: config.notifier,
		metrics:  NewBusMetrics(config.metricsProvider),
		config:   config,
		peers:    make(map[string]*peer),
		shutdown: make(chan struct{}),
	}
}

// ServeHTTP upgrades the request to a WebSocket connection and serves it as a
// bus peer until the connection closes.
func (b *Bus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: b.config.originPatterns,
	})
	if err != nil {
		b.logger.Error("Failed to accept WebSocket connection",
			zap.Error(err),
			zap.String("remote_addr", r.RemoteAddr),
			zap.String("user_agent", r.UserAgent()),
		)
		return
	}

	conn.SetReadLimit(b.config.readLimit)

	ctx := r.Context()
	p, ok := b.register(conn, r)
	if !ok {
		b.logger.Debug("Rejecting new connection due to shutdown")
		conn.Close(websocket.StatusServiceRestart, "Server shutting down")
		return
	}

	p.logger.Debug("Peer connected",
		zap.String("remote_addr", r.RemoteAddr),
		zap.String("user_agent", r.UserAgent()),
	)

	p.start(ctx)
	b.readLoop(ctx, p)

	b.deregister(ctx, p)
	p.stop()

	if err := conn.Close(websocket.StatusNormalClosure, "Connection closed"); err != nil {
		p.logger.Debug("WebSocket close error (may be expected)", zap.Error(err))
	}
}

// register adds a peer for conn. It fails once Shutdown has begun; the check
// and the insert share peersMutex with Shutdown's snapshot of peers.
func (b *Bus) register(conn *websocket.Conn, r *http.Request) (*peer, bool) {
	b.peersMutex.Lock()
	select {
	case <-b.shutdown:
		b.peersMutex.Unlock()
		return nil, false
	default:
	}

	seq := b.nextID
	b.nextID++
	id := fmt.Sprintf("client#%d", seq)
	p := newPeer(id, seq, conn, r.URL.Query(), b.config, b.metrics)
	b.peers[id] = p
	count := len(b.peers)
	b.peersMutex.Unlock()

	b.metrics.RecordPeerConnected(r.Context(), count)
	return p, true
}

func (b *Bus) deregister(ctx context.Context, p *peer) {
	b.peersMutex.Lock()
	if b.peers[p.id] == p {
		delete(b.peers, p.id)
	}
	count := len(b.peers)
	b.peersMutex.Unlock()

	b.metrics.RecordPeerDisconnected(ctx, count)
	p.logger.Debug("Peer disconnected", zap.Int("active_peers", count))
}

func (b *Bus) lookup(id string) (*peer, bool) {
	b.peersMutex.RLock()
	defer b.peersMutex.RUnlock()
	p, ok := b.peers[id]
	return p, ok
}

// others returns every registered peer except the one with id exclude, in
// connection order.
func (b *Bus) others(exclude string) []*peer {
	b.peersMutex.RLock()
	result := make([]*peer, 0, len(b.peers))
	for id, p := range b.peers {
		if id != exclude {
			result = append(result, p)
		}
	}
	b.peersMutex.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].seq < result[j].seq })
	return result
}

func (b *Bus) readLoop(ctx context.Context, p *peer) {
	for {
		msgType, data, err := p.conn.Read(ctx)
		if err != nil {
			closeStatus := websocket.CloseStatus(err)
			if closeStatus != -1 {
				p.logger.Debug("WebSocket connection closed by peer",
					zap.Int("close_status", int(closeStatus)),
				)
			} else if ctx.Err() != nil {
				p.logger.Debug("WebSocket connection closed due to context cancellation", zap.Error(err))
			} else if p.isClosed() {
				p.logger.Debug("WebSocket connection closed after send failure", zap.Error(err))
			} else {
				p.logger.Warn("Failed to read WebSocket message", zap.Error(err))
			}
			return
		}

		if msgType != websocket.MessageText {
			p.logger.Warn("Dropping message", zap.Error(ErrBinaryFrame), zap.Int("data_length", len(data)))
			b.metrics.RecordProtocolError(ctx, "binary_frame")
			continue
		}

		b.handleMessage(ctx, p, data)
	}
}

func (b *Bus) handleMessage(ctx context.Context, p *peer, data []byte) {
	msg, err := Parse(data)
	if err != nil {
		p.logger.Warn("Dropping message",
			zap.Error(err),
			zap.String("raw_data", string(data)),
		)
		if errors.Is(err, ErrVersionMismatch) {
			b.metrics.RecordProtocolError(ctx, "version_mismatch")
		} else {
			b.metrics.RecordProtocolError(ctx, "malformed_json")
		}
		return
	}

	b.metrics.RecordMessage(ctx, msg.Kind())

	if err := b.route(ctx, p, msg); err != nil {
		b.handleFailure(ctx, p, msg, err)
	}
}

func (b *Bus) route(ctx context.Context, from *peer, msg Message) error {
	switch m := msg.(type) {
	case *Broadcast:
		b.broadcast(ctx, from.id, m.Method, m.Params)
		return nil
	case *Request:
		if m.Target == ServerTarget {
			return b.handleServerRequest(ctx, from, m)
		}
		return b.forwardRequest(ctx, from, m)
	case *Response:
		return b.forwardResponse(ctx, m)
	case *Invalid:
		return fmt.Errorf("%w: %s", ErrInvalidMessage, m.Reason)
	default:
		return fmt.Errorf("%w: %T", ErrInvalidMessage, msg)
	}
}

func (b *Bus) handleServerRequest(ctx context.Context, from *peer, req *Request) error {
	var result any

	switch req.Method {
	case "getid":
		result = from.id
	case "getpeers":
		peers := make(map[string]map[string]any)
		for _, p := range b.others(from.id) {
			peers[p.id] = p.query
		}
		result = peers
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMethod, req.Method)
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encoding %s result: %w", req.Method, err)
	}

	b.deliver(ctx, from, Envelope{Version: ProtocolVersion, Result: data, ID: req.ID})
	return nil
}

func (b *Bus) forwardRequest(ctx context.Context, from *peer, req *Request) error {
	target, ok := b.lookup(req.Target)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownPeer, req.Target)
	}

	envelope := Envelope{Version: ProtocolVersion, Method: MethodName(req.Method), Params: req.Params}
	if req.ID != nil {
		id, err := json.Marshal(RoutedID{RequestID: req.ID, ClientID: from.id})
		if err != nil {
			return fmt.Errorf("encoding routed id: %w", err)
		}
		envelope.ID = id
	}

	b.deliver(ctx, target, envelope)
	return nil
}

func (b *Bus) forwardResponse(ctx context.Context, resp *Response) error {
	if len(resp.RequestID) == 0 {
		return nil
	}

	target, ok := b.lookup(resp.ClientID)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownPeer, resp.ClientID)
	}

	b.deliver(ctx, target, Envelope{
		Version: ProtocolVersion,
		Result:  resp.Result,
		Error:   resp.Error,
		ID:      resp.RequestID,
	})
	return nil
}

// handleFailure reports a message that could not be handled. Without an id there
// is nobody to answer, so the failure is only logged.
func (b *Bus) handleFailure(ctx context.Context, from *peer, msg Message, err error) {
	b.metrics.RecordRoutingError(ctx, msg.Kind())

	id := msg.CorrelationID()
	from.logger.Warn("Failed to handle message",
		zap.String("kind", string(msg.Kind())),
		zap.ByteString("id", id),
		zap.Error(err),
	)

	if id == nil {
		return
	}

	payload, marshalErr := json.Marshal(ErrorPayload{Message: err.Error()})
	if marshalErr != nil {
		from.logger.Error("Failed to encode error reply", zap.Error(marshalErr))
		return
	}

	b.deliver(ctx, from, Envelope{Version: ProtocolVersion, Error: payload, ID: id})
}

// deliver encodes an envelope and queues it on p. Failures are logged and
// swallowed.
func (b *Bus) deliver(ctx context.Context, p *peer, envelope Envelope) {
	data, err := json.Marshal(envelope)
	if err != nil {
		p.logger.Error("Failed to marshal envelope", zap.Error(err))
		b.metrics.RecordSendFailure(ctx, "marshal_error")
		return
	}

	if err := p.send(data); err != nil {
		p.logger.Warn("Failed to queue message for peer",
			zap.Stringp("method", envelope.Method),
			zap.Error(err),
		)
		if errors.Is(err, ErrQueueFull) {
			b.metrics.RecordSendFailure(ctx, "queue_full")
		} else {
			b.metrics.RecordSendFailure(ctx, "peer_closed")
		}
	}
}

func (b *Bus) broadcast(ctx context.Context, exclude, method string, params json.RawMessage) {
	recipients := b.others(exclude)

	if len(recipients) == 0 {
		b.metrics.RecordUnheardBroadcast(ctx)
		b.logger.Debug("Broadcast has no recipients", zap.String("method", method))
		b.notifier.Notify("No apps connected",
			fmt.Sprintf("Sending %q to all connected apps failed. "+
				"Make sure your app is running and connected to the development server.", method))
		return
	}

	envelope := Envelope{Version: ProtocolVersion, Method: MethodName(method), Params: params}
	for _, p := range recipients {
		b.deliver(ctx, p, envelope)
	}
}

// Broadcast sends {version, method, params} to every connected peer. A nil
// params is omitted from the envelope. An error is returned only if params
// cannot be encoded; delivery problems are logged.
func (b *Bus) Broadcast(method string, params any) error {
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("encoding params for %q: %w", method, err)
		}
		raw = data
	}

	b.broadcast(context.Background(), "", method, raw)
	return nil
}

// IsDebuggerConnected always reports true. Hosts use it to decide whether to
// offer debugging; the bus itself is always able to carry debugger traffic.
func (b *Bus) IsDebuggerConnected() bool {
	return true
}

// PeerCount returns the number of connected peers.
func (b *Bus) PeerCount() int {
	b.peersMutex.RLock()
	defer b.peersMutex.RUnlock()
	return len(b.peers)
}

// PeerIDs returns the ids of connected peers in connection order.
func (b *Bus) PeerIDs() []string {
	peers := b.others("")
	ids := make([]string, len(peers))
	for i, p := range peers {
		ids[i] = p.id
	}
	return ids
}

// Shutdown stops accepting new peers, closes every connected peer with
// StatusGoingAway and waits until all of them are deregistered or ctx is done.
func (b *Bus) Shutdown(ctx context.Context) error {
	b.shutdownOnce.Do(func() {
		b.logger.Info("Starting graceful message bus shutdown")
		b.peersMutex.Lock()
		close(b.shutdown)
		b.peersMutex.Unlock()

		peers := b.others("")
		if len(peers) == 0 {
			b.logger.Info("No active peers to close")
			return
		}

		b.logger.Info("Closing active peers", zap.Int("peer_count", len(peers)))
		for _, p := range peers {
			go p.closeWith(websocket.StatusGoingAway, "Server shutting down")
		}
	})

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		remaining := b.PeerCount()
		if remaining == 0 {
			b.logger.Info("All peers closed successfully")
			return nil
		}

		select {
		case <-ctx.Done():
			b.logger.Warn("Shutdown timeout reached with active peers",
				zap.Int("remaining_peers", remaining),
			)
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
