// Package tunnel relays raw frames between one debugger front end and one
// running app.
//
// Both sides connect to the same endpoint and pick their side with the role
// query parameter (?role=debugger or ?role=client). Frames are forwarded
// verbatim, text or binary, to whichever side is on the other end. Only one
// debugger may be attached at a time; a second one is turned away. A new
// client replaces the old one, which is the usual result of reloading the app.
package tunnel

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

const (
	RoleDebugger = "debugger"
	RoleClient   = "client"

	// CloseStatus is the status every tunnel-initiated close uses.
	CloseStatus = websocket.StatusInternalError

	ReasonMissingRole      = "Missing role param"
	ReasonDebuggerAttached = "Another debugger is already connected"
	ReasonClientReplaced   = "Another client connected"
	ReasonDebuggerGone     = "Debugger was disconnected"
)

// disconnectedNotice is sent to the debugger when the app goes away on its own.
var disconnectedNotice = []byte(`{"method":"$disconnected"}`)

type endpoint struct {
	role   string
	conn   *websocket.Conn
	logger *zap.Logger

	// preempted is set before a replaced client is closed, so that its
	// departure is not reported to the debugger.
	preempted atomic.Bool
}

// Tunnel is an http.Handler holding at most one debugger and one client
// connection and relaying frames between them.
type Tunnel struct {
	logger  *zap.Logger
	metrics *TunnelMetrics
	config  *TunnelConfig

	slotsMutex sync.Mutex
	debugger   *endpoint
	client     *endpoint

	active       atomic.Int32
	shutdown     chan struct{}
	shutdownOnce sync.Once
}

func newTunnel(config *TunnelConfig) *Tunnel {
	return &Tunnel{
		logger:   config.logger,
		metrics:  NewTunnelMetrics(config.metricsProvider),
		config:   config,
		shutdown: make(chan struct{}),
	}
}

// ServeHTTP upgrades the request and serves it in the role named by its query.
func (t *Tunnel) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: t.config.originPatterns,
	})
	if err != nil {
		t.logger.Error("Failed to accept WebSocket connection",
			zap.Error(err),
			zap.String("remote_addr", r.RemoteAddr),
		)
		return
	}

	t.active.Add(1)
	defer t.active.Add(-1)

	select {
	case <-t.shutdown:
		conn.Close(websocket.StatusServiceRestart, "Server shutting down")
		return
	default:
	}

	ctx := r.Context()
	role := r.URL.Query().Get("role")
	ep := &endpoint{
		role:   role,
		conn:   conn,
		logger: t.logger.With(zap.String("role", role), zap.String("remote_addr", r.RemoteAddr)),
	}

	if !t.admit(ctx, ep) {
		return
	}

	conn.SetReadLimit(t.config.readLimit)
	t.relay(ctx, ep)
	t.leave(ctx, ep)
}

// admit places ep in its slot. Returns false if the connection was turned away.
func (t *Tunnel) admit(ctx context.Context, ep *endpoint) bool {
	switch ep.role {
	case RoleDebugger:
		t.slotsMutex.Lock()
		if t.debugger != nil {
			t.slotsMutex.Unlock()
			ep.logger.Warn("Rejecting debugger, one is already attached")
			t.metrics.RecordRejected(ctx, "debugger_attached")
			ep.close(CloseStatus, ReasonDebuggerAttached)
			return false
		}
		t.debugger = ep
		t.slotsMutex.Unlock()

	case RoleClient:
		t.slotsMutex.Lock()
		previous := t.client
		t.client = ep
		t.slotsMutex.Unlock()

		if previous != nil {
			ep.logger.Info("Replacing previously attached client")
			previous.preempted.Store(true)
			t.metrics.RecordPreempted(ctx)
			go previous.close(CloseStatus, ReasonClientReplaced)
		}

	default:
		ep.logger.Warn("Rejecting connection without a valid role")
		t.metrics.RecordRejected(ctx, "missing_role")
		ep.close(CloseStatus, ReasonMissingRole)
		return false
	}

	ep.logger.Info("Tunnel endpoint attached")
	t.metrics.RecordAdmitted(ctx, ep.role)
	return true
}

// peerOf returns the endpoint on the other side of ep, or nil.
func (t *Tunnel) peerOf(ep *endpoint) *endpoint {
	t.slotsMutex.Lock()
	defer t.slotsMutex.Unlock()

	if ep.role == RoleDebugger {
		return t.client
	}
	if t.client != ep {
		return nil
	}
	return t.debugger
}

func (t *Tunnel) relay(ctx context.Context, ep *endpoint) {
	for {
		msgType, data, err := ep.conn.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != -1 {
				ep.logger.Debug("Tunnel endpoint closed", zap.Int("close_status", int(status)))
			} else if ctx.Err() != nil || ep.preempted.Load() {
				ep.logger.Debug("Tunnel endpoint closed", zap.Error(err))
			} else {
				ep.logger.Warn("Failed to read from tunnel endpoint", zap.Error(err))
			}
			return
		}

		dst := t.peerOf(ep)
		if dst == nil {
			ep.logger.Debug("Dropping frame, nobody on the other side", zap.Int("data_length", len(data)))
			continue
		}

		if err := t.write(dst, msgType, data); err != nil {
			ep.logger.Warn("Failed to relay frame", zap.String("to", dst.role), zap.Error(err))
			t.metrics.RecordRelayFailure(ctx, ep.role)
			continue
		}
		t.metrics.RecordRelayed(ctx, ep.role, len(data))
	}
}

func (t *Tunnel) write(dst *endpoint, msgType websocket.MessageType, data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), t.config.writeTimeout)
	defer cancel()
	return dst.conn.Write(ctx, msgType, data)
}

// leave clears ep's slot and tells the other side.
func (t *Tunnel) leave(ctx context.Context, ep *endpoint) {
	t.slotsMutex.Lock()
	var other *endpoint
	owned := false
	switch ep.role {
	case RoleDebugger:
		if t.debugger == ep {
			t.debugger = nil
			owned = true
		}
		other = t.client
	case RoleClient:
		if t.client == ep {
			t.client = nil
			owned = true
		}
		other = t.debugger
	}
	t.slotsMutex.Unlock()

	ep.close(websocket.StatusNormalClosure, "")

	if !owned {
		return
	}

	ep.logger.Info("Tunnel endpoint detached")
	t.metrics.RecordDetached(ctx, ep.role)

	if other == nil {
		return
	}

	switch ep.role {
	case RoleDebugger:
		other.close(CloseStatus, ReasonDebuggerGone)
	case RoleClient:
		if ep.preempted.Load() {
			return
		}
		if err := t.write(other, websocket.MessageText, disconnectedNotice); err != nil {
			other.logger.Warn("Failed to notify debugger of client disconnect", zap.Error(err))
		}
	}
}

func (ep *endpoint) close(code websocket.StatusCode, reason string) {
	if err := ep.conn.Close(code, reason); err != nil {
		ep.logger.Debug("WebSocket close error (may be expected)", zap.Error(err))
	}
}

// IsDebuggerConnected reports whether a debugger is attached.
func (t *Tunnel) IsDebuggerConnected() bool {
	t.slotsMutex.Lock()
	defer t.slotsMutex.Unlock()
	return t.debugger != nil
}

// IsClientConnected reports whether an app is attached.
func (t *Tunnel) IsClientConnected() bool {
	t.slotsMutex.Lock()
	defer t.slotsMutex.Unlock()
	return t.client != nil
}

// Shutdown stops accepting connections, closes both sides with StatusGoingAway
// and waits until every connection handler has returned or ctx is done.
func (t *Tunnel) Shutdown(ctx context.Context) error {
	t.shutdownOnce.Do(func() {
		t.logger.Info("Starting graceful debugger tunnel shutdown")
		close(t.shutdown)

		t.slotsMutex.Lock()
		endpoints := []*endpoint{t.debugger, t.client}
		t.slotsMutex.Unlock()

		for _, ep := range endpoints {
			if ep != nil {
				// Closing the client must not look like the app leaving.
				ep.preempted.Store(true)
				go ep.close(websocket.StatusGoingAway, "Server shutting down")
			}
		}
	})

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		remaining := t.active.Load()
		if remaining == 0 {
			t.logger.Info("All tunnel connections closed")
			return nil
		}

		select {
		case <-ctx.Done():
			t.logger.Warn("Shutdown timeout reached with active tunnel connections",
				zap.Int32("remaining_connections", remaining),
			)
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
