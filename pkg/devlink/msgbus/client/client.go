// Package client connects to a devlink message bus as an ordinary peer.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/tsarna/devlink/pkg/devlink/msgbus"
	"go.uber.org/zap"
)

var (
	ErrNotConnected = errors.New("client is not connected")
	ErrWriteFull    = errors.New("write channel is full")
)

// RemoteError is the error half of a response envelope.
type RemoteError struct {
	Message string
	Raw     json.RawMessage
}

func (e *RemoteError) Error() string {
	if e.Message != "" {
		return "remote error: " + e.Message
	}
	return "remote error: " + string(e.Raw)
}

// Client is a message bus peer. Requests are correlated with responses by a
// random id, so any number of them may be outstanding at once.
type Client struct {
	url              string
	logger           *zap.Logger
	dialTimeout      time.Duration
	writeChannelSize int
	handler          Handler
	headers          map[string][]string

	conn     *websocket.Conn
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.RWMutex
	started  int32
	stopping int32

	pendingReqs map[string]chan reply
	pendingMu   sync.Mutex

	writeChannel chan []byte
	done         chan struct{}
}

type reply struct {
	result json.RawMessage
	err    error
}

// inbound is the subset of an envelope needed to recognize replies to our own
// requests, whose id is a plain string.
type inbound struct {
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  json.RawMessage `json:"error"`
}

// Connect establishes the WebSocket connection and starts message processing.
func (c *Client) Connect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&c.started, 0, 1) {
		return fmt.Errorf("client is already started")
	}

	if _, err := url.Parse(c.url); err != nil {
		atomic.StoreInt32(&c.started, 0)
		return fmt.Errorf("invalid URL: %w", err)
	}

	c.ctx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))
	c.done = make(chan struct{})
	c.writeChannel = make(chan []byte, c.writeChannelSize)

	c.pendingMu.Lock()
	c.pendingReqs = make(map[string]chan reply)
	c.pendingMu.Unlock()

	dialCtx, dialCancel := context.WithTimeout(ctx, c.dialTimeout)
	defer dialCancel()

	dialOptions := &websocket.DialOptions{}
	if c.headers != nil {
		dialOptions.HTTPHeader = make(map[string][]string)
		for key, values := range c.headers {
			dialOptions.HTTPHeader[key] = values
		}
	}

	conn, _, err := websocket.Dial(dialCtx, c.url, dialOptions)
	if err != nil {
		c.cancel()
		atomic.StoreInt32(&c.started, 0)
		return fmt.Errorf("failed to connect to message bus: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.logger.Info("Message bus client connected", zap.String("url", c.url))

	go c.readLoop(conn)
	go c.writeLoop(conn)

	return nil
}

// Close closes the connection. Outstanding requests fail with ErrNotConnected.
func (c *Client) Close() error {
	if atomic.LoadInt32(&c.started) == 0 {
		return nil
	}
	if !atomic.CompareAndSwapInt32(&c.stopping, 0, 1) {
		return nil
	}

	c.cleanupWithStatus(websocket.StatusNormalClosure, "client disconnect")
	c.logger.Info("Message bus client disconnected")
	return nil
}

func (c *Client) cleanupWithStatus(status websocket.StatusCode, reason string) {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close(status, reason)
		c.conn = nil
	}
	c.mu.Unlock()

	c.cancel()

	<-c.done

	c.pendingMu.Lock()
	for id, ch := range c.pendingReqs {
		ch <- reply{err: ErrNotConnected}
		delete(c.pendingReqs, id)
	}
	c.pendingMu.Unlock()

	atomic.StoreInt32(&c.started, 0)
	atomic.StoreInt32(&c.stopping, 0)
}

func (c *Client) connectionLost(err error) {
	if atomic.CompareAndSwapInt32(&c.stopping, 0, 1) {
		// readLoop closes done only after returning, so cleanup must not run on it.
		go c.cleanupWithStatus(websocket.StatusInternalError, "connection error")
	}
}

// Request sends method to target and waits for the matching response. Use
// msgbus.ServerTarget to address the bus itself. ctx bounds the wait; a
// response arriving after ctx is done is discarded.
func (c *Client) Request(ctx context.Context, target, method string, params any) (json.RawMessage, error) {
	rawParams, err := encodeParams(params)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	rawID, _ := json.Marshal(id)

	data, err := json.Marshal(msgbus.Envelope{
		Version: msgbus.ProtocolVersion,
		ID:      rawID,
		Method:  msgbus.MethodName(method),
		Target:  target,
		Params:  rawParams,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	respChan := make(chan reply, 1)
	c.pendingMu.Lock()
	if c.pendingReqs == nil {
		c.pendingMu.Unlock()
		return nil, ErrNotConnected
	}
	c.pendingReqs[id] = respChan
	c.pendingMu.Unlock()

	if err := c.enqueue(ctx, data); err != nil {
		c.cleanupPendingRequest(id)
		return nil, err
	}

	select {
	case resp := <-respChan:
		return resp.result, resp.err
	case <-ctx.Done():
		c.cleanupPendingRequest(id)
		return nil, ctx.Err()
	}
}

// ID asks the bus for this client's peer id.
func (c *Client) ID(ctx context.Context) (string, error) {
	result, err := c.Request(ctx, msgbus.ServerTarget, "getid", nil)
	if err != nil {
		return "", err
	}

	var id string
	if err := json.Unmarshal(result, &id); err != nil {
		return "", fmt.Errorf("unexpected getid result %s: %w", result, err)
	}
	return id, nil
}

// Peers asks the bus for every other peer id and its connection query parameters.
func (c *Client) Peers(ctx context.Context) (map[string]map[string]any, error) {
	result, err := c.Request(ctx, msgbus.ServerTarget, "getpeers", nil)
	if err != nil {
		return nil, err
	}

	var peers map[string]map[string]any
	if err := json.Unmarshal(result, &peers); err != nil {
		return nil, fmt.Errorf("unexpected getpeers result %s: %w", result, err)
	}
	return peers, nil
}

// Broadcast sends method to every other peer on the bus.
func (c *Client) Broadcast(ctx context.Context, method string, params any) error {
	rawParams, err := encodeParams(params)
	if err != nil {
		return err
	}

	data, err := json.Marshal(msgbus.Envelope{
		Version: msgbus.ProtocolVersion,
		Method:  msgbus.MethodName(method),
		Params:  rawParams,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal broadcast: %w", err)
	}

	return c.enqueue(ctx, data)
}

// Respond answers a request delivered to the handler. A non-nil failure is sent
// as {"message": failure.Error()} in place of result. Requests that arrived
// without an id cannot be answered and are ignored.
func (c *Client) Respond(req *msgbus.Request, result any, failure error) error {
	if req.ID == nil {
		return nil
	}
	if c.ctx == nil {
		return ErrNotConnected
	}

	envelope := msgbus.Envelope{Version: msgbus.ProtocolVersion, ID: req.ID}
	if failure != nil {
		payload, err := json.Marshal(msgbus.ErrorPayload{Message: failure.Error()})
		if err != nil {
			return fmt.Errorf("failed to marshal error: %w", err)
		}
		envelope.Error = payload
	} else {
		payload, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to marshal result: %w", err)
		}
		envelope.Result = payload
	}

	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}

	select {
	case c.writeChannel <- data:
		return nil
	case <-c.ctx.Done():
		return ErrNotConnected
	default:
		return ErrWriteFull
	}
}

func encodeParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}
	return data, nil
}

func (c *Client) enqueue(ctx context.Context, data []byte) error {
	if c.ctx == nil || c.ctx.Err() != nil {
		return ErrNotConnected
	}

	select {
	case c.writeChannel <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return ErrNotConnected
	}
}

func (c *Client) cleanupPendingRequest(id string) (chan reply, bool) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	respChan, exists := c.pendingReqs[id]
	if exists {
		delete(c.pendingReqs, id)
	}
	return respChan, exists
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer close(c.done)

	for {
		_, data, err := conn.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() == nil && atomic.LoadInt32(&c.stopping) == 0 {
				c.logger.Warn("Message bus connection lost", zap.Error(err))
				c.connectionLost(err)
			}
			return
		}

		c.handleMessage(data)
	}
}

func (c *Client) writeLoop(conn *websocket.Conn) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case data := <-c.writeChannel:
			if err := conn.Write(c.ctx, websocket.MessageText, data); err != nil {
				if c.ctx.Err() == nil && atomic.LoadInt32(&c.stopping) == 0 {
					c.logger.Error("Failed to write to message bus", zap.Error(err))
					c.connectionLost(err)
				}
				return
			}
		}
	}
}

func (c *Client) handleMessage(data []byte) {
	if c.handleReply(data) {
		return
	}

	msg, err := msgbus.Parse(data)
	if err != nil {
		c.logger.Warn("Dropping message from bus", zap.Error(err))
		return
	}

	switch msg.(type) {
	case *msgbus.Broadcast, *msgbus.Request:
		if c.handler == nil {
			c.logger.Debug("No handler for message", zap.String("kind", string(msg.Kind())))
			return
		}
		c.handler(c.ctx, c, msg)
	default:
		c.logger.Debug("Ignoring unexpected message",
			zap.String("kind", string(msg.Kind())),
			zap.ByteString("id", msg.CorrelationID()),
		)
	}
}

// handleReply delivers a response to our own request. Returns false if data is
// not one.
func (c *Client) handleReply(data []byte) bool {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil || len(msg.ID) == 0 || msg.ID[0] != '"' {
		return false
	}
	if msg.Result == nil && msg.Error == nil {
		return false
	}

	var id string
	if err := json.Unmarshal(msg.ID, &id); err != nil {
		return false
	}

	respChan, exists := c.cleanupPendingRequest(id)
	if !exists {
		c.logger.Debug("Discarding response to unknown request", zap.String("request_id", id))
		return true
	}

	resp := reply{result: msg.Result}
	if msg.Error != nil {
		remote := &RemoteError{Raw: msg.Error}
		var payload msgbus.ErrorPayload
		if json.Unmarshal(msg.Error, &payload) == nil {
			remote.Message = payload.Message
		}
		resp.err = remote
	}

	select {
	case respChan <- resp:
	default:
	}
	return true
}
