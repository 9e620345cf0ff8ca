package client

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/tsarna/devlink/pkg/devlink/msgbus"
	"go.uber.org/zap"
)

// Handler receives broadcasts and forwarded requests arriving at a Client. It
// runs on the client's read goroutine, so it must not block; answer requests
// with Client.Respond, which only queues.
type Handler func(ctx context.Context, c *Client, msg msgbus.Message)

// ClientBuilder provides a fluent interface for building message bus clients.
type ClientBuilder struct {
	url              string
	logger           *zap.Logger
	dialTimeout      time.Duration
	writeChannelSize int
	handler          Handler
	headers          map[string][]string
}

// NewClient creates a new message bus client builder.
func NewClient() *ClientBuilder {
	return &ClientBuilder{
		dialTimeout:      30 * time.Second,
		logger:           zap.NewNop(),
		writeChannelSize: 100,
	}
}

// WithURL sets the WebSocket URL of the bus, including any query parameters
// that should be reported to other peers through getpeers.
func (b *ClientBuilder) WithURL(url string) *ClientBuilder {
	b.url = url
	return b
}

// WithLogger sets the logger for the client.
func (b *ClientBuilder) WithLogger(logger *zap.Logger) *ClientBuilder {
	if logger != nil {
		b.logger = logger
	}
	return b
}

// WithDialTimeout sets the timeout for establishing the WebSocket connection.
func (b *ClientBuilder) WithDialTimeout(timeout time.Duration) *ClientBuilder {
	if timeout > 0 {
		b.dialTimeout = timeout
	}
	return b
}

// WithWriteChannelSize sets the buffer size for the internal write channel. Default is 100.
func (b *ClientBuilder) WithWriteChannelSize(size int) *ClientBuilder {
	if size > 0 {
		b.writeChannelSize = size
	}
	return b
}

// OnMessage sets the handler for inbound broadcasts and requests. Without a
// handler they are logged and dropped.
func (b *ClientBuilder) OnMessage(handler Handler) *ClientBuilder {
	b.handler = handler
	return b
}

// WithHeader adds an HTTP header value to the WebSocket handshake. Repeated
// calls with the same key add further values.
func (b *ClientBuilder) WithHeader(key, value string) *ClientBuilder {
	if b.headers == nil {
		b.headers = make(map[string][]string)
	}
	key = http.CanonicalHeaderKey(key)
	b.headers[key] = append(b.headers[key], value)
	return b
}

// Build creates and returns a new Client with the configured options.
func (b *ClientBuilder) Build() (*Client, error) {
	if err := b.IsValid(); err != nil {
		return nil, err
	}

	return &Client{
		url:              b.url,
		logger:           b.logger,
		dialTimeout:      b.dialTimeout,
		writeChannelSize: b.writeChannelSize,
		handler:          b.handler,
		headers:          b.headers,
	}, nil
}

// IsValid checks that all required configuration is present.
func (b *ClientBuilder) IsValid() error {
	if b.url == "" {
		return fmt.Errorf("URL is required")
	}

	if b.logger == nil {
		b.logger = zap.NewNop()
	}

	if b.dialTimeout <= 0 {
		b.dialTimeout = 30 * time.Second
	}

	if b.writeChannelSize <= 0 {
		b.writeChannelSize = 100
	}

	return nil
}
