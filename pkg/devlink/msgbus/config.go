package msgbus

import (
	"fmt"
	"time"

	"github.com/tsarna/devlink/pkg/devlink/notify"
	"github.com/tsarna/devlink/pkg/devlink/o11y"
	"go.uber.org/zap"
)

// BusConfig holds the configuration for creating a message Bus.
// Use NewBus() to create a new configuration and chain methods
// to set optional parameters before calling Build().
type BusConfig struct {
	logger          *zap.Logger
	notifier        notify.Notifier
	metricsProvider o11y.MetricsProvider
	queueSize       int
	pingInterval    time.Duration
	writeTimeout    time.Duration
	readLimit       int64
	originPatterns  []string
}

const (
	// DefaultQueueSize is the default number of outbound messages buffered per peer.
	DefaultQueueSize = 256

	// DefaultPingInterval is the default interval for sending WebSocket ping frames.
	DefaultPingInterval = 30 * time.Second

	// DefaultWriteTimeout is the default timeout for writing one message to a peer.
	DefaultWriteTimeout = 10 * time.Second

	// DefaultReadLimit is the default maximum size of an inbound message in bytes.
	DefaultReadLimit = 1 << 20
)

// NewBus creates a new BusConfig for building a message Bus.
//
// Example:
//
//	bus, err := msgbus.NewBus().
//	    WithLogger(logger).
//	    WithNotifier(notify.NewLogNotifier(logger)).
//	    WithPingInterval(15 * time.Second).
//	    Build()
//	http.Handle("/message", bus)
func NewBus() *BusConfig {
	return &BusConfig{
		logger:       zap.NewNop(),
		queueSize:    DefaultQueueSize,
		pingInterval: DefaultPingInterval,
		writeTimeout: DefaultWriteTimeout,
		readLimit:    DefaultReadLimit,
	}
}

// WithLogger sets the Logger for the Bus. A nil logger is ignored.
func (c *BusConfig) WithLogger(logger *zap.Logger) *BusConfig {
	if logger != nil {
		c.logger = logger
	}
	return c
}

// WithNotifier sets the Notifier told about broadcasts that reached nobody.
//
// Default: a notify.LogNotifier on the bus logger
func (c *BusConfig) WithNotifier(notifier notify.Notifier) *BusConfig {
	c.notifier = notifier
	return c
}

// WithMetrics sets the metrics provider for the Bus.
func (c *BusConfig) WithMetrics(provider o11y.MetricsProvider) *BusConfig {
	c.metricsProvider = provider
	return c
}

// WithQueueSize sets how many outbound messages can be buffered per peer before
// sends to that peer start failing. Must be positive.
//
// Default: 256 messages per peer
func (c *BusConfig) WithQueueSize(size int) *BusConfig {
	if size > 0 {
		c.queueSize = size
	}
	return c
}

// WithPingInterval sets the interval for sending WebSocket ping frames.
// Set to 0 to disable ping/pong health monitoring.
//
// Default: 30 seconds
func (c *BusConfig) WithPingInterval(interval time.Duration) *BusConfig {
	if interval >= 0 {
		c.pingInterval = interval
	}
	return c
}

// WithWriteTimeout sets the timeout for writing one message to a peer.
//
// Default: 10 seconds
func (c *BusConfig) WithWriteTimeout(timeout time.Duration) *BusConfig {
	if timeout > 0 {
		c.writeTimeout = timeout
	}
	return c
}

// WithReadLimit sets the maximum inbound message size in bytes.
//
// Default: 1 MiB
func (c *BusConfig) WithReadLimit(limit int64) *BusConfig {
	if limit > 0 {
		c.readLimit = limit
	}
	return c
}

// WithOriginPatterns sets host patterns (as understood by websocket.AcceptOptions)
// that are allowed to connect cross-origin. Requests without an Origin header,
// which is what devices send, are always accepted.
func (c *BusConfig) WithOriginPatterns(patterns ...string) *BusConfig {
	c.originPatterns = append([]string(nil), patterns...)
	return c
}

// IsValid checks if the configuration is usable.
// Returns nil if the configuration is valid, or an error describing the problem.
func (c *BusConfig) IsValid() error {
	var problems []string
	if c.logger == nil {
		problems = append(problems, "logger is nil")
	}
	if c.queueSize <= 0 {
		problems = append(problems, "queue size must be positive")
	}
	if c.writeTimeout <= 0 {
		problems = append(problems, "write timeout must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid bus configuration: %v", problems)
	}

	return nil
}

// Build creates a new Bus from the configuration.
func (c *BusConfig) Build() (*Bus, error) {
	if err := c.IsValid(); err != nil {
		return nil, err
	}

	if c.notifier == nil {
		c.notifier = notify.NewLogNotifier(c.logger)
	}

	return newBus(c), nil
}
