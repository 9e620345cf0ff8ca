package tunnel

import (
	"fmt"
	"time"

	"github.com/tsarna/devlink/pkg/devlink/o11y"
	"go.uber.org/zap"
)

const (
	// DefaultWriteTimeout is the default timeout for relaying one frame.
	DefaultWriteTimeout = 10 * time.Second

	// DefaultReadLimit is the default maximum frame size. Debugger traffic
	// includes heap snapshots and source text, so it is generous.
	DefaultReadLimit = 64 << 20
)

// TunnelConfig holds the configuration for creating a debugger Tunnel.
type TunnelConfig struct {
	logger          *zap.Logger
	metricsProvider o11y.MetricsProvider
	writeTimeout    time.Duration
	readLimit       int64
	originPatterns  []string
}

// NewTunnel creates a new TunnelConfig.
//
// Example:
//
//	tun, err := tunnel.NewTunnel().WithLogger(logger).Build()
//	http.Handle("/debugger-proxy", tun)
func NewTunnel() *TunnelConfig {
	return &TunnelConfig{
		logger:       zap.NewNop(),
		writeTimeout: DefaultWriteTimeout,
		readLimit:    DefaultReadLimit,
	}
}

// WithLogger sets the Logger for the Tunnel. A nil logger is ignored.
func (c *TunnelConfig) WithLogger(logger *zap.Logger) *TunnelConfig {
	if logger != nil {
		c.logger = logger
	}
	return c
}

// WithMetrics sets the metrics provider for the Tunnel.
func (c *TunnelConfig) WithMetrics(provider o11y.MetricsProvider) *TunnelConfig {
	c.metricsProvider = provider
	return c
}

// WithWriteTimeout sets the timeout for relaying one frame to the other side.
//
// Default: 10 seconds
func (c *TunnelConfig) WithWriteTimeout(timeout time.Duration) *TunnelConfig {
	if timeout > 0 {
		c.writeTimeout = timeout
	}
	return c
}

// WithReadLimit sets the maximum inbound frame size in bytes.
//
// Default: 64 MiB
func (c *TunnelConfig) WithReadLimit(limit int64) *TunnelConfig {
	if limit > 0 {
		c.readLimit = limit
	}
	return c
}

// WithOriginPatterns sets host patterns allowed to connect cross-origin. The
// debugger UI is usually served from the dev server's own origin, which is
// always allowed.
func (c *TunnelConfig) WithOriginPatterns(patterns ...string) *TunnelConfig {
	c.originPatterns = append([]string(nil), patterns...)
	return c
}

// IsValid checks if the configuration is usable.
func (c *TunnelConfig) IsValid() error {
	if c.logger == nil {
		return fmt.Errorf("logger is required")
	}
	if c.writeTimeout <= 0 {
		return fmt.Errorf("write timeout must be positive")
	}
	return nil
}

// Build creates a new Tunnel from the configuration.
func (c *TunnelConfig) Build() (*Tunnel, error) {
	if err := c.IsValid(); err != nil {
		return nil, err
	}
	return newTunnel(c), nil
}
