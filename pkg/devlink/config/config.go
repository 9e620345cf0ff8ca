package config

import (
	"regexp"
	"syscall"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/tsarna/devlink/pkg/devlink/config/functions"
	"github.com/tsarna/devlink/pkg/devlink/symbolicate"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"go.uber.org/zap"
)

const (
	DefaultListen       = ":8081"
	DefaultMessagePath  = "/message"
	DefaultDebuggerPath = "/debugger-proxy"
	DefaultMetricsPath  = "/metrics"
	DefaultServiceName  = "devlink"
	DefaultFetchTimeout = 10 * time.Second
)

const (
	MetricsPrometheus = "prometheus"
	MetricsOtel       = "otel"
	MetricsNone       = "none"
)

type ConfigBuilder struct {
	logger  *zap.Logger
	sources []any
}

// ServerSettings describes the HTTP host and the two socket endpoints it mounts.
// Zero values for QueueSize, PingInterval and WriteTimeout leave the component
// defaults in place unless the corresponding Has flag is set.
type ServerSettings struct {
	Listen          string
	MessagePath     string
	DebuggerPath    string
	QueueSize       int
	PingInterval    time.Duration
	HasPingInterval bool
	WriteTimeout    time.Duration
	AllowedOrigins  []string
	DefRange        hcl.Range
}

type SymbolicatorSettings struct {
	FetchTimeout     time.Duration
	MaxConcurrency   int
	CollapsePatterns []*regexp.Regexp
	CollapseQuery    string
	DefRange         hcl.Range
}

type MetricsSettings struct {
	Provider    string
	Path        string
	ServiceName string
	DefRange    hcl.Range
}

type Config struct {
	Logger    *zap.Logger
	Functions map[string]function.Function
	Constants map[string]cty.Value
	evalCtx   *hcl.EvalContext

	Server       ServerSettings
	Symbolicator SymbolicatorSettings
	Metrics      MetricsSettings

	// SignalBroadcasts maps a signal to the method broadcast when it arrives.
	SignalBroadcasts map[syscall.Signal]string
}

func NewConfig() *ConfigBuilder {
	return &ConfigBuilder{
		sources: make([]any, 0),
	}
}

func (cb *ConfigBuilder) WithLogger(logger *zap.Logger) *ConfigBuilder {
	cb.logger = logger
	return cb
}

// WithSources adds configuration sources: file paths, directories (searched
// recursively for .hcl files), or raw HCL as []byte.
func (cb *ConfigBuilder) WithSources(sources ...any) *ConfigBuilder {
	cb.sources = append(cb.sources, sources...)
	return cb
}

func (cb *ConfigBuilder) Build() (*Config, hcl.Diagnostics) {
	logger := cb.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	config := &Config{
		Logger:       logger,
		Functions:    functions.GetStandardLibraryFunctions(),
		Constants:    make(map[string]cty.Value),
		Server:       defaultServerSettings(),
		Symbolicator: defaultSymbolicatorSettings(),
		Metrics:      defaultMetricsSettings(),
	}

	bodies, diags := ParseConfigFiles(cb.sources...)
	if diags.HasErrors() {
		return nil, diags
	}

	blocks, addDiags := GetBlocks(bodies)
	diags = diags.Extend(addDiags)
	if diags.HasErrors() {
		return nil, diags
	}

	config.Constants["env"] = GetEnvObject()

	config.evalCtx = &hcl.EvalContext{
		Functions: config.Functions,
		Variables: config.Constants,
	}

	blockHandlers := GetBlockHandlers()

	for _, block := range blocks {
		if handler, ok := blockHandlers[block.Type]; ok {
			diags = diags.Extend(handler.Process(config, block))
		}
	}

	if diags.HasErrors() {
		return nil, diags
	}

	config.Logger.Info("Config built successfully",
		zap.String("listen", config.Server.Listen),
		zap.String("metrics_provider", config.Metrics.Provider))

	return config, diags
}

// Customizer builds the frame customizer described by the symbolicator block,
// or nil when the block asks for none.
func (c *Config) Customizer() (symbolicate.FrameCustomizer, error) {
	var customizers []symbolicate.FrameCustomizer

	// The query runs first: a boolean result sets collapse either way, while
	// patterns only ever set it.
	if c.Symbolicator.CollapseQuery != "" {
		customizer, err := symbolicate.JQCustomizer(c.Symbolicator.CollapseQuery, c.Logger)
		if err != nil {
			return nil, err
		}
		customizers = append(customizers, customizer)
	}

	if len(c.Symbolicator.CollapsePatterns) > 0 {
		customizers = append(customizers, symbolicate.CollapsePatterns(c.Symbolicator.CollapsePatterns...))
	}

	if len(customizers) == 0 {
		return nil, nil
	}

	return symbolicate.Chain(customizers...), nil
}

func defaultServerSettings() ServerSettings {
	return ServerSettings{
		Listen:       DefaultListen,
		MessagePath:  DefaultMessagePath,
		DebuggerPath: DefaultDebuggerPath,
	}
}

func defaultSymbolicatorSettings() SymbolicatorSettings {
	return SymbolicatorSettings{
		FetchTimeout:   DefaultFetchTimeout,
		MaxConcurrency: symbolicate.DefaultMaxConcurrency,
	}
}

func defaultMetricsSettings() MetricsSettings {
	return MetricsSettings{
		Provider:    MetricsPrometheus,
		Path:        DefaultMetricsPath,
		ServiceName: DefaultServiceName,
	}
}
