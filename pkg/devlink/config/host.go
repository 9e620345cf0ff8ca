package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/tsarna/devlink/pkg/devlink/msgbus"
	"github.com/tsarna/devlink/pkg/devlink/notify"
	"github.com/tsarna/devlink/pkg/devlink/o11y"
	"github.com/tsarna/devlink/pkg/devlink/otel"
	"github.com/tsarna/devlink/pkg/devlink/prom"
	"github.com/tsarna/devlink/pkg/devlink/symbolicate"
	"github.com/tsarna/devlink/pkg/devlink/tunnel"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	StatusPath       = "/status"
	SymbolicatePath  = "/symbolicate"
	ReloadPath       = "/reload"
	DevMenuPath      = "/devmenu"
	PackagerStatus   = "packager-status:running"
	maxSymbolicateIn = 16 << 20
)

type HostBuilder struct {
	config     *Config
	notifier   notify.Notifier
	httpClient *http.Client
	version    string
}

// Host serves the message bus, the debugger tunnel and the symbolicate
// endpoint from one HTTP listener.
type Host struct {
	Logger        *zap.Logger
	Config        *Config
	Bus           *msgbus.Bus
	Tunnel        *tunnel.Tunnel
	Symbolicator  *symbolicate.Symbolicator
	Observability o11y.Config

	handler http.Handler
	server  *http.Server
}

func NewHost(config *Config) *HostBuilder {
	return &HostBuilder{
		config:  config,
		version: "dev",
	}
}

func (b *HostBuilder) WithNotifier(notifier notify.Notifier) *HostBuilder {
	b.notifier = notifier
	return b
}

// WithHTTPClient sets the client used to fetch bundles and source maps.
func (b *HostBuilder) WithHTTPClient(client *http.Client) *HostBuilder {
	b.httpClient = client
	return b
}

// WithVersion sets the instrumentation version reported to OpenTelemetry.
func (b *HostBuilder) WithVersion(version string) *HostBuilder {
	if version != "" {
		b.version = version
	}
	return b
}

func (b *HostBuilder) IsValid() error {
	if b.config == nil {
		return errors.New("config is required")
	}
	return nil
}

func (b *HostBuilder) Build() (*Host, error) {
	if err := b.IsValid(); err != nil {
		return nil, err
	}

	config := b.config
	host := &Host{
		Logger: config.Logger,
		Config: config,
	}

	var metricsHandler http.Handler

	switch config.Metrics.Provider {
	case MetricsPrometheus:
		provider := prom.NewProvider(config.Metrics.ServiceName)
		host.Observability.MetricsProvider = provider
		metricsHandler = provider.Handler()
	case MetricsOtel:
		provider := otel.NewProvider(config.Metrics.ServiceName, b.version)
		host.Observability.MetricsProvider = provider
		host.Observability.TracingProvider = provider
	}
	host.Observability.ServiceName = config.Metrics.ServiceName

	busBuilder := msgbus.NewBus().
		WithLogger(config.Logger.Named("msgbus")).
		WithNotifier(b.notifier).
		WithMetrics(host.Observability.MetricsProvider).
		WithOriginPatterns(originHosts(config.Server.AllowedOrigins)...)
	if config.Server.QueueSize > 0 {
		busBuilder = busBuilder.WithQueueSize(config.Server.QueueSize)
	}
	if config.Server.HasPingInterval {
		busBuilder = busBuilder.WithPingInterval(config.Server.PingInterval)
	}
	if config.Server.WriteTimeout > 0 {
		busBuilder = busBuilder.WithWriteTimeout(config.Server.WriteTimeout)
	}

	var err error
	host.Bus, err = busBuilder.Build()
	if err != nil {
		return nil, fmt.Errorf("building message bus: %w", err)
	}

	tunnelBuilder := tunnel.NewTunnel().
		WithLogger(config.Logger.Named("tunnel")).
		WithMetrics(host.Observability.MetricsProvider).
		WithOriginPatterns(originHosts(config.Server.AllowedOrigins)...)
	if config.Server.WriteTimeout > 0 {
		tunnelBuilder = tunnelBuilder.WithWriteTimeout(config.Server.WriteTimeout)
	}

	host.Tunnel, err = tunnelBuilder.Build()
	if err != nil {
		return nil, fmt.Errorf("building debugger tunnel: %w", err)
	}

	customizer, err := config.Customizer()
	if err != nil {
		return nil, fmt.Errorf("building frame customizer: %w", err)
	}

	fetcher := symbolicate.NewHTTPFetcher(b.httpClient)
	host.Symbolicator, err = symbolicate.NewSymbolicator().
		WithLogger(config.Logger.Named("symbolicate")).
		WithSourceMapFetcher(fetcher).
		WithSourceFetcher(fetcher).
		WithCustomizer(customizer).
		WithMetrics(host.Observability.MetricsProvider).
		WithTracing(host.Observability.TracingProvider).
		WithMaxConcurrency(config.Symbolicator.MaxConcurrency).
		WithFetchTimeout(config.Symbolicator.FetchTimeout).
		Build()
	if err != nil {
		return nil, fmt.Errorf("building symbolicator: %w", err)
	}

	host.handler = host.routes(metricsHandler)
	host.server = &http.Server{
		Addr:              config.Server.Listen,
		Handler:           host.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return host, nil
}

func (h *Host) routes(metricsHandler http.Handler) http.Handler {
	r := chi.NewRouter()

	if len(h.Config.Server.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: h.Config.Server.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"*"},
		}))
	}
	r.Use(NewLoggingMiddleware(h.Logger.Named("http")))

	r.Handle(h.Config.Server.MessagePath, h.Bus)
	r.Handle(h.Config.Server.DebuggerPath, h.Tunnel)

	r.Get(StatusPath, h.handleStatus)
	r.Post(SymbolicatePath, h.handleSymbolicate)
	r.Post(ReloadPath, h.broadcastHandler("reload"))
	r.Post(DevMenuPath, h.broadcastHandler("devMenu"))

	if metricsHandler != nil {
		r.Handle(h.Config.Metrics.Path, metricsHandler)
	}

	return r
}

// Handler returns the host's router, for serving from an existing server or a test.
func (h *Host) Handler() http.Handler {
	return h.handler
}

// Start listens on the configured address and serves until Shutdown. It
// returns nil after a graceful shutdown.
func (h *Host) Start() error {
	listener, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", h.server.Addr, err)
	}
	return h.Serve(listener)
}

func (h *Host) Serve(listener net.Listener) error {
	h.Logger.Info("Serving",
		zap.String("addr", listener.Addr().String()),
		zap.String("message_path", h.Config.Server.MessagePath),
		zap.String("debugger_path", h.Config.Server.DebuggerPath))

	if err := h.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// WatchSignals broadcasts the configured signal methods on the bus until ctx
// is done.
func (h *Host) WatchSignals(ctx context.Context) {
	NewSignalWatcher(h.Logger.Named("signals"), h.Bus, h.Config.SignalBroadcasts).Run(ctx)
}

// Shutdown closes bus peers and tunnel endpoints with going-away, then stops
// the HTTP server. Hijacked websocket connections are not tracked by
// http.Server, so the components are shut down first.
func (h *Host) Shutdown(ctx context.Context) error {
	h.Logger.Info("Shutting down")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return h.Bus.Shutdown(gctx) })
	g.Go(func() error { return h.Tunnel.Shutdown(gctx) })
	componentErr := g.Wait()

	if err := h.server.Shutdown(ctx); err != nil {
		return err
	}
	return componentErr
}

func (h *Host) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte(PackagerStatus))
}

func (h *Host) broadcastHandler(method string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := h.Bus.Broadcast(method, nil); err != nil {
			h.Logger.Error("Broadcast failed", zap.String("method", method), zap.Error(err))
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

type symbolicateRequest struct {
	Stack []symbolicate.StackFrame `json:"stack"`
}

func (h *Host) handleSymbolicate(w http.ResponseWriter, r *http.Request) {
	var req symbolicateRequest

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSymbolicateIn))
	if err := decoder.Decode(&req); err != nil {
		h.Logger.Warn("Invalid symbolicate request", zap.Error(err))
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	result, err := h.Symbolicator.Process(r.Context(), req.Stack)
	if err != nil {
		h.Logger.Warn("Symbolication aborted", zap.Error(err))
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}
	if result.Stack == nil {
		result.Stack = []symbolicate.StackFrame{}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(result); err != nil {
		h.Logger.Error("Failed to write symbolicate response", zap.Error(err))
	}
}

// originHosts turns CORS origins such as http://localhost:8081 into the host
// patterns the websocket handshake matches Origin headers against.
func originHosts(origins []string) []string {
	hosts := make([]string, 0, len(origins))
	for _, origin := range origins {
		if u, err := url.Parse(origin); err == nil && u.Host != "" {
			hosts = append(hosts, u.Host)
		} else {
			hosts = append(hosts, origin)
		}
	}
	return hosts
}
