// Package prom provides a Prometheus implementation of the devlink metrics interfaces.
package prom

import (
	"context"
	"net/http"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tsarna/devlink/pkg/devlink/o11y"
)

// Provider implements o11y.MetricsProvider on a private Prometheus registry.
//
// Label names of a metric are fixed by the first observation; later observations
// are projected onto that label set (unknown keys dropped, missing keys empty).
type Provider struct {
	namespace string
	registry  *prometheus.Registry

	mu         sync.Mutex
	counters   map[string]*promCounter
	histograms map[string]*promHistogram
	gauges     map[string]*promGauge
}

// NewProvider creates a Provider whose metric names are prefixed with namespace
// (which may be empty).
func NewProvider(namespace string) *Provider {
	return &Provider{
		namespace:  namespace,
		registry:   prometheus.NewRegistry(),
		counters:   make(map[string]*promCounter),
		histograms: make(map[string]*promHistogram),
		gauges:     make(map[string]*promGauge),
	}
}

// Registry returns the underlying registry.
func (p *Provider) Registry() *prometheus.Registry {
	return p.registry
}

// Handler returns an http.Handler serving the registry in the Prometheus exposition format.
func (p *Provider) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func (p *Provider) Counter(name string) o11y.Counter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.counters[name]; ok {
		return c
	}
	c := &promCounter{provider: p, name: name}
	p.counters[name] = c
	return c
}

func (p *Provider) Histogram(name string) o11y.Histogram {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok := p.histograms[name]; ok {
		return h
	}
	h := &promHistogram{provider: p, name: name}
	p.histograms[name] = h
	return h
}

func (p *Provider) Gauge(name string) o11y.Gauge {
	p.mu.Lock()
	defer p.mu.Unlock()
	if g, ok := p.gauges[name]; ok {
		return g
	}
	g := &promGauge{provider: p, name: name}
	p.gauges[name] = g
	return g
}

// register registers c, returning the already registered collector if one exists.
func (p *Provider) register(c prometheus.Collector) prometheus.Collector {
	if err := p.registry.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
	}
	return c
}

func labelKeys(labels []o11y.Label) []string {
	keys := make([]string, 0, len(labels))
	for _, l := range labels {
		keys = append(keys, l.Key)
	}
	sort.Strings(keys)
	return keys
}

func labelValues(keys []string, labels []o11y.Label) prometheus.Labels {
	values := make(prometheus.Labels, len(keys))
	for _, k := range keys {
		values[k] = ""
	}
	for _, l := range labels {
		if _, ok := values[l.Key]; ok {
			values[l.Key] = l.Value
		}
	}
	return values
}

type promCounter struct {
	provider *Provider
	name     string

	once sync.Once
	keys []string
	vec  *prometheus.CounterVec
}

func (c *promCounter) Add(ctx context.Context, value int64, labels ...o11y.Label) {
	c.once.Do(func() {
		c.keys = labelKeys(labels)
		vec := prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: c.provider.namespace,
			Name:      c.name,
			Help:      c.name,
		}, c.keys)
		if existing, ok := c.provider.register(vec).(*prometheus.CounterVec); ok {
			vec = existing
		}
		c.vec = vec
	})
	c.vec.With(labelValues(c.keys, labels)).Add(float64(value))
}

type promHistogram struct {
	provider *Provider
	name     string

	once sync.Once
	keys []string
	vec  *prometheus.HistogramVec
}

func (h *promHistogram) Record(ctx context.Context, value float64, labels ...o11y.Label) {
	h.once.Do(func() {
		h.keys = labelKeys(labels)
		vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: h.provider.namespace,
			Name:      h.name,
			Help:      h.name,
			Buckets:   prometheus.DefBuckets,
		}, h.keys)
		if existing, ok := h.provider.register(vec).(*prometheus.HistogramVec); ok {
			vec = existing
		}
		h.vec = vec
	})
	h.vec.With(labelValues(h.keys, labels)).Observe(value)
}

type promGauge struct {
	provider *Provider
	name     string

	once sync.Once
	keys []string
	vec  *prometheus.GaugeVec
}

func (g *promGauge) Set(ctx context.Context, value float64, labels ...o11y.Label) {
	g.once.Do(func() {
		g.keys = labelKeys(labels)
		vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: g.provider.namespace,
			Name:      g.name,
			Help:      g.name,
		}, g.keys)
		if existing, ok := g.provider.register(vec).(*prometheus.GaugeVec); ok {
			vec = existing
		}
		g.vec = vec
	})
	g.vec.With(labelValues(g.keys, labels)).Set(value)
}
