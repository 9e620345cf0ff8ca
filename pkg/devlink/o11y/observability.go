// Package o11y declares the metrics and tracing interfaces the devlink components
// record into. Backends live in the otel and prom packages.
package o11y

import (
	"context"
)

// Config groups the optional observability providers handed to component builders.
type Config struct {
	MetricsProvider MetricsProvider
	TracingProvider TracingProvider
	ServiceName     string
}

// MetricsProvider abstracts metrics collection (OpenTelemetry, Prometheus, ...)
type MetricsProvider interface {
	Counter(name string) Counter
	Histogram(name string) Histogram
	Gauge(name string) Gauge
}

// TracingProvider abstracts distributed tracing
type TracingProvider interface {
	StartSpan(ctx context.Context, name string) (context.Context, Span)
}

// Counter represents a monotonically increasing metric
type Counter interface {
	Add(ctx context.Context, value int64, labels ...Label)
}

// Histogram records distribution of values
type Histogram interface {
	Record(ctx context.Context, value float64, labels ...Label)
}

// Gauge represents a value that can go up and down
type Gauge interface {
	Set(ctx context.Context, value float64, labels ...Label)
}

// Span represents a unit of work in a trace
type Span interface {
	SetAttributes(labels ...Label)
	SetStatus(code SpanStatusCode, description string)
	End()
}

// Label represents a key-value pair for metrics and tracing
type Label struct {
	Key   string
	Value string
}

// SpanStatusCode represents the status of a span
type SpanStatusCode int

const (
	SpanStatusUnset SpanStatusCode = iota
	SpanStatusOK
	SpanStatusError
)

// StartSpan starts a span on provider, or returns ctx and a no-op span when
// provider is nil.
func StartSpan(ctx context.Context, provider TracingProvider, name string) (context.Context, Span) {
	if provider == nil {
		return ctx, nopSpan{}
	}
	return provider.StartSpan(ctx, name)
}

type nopSpan struct{}

func (nopSpan) SetAttributes(labels ...Label)                     {}
func (nopSpan) SetStatus(code SpanStatusCode, description string) {}
func (nopSpan) End()                                              {}
