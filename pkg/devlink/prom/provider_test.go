package prom

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsarna/devlink/pkg/devlink/o11y"
)

func TestProviderCaching(t *testing.T) {
	p := NewProvider("devlink")

	assert.Same(t, p.Counter("a_total"), p.Counter("a_total"))
	assert.Same(t, p.Histogram("b_seconds"), p.Histogram("b_seconds"))
	assert.Same(t, p.Gauge("c"), p.Gauge("c"))
}

func TestCounterWithLabels(t *testing.T) {
	ctx := context.Background()
	p := NewProvider("devlink")

	c := p.Counter("messages_total")
	c.Add(ctx, 1, o11y.Label{Key: "kind", Value: "request"})
	c.Add(ctx, 2, o11y.Label{Key: "kind", Value: "request"})
	c.Add(ctx, 1, o11y.Label{Key: "kind", Value: "broadcast"})
	// unknown label keys are dropped
	c.Add(ctx, 1, o11y.Label{Key: "kind", Value: "broadcast"}, o11y.Label{Key: "extra", Value: "x"})

	pc := c.(*promCounter)
	assert.Equal(t, float64(3), testutil.ToFloat64(pc.vec.WithLabelValues("request")))
	assert.Equal(t, float64(2), testutil.ToFloat64(pc.vec.WithLabelValues("broadcast")))
}

func TestGaugeAndHistogram(t *testing.T) {
	ctx := context.Background()
	p := NewProvider("")

	g := p.Gauge("peers_active")
	g.Set(ctx, 3)
	g.Set(ctx, 2)
	assert.Equal(t, float64(2), testutil.ToFloat64(g.(*promGauge).vec.WithLabelValues()))

	h := p.Histogram("fetch_seconds")
	h.Record(ctx, 0.5)
	h.Record(ctx, 1.5)
	count, err := testutil.GatherAndCount(p.Registry(), "fetch_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestHandlerExposesMetrics(t *testing.T) {
	p := NewProvider("devlink")
	p.Counter("broadcasts_total").Add(context.Background(), 1)

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "devlink_broadcasts_total 1")
}
