package symbolicate

import (
	"context"
	"time"

	"github.com/tsarna/devlink/pkg/devlink/o11y"
)

// SymbolicatorMetrics records symbolication activity. A nil value records nothing.
type SymbolicatorMetrics struct {
	requests       o11y.Counter
	duration       o11y.Histogram
	frames         o11y.Counter
	fetchFailures  o11y.Counter
	codeFrameFails o11y.Counter
}

// NewSymbolicatorMetrics creates the instruments on provider. Returns nil for a nil provider.
func NewSymbolicatorMetrics(provider o11y.MetricsProvider) *SymbolicatorMetrics {
	if provider == nil {
		return nil
	}

	return &SymbolicatorMetrics{
		requests:       provider.Counter("symbolicate_requests_total"),
		duration:       provider.Histogram("symbolicate_duration_seconds"),
		frames:         provider.Counter("symbolicate_frames_total"),
		fetchFailures:  provider.Counter("symbolicate_fetch_failures_total"),
		codeFrameFails: provider.Counter("symbolicate_code_frame_failures_total"),
	}
}

func (m *SymbolicatorMetrics) RecordRequest(ctx context.Context, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.Add(ctx, 1)
	m.duration.Record(ctx, elapsed.Seconds())
}

// RecordFrame records one output frame; outcome is "resolved" or "unresolved".
func (m *SymbolicatorMetrics) RecordFrame(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.frames.Add(ctx, 1, o11y.Label{Key: "outcome", Value: outcome})
}

// RecordFetchFailure records a source map that could not be fetched or parsed.
func (m *SymbolicatorMetrics) RecordFetchFailure(ctx context.Context, stage string) {
	if m == nil {
		return
	}
	m.fetchFailures.Add(ctx, 1, o11y.Label{Key: "stage", Value: stage})
}

func (m *SymbolicatorMetrics) RecordCodeFrameFailure(ctx context.Context) {
	if m == nil {
		return
	}
	m.codeFrameFails.Add(ctx, 1)
}
