// Package symbolicate maps minified JavaScript stack frames back to their
// original sources using the bundle's source maps.
package symbolicate

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/go-sourcemap/sourcemap"
	"github.com/tsarna/devlink/pkg/devlink/o11y"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultMaxConcurrency bounds how many source maps one Process call fetches at once.
const DefaultMaxConcurrency = 4

var candidateFile = regexp.MustCompile(`^https?://`)

// SymbolicatorConfig holds the configuration for creating a Symbolicator.
type SymbolicatorConfig struct {
	logger           *zap.Logger
	sourceMapFetcher SourceMapFetcher
	sourceFetcher    SourceFetcher
	customizer       FrameCustomizer
	metricsProvider  o11y.MetricsProvider
	tracingProvider  o11y.TracingProvider
	maxConcurrency   int
	fetchTimeout     time.Duration
}

// NewSymbolicator creates a new SymbolicatorConfig.
//
// Example:
//
//	fetcher := symbolicate.NewHTTPFetcher(nil)
//	s, err := symbolicate.NewSymbolicator().
//	    WithSourceMapFetcher(fetcher).
//	    WithSourceFetcher(fetcher).
//	    WithCustomizer(symbolicate.CollapsePatterns(nodeModules)).
//	    Build()
func NewSymbolicator() *SymbolicatorConfig {
	return &SymbolicatorConfig{
		logger:         zap.NewNop(),
		maxConcurrency: DefaultMaxConcurrency,
	}
}

func (c *SymbolicatorConfig) WithLogger(logger *zap.Logger) *SymbolicatorConfig {
	if logger != nil {
		c.logger = logger
	}
	return c
}

func (c *SymbolicatorConfig) WithSourceMapFetcher(fetcher SourceMapFetcher) *SymbolicatorConfig {
	c.sourceMapFetcher = fetcher
	return c
}

func (c *SymbolicatorConfig) WithSourceFetcher(fetcher SourceFetcher) *SymbolicatorConfig {
	c.sourceFetcher = fetcher
	return c
}

// WithCustomizer sets the customizer applied to every resolved frame.
func (c *SymbolicatorConfig) WithCustomizer(customizer FrameCustomizer) *SymbolicatorConfig {
	c.customizer = customizer
	return c
}

func (c *SymbolicatorConfig) WithMetrics(provider o11y.MetricsProvider) *SymbolicatorConfig {
	c.metricsProvider = provider
	return c
}

func (c *SymbolicatorConfig) WithTracing(provider o11y.TracingProvider) *SymbolicatorConfig {
	c.tracingProvider = provider
	return c
}

// WithMaxConcurrency bounds the source map fetches a single Process call runs at once.
func (c *SymbolicatorConfig) WithMaxConcurrency(n int) *SymbolicatorConfig {
	if n > 0 {
		c.maxConcurrency = n
	}
	return c
}

// WithFetchTimeout bounds each individual fetch. Zero leaves fetches bounded
// only by the caller's context.
func (c *SymbolicatorConfig) WithFetchTimeout(timeout time.Duration) *SymbolicatorConfig {
	if timeout >= 0 {
		c.fetchTimeout = timeout
	}
	return c
}

// IsValid checks if the configuration is usable.
func (c *SymbolicatorConfig) IsValid() error {
	if c.sourceMapFetcher == nil {
		return fmt.Errorf("source map fetcher is required")
	}
	if c.sourceFetcher == nil {
		return fmt.Errorf("source fetcher is required")
	}
	if c.maxConcurrency <= 0 {
		return fmt.Errorf("max concurrency must be positive")
	}
	return nil
}

// Build creates a new Symbolicator from the configuration.
func (c *SymbolicatorConfig) Build() (*Symbolicator, error) {
	if err := c.IsValid(); err != nil {
		return nil, err
	}

	customizer := c.customizer
	if customizer == nil {
		customizer = func(f StackFrame) StackFrame { return f }
	}

	return &Symbolicator{
		logger:           c.logger,
		sourceMapFetcher: c.sourceMapFetcher,
		sourceFetcher:    c.sourceFetcher,
		customizer:       customizer,
		metrics:          NewSymbolicatorMetrics(c.metricsProvider),
		tracing:          c.tracingProvider,
		maxConcurrency:   c.maxConcurrency,
		fetchTimeout:     c.fetchTimeout,
	}, nil
}

// Symbolicator resolves stack frames through source maps. It keeps no state
// between calls; each Process call fetches the maps it needs and drops them
// before returning.
type Symbolicator struct {
	logger           *zap.Logger
	sourceMapFetcher SourceMapFetcher
	sourceFetcher    SourceFetcher
	customizer       FrameCustomizer
	metrics          *SymbolicatorMetrics
	tracing          o11y.TracingProvider
	maxConcurrency   int
	fetchTimeout     time.Duration
}

// Process symbolicates stack. Frames that cannot be resolved are returned
// unchanged; the only errors are those of ctx.
func (s *Symbolicator) Process(ctx context.Context, stack []StackFrame) (*Result, error) {
	start := time.Now()
	ctx, span := o11y.StartSpan(ctx, s.tracing, "symbolicate.Process")
	defer span.End()

	consumers := s.loadConsumers(ctx, stack)
	defer clear(consumers)

	if err := ctx.Err(); err != nil {
		span.SetStatus(o11y.SpanStatusError, err.Error())
		return nil, err
	}

	resolved := make([]StackFrame, len(stack))
	resolvedCount := 0
	for i, frame := range stack {
		out, ok := resolve(frame, consumers)
		if ok {
			out = s.customizer(out)
			resolvedCount++
			s.metrics.RecordFrame(ctx, "resolved")
		} else {
			s.metrics.RecordFrame(ctx, "unresolved")
		}
		resolved[i] = out
	}

	result := &Result{
		Stack:     resolved,
		CodeFrame: s.firstCodeFrame(ctx, resolved),
	}

	span.SetAttributes(
		o11y.Label{Key: "frames", Value: fmt.Sprint(len(stack))},
		o11y.Label{Key: "resolved", Value: fmt.Sprint(resolvedCount)},
	)
	span.SetStatus(o11y.SpanStatusOK, "")
	s.metrics.RecordRequest(ctx, time.Since(start))

	return result, nil
}

// loadConsumers fetches and parses one source map per distinct http(s) file in
// stack. Files whose map cannot be had are simply absent from the result.
func (s *Symbolicator) loadConsumers(ctx context.Context, stack []StackFrame) map[string]*sourcemap.Consumer {
	consumers := make(map[string]*sourcemap.Consumer)

	seen := make(map[string]bool)
	var files []string
	for _, frame := range stack {
		if candidateFile.MatchString(frame.File) && !seen[frame.File] {
			seen[frame.File] = true
			files = append(files, frame.File)
		}
	}
	if len(files) == 0 {
		return consumers
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.maxConcurrency)

	for _, file := range files {
		g.Go(func() error {
			consumer, err := s.loadConsumer(gctx, file)
			if err != nil {
				s.logger.Warn("Failed to load source map",
					zap.String("file", file),
					zap.Error(err),
				)
				return nil
			}

			mu.Lock()
			consumers[file] = consumer
			mu.Unlock()
			return nil
		})
	}

	_ = g.Wait()
	return consumers
}

func (s *Symbolicator) loadConsumer(ctx context.Context, file string) (*sourcemap.Consumer, error) {
	if s.fetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.fetchTimeout)
		defer cancel()
	}

	data, err := s.sourceMapFetcher.FetchSourceMap(ctx, file)
	if err != nil {
		s.metrics.RecordFetchFailure(ctx, "fetch")
		return nil, err
	}

	consumer, err := sourcemap.Parse("", data)
	if err != nil {
		s.metrics.RecordFetchFailure(ctx, "parse")
		return nil, err
	}
	return consumer, nil
}

// resolve maps frame through its file's consumer. It returns the original
// frame with Collapse cleared and false on any miss.
func resolve(frame StackFrame, consumers map[string]*sourcemap.Consumer) (StackFrame, bool) {
	frame.Collapse = false

	if !frame.HasPosition() {
		return frame, false
	}

	consumer, ok := consumers[frame.File]
	if !ok {
		return frame, false
	}

	source, name, line, column, ok := consumer.Source(*frame.LineNumber, *frame.Column)
	if !ok {
		return frame, false
	}

	methodName := name
	if methodName == "" {
		methodName = frame.MethodName
	}

	return StackFrame{
		LineNumber: intPtr(line),
		Column:     intPtr(column),
		File:       source,
		MethodName: methodName,
	}, true
}

// firstCodeFrame renders a code frame for the first frame that is not collapsed
// and has a position. Frames whose source cannot be read are skipped.
func (s *Symbolicator) firstCodeFrame(ctx context.Context, stack []StackFrame) *CodeFrame {
	for _, frame := range stack {
		if frame.Collapse || !frame.HasPosition() {
			continue
		}

		codeFrame, err := s.codeFrame(ctx, frame)
		if err != nil {
			s.logger.Debug("Failed to build code frame",
				zap.String("file", frame.File),
				zap.Error(err),
			)
			s.metrics.RecordCodeFrameFailure(ctx)
			continue
		}
		return codeFrame
	}
	return nil
}

func (s *Symbolicator) codeFrame(ctx context.Context, frame StackFrame) (*CodeFrame, error) {
	if s.fetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.fetchTimeout)
		defer cancel()
	}

	source, err := s.sourceFetcher.FetchSource(ctx, frame.File)
	if err != nil {
		return nil, err
	}

	content, err := renderCodeFrame(source, *frame.LineNumber, *frame.Column)
	if err != nil {
		return nil, err
	}

	return &CodeFrame{
		Content:  content,
		Location: CodeFrameLocation{Row: *frame.LineNumber, Column: *frame.Column},
		FileName: frame.File,
	}, nil
}
