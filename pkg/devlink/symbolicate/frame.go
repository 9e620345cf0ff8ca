package symbolicate

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
)

// StackFrame is one frame of a JavaScript stack trace. Positions are optional;
// LineNumber is 1-based and Column 0-based.
type StackFrame struct {
	LineNumber *int   `json:"lineNumber"`
	Column     *int   `json:"column"`
	File       string `json:"file"`
	MethodName string `json:"methodName"`
	Collapse   bool   `json:"collapse"`
}

// UnmarshalJSON accepts any JSON number with an integral value as a position.
// Fractional, out of range, or non-numeric positions decode as absent, so the
// frame is passed through unresolved instead of failing the whole stack.
func (f *StackFrame) UnmarshalJSON(data []byte) error {
	type plain StackFrame
	var raw struct {
		plain
		LineNumber json.RawMessage `json:"lineNumber"`
		Column     json.RawMessage `json:"column"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*f = StackFrame(raw.plain)
	f.LineNumber = position(raw.LineNumber)
	f.Column = position(raw.Column)
	return nil
}

func position(raw json.RawMessage) *int {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}

	var n float64
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil
	}
	if n != math.Trunc(n) || n < math.MinInt32 || n > math.MaxInt32 {
		return nil
	}
	return intPtr(int(n))
}

// HasPosition reports whether both LineNumber and Column are set.
func (f StackFrame) HasPosition() bool {
	return f.LineNumber != nil && f.Column != nil
}

// CodeFrameLocation is the position a code frame points at.
type CodeFrameLocation struct {
	Row    int `json:"row"`
	Column int `json:"column"`
}

// CodeFrame is a rendered excerpt of source around a frame's position.
type CodeFrame struct {
	Content  string            `json:"content"`
	Location CodeFrameLocation `json:"location"`
	FileName string            `json:"fileName"`
}

// Result is the output of Symbolicator.Process.
type Result struct {
	Stack     []StackFrame `json:"stack"`
	CodeFrame *CodeFrame   `json:"codeFrame"`
}

// SourceMapFetcher returns the raw source map for the bundle a frame's file
// refers to.
type SourceMapFetcher interface {
	FetchSourceMap(ctx context.Context, file string) ([]byte, error)
}

// SourceFetcher returns the text of a source file, used to render code frames.
type SourceFetcher interface {
	FetchSource(ctx context.Context, file string) ([]byte, error)
}

// SourceMapFetcherFunc adapts a function to SourceMapFetcher.
type SourceMapFetcherFunc func(ctx context.Context, file string) ([]byte, error)

func (f SourceMapFetcherFunc) FetchSourceMap(ctx context.Context, file string) ([]byte, error) {
	return f(ctx, file)
}

// SourceFetcherFunc adapts a function to SourceFetcher.
type SourceFetcherFunc func(ctx context.Context, file string) ([]byte, error)

func (f SourceFetcherFunc) FetchSource(ctx context.Context, file string) ([]byte, error) {
	return f(ctx, file)
}

// FrameCustomizer adjusts a resolved frame, typically to decide whether it is
// collapsed in the UI.
type FrameCustomizer func(StackFrame) StackFrame

func intPtr(v int) *int {
	return &v
}
