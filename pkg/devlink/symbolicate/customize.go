package symbolicate

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/itchyny/gojq"
	"go.uber.org/zap"
)

// CollapsePatterns returns a customizer that collapses frames whose file
// matches any of patterns.
func CollapsePatterns(patterns ...*regexp.Regexp) FrameCustomizer {
	return func(frame StackFrame) StackFrame {
		for _, p := range patterns {
			if p.MatchString(frame.File) {
				frame.Collapse = true
				break
			}
		}
		return frame
	}
}

// Chain applies customizers in order.
func Chain(customizers ...FrameCustomizer) FrameCustomizer {
	return func(frame StackFrame) StackFrame {
		for _, c := range customizers {
			if c != nil {
				frame = c(frame)
			}
		}
		return frame
	}
}

// JQCustomizer returns a customizer that runs a jq query against each frame,
// seen as its JSON object. The first result decides what happens:
//
//   - a boolean sets collapse
//   - an object replaces the frame (fields it lacks are cleared)
//   - null, no result, or an error leaves the frame unchanged
//
// Examples:
//
//	.file | test("/node_modules/")
//	.methodName == "__callFunction"
//	.collapse = (.file | endswith("/InitializeCore.js"))
//
// Runtime errors are logged to logger when it is non-nil.
func JQCustomizer(jqQuery string, logger *zap.Logger) (FrameCustomizer, error) {
	query, err := gojq.Parse(jqQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JQ query '%s': %w", jqQuery, err)
	}

	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("failed to compile JQ query '%s': %w", jqQuery, err)
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	return func(frame StackFrame) StackFrame {
		input, err := frameToMap(frame)
		if err != nil {
			logger.Error("JQ customizer: failed to convert frame", zap.Error(err))
			return frame
		}

		iter := code.RunWithContext(context.Background(), input)
		result, ok := iter.Next()
		if !ok {
			return frame
		}

		switch v := result.(type) {
		case error:
			logger.Error("JQ customizer: JQ execution error",
				zap.String("jq_query", jqQuery),
				zap.String("file", frame.File),
				zap.Error(v))
			return frame
		case bool:
			frame.Collapse = v
			return frame
		case map[string]any:
			replaced, err := mapToFrame(v)
			if err != nil {
				logger.Error("JQ customizer: result is not a frame",
					zap.String("jq_query", jqQuery),
					zap.Error(err))
				return frame
			}
			return replaced
		case nil:
			return frame
		default:
			logger.Warn("JQ customizer: ignoring result",
				zap.String("jq_query", jqQuery),
				zap.String("result_type", fmt.Sprintf("%T", v)))
			return frame
		}
	}, nil
}

// frameToMap converts a frame to the plain JSON value types gojq operates on.
func frameToMap(frame StackFrame) (map[string]any, error) {
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, err
	}

	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func mapToFrame(m map[string]any) (StackFrame, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return StackFrame{}, err
	}

	var frame StackFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return StackFrame{}, err
	}
	return frame, nil
}
