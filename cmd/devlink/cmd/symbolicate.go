package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"regexp"
	"time"

	"github.com/spf13/cobra"
	"github.com/tsarna/devlink/pkg/devlink/symbolicate"
	"go.uber.org/zap"
)

// symbolicateCmd represents the symbolicate command
var symbolicateCmd = &cobra.Command{
	Use:   "symbolicate <stack.json|->",
	Short: "Map a bundled stack trace back to source",
	Long: `Symbolicate a stack trace without running a server.

The input is either {"stack":[...]} or a bare array of frames, each with file,
methodName, lineNumber and column. Source maps are fetched from the bundle URLs
in the frames (index.bundle?... becomes index.map?...). The result is printed
as {"stack":[...],"codeFrame":...}.

Examples:
  devlink symbolicate crash.json
  pbpaste | devlink symbolicate - --collapse '/node_modules/'`,
	Args: cobra.ExactArgs(1),
	RunE: runSymbolicate,
}

var (
	collapsePatterns []string
	collapseQuery    string
	symConcurrency   int
	symFetchTimeout  time.Duration
	symTimeout       time.Duration
)

func init() {
	rootCmd.AddCommand(symbolicateCmd)

	symbolicateCmd.Flags().StringArrayVar(&collapsePatterns, "collapse", nil, "collapse frames whose file matches this regexp (repeatable)")
	symbolicateCmd.Flags().StringVar(&collapseQuery, "collapse-query", "", "jq query deciding collapse for each resolved frame")
	symbolicateCmd.Flags().IntVar(&symConcurrency, "concurrency", symbolicate.DefaultMaxConcurrency, "maximum concurrent source map fetches")
	symbolicateCmd.Flags().DurationVar(&symFetchTimeout, "fetch-timeout", 10*time.Second, "timeout for each fetch")
	symbolicateCmd.Flags().DurationVar(&symTimeout, "timeout", time.Minute, "Total operation timeout")
}

// decodeStack accepts {"stack":[...]} or a bare frame array.
func decodeStack(data []byte) ([]symbolicate.StackFrame, error) {
	data = bytes.TrimSpace(data)

	var stack []symbolicate.StackFrame
	if len(data) > 0 && data[0] == '[' {
		if err := json.Unmarshal(data, &stack); err != nil {
			return nil, err
		}
		return stack, nil
	}

	var wrapped struct {
		Stack []symbolicate.StackFrame `json:"stack"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, err
	}
	return wrapped.Stack, nil
}

func buildCustomizer(logger *zap.Logger) (symbolicate.FrameCustomizer, error) {
	var customizers []symbolicate.FrameCustomizer

	if collapseQuery != "" {
		customizer, err := symbolicate.JQCustomizer(collapseQuery, logger)
		if err != nil {
			return nil, err
		}
		customizers = append(customizers, customizer)
	}

	var patterns []*regexp.Regexp
	for _, p := range collapsePatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid collapse pattern %q: %w", p, err)
		}
		patterns = append(patterns, re)
	}
	if len(patterns) > 0 {
		customizers = append(customizers, symbolicate.CollapsePatterns(patterns...))
	}

	return symbolicate.Chain(customizers...), nil
}

func runSymbolicate(cmd *cobra.Command, args []string) error {
	logger, err := setupLogger()
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer logger.Sync()

	var data []byte
	if args[0] == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(args[0])
	}
	if err != nil {
		return fmt.Errorf("failed to read stack: %w", err)
	}

	stack, err := decodeStack(data)
	if err != nil {
		return fmt.Errorf("failed to parse stack: %w", err)
	}

	customizer, err := buildCustomizer(logger)
	if err != nil {
		return err
	}

	fetcher := symbolicate.NewHTTPFetcher(nil)
	symbolicator, err := symbolicate.NewSymbolicator().
		WithLogger(logger).
		WithSourceMapFetcher(fetcher).
		WithSourceFetcher(fetcher).
		WithCustomizer(customizer).
		WithMaxConcurrency(symConcurrency).
		WithFetchTimeout(symFetchTimeout).
		Build()
	if err != nil {
		return fmt.Errorf("failed to create symbolicator: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), symTimeout)
	defer cancel()

	result, err := symbolicator.Process(ctx, stack)
	if err != nil {
		return fmt.Errorf("symbolication failed: %w", err)
	}

	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(result)
}
