package config

import (
	"strings"
	"testing"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"
	"go.uber.org/zap"
)

func parseExpr(t *testing.T, src string) hcl.Expression {
	t.Helper()
	expr, diags := hclsyntax.ParseExpression([]byte(src), "test.hcl", hcl.Pos{Line: 1, Column: 1})
	require.False(t, diags.HasErrors(), "Failed to parse HCL expression: %v", diags)
	return expr
}

func TestConfigParseDuration(t *testing.T) {
	config := &Config{
		Logger:  zap.NewNop(),
		evalCtx: &hcl.EvalContext{},
	}

	tests := []struct {
		name        string
		input       string
		expected    time.Duration
		expectError bool
	}{
		{name: "integer seconds", input: "30", expected: 30 * time.Second},
		{name: "float seconds", input: "1.5", expected: 1500 * time.Millisecond},
		{name: "zero disables", input: "0", expected: 0},
		{name: "negative seconds", input: "-5", expectError: true},

		{name: "ISO 8601 seconds", input: `"PT10S"`, expected: 10 * time.Second},
		{name: "ISO 8601 hours and minutes", input: `"PT1H30M"`, expected: 90 * time.Minute},
		{name: "ISO 8601 days", input: `"P2D"`, expected: 48 * time.Hour},
		{name: "invalid ISO 8601", input: `"PXX"`, expectError: true},

		{name: "Go milliseconds", input: `"500ms"`, expected: 500 * time.Millisecond},
		{name: "Go mixed", input: `"1h30m45s"`, expected: time.Hour + 30*time.Minute + 45*time.Second},
		{name: "invalid Go duration", input: `"5x"`, expectError: true},
		{name: "negative Go duration", input: `"-5m"`, expectError: true},

		{name: "whitespace around string", input: `"  5m  "`, expected: 5 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			duration, diags := config.ParseDuration(parseExpr(t, tt.input))

			if tt.expectError {
				assert.True(t, diags.HasErrors(), "Expected error but got none")
			} else {
				assert.False(t, diags.HasErrors(), "Unexpected error: %v", diags)
				assert.Equal(t, tt.expected, duration)
			}
		})
	}
}

func TestConfigParseDurationInvalidTypes(t *testing.T) {
	config := &Config{
		Logger:  zap.NewNop(),
		evalCtx: &hcl.EvalContext{},
	}

	for _, input := range []string{"true", "[1, 2, 3]", `{foo = "bar"}`} {
		t.Run(input, func(t *testing.T) {
			_, diags := config.ParseDuration(parseExpr(t, input))
			require.True(t, diags.HasErrors(), "Expected error for invalid type")
			assert.Contains(t, strings.ToLower(diags.Error()), "type")
		})
	}
}

func TestConfigParseDurationWithVariables(t *testing.T) {
	config := &Config{
		Logger: zap.NewNop(),
		evalCtx: &hcl.EvalContext{
			Variables: map[string]cty.Value{
				"timeout": cty.NumberIntVal(60),
			},
		},
	}

	duration, diags := config.ParseDuration(parseExpr(t, "timeout"))
	assert.False(t, diags.HasErrors(), "Unexpected error: %v", diags)
	assert.Equal(t, 60*time.Second, duration)
}

func TestIsExpressionProvided(t *testing.T) {
	assert.False(t, IsExpressionProvided(nil))
	assert.True(t, IsExpressionProvided(parseExpr(t, `"5s"`)))
}

func TestGetEnvFunction(t *testing.T) {
	t.Setenv("DEVLINK_TEST_SET", "set")
	t.Setenv("DEVLINK_TEST_EMPTY", "")

	config, diags := NewConfig().Build()
	require.False(t, diags.HasErrors(), diags.Error())

	val, diags := parseExpr(t, `getenv("DEVLINK_TEST_SET", "fallback")`).Value(config.evalCtx)
	require.False(t, diags.HasErrors(), diags.Error())
	assert.Equal(t, "set", val.AsString())

	val, diags = parseExpr(t, `getenv("DEVLINK_TEST_EMPTY", "fallback")`).Value(config.evalCtx)
	require.False(t, diags.HasErrors(), diags.Error())
	assert.Equal(t, "fallback", val.AsString())
}
