package cmd

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestParseParams(t *testing.T) {
	assert.Equal(t, json.RawMessage(`{"n":1}`), parseParams(`{"n":1}`))
	assert.Equal(t, json.RawMessage(`42`), parseParams(`42`))
	assert.Equal(t, json.RawMessage(`"hello there"`), parseParams(`hello there`))
}

func TestParseHeader(t *testing.T) {
	name, value, err := parseHeader("Authorization: Bearer abc")
	require.NoError(t, err)
	assert.Equal(t, "Authorization", name)
	assert.Equal(t, "Bearer abc", value)

	name, value, err = parseHeader("X-Empty:")
	require.NoError(t, err)
	assert.Equal(t, "X-Empty", name)
	assert.Empty(t, value)

	for _, bad := range []string{"no colon", ": value", "Bad Name: v"} {
		_, _, err := parseHeader(bad)
		assert.Error(t, err, bad)
	}
}

func TestDecodeStack(t *testing.T) {
	wrapped, err := decodeStack([]byte(`{"stack":[{"file":"a.js","methodName":"f","lineNumber":1,"column":2}]}`))
	require.NoError(t, err)
	require.Len(t, wrapped, 1)
	assert.Equal(t, "a.js", wrapped[0].File)
	assert.Equal(t, 2, *wrapped[0].Column)

	bare, err := decodeStack([]byte("  \n[{\"file\":\"b.js\",\"methodName\":\"g\"}]"))
	require.NoError(t, err)
	require.Len(t, bare, 1)
	assert.Nil(t, bare[0].LineNumber)

	_, err = decodeStack([]byte(`not json`))
	assert.Error(t, err)
}

func TestResolveLevel(t *testing.T) {
	defer func(l string, v, d bool) { logLevel, verbose, debug = l, v, d }(logLevel, verbose, debug)

	logLevel, verbose, debug = "warn", false, false
	assert.Equal(t, zap.WarnLevel, resolveLevel().Level())

	logLevel, verbose = "info", true
	assert.Equal(t, zap.DebugLevel, resolveLevel().Level())

	logLevel, verbose = "error", true
	assert.Equal(t, zap.ErrorLevel, resolveLevel().Level())

	debug = true
	assert.Equal(t, zap.DebugLevel, resolveLevel().Level())

	logLevel, verbose, debug = "bogus", false, false
	assert.Equal(t, zap.InfoLevel, resolveLevel().Level())
}

func TestBuildCustomizer(t *testing.T) {
	defer func(p []string, q string) { collapsePatterns, collapseQuery = p, q }(collapsePatterns, collapseQuery)

	collapsePatterns = []string{"("}
	collapseQuery = ""
	_, err := buildCustomizer(zap.NewNop())
	assert.ErrorContains(t, err, "invalid collapse pattern")

	collapsePatterns = nil
	collapseQuery = ".file |"
	_, err = buildCustomizer(zap.NewNop())
	assert.Error(t, err)
}

func TestCommandsRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["server"])
	assert.True(t, names["send"])
	assert.True(t, names["symbolicate"])

	assert.NotNil(t, sendCmd.Flags().Lookup("header"))
}
