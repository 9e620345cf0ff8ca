package symbolicate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestJQCustomizer(t *testing.T) {
	t.Run("boolean result sets collapse", func(t *testing.T) {
		customizer, err := JQCustomizer(`.file | test("/node_modules/")`, zaptest.NewLogger(t))
		require.NoError(t, err)

		assert.True(t, customizer(frame("/app/node_modules/x.js", 1, 0, "f")).Collapse)

		collapsed := frame("/app/src/x.js", 1, 0, "f")
		collapsed.Collapse = true
		assert.False(t, customizer(collapsed).Collapse)
	})

	t.Run("object result replaces frame", func(t *testing.T) {
		customizer, err := JQCustomizer(`.methodName = "wrapped " + .methodName | .collapse = (.lineNumber > 10)`, zaptest.NewLogger(t))
		require.NoError(t, err)

		out := customizer(frame("/app/src/x.js", 12, 3, "f"))
		assert.Equal(t, "wrapped f", out.MethodName)
		assert.True(t, out.Collapse)
		require.NotNil(t, out.LineNumber)
		assert.Equal(t, 12, *out.LineNumber)
		assert.Equal(t, 3, *out.Column)
		assert.Equal(t, "/app/src/x.js", out.File)
	})

	t.Run("null, empty and errors leave frame unchanged", func(t *testing.T) {
		in := frame("/app/src/x.js", 1, 0, "f")

		for _, query := range []string{`null`, `empty`, `error("nope")`, `.file | tonumber`, `"a string"`} {
			customizer, err := JQCustomizer(query, zaptest.NewLogger(t))
			require.NoError(t, err, query)
			assert.Equal(t, in, customizer(in), query)
		}
	})

	t.Run("nil logger is allowed", func(t *testing.T) {
		customizer, err := JQCustomizer(`error("x")`, nil)
		require.NoError(t, err)
		assert.NotPanics(t, func() { customizer(frame("a", 1, 0, "b")) })
	})

	t.Run("invalid query", func(t *testing.T) {
		_, err := JQCustomizer(`.file | `, nil)
		assert.ErrorContains(t, err, "failed to parse JQ query")

		_, err = JQCustomizer(`$undefined`, nil)
		assert.ErrorContains(t, err, "failed to compile JQ query")
	})
}
