package functions

import (
	"os"

	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
)

// GetEnvFunc returns the value of an environment variable, or the fallback when
// it is unset or empty.
var GetEnvFunc = function.New(&function.Spec{
	Description: "Returns an environment variable, or fallback if it is unset or empty",
	Params: []function.Parameter{
		{Name: "name", Type: cty.String},
		{Name: "fallback", Type: cty.String},
	},
	Type: function.StaticReturnType(cty.String),
	Impl: func(args []cty.Value, retType cty.Type) (cty.Value, error) {
		if value := os.Getenv(args[0].AsString()); value != "" {
			return cty.StringVal(value), nil
		}
		return args[1], nil
	},
})
