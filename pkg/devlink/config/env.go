package config

import (
	"os"
	"strings"

	"github.com/zclconf/go-cty/cty"
)

// GetEnvObject returns the process environment as a cty object, so that
// configuration can say env.DEVLINK_PORT. Names that are not valid HCL
// identifiers have the offending characters replaced with underscores.
func GetEnvObject() cty.Value {
	envMap := make(map[string]cty.Value)

	for _, envVar := range os.Environ() {
		key, value, ok := strings.Cut(envVar, "=")
		if !ok {
			continue
		}
		envMap[sanitizeEnvVarName(key)] = cty.StringVal(value)
	}

	return cty.ObjectVal(envMap)
}

func sanitizeEnvVarName(name string) string {
	if name == "" {
		return "_"
	}

	var result strings.Builder

	for i, char := range name {
		switch {
		case char == '_', char >= 'a' && char <= 'z', char >= 'A' && char <= 'Z':
			result.WriteRune(char)
		case i > 0 && (char == '-' || (char >= '0' && char <= '9')):
			result.WriteRune(char)
		default:
			result.WriteRune('_')
		}
	}

	return result.String()
}
