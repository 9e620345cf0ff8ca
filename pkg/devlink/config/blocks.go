package config

import (
	"fmt"

	"github.com/hashicorp/hcl/v2"
)

var configSchema = &hcl.BodySchema{
	Blocks: []hcl.BlockHeaderSchema{
		{Type: "server"},
		{Type: "symbolicator"},
		{Type: "metrics"},
		{Type: "signals"},
	},
}

type BlockHandler interface {
	Process(config *Config, block *hcl.Block) hcl.Diagnostics
}

// singletonBlock rejects a second block of the same type, reporting where the
// first one was.
type singletonBlock struct {
	first *hcl.Range
}

func (s *singletonBlock) claim(block *hcl.Block) hcl.Diagnostics {
	if s.first != nil {
		return hcl.Diagnostics{
			&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  fmt.Sprintf("Duplicate %s block", block.Type),
				Detail:   fmt.Sprintf("A %s block was already defined at %s", block.Type, s.first),
				Subject:  &block.DefRange,
			},
		}
	}

	s.first = block.DefRange.Ptr()
	return nil
}

func GetBlockHandlers() map[string]BlockHandler {
	return map[string]BlockHandler{
		"server":       &ServerBlockHandler{},
		"symbolicator": &SymbolicatorBlockHandler{},
		"metrics":      &MetricsBlockHandler{},
		"signals":      &SignalsBlockHandler{},
	}
}
