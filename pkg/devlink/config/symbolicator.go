package config

import (
	"fmt"
	"regexp"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/itchyny/gojq"
)

type SymbolicatorDefinition struct {
	FetchTimeout     hcl.Expression `hcl:"fetch_timeout,optional"`
	MaxConcurrency   *int           `hcl:"max_concurrency,optional"`
	CollapsePatterns []string       `hcl:"collapse_patterns,optional"`
	CollapseQuery    *string        `hcl:"collapse_query,optional"`
	DefRange         hcl.Range      `hcl:",def_range"`
}

type SymbolicatorBlockHandler struct {
	singletonBlock
}

func (h *SymbolicatorBlockHandler) Process(config *Config, block *hcl.Block) hcl.Diagnostics {
	if diags := h.claim(block); diags.HasErrors() {
		return diags
	}

	symDef := SymbolicatorDefinition{}
	diags := gohcl.DecodeBody(block.Body, config.evalCtx, &symDef)
	if diags.HasErrors() {
		return diags
	}

	settings := &config.Symbolicator
	settings.DefRange = symDef.DefRange

	if IsExpressionProvided(symDef.FetchTimeout) {
		fetchTimeout, addDiags := config.ParseDuration(symDef.FetchTimeout)
		diags = diags.Extend(addDiags)
		settings.FetchTimeout = fetchTimeout
	}

	if symDef.MaxConcurrency != nil {
		if *symDef.MaxConcurrency <= 0 {
			diags = diags.Append(&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Invalid concurrency",
				Detail:   fmt.Sprintf("max_concurrency must be positive, got %d", *symDef.MaxConcurrency),
				Subject:  &symDef.DefRange,
			})
		} else {
			settings.MaxConcurrency = *symDef.MaxConcurrency
		}
	}

	for _, pattern := range symDef.CollapsePatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			diags = diags.Append(&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Invalid collapse pattern",
				Detail:   fmt.Sprintf("Failed to compile %q: %s", pattern, err),
				Subject:  &symDef.DefRange,
			})
			continue
		}
		settings.CollapsePatterns = append(settings.CollapsePatterns, re)
	}

	if symDef.CollapseQuery != nil {
		// Compile once here so a bad query is reported with its source range.
		query, err := gojq.Parse(*symDef.CollapseQuery)
		if err == nil {
			_, err = gojq.Compile(query)
		}
		if err != nil {
			diags = diags.Append(&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Invalid collapse query",
				Detail:   fmt.Sprintf("Failed to compile JQ query %q: %s", *symDef.CollapseQuery, err),
				Subject:  &symDef.DefRange,
			})
		} else {
			settings.CollapseQuery = *symDef.CollapseQuery
		}
	}

	return diags
}
