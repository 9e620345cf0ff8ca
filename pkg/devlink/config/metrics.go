package config

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
)

var metricNamespace = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

type MetricsDefinition struct {
	Provider    *string   `hcl:"provider,optional"`
	Path        *string   `hcl:"path,optional"`
	ServiceName *string   `hcl:"service_name,optional"`
	DefRange    hcl.Range `hcl:",def_range"`
}

type MetricsBlockHandler struct {
	singletonBlock
}

func (h *MetricsBlockHandler) Process(config *Config, block *hcl.Block) hcl.Diagnostics {
	if diags := h.claim(block); diags.HasErrors() {
		return diags
	}

	metricsDef := MetricsDefinition{}
	diags := gohcl.DecodeBody(block.Body, config.evalCtx, &metricsDef)
	if diags.HasErrors() {
		return diags
	}

	settings := &config.Metrics
	settings.DefRange = metricsDef.DefRange

	if metricsDef.Provider != nil {
		switch provider := strings.ToLower(*metricsDef.Provider); provider {
		case MetricsPrometheus, MetricsOtel, MetricsNone:
			settings.Provider = provider
		default:
			diags = diags.Append(&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Invalid metrics provider",
				Detail:   fmt.Sprintf("provider must be one of %q, %q or %q, got %q", MetricsPrometheus, MetricsOtel, MetricsNone, *metricsDef.Provider),
				Subject:  &metricsDef.DefRange,
			})
		}
	}

	if metricsDef.Path != nil {
		if !strings.HasPrefix(*metricsDef.Path, "/") {
			diags = diags.Append(&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Invalid URL path",
				Detail:   fmt.Sprintf("path must be an absolute URL path, got %q", *metricsDef.Path),
				Subject:  &metricsDef.DefRange,
			})
		} else {
			settings.Path = *metricsDef.Path
		}
	}

	if metricsDef.ServiceName != nil {
		settings.ServiceName = *metricsDef.ServiceName
	}

	if settings.Provider == MetricsPrometheus && !metricNamespace.MatchString(settings.ServiceName) {
		diags = diags.Append(&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Invalid service name",
			Detail:   fmt.Sprintf("service_name %q is not a valid Prometheus namespace", settings.ServiceName),
			Subject:  &metricsDef.DefRange,
		})
	}

	return diags
}
