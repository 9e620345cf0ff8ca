package config

import (
	"fmt"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
)

type ServerDefinition struct {
	Listen         *string        `hcl:"listen,optional"`
	MessagePath    *string        `hcl:"message_path,optional"`
	DebuggerPath   *string        `hcl:"debugger_path,optional"`
	QueueSize      *int           `hcl:"queue_size,optional"`
	PingInterval   hcl.Expression `hcl:"ping_interval,optional"`
	WriteTimeout   hcl.Expression `hcl:"write_timeout,optional"`
	AllowedOrigins []string       `hcl:"allowed_origins,optional"`
	DefRange       hcl.Range      `hcl:",def_range"`
}

type ServerBlockHandler struct {
	singletonBlock
}

func (h *ServerBlockHandler) Process(config *Config, block *hcl.Block) hcl.Diagnostics {
	if diags := h.claim(block); diags.HasErrors() {
		return diags
	}

	serverDef := ServerDefinition{}
	diags := gohcl.DecodeBody(block.Body, config.evalCtx, &serverDef)
	if diags.HasErrors() {
		return diags
	}

	settings := &config.Server
	settings.DefRange = serverDef.DefRange

	if serverDef.Listen != nil {
		settings.Listen = *serverDef.Listen
	}

	for _, path := range []struct {
		name  string
		value *string
		dst   *string
	}{
		{"message_path", serverDef.MessagePath, &settings.MessagePath},
		{"debugger_path", serverDef.DebuggerPath, &settings.DebuggerPath},
	} {
		if path.value == nil {
			continue
		}
		if !strings.HasPrefix(*path.value, "/") || strings.Contains(*path.value, " ") {
			diags = diags.Append(&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Invalid URL path",
				Detail:   fmt.Sprintf("%s must be an absolute URL path, got %q", path.name, *path.value),
				Subject:  &serverDef.DefRange,
			})
			continue
		}
		*path.dst = *path.value
	}

	if settings.MessagePath == settings.DebuggerPath {
		diags = diags.Append(&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Conflicting URL paths",
			Detail:   fmt.Sprintf("message_path and debugger_path are both %q", settings.MessagePath),
			Subject:  &serverDef.DefRange,
		})
	}

	if serverDef.QueueSize != nil {
		if *serverDef.QueueSize <= 0 {
			diags = diags.Append(&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Invalid queue size",
				Detail:   fmt.Sprintf("queue_size must be positive, got %d", *serverDef.QueueSize),
				Subject:  &serverDef.DefRange,
			})
		} else {
			settings.QueueSize = *serverDef.QueueSize
		}
	}

	if IsExpressionProvided(serverDef.PingInterval) {
		pingInterval, addDiags := config.ParseDuration(serverDef.PingInterval)
		diags = diags.Extend(addDiags)
		settings.PingInterval = pingInterval
		settings.HasPingInterval = !addDiags.HasErrors()
	}

	if IsExpressionProvided(serverDef.WriteTimeout) {
		writeTimeout, addDiags := config.ParseDuration(serverDef.WriteTimeout)
		diags = diags.Extend(addDiags)
		settings.WriteTimeout = writeTimeout
	}

	settings.AllowedOrigins = serverDef.AllowedOrigins

	return diags
}
