/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package strategy implements the concrete execution strategies a skill
// command can resolve to: declarative HTTP, allow-listed CLI wrappers,
// gateway delegation, locally registered handlers, and generic LLM
// completion. Each strategy turns (command, params) into a Result and
// never panics across its boundary.
package strategy

import (
	"fmt"
	"strings"
	"time"
)

// Params are the caller-supplied values interpolated into command
// templates.
type Params map[string]string

// Result is the outcome of executing one skill command. A failed result
// always carries a non-empty Error. TokensUsed and CostUSD stay zero for
// every strategy except the LLM one.
type Result struct {
	Success    bool          `json:"success"`
	Output     string        `json:"output,omitempty"`
	TokensUsed int           `json:"tokens_used,omitempty"`
	CostUSD    float64       `json:"cost_usd,omitempty"`
	Duration   time.Duration `json:"duration_ms,omitempty"`
	Error      string        `json:"error,omitempty"`
	// Artifact carries a side-channel product of the command, e.g. an
	// uploaded image URL.
	Artifact string `json:"artifact,omitempty"`
}

// Failure builds a failed result with a formatted error.
func Failure(format string, args ...any) Result {
	return Result{Success: false, Error: fmt.Sprintf(format, args...)}
}

// maxResponseBytes limits HTTP response bodies so a misbehaving endpoint
// cannot flood the agent's context.
const maxResponseBytes = 64 * 1024

// interpolate replaces {param} placeholders with values from params.
// Unknown placeholders are left in place so the downstream call fails
// visibly instead of silently sending an empty value.
func interpolate(template string, params Params) string {
	if !strings.Contains(template, "{") {
		return template
	}
	out := template
	for key, value := range params {
		out = strings.ReplaceAll(out, "{"+key+"}", value)
	}
	return out
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "\n... [truncated]"
}
