/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package strategy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agora-collective/agora/internal/skill"
)

// Declarative executes templated HTTP requests. URL, headers, and body all
// interpolate {param} placeholders from the dispatch parameters. No model
// call is involved.
type Declarative struct {
	client *http.Client
	logger *zap.Logger
}

// NewDeclarative builds the strategy with a bounded-timeout client.
func NewDeclarative(logger *zap.Logger) *Declarative {
	return &Declarative{
		client: &http.Client{Timeout: 30 * time.Second},
		logger: logger,
	}
}

// Execute runs the templated request. When the spec is marked multi and
// paramSets is non-empty, the request fans out once per set; the combined
// result succeeds if at least one iteration succeeded, with per-iteration
// outputs prefixed [n/m].
func (d *Declarative) Execute(ctx context.Context, spec skill.DeclarativeSpec, params Params, paramSets []Params) Result {
	start := time.Now()

	if spec.Multi && len(paramSets) > 0 {
		return d.fanOut(ctx, spec, paramSets, start)
	}

	output, err := d.call(ctx, spec, params)
	if err != nil {
		return Result{Success: false, Error: err.Error(), Duration: time.Since(start)}
	}
	return Result{Success: true, Output: output, Duration: time.Since(start)}
}

func (d *Declarative) fanOut(ctx context.Context, spec skill.DeclarativeSpec, sets []Params, start time.Time) Result {
	var (
		lines     []string
		succeeded int
	)
	for i, set := range sets {
		output, err := d.call(ctx, spec, set)
		if err != nil {
			lines = append(lines, fmt.Sprintf("[%d/%d] error: %v", i+1, len(sets), err))
			continue
		}
		succeeded++
		lines = append(lines, fmt.Sprintf("[%d/%d] %s", i+1, len(sets), output))
	}

	res := Result{
		Output:   strings.Join(lines, "\n"),
		Duration: time.Since(start),
	}
	// Partial success: the fan-out succeeds when any iteration did.
	if succeeded > 0 {
		res.Success = true
	} else {
		res.Error = fmt.Sprintf("all %d requests failed", len(sets))
	}
	return res
}

func (d *Declarative) call(ctx context.Context, spec skill.DeclarativeSpec, params Params) (string, error) {
	method := spec.Method
	if method == "" {
		method = http.MethodGet
	}
	url := interpolate(spec.URL, params)

	var body io.Reader
	if spec.Body != "" {
		body = strings.NewReader(interpolate(spec.Body, params))
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	for k, v := range spec.Headers {
		req.Header.Set(k, interpolate(v, params))
	}
	if spec.Body != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	d.logger.Debug("declarative request",
		zap.String("method", method),
		zap.String("url", url))

	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("%s %s: HTTP %d: %s", method, url, resp.StatusCode, truncate(string(raw), 512))
	}
	return string(raw), nil
}
