/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package strategy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/agora-collective/agora/internal/skill"
	"github.com/agora-collective/agora/internal/vault"
)

// Gateway forwards a command to a trusted server-side handler runtime that
// owns secrets the local process cannot hold. Only the single secret the
// handler declares is forwarded, never the whole vault.
type Gateway struct {
	baseURL string
	client  *http.Client
	vault   *vault.Vault
	logger  *zap.Logger
}

func NewGateway(baseURL string, v *vault.Vault, logger *zap.Logger) *Gateway {
	return &Gateway{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 60 * time.Second},
		vault:   v,
		logger:  logger,
	}
}

type gatewayRequest struct {
	SkillID     string            `json:"skill_id"`
	Command     string            `json:"command"`
	HandlerFile string            `json:"handler_file"`
	Runtime     string            `json:"runtime"`
	Params      Params            `json:"params,omitempty"`
	Secrets     map[string]string `json:"secrets,omitempty"`
}

type gatewayResponse struct {
	Success  bool   `json:"success"`
	Output   string `json:"output"`
	Error    string `json:"error"`
	Artifact string `json:"artifact,omitempty"`
}

// Execute forwards the command. A secret the spec names but the vault does
// not hold fails the call before any network traffic.
func (g *Gateway) Execute(ctx context.Context, def *skill.Definition, cmd *skill.Command, spec skill.HandlerSpec, params Params) Result {
	start := time.Now()

	if g.baseURL == "" {
		return Failure("no gateway configured for handler %q", spec.File)
	}

	scoped, err := g.vault.Scope(spec.Secret)
	if err != nil {
		return Failure("resolve handler secret: %v", err)
	}

	payload := gatewayRequest{
		SkillID:     def.ID,
		Command:     cmd.Name,
		HandlerFile: spec.File,
		Runtime:     def.ExecutionHandler,
		Params:      params,
	}
	if !scoped.Empty() {
		payload.Secrets = map[string]string{scoped.Name(): scoped.Value()}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return Failure("encode gateway request: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/execute", bytes.NewReader(body))
	if err != nil {
		return Failure("build gateway request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	g.logger.Debug("forwarding to gateway",
		zap.String("skill", def.ID),
		zap.String("command", cmd.Name),
		zap.String("handler", spec.File))

	resp, err := g.client.Do(req)
	if err != nil {
		return Result{Success: false, Error: fmt.Sprintf("gateway call: %v", err), Duration: time.Since(start)}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Result{Success: false, Error: fmt.Sprintf("read gateway response: %v", err), Duration: time.Since(start)}
	}
	if resp.StatusCode >= 400 {
		return Result{
			Success:  false,
			Error:    fmt.Sprintf("gateway returned HTTP %d: %s", resp.StatusCode, truncate(string(raw), 512)),
			Duration: time.Since(start),
		}
	}

	var out gatewayResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return Result{Success: false, Error: fmt.Sprintf("decode gateway response: %v", err), Duration: time.Since(start)}
	}
	if !out.Success {
		msg := out.Error
		if msg == "" {
			msg = "gateway handler failed without detail"
		}
		return Result{Success: false, Error: msg, Duration: time.Since(start)}
	}
	return Result{Success: true, Output: out.Output, Artifact: out.Artifact, Duration: time.Since(start)}
}
