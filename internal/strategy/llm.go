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
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agora-collective/agora/internal/provider"
	"github.com/agora-collective/agora/internal/skill"
)

// ProviderRegistry maps model names to providers, with a default for
// skills that carry no model binding. Constructed once at startup.
type ProviderRegistry struct {
	byModel      map[string]provider.Provider
	defaultModel string
	defaultProv  provider.Provider
}

func NewProviderRegistry(defaultModel string, defaultProv provider.Provider) *ProviderRegistry {
	return &ProviderRegistry{
		byModel:      make(map[string]provider.Provider),
		defaultModel: defaultModel,
		defaultProv:  defaultProv,
	}
}

// Bind routes a model name to a provider.
func (r *ProviderRegistry) Bind(model string, p provider.Provider) {
	r.byModel[model] = p
}

// Resolve returns the provider and model for a skill's binding. An empty
// binding falls back to the default.
func (r *ProviderRegistry) Resolve(model string) (provider.Provider, string, error) {
	if model == "" {
		if r.defaultProv == nil {
			return nil, "", fmt.Errorf("no default model provider configured")
		}
		return r.defaultProv, r.defaultModel, nil
	}
	if p, ok := r.byModel[model]; ok {
		return p, model, nil
	}
	if r.defaultProv != nil {
		return r.defaultProv, model, nil
	}
	return nil, "", fmt.Errorf("no provider for model %q", model)
}

// LLM is the strategy of last resort: build a prompt and ask a model. It
// is the only strategy that reports token counts and cost.
type LLM struct {
	providers *ProviderRegistry
	logger    *zap.Logger
}

func NewLLM(providers *ProviderRegistry, logger *zap.Logger) *LLM {
	return &LLM{providers: providers, logger: logger}
}

// Usage attributes one completion for cost accounting.
type Usage struct {
	Provider     string
	Model        string
	InputTokens  int
	OutputTokens int
	CostUSD      float64
}

// Execute builds the prompt and runs the completion. When the provider
// does not report usage, token counts fall back to a character-length
// estimate so cost accounting never reads zero for real traffic.
func (l *LLM) Execute(ctx context.Context, def *skill.Definition, cmd *skill.Command, params Params) (Result, Usage) {
	start := time.Now()

	prov, model, err := l.providers.Resolve(def.Model)
	if err != nil {
		return Failure("resolve provider: %v", err), Usage{}
	}

	prompt := buildPrompt(def, cmd, params)
	messages := []provider.Message{}
	if cmd.SystemPrompt != "" {
		messages = append(messages, provider.Message{Role: provider.RoleSystem, Content: cmd.SystemPrompt})
	}
	messages = append(messages, provider.Message{Role: provider.RoleUser, Content: prompt})

	l.logger.Debug("llm completion",
		zap.String("skill", def.ID),
		zap.String("command", cmd.Name),
		zap.String("model", model))

	resp, err := prov.Complete(ctx, &provider.CompletionRequest{
		Model:    model,
		Messages: messages,
	})
	if err != nil {
		return Result{Success: false, Error: fmt.Sprintf("completion: %v", err), Duration: time.Since(start)},
			Usage{Provider: prov.Name(), Model: model}
	}

	inTokens, outTokens := resp.InputTokens, resp.OutputTokens
	if inTokens == 0 && outTokens == 0 {
		inTokens = provider.EstimateTokens(prompt)
		outTokens = provider.EstimateTokens(resp.Content)
	}

	cost := provider.Cost(model, inTokens, outTokens)
	return Result{
			Success:    true,
			Output:     resp.Content,
			TokensUsed: inTokens + outTokens,
			CostUSD:    cost,
			Duration:   time.Since(start),
		}, Usage{
			Provider:     prov.Name(),
			Model:        model,
			InputTokens:  inTokens,
			OutputTokens: outTokens,
			CostUSD:      cost,
		}
}

// Provider returns the provider and model the skill would use, for span
// attribution by the caller.
func (l *LLM) Provider(def *skill.Definition) (provider.Provider, string, error) {
	return l.providers.Resolve(def.Model)
}

// buildPrompt interpolates the command's template when it has one,
// otherwise wraps the command description and parameters generically.
func buildPrompt(def *skill.Definition, cmd *skill.Command, params Params) string {
	if spec, ok := cmd.Spec.(skill.PromptSpec); ok && spec.Template != "" {
		return interpolate(spec.Template, params)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are executing the %q command of the %q skill.\n", cmd.Name, def.DisplayName)
	if cmd.Description != "" {
		fmt.Fprintf(&b, "Command description: %s\n", cmd.Description)
	}
	if len(params) > 0 {
		encoded, _ := json.Marshal(params)
		fmt.Fprintf(&b, "Parameters: %s\n", encoded)
	}
	b.WriteString("Perform the command and return only the result.")
	return b.String()
}
