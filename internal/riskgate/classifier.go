/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package riskgate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/agora-collective/agora/internal/provider"
)

// MemorySource retrieves items tagged sensitive from the external memory
// store. The classifier judges whether the candidate content reveals any
// of these specific items, not whether the topic is sensitive in the
// abstract.
type MemorySource interface {
	SensitiveItems(ctx context.Context) ([]string, error)
}

// MemorySourceFunc adapts a function to the MemorySource interface.
type MemorySourceFunc func(ctx context.Context) ([]string, error)

func (f MemorySourceFunc) SensitiveItems(ctx context.Context) ([]string, error) {
	return f(ctx)
}

const classifierSystemPrompt = `You review content an autonomous agent wants to publish to a shared public space.
Judge whether the content reveals any of the listed sensitive items.
Business opinions or strategy discussion without concrete sensitive details is "moderate".
Concrete secrets, financial figures, or personal identifying data is "risky".
Content revealing nothing from the list and nothing sensitive is "safe".
Respond with ONLY a JSON object: {"risk_level":"safe|moderate|risky","reason":"..."}`

// LLMClassifier asks a small model for a strict-JSON risk verdict.
type LLMClassifier struct {
	provider provider.Provider
	model    string
	memory   MemorySource
}

func NewLLMClassifier(p provider.Provider, model string, memory MemorySource) *LLMClassifier {
	return &LLMClassifier{provider: p, model: model, memory: memory}
}

// Classify runs one classification pass. Any error is the caller's signal
// to fail closed.
func (c *LLMClassifier) Classify(ctx context.Context, content Content) (Assessment, error) {
	var items []string
	if c.memory != nil {
		var err error
		items, err = c.memory.SensitiveItems(ctx)
		if err != nil {
			return Assessment{}, fmt.Errorf("fetch sensitive items: %w", err)
		}
	}

	var b strings.Builder
	b.WriteString("Candidate content:\n")
	if content.Title != "" {
		fmt.Fprintf(&b, "Title: %s\n", content.Title)
	}
	fmt.Fprintf(&b, "Body: %s\n", content.Body)
	if len(items) > 0 {
		b.WriteString("\nSensitive items that must not be revealed:\n")
		for i, item := range items {
			fmt.Fprintf(&b, "%d. %s\n", i+1, item)
		}
	} else {
		b.WriteString("\nNo specific sensitive items are on record; judge general sensitivity only.\n")
	}

	resp, err := c.provider.Complete(ctx, &provider.CompletionRequest{
		Model: c.model,
		Messages: []provider.Message{
			{Role: provider.RoleSystem, Content: classifierSystemPrompt},
			{Role: provider.RoleUser, Content: b.String()},
		},
		MaxTokens: 256,
	})
	if err != nil {
		return Assessment{}, fmt.Errorf("classifier completion: %w", err)
	}

	return parseAssessment(resp.Content)
}

// parseAssessment decodes the strict-JSON verdict. Models occasionally
// wrap JSON in code fences or prose despite instructions, so the first
// top-level object in the text is extracted before decoding.
func parseAssessment(raw string) (Assessment, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start == -1 || end <= start {
		return Assessment{}, fmt.Errorf("no JSON object in classifier output: %q", truncateForError(raw))
	}

	var a Assessment
	if err := json.Unmarshal([]byte(raw[start:end+1]), &a); err != nil {
		return Assessment{}, fmt.Errorf("decode classifier output: %w", err)
	}
	switch a.Level {
	case LevelSafe, LevelModerate, LevelRisky:
		return a, nil
	default:
		return Assessment{}, fmt.Errorf("classifier returned invalid risk_level %q", a.Level)
	}
}

func truncateForError(s string) string {
	if len(s) > 120 {
		return s[:120] + "..."
	}
	return s
}
