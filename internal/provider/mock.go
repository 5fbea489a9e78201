/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package provider

import (
	"context"
	"fmt"
	"sync"
)

// MockProvider is a test double for LLM providers. It returns
// pre-configured responses in order, tracking all requests.
type MockProvider struct {
	mu        sync.Mutex
	responses []*CompletionResponse
	errors    []error
	calls     []*CompletionRequest
	callIndex int
}

// NewMockProvider creates a mock with queued responses. Each Complete()
// call pops the next response/error pair.
func NewMockProvider(responses []*CompletionResponse, errors []error) *MockProvider {
	return &MockProvider{responses: responses, errors: errors}
}

// NewMockProviderSimple creates a mock that returns a single text response.
func NewMockProviderSimple(content string) *MockProvider {
	return NewMockProvider(
		[]*CompletionResponse{{
			Content:      content,
			FinishReason: "end_turn",
			InputTokens:  100,
			OutputTokens: 50,
		}},
		[]error{nil},
	)
}

func (m *MockProvider) Name() string { return "mock" }

func (m *MockProvider) Complete(_ context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, req)

	idx := m.callIndex
	m.callIndex++

	if idx < len(m.errors) && m.errors[idx] != nil {
		return nil, m.errors[idx]
	}
	if idx >= len(m.responses) {
		return nil, fmt.Errorf("mock provider exhausted after %d calls", len(m.responses))
	}
	return m.responses[idx], nil
}

// Calls returns all requests seen so far.
func (m *MockProvider) Calls() []*CompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*CompletionRequest, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times Complete was invoked.
func (m *MockProvider) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}
