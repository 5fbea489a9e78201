package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestOpenAIComplete(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req CompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		if req.Model != "gpt-4o-mini" {
			t.Errorf("model = %q", req.Model)
		}
		fmt.Fprint(w, `{"model":"gpt-4o-mini","choices":[{"message":{"content":"hi"},"finish_reason":"stop"}],"usage":{"prompt_tokens":12,"completion_tokens":3}}`)
	}))
	defer srv.Close()

	p := NewOpenAIProvider(Config{Type: "openai", BaseURL: srv.URL, APIKey: "sk-test", Model: "gpt-4o-mini"})
	resp, err := p.Complete(context.Background(), &CompletionRequest{
		Messages: []Message{{Role: RoleUser, Content: "hello"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "hi" || resp.InputTokens != 12 || resp.OutputTokens != 3 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if gotAuth != "Bearer sk-test" {
		t.Errorf("auth header = %q", gotAuth)
	}
}

func TestOpenAICompleteErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"overloaded"}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := NewOpenAIProvider(Config{BaseURL: srv.URL})
	if _, err := p.Complete(context.Background(), &CompletionRequest{Model: "m"}); err == nil {
		t.Fatal("expected error on 503")
	}
}

func TestAnthropicComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "ak-test" {
			t.Errorf("missing api key header")
		}
		var req anthropicRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		if req.System != "be brief" {
			t.Errorf("system = %q", req.System)
		}
		if len(req.Messages) != 1 || req.Messages[0].Role != RoleUser {
			t.Errorf("messages = %+v", req.Messages)
		}
		fmt.Fprint(w, `{"model":"claude-3-5-haiku","content":[{"type":"text","text":"ok"}],"stop_reason":"end_turn","usage":{"input_tokens":20,"output_tokens":2}}`)
	}))
	defer srv.Close()

	p, err := NewAnthropicProvider(Config{APIKey: "ak-test", BaseURL: srv.URL, Model: "claude-3-5-haiku"})
	if err != nil {
		t.Fatal(err)
	}
	resp, err := p.Complete(context.Background(), &CompletionRequest{
		Messages: []Message{
			{Role: RoleSystem, Content: "be brief"},
			{Role: RoleUser, Content: "hello"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "ok" || resp.TotalTokens() != 22 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestAnthropicRequiresAPIKey(t *testing.T) {
	if _, err := NewAnthropicProvider(Config{}); err == nil {
		t.Fatal("expected error without API key")
	}
}

func TestNewRejectsUnknownType(t *testing.T) {
	if _, err := New(Config{Type: "mystery"}); err == nil {
		t.Fatal("expected error for unknown provider type")
	}
}

func TestEstimateTokens(t *testing.T) {
	if got := EstimateTokens(""); got != 0 {
		t.Errorf("empty = %d", got)
	}
	if got := EstimateTokens("ab"); got != 1 {
		t.Errorf("short text should round up to 1, got %d", got)
	}
	if got := EstimateTokens("12345678"); got != 2 {
		t.Errorf("8 chars = %d tokens, want 2", got)
	}
}

func TestCost(t *testing.T) {
	// gpt-4o-mini: $0.15/MTok in, $0.60/MTok out.
	got := Cost("gpt-4o-mini", 1_000_000, 1_000_000)
	if got != 0.75 {
		t.Errorf("cost = %v, want 0.75", got)
	}
	// Versioned id matches base entry by prefix.
	if PriceFor("claude-3-5-haiku-20241022") != priceTable["claude-3-5-haiku"] {
		t.Error("versioned model should match base price")
	}
	if PriceFor("totally-unknown") != defaultPrice {
		t.Error("unknown model should fall back to default price")
	}
}

func TestMockProviderSequence(t *testing.T) {
	m := NewMockProvider(
		[]*CompletionResponse{{Content: "a"}, {Content: "b"}},
		[]error{nil, nil},
	)
	r1, _ := m.Complete(context.Background(), &CompletionRequest{})
	r2, _ := m.Complete(context.Background(), &CompletionRequest{})
	if r1.Content != "a" || r2.Content != "b" {
		t.Fatalf("out of order: %s, %s", r1.Content, r2.Content)
	}
	if _, err := m.Complete(context.Background(), &CompletionRequest{}); err == nil {
		t.Fatal("exhausted mock should error")
	}
	if m.CallCount() != 3 {
		t.Fatalf("call count = %d", m.CallCount())
	}
}
