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
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/agora-collective/agora/internal/provider"
	"github.com/agora-collective/agora/internal/skill"
	"github.com/agora-collective/agora/internal/vault"
)

func TestInterpolate(t *testing.T) {
	got := interpolate("https://api.example.com/{owner}/{repo}?q={owner}", Params{
		"owner": "agora",
		"repo":  "core",
	})
	want := "https://api.example.com/agora/core?q=agora"
	if got != want {
		t.Errorf("interpolate = %q, want %q", got, want)
	}

	// Unknown placeholders stay visible.
	if got := interpolate("/items/{id}", Params{}); got != "/items/{id}" {
		t.Errorf("unknown placeholder rewritten: %q", got)
	}
}

func TestDeclarativeExecute(t *testing.T) {
	var gotPath, gotBody, gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotHeader = r.Header.Get("X-Team")
		raw, _ := io.ReadAll(r.Body)
		gotBody = string(raw)
		fmt.Fprint(w, `{"ok":true}`)
	}))
	defer srv.Close()

	d := NewDeclarative(zap.NewNop())
	res := d.Execute(context.Background(), skill.DeclarativeSpec{
		Method:  "POST",
		URL:     srv.URL + "/posts/{channel}",
		Headers: map[string]string{"X-Team": "{team}"},
		Body:    `{"text":"{text}"}`,
	}, Params{"channel": "general", "team": "eng", "text": "hello"}, nil)

	if !res.Success {
		t.Fatalf("Execute failed: %s", res.Error)
	}
	if gotPath != "/posts/general" {
		t.Errorf("path = %q", gotPath)
	}
	if gotBody != `{"text":"hello"}` {
		t.Errorf("body = %q", gotBody)
	}
	if gotHeader != "eng" {
		t.Errorf("header = %q", gotHeader)
	}
	if res.TokensUsed != 0 || res.CostUSD != 0 {
		t.Error("non-LLM strategy must report zero tokens and cost")
	}
}

func TestDeclarativeHTTPErrorFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	d := NewDeclarative(zap.NewNop())
	res := d.Execute(context.Background(), skill.DeclarativeSpec{URL: srv.URL}, nil, nil)
	if res.Success {
		t.Fatal("4xx response should fail")
	}
	if res.Error == "" {
		t.Error("failed result must carry an error")
	}
	if !strings.Contains(res.Error, "403") {
		t.Errorf("error should name the status: %q", res.Error)
	}
}

func TestDeclarativeFanOutPartialSuccess(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if strings.Contains(r.URL.Path, "bad") {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, "ok")
	}))
	defer srv.Close()

	d := NewDeclarative(zap.NewNop())
	spec := skill.DeclarativeSpec{URL: srv.URL + "/{target}", Multi: true}
	res := d.Execute(context.Background(), spec, nil, []Params{
		{"target": "good"},
		{"target": "bad"},
		{"target": "good"},
	})

	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if !res.Success {
		t.Fatalf("fan-out with one success should succeed: %s", res.Error)
	}
	for _, prefix := range []string{"[1/3]", "[2/3]", "[3/3]"} {
		if !strings.Contains(res.Output, prefix) {
			t.Errorf("output missing %s marker: %q", prefix, res.Output)
		}
	}
}

func TestDeclarativeFanOutAllFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := NewDeclarative(zap.NewNop())
	spec := skill.DeclarativeSpec{URL: srv.URL, Multi: true}
	res := d.Execute(context.Background(), spec, nil, []Params{{}, {}})
	if res.Success {
		t.Fatal("fan-out with zero successes should fail")
	}
	if res.Error == "" {
		t.Error("failed result must carry an error")
	}
}

func TestCLIAllowListOnly(t *testing.T) {
	c := NewCLI()
	res := c.Execute(context.Background(), "arbitrary_url", Params{"url": "https://evil.example.com"})
	if res.Success {
		t.Fatal("non-allow-listed endpoint must fail")
	}
	if !strings.Contains(res.Error, "allow-list") {
		t.Errorf("error should mention the allow-list: %q", res.Error)
	}
}

func TestCLIEndpointsSorted(t *testing.T) {
	c := NewCLI()
	names := c.Endpoints()
	if len(names) == 0 {
		t.Fatal("allow-list should not be empty")
	}
	for i := 1; i < len(names); i++ {
		if names[i-1] >= names[i] {
			t.Errorf("endpoints not sorted: %v", names)
		}
	}
}

func TestGatewayForwardsSingleSecret(t *testing.T) {
	var got gatewayRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		json.NewEncoder(w).Encode(gatewayResponse{Success: true, Output: "done"})
	}))
	defer srv.Close()

	v := vault.New(map[string]string{"github": "ghp_abc", "slack": "xoxb-1"})
	g := NewGateway(srv.URL, v, zap.NewNop())

	def := &skill.Definition{ID: "publisher", ExecutionHandler: "node"}
	cmd := &skill.Command{Name: "push"}
	res := g.Execute(context.Background(), def, cmd, skill.HandlerSpec{File: "push.js", Secret: "github"}, Params{"ref": "main"})

	if !res.Success {
		t.Fatalf("Execute failed: %s", res.Error)
	}
	if res.Output != "done" {
		t.Errorf("Output = %q", res.Output)
	}
	if len(got.Secrets) != 1 {
		t.Fatalf("forwarded %d secrets, want exactly 1", len(got.Secrets))
	}
	if got.Secrets["github"] != "ghp_abc" {
		t.Errorf("Secrets = %v", got.Secrets)
	}
	if got.HandlerFile != "push.js" || got.Runtime != "node" {
		t.Errorf("handler fields = %q/%q", got.HandlerFile, got.Runtime)
	}
}

func TestGatewayUnknownSecretFailsBeforeCall(t *testing.T) {
	var called bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	g := NewGateway(srv.URL, vault.New(nil), zap.NewNop())
	res := g.Execute(context.Background(), &skill.Definition{ID: "s"}, &skill.Command{Name: "c"},
		skill.HandlerSpec{File: "h.js", Secret: "missing"}, nil)

	if res.Success {
		t.Fatal("unknown secret should fail")
	}
	if called {
		t.Error("gateway must not be called when the secret cannot be resolved")
	}
}

func TestGatewayHandlerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(gatewayResponse{Success: false, Error: "handler exploded"})
	}))
	defer srv.Close()

	g := NewGateway(srv.URL, vault.New(nil), zap.NewNop())
	res := g.Execute(context.Background(), &skill.Definition{ID: "s"}, &skill.Command{Name: "c"},
		skill.HandlerSpec{File: "h.js"}, nil)
	if res.Success {
		t.Fatal("handler failure should propagate")
	}
	if res.Error != "handler exploded" {
		t.Errorf("Error = %q", res.Error)
	}
}

func TestLocalHandler(t *testing.T) {
	reg := NewHandlerRegistry()
	reg.Register("commons", "register", func(ctx context.Context, params Params) (string, error) {
		return "registered as " + params["nickname"], nil
	})

	l := NewLocal(reg)
	res := l.Execute(context.Background(), "commons", "register", Params{"nickname": "ada"})
	if !res.Success {
		t.Fatalf("Execute failed: %s", res.Error)
	}
	if res.Output != "registered as ada" {
		t.Errorf("Output = %q", res.Output)
	}

	res = l.Execute(context.Background(), "commons", "unknown", nil)
	if res.Success {
		t.Error("unregistered pair should fail")
	}
}

func TestLLMExecuteWithTemplate(t *testing.T) {
	mock := provider.NewMockProvider([]*provider.CompletionResponse{{
		Content:      "42",
		InputTokens:  10,
		OutputTokens: 5,
	}}, nil)

	reg := NewProviderRegistry("test-model", mock)
	l := NewLLM(reg, zap.NewNop())

	def := &skill.Definition{ID: "math", DisplayName: "Math"}
	cmd := &skill.Command{
		Name:         "solve",
		SystemPrompt: "You are a calculator.",
		Spec:         skill.PromptSpec{Template: "What is {a} plus {b}?"},
	}
	res, used := l.Execute(context.Background(), def, cmd, Params{"a": "40", "b": "2"})

	if !res.Success {
		t.Fatalf("Execute failed: %s", res.Error)
	}
	if res.Output != "42" {
		t.Errorf("Output = %q", res.Output)
	}
	if res.TokensUsed != 15 {
		t.Errorf("TokensUsed = %d, want 15", res.TokensUsed)
	}
	if res.CostUSD <= 0 {
		t.Errorf("CostUSD = %f, want > 0", res.CostUSD)
	}
	if used.Provider != "mock" || used.Model != "test-model" {
		t.Errorf("usage attribution = %q/%q", used.Provider, used.Model)
	}
	if used.InputTokens != 10 || used.OutputTokens != 5 {
		t.Errorf("usage tokens = %d/%d", used.InputTokens, used.OutputTokens)
	}

	calls := mock.Calls()
	if len(calls) != 1 {
		t.Fatalf("provider called %d times, want 1", len(calls))
	}
	req := calls[0]
	if req.Messages[0].Role != provider.RoleSystem || req.Messages[0].Content != "You are a calculator." {
		t.Errorf("system message = %+v", req.Messages[0])
	}
	if req.Messages[1].Content != "What is 40 plus 2?" {
		t.Errorf("prompt = %q", req.Messages[1].Content)
	}
}

func TestLLMTokenEstimateFallback(t *testing.T) {
	mock := provider.NewMockProvider([]*provider.CompletionResponse{{Content: strings.Repeat("x", 40)}}, nil)

	reg := NewProviderRegistry("test-model", mock)
	l := NewLLM(reg, zap.NewNop())

	res, used := l.Execute(context.Background(), &skill.Definition{ID: "s", DisplayName: "S"},
		&skill.Command{Name: "c"}, nil)
	if !res.Success {
		t.Fatalf("Execute failed: %s", res.Error)
	}
	if res.TokensUsed == 0 {
		t.Error("token estimate fallback should produce a non-zero count")
	}
	if used.OutputTokens == 0 {
		t.Error("usage should carry the estimated output tokens")
	}
}

func TestLLMProviderFailure(t *testing.T) {
	mock := provider.NewMockProvider(nil, []error{fmt.Errorf("upstream down")})

	reg := NewProviderRegistry("test-model", mock)
	l := NewLLM(reg, zap.NewNop())

	res, _ := l.Execute(context.Background(), &skill.Definition{ID: "s", DisplayName: "S"},
		&skill.Command{Name: "c"}, nil)
	if res.Success {
		t.Fatal("provider error should fail the result")
	}
	if !strings.Contains(res.Error, "upstream down") {
		t.Errorf("Error = %q", res.Error)
	}
}
