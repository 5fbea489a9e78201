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
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/agora-collective/agora/internal/approval"
	"github.com/agora-collective/agora/internal/provider"
)

type stubClassifier struct {
	assessment Assessment
	err        error
	calls      int
}

func (s *stubClassifier) Classify(ctx context.Context, content Content) (Assessment, error) {
	s.calls++
	if s.err != nil {
		return Assessment{}, s.err
	}
	return s.assessment, nil
}

func newTestGate(t *testing.T, policy Policy, classifier Classifier) (*Gate, *approval.Queue) {
	t.Helper()
	queue, err := approval.NewQueue(filepath.Join(t.TempDir(), "approvals.db"), 7*24*time.Hour)
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}
	t.Cleanup(func() { queue.Close() })
	resolve := func(string) Policy { return policy }
	return New(resolve, classifier, queue, zap.NewNop()), queue
}

var testContent = Content{Surface: "forum", Channel: "general", Title: "Update", Body: "We shipped v2."}

func TestPolicyOffAlwaysQueues(t *testing.T) {
	classifier := &stubClassifier{assessment: Assessment{Level: LevelSafe}}
	gate, queue := newTestGate(t, PolicyOff, classifier)

	out, err := gate.Check(context.Background(), testContent, false)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if out.Published || !out.Queued {
		t.Errorf("policy off: got published=%v queued=%v, want queued", out.Published, out.Queued)
	}
	if classifier.calls != 0 {
		t.Error("policy off must not invoke the classifier")
	}
	if queue.PendingCount() != 1 {
		t.Errorf("PendingCount = %d, want 1", queue.PendingCount())
	}
}

func TestPolicyAllAlwaysPublishes(t *testing.T) {
	classifier := &stubClassifier{assessment: Assessment{Level: LevelRisky}}
	gate, _ := newTestGate(t, PolicyAll, classifier)

	out, err := gate.Check(context.Background(), testContent, false)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !out.Published {
		t.Error("policy all should always publish")
	}
	if classifier.calls != 0 {
		t.Error("policy all must not invoke the classifier")
	}
}

func TestPolicyMatrix(t *testing.T) {
	cases := []struct {
		policy      Policy
		level       Level
		wantPublish bool
	}{
		{PolicySafe, LevelSafe, true},
		{PolicySafe, LevelModerate, false},
		{PolicySafe, LevelRisky, false},
		{PolicyNormal, LevelSafe, true},
		{PolicyNormal, LevelModerate, true},
		{PolicyNormal, LevelRisky, false},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%s_%s", tc.policy, tc.level), func(t *testing.T) {
			gate, _ := newTestGate(t, tc.policy, &stubClassifier{assessment: Assessment{Level: tc.level, Reason: "test"}})
			out, err := gate.Check(context.Background(), testContent, false)
			if err != nil {
				t.Fatalf("Check: %v", err)
			}
			if out.Published != tc.wantPublish {
				t.Errorf("policy=%s level=%s: published=%v, want %v", tc.policy, tc.level, out.Published, tc.wantPublish)
			}
			if !tc.wantPublish && !out.Queued {
				t.Error("disallowed content should be queued")
			}
		})
	}
}

func TestClassifierErrorFailsClosed(t *testing.T) {
	classifier := &stubClassifier{err: fmt.Errorf("provider unreachable")}
	gate, queue := newTestGate(t, PolicyNormal, classifier)

	out, err := gate.Check(context.Background(), testContent, false)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if out.Published {
		t.Error("classifier failure must not publish")
	}
	if !out.Queued {
		t.Error("classifier failure should queue")
	}
	if out.Assessment.Level != LevelRisky {
		t.Errorf("Level = %q, want risky", out.Assessment.Level)
	}
	if queue.PendingCount() != 1 {
		t.Errorf("PendingCount = %d, want 1", queue.PendingCount())
	}
}

func TestUnknownLevelFailsClosed(t *testing.T) {
	classifier := &stubClassifier{assessment: Assessment{Level: "extreme"}}
	gate, _ := newTestGate(t, PolicyNormal, classifier)

	out, err := gate.Check(context.Background(), testContent, false)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if out.Published {
		t.Error("unknown level must not publish")
	}
}

func TestSkipBypassesClassifier(t *testing.T) {
	classifier := &stubClassifier{assessment: Assessment{Level: LevelRisky}}
	gate, _ := newTestGate(t, PolicyOff, classifier)

	out, err := gate.Check(context.Background(), testContent, true)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !out.Published {
		t.Error("skip should publish directly even under policy off")
	}
	if classifier.calls != 0 {
		t.Error("skip must not re-invoke the classifier")
	}
}

func TestQueuedApprovalCarriesContent(t *testing.T) {
	classifier := &stubClassifier{assessment: Assessment{Level: LevelRisky, Reason: "mentions revenue"}}
	gate, queue := newTestGate(t, PolicyNormal, classifier)

	out, err := gate.Check(context.Background(), testContent, false)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	apr, err := queue.Get(out.ApprovalID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if apr.Title != testContent.Title || apr.Description != testContent.Body {
		t.Errorf("approval content = %q/%q", apr.Title, apr.Description)
	}
	if apr.Metadata["channel"] != "general" {
		t.Errorf("channel = %q", apr.Metadata["channel"])
	}
	if apr.Metadata["risk_level"] != "risky" {
		t.Errorf("risk_level = %q", apr.Metadata["risk_level"])
	}
	if apr.Metadata["risk_reason"] != "mentions revenue" {
		t.Errorf("risk_reason = %q", apr.Metadata["risk_reason"])
	}
}

func TestLLMClassifierParsesStrictJSON(t *testing.T) {
	mock := provider.NewMockProvider([]*provider.CompletionResponse{{
		Content: `{"risk_level":"moderate","reason":"discusses strategy"}`,
	}}, nil)
	c := NewLLMClassifier(mock, "small-model", MemorySourceFunc(func(context.Context) ([]string, error) {
		return []string{"Q3 revenue is $1.2M"}, nil
	}))

	a, err := c.Classify(context.Background(), testContent)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if a.Level != LevelModerate {
		t.Errorf("Level = %q, want moderate", a.Level)
	}

	calls := mock.Calls()
	if len(calls) != 1 {
		t.Fatalf("provider called %d times, want 1", len(calls))
	}
	prompt := calls[0].Messages[1].Content
	if !strings.Contains(prompt, "Q3 revenue is $1.2M") {
		t.Error("prompt should include the sensitive items")
	}
	if !strings.Contains(prompt, testContent.Body) {
		t.Error("prompt should include the candidate body")
	}
}

func TestLLMClassifierFencedJSON(t *testing.T) {
	mock := provider.NewMockProvider([]*provider.CompletionResponse{{
		Content: "```json\n{\"risk_level\":\"safe\",\"reason\":\"nothing sensitive\"}\n```",
	}}, nil)
	c := NewLLMClassifier(mock, "small-model", nil)

	a, err := c.Classify(context.Background(), testContent)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if a.Level != LevelSafe {
		t.Errorf("Level = %q, want safe", a.Level)
	}
}

func TestLLMClassifierMalformedOutput(t *testing.T) {
	mock := provider.NewMockProvider([]*provider.CompletionResponse{{
		Content: "I think this looks fine to post.",
	}}, nil)
	c := NewLLMClassifier(mock, "small-model", nil)

	if _, err := c.Classify(context.Background(), testContent); err == nil {
		t.Fatal("prose output should be an error so the gate fails closed")
	}
}

func TestLLMClassifierInvalidLevel(t *testing.T) {
	mock := provider.NewMockProvider([]*provider.CompletionResponse{{
		Content: `{"risk_level":"fine","reason":"ok"}`,
	}}, nil)
	c := NewLLMClassifier(mock, "small-model", nil)

	if _, err := c.Classify(context.Background(), testContent); err == nil {
		t.Fatal("invalid risk_level should be an error")
	}
}

