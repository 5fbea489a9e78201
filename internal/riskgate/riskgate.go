/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package riskgate decides whether agent-authored public content is
// published immediately or diverted to the approval queue. The decision
// combines a per-surface auto-post policy with a content-risk
// classification; any classifier failure degrades to the safest verdict.
package riskgate

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/agora-collective/agora/internal/approval"
	"github.com/agora-collective/agora/internal/metrics"
	"github.com/agora-collective/agora/internal/telemetry"
)

// Policy is a surface's auto-post setting.
type Policy string

const (
	// PolicyOff never auto-publishes; everything queues.
	PolicyOff Policy = "off"
	// PolicySafe publishes only content classified safe.
	PolicySafe Policy = "safe"
	// PolicyNormal publishes safe and moderate content.
	PolicyNormal Policy = "normal"
	// PolicyAll publishes everything without classification.
	PolicyAll Policy = "all"
)

// ValidPolicy reports whether p is a known policy value.
func ValidPolicy(p Policy) bool {
	switch p {
	case PolicyOff, PolicySafe, PolicyNormal, PolicyAll:
		return true
	}
	return false
}

// Level is a classified content-risk level.
type Level string

const (
	LevelSafe     Level = "safe"
	LevelModerate Level = "moderate"
	LevelRisky    Level = "risky"
)

// Assessment is the classifier's verdict for one piece of content. Never
// cached or reused across different content.
type Assessment struct {
	Level  Level  `json:"risk_level"`
	Reason string `json:"reason"`
}

// allows applies the policy matrix. risky never auto-publishes below
// PolicyAll.
func (p Policy) allows(level Level) bool {
	switch p {
	case PolicyAll:
		return true
	case PolicyNormal:
		return level == LevelSafe || level == LevelModerate
	case PolicySafe:
		return level == LevelSafe
	default:
		return false
	}
}

// Content is a candidate public post.
type Content struct {
	Surface string // e.g. "forum"
	Channel string
	Title   string
	Body    string
}

// Outcome reports what the gate did with the content. Queued is a
// successful outcome, not an error: the agent's request was fulfilled by
// queuing.
type Outcome struct {
	Published  bool
	Queued     bool
	ApprovalID string
	Assessment Assessment
}

// Classifier judges whether content leaks any of a set of sensitive items.
type Classifier interface {
	Classify(ctx context.Context, content Content) (Assessment, error)
}

// PolicyResolver returns the auto-post policy for a surface.
type PolicyResolver func(surface string) Policy

// Gate wires policy, classifier, and approval queue together.
type Gate struct {
	resolve    PolicyResolver
	classifier Classifier
	queue      *approval.Queue
	logger     *zap.Logger
}

func New(resolve PolicyResolver, classifier Classifier, queue *approval.Queue, logger *zap.Logger) *Gate {
	return &Gate{resolve: resolve, classifier: classifier, queue: queue, logger: logger}
}

// Check runs the gate for one piece of content. skip bypasses both policy
// and classifier; it may only be set by the approval resubmission path,
// never by the agent itself.
func (g *Gate) Check(ctx context.Context, content Content, skip bool) (Outcome, error) {
	if skip {
		return Outcome{Published: true}, nil
	}

	policy := g.resolve(content.Surface)
	ctx, span := telemetry.StartRiskGateSpan(ctx, content.Surface, string(policy))

	switch policy {
	case PolicyOff:
		out, err := g.divert(content, policy, Assessment{})
		telemetry.EndRiskGateSpan(span, "", false)
		return out, err
	case PolicyAll:
		telemetry.EndRiskGateSpan(span, "", true)
		return Outcome{Published: true}, nil
	}

	assessment := g.classify(ctx, content)
	metrics.RecordRiskClassification(string(assessment.Level))

	if policy.allows(assessment.Level) {
		telemetry.EndRiskGateSpan(span, string(assessment.Level), true)
		return Outcome{Published: true, Assessment: assessment}, nil
	}

	out, err := g.divert(content, policy, assessment)
	telemetry.EndRiskGateSpan(span, string(assessment.Level), false)
	return out, err
}

// classify runs a single classification pass. Provider outages and
// malformed verdicts degrade to risky rather than surfacing an error.
func (g *Gate) classify(ctx context.Context, content Content) Assessment {
	assessment, err := g.classifier.Classify(ctx, content)
	if err != nil {
		g.logger.Warn("risk classification failed, treating as risky",
			zap.String("surface", content.Surface),
			zap.Error(err))
		return Assessment{Level: LevelRisky, Reason: fmt.Sprintf("classification unavailable: %v", err)}
	}
	switch assessment.Level {
	case LevelSafe, LevelModerate, LevelRisky:
		return assessment
	default:
		g.logger.Warn("classifier returned unknown risk level, treating as risky",
			zap.String("level", string(assessment.Level)))
		return Assessment{Level: LevelRisky, Reason: fmt.Sprintf("unknown risk level %q", assessment.Level)}
	}
}

func (g *Gate) divert(content Content, policy Policy, assessment Assessment) (Outcome, error) {
	apr, err := g.queue.Submit("post", content.Title, content.Body, map[string]string{
		"surface":     content.Surface,
		"channel":     content.Channel,
		"policy":      string(policy),
		"risk_level":  string(assessment.Level),
		"risk_reason": assessment.Reason,
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("queue for approval: %w", err)
	}
	metrics.ApprovalsPending.Inc()
	g.logger.Info("post queued for approval",
		zap.String("approval_id", apr.ID),
		zap.String("surface", content.Surface),
		zap.String("risk_level", string(assessment.Level)))
	return Outcome{Queued: true, ApprovalID: apr.ID, Assessment: assessment}, nil
}
