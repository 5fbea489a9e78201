/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package metrics defines Prometheus metrics for the dispatch core and the
// commons service.
//
// Metric naming follows Prometheus conventions:
//   - agora_ prefix for all custom metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// DispatchesTotal counts skill dispatches by skill, strategy, and
	// terminal status.
	DispatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agora_dispatches_total",
			Help: "Total skill dispatches by skill, strategy, and status.",
		},
		[]string{"skill", "strategy", "status"},
	)

	// DispatchDurationSeconds is a histogram of dispatch duration by
	// strategy.
	DispatchDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agora_dispatch_duration_seconds",
			Help:    "Duration of skill dispatches in seconds.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"strategy"},
	)

	// TokensUsedTotal counts tokens consumed by model.
	TokensUsedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agora_tokens_used_total",
			Help: "Total tokens consumed by LLM dispatches.",
		},
		[]string{"model"},
	)

	// CostUSDTotal accumulates estimated spend by model.
	CostUSDTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agora_cost_usd_total",
			Help: "Estimated LLM spend in USD.",
		},
		[]string{"model"},
	)

	// RiskClassificationsTotal counts risk gate verdicts by level.
	RiskClassificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agora_risk_classifications_total",
			Help: "Risk gate classifications by resulting level.",
		},
		[]string{"level"},
	)

	// ApprovalsPending is the current depth of the approval queue.
	ApprovalsPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agora_approvals_pending",
			Help: "Approvals currently awaiting a human decision.",
		},
	)

	// SignatureFailuresTotal counts rejected signed requests by reason.
	SignatureFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agora_signature_failures_total",
			Help: "Signed requests rejected by the verifier, by reason.",
		},
		[]string{"reason"},
	)

	// RateLimitBlocksTotal counts requests denied by the rate limiter.
	RateLimitBlocksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agora_ratelimit_blocks_total",
			Help: "Requests denied by the rate limiter, by endpoint.",
		},
		[]string{"endpoint"},
	)

	// HeartbeatsTotal counts accepted heartbeats.
	HeartbeatsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agora_heartbeats_total",
			Help: "Accepted instance heartbeats.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		DispatchesTotal,
		DispatchDurationSeconds,
		TokensUsedTotal,
		CostUSDTotal,
		RiskClassificationsTotal,
		ApprovalsPending,
		SignatureFailuresTotal,
		RateLimitBlocksTotal,
		HeartbeatsTotal,
	)
}

// RecordDispatch records metrics for one completed dispatch.
func RecordDispatch(skill, strategy, status string, duration time.Duration) {
	DispatchesTotal.WithLabelValues(skill, strategy, status).Inc()
	DispatchDurationSeconds.WithLabelValues(strategy).Observe(duration.Seconds())
}

// RecordTokens records LLM usage for one dispatch.
func RecordTokens(model string, tokens int, costUSD float64) {
	TokensUsedTotal.WithLabelValues(model).Add(float64(tokens))
	CostUSDTotal.WithLabelValues(model).Add(costUSD)
}

// RecordRiskClassification records one risk gate verdict.
func RecordRiskClassification(level string) {
	RiskClassificationsTotal.WithLabelValues(level).Inc()
}

// RecordSignatureFailure records one rejected signed request.
func RecordSignatureFailure(reason string) {
	SignatureFailuresTotal.WithLabelValues(reason).Inc()
}

// RecordRateLimitBlock records one rate-limited request.
func RecordRateLimitBlock(endpoint string) {
	RateLimitBlocksTotal.WithLabelValues(endpoint).Inc()
}
