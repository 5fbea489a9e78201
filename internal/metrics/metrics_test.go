/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func getCounterValue(cv *prometheus.CounterVec, labels ...string) float64 {
	m := &dto.Metric{}
	if err := cv.WithLabelValues(labels...).Write(m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

func getGaugeValue(g prometheus.Gauge) float64 {
	m := &dto.Metric{}
	if err := g.Write(m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}

func getHistogramCount(hv *prometheus.HistogramVec, labels ...string) uint64 {
	m := &dto.Metric{}
	observer := hv.WithLabelValues(labels...)
	if c, ok := observer.(prometheus.Metric); ok {
		if err := c.Write(m); err != nil {
			return 0
		}
		return m.GetHistogram().GetSampleCount()
	}
	return 0
}

func TestRecordDispatch(t *testing.T) {
	RecordDispatch("forum-post", "declarative", "success", 250*time.Millisecond)

	if val := getCounterValue(DispatchesTotal, "forum-post", "declarative", "success"); val < 1 {
		t.Errorf("DispatchesTotal = %f, want >= 1", val)
	}
	if count := getHistogramCount(DispatchDurationSeconds, "declarative"); count < 1 {
		t.Errorf("DispatchDurationSeconds sample count = %d, want >= 1", count)
	}
}

func TestRecordTokens(t *testing.T) {
	RecordTokens("claude-haiku", 1500, 0.002)

	if val := getCounterValue(TokensUsedTotal, "claude-haiku"); val < 1500 {
		t.Errorf("TokensUsedTotal = %f, want >= 1500", val)
	}
	if val := getCounterValue(CostUSDTotal, "claude-haiku"); val <= 0 {
		t.Errorf("CostUSDTotal = %f, want > 0", val)
	}
}

func TestRecordSignatureFailure(t *testing.T) {
	RecordSignatureFailure("stale_timestamp")
	RecordSignatureFailure("stale_timestamp")

	if val := getCounterValue(SignatureFailuresTotal, "stale_timestamp"); val < 2 {
		t.Errorf("SignatureFailuresTotal = %f, want >= 2", val)
	}
}

func TestApprovalsPendingGauge(t *testing.T) {
	ApprovalsPending.Set(0)
	ApprovalsPending.Inc()
	ApprovalsPending.Inc()

	if val := getGaugeValue(ApprovalsPending); val != 2 {
		t.Errorf("ApprovalsPending = %f, want 2", val)
	}

	ApprovalsPending.Dec()
	if val := getGaugeValue(ApprovalsPending); val != 1 {
		t.Errorf("ApprovalsPending after Dec = %f, want 1", val)
	}
}

func TestLabelIsolation(t *testing.T) {
	RecordDispatch("skill-a", "llm", "success", time.Second)
	RecordDispatch("skill-b", "llm", "failed", time.Second)

	if val := getCounterValue(DispatchesTotal, "skill-a", "llm", "failed"); val != 0 {
		t.Errorf("skill-a failed = %f, want 0", val)
	}
	if val := getCounterValue(DispatchesTotal, "skill-b", "llm", "failed"); val < 1 {
		t.Errorf("skill-b failed = %f, want >= 1", val)
	}
}
