// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides Prometheus metrics for the control plane.
//
// Metrics cover the three subsystems: publish pipeline stage outcomes and
// durations, study-set generation, and scrobble resolution. Exposed via the
// /metrics endpoint; all operations are thread-safe via Prometheus's own
// locking.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "resonate"

// Metrics holds the control plane's Prometheus instruments.
type Metrics struct {
	// PublishStagesTotal counts publish stage executions.
	// Labels: stage (start, preflight, anchor, metadata, register, finalize),
	// outcome (ok, <error_code>)
	PublishStagesTotal *prometheus.CounterVec

	// PublishStageSeconds measures per-stage wall time.
	// Labels: stage
	PublishStageSeconds *prometheus.HistogramVec

	// StudySetPacksTotal counts study-set generations.
	// Labels: outcome (ok, error)
	StudySetPacksTotal *prometheus.CounterVec

	// StudySetQuestions counts emitted questions by type.
	// Labels: type (translation, trivia, say_it_back)
	StudySetQuestions *prometheus.CounterVec

	// ResolverStepsTotal counts resolver cascade outcomes.
	// Labels: step (mbid_verified, isrc_matched, fingerprint_matched,
	// text_matched, unresolved)
	ResolverStepsTotal *prometheus.CounterVec
}

// DefaultMetrics is the singleton instance, set by InitMetrics.
var DefaultMetrics *Metrics

// InitMetrics registers the control-plane metrics against the default
// registry. Call once at startup; a second call panics on duplicate
// registration.
func InitMetrics() *Metrics {
	DefaultMetrics = &Metrics{
		PublishStagesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "publish",
				Name:      "stages_total",
				Help:      "Publish stage executions by stage and outcome",
			},
			[]string{"stage", "outcome"},
		),

		PublishStageSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "publish",
				Name:      "stage_duration_seconds",
				Help:      "Publish stage wall time in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 15, 45, 120},
			},
			[]string{"stage"},
		),

		StudySetPacksTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "studyset",
				Name:      "packs_total",
				Help:      "Study-set generation attempts by outcome",
			},
			[]string{"outcome"},
		),

		StudySetQuestions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "studyset",
				Name:      "questions_total",
				Help:      "Emitted study-set questions by type",
			},
			[]string{"type"},
		),

		ResolverStepsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "resolver",
				Name:      "steps_total",
				Help:      "Resolver terminal steps by name",
			},
			[]string{"step"},
		),
	}
	return DefaultMetrics
}

// ObservePublishStage records one stage execution. Safe to call when metrics
// were never initialized, which keeps handler tests registry-free.
func ObservePublishStage(stage, outcome string, elapsed time.Duration) {
	if DefaultMetrics == nil {
		return
	}
	DefaultMetrics.PublishStagesTotal.WithLabelValues(stage, outcome).Inc()
	DefaultMetrics.PublishStageSeconds.WithLabelValues(stage).Observe(elapsed.Seconds())
}

// ObserveStudySet records a generation attempt and its question counts.
func ObserveStudySet(outcome string, questionsByType map[string]int) {
	if DefaultMetrics == nil {
		return
	}
	DefaultMetrics.StudySetPacksTotal.WithLabelValues(outcome).Inc()
	for questionType, n := range questionsByType {
		DefaultMetrics.StudySetQuestions.WithLabelValues(questionType).Add(float64(n))
	}
}

// ObserveResolverStep records the terminal provenance step of a resolution.
func ObserveResolverStep(step string) {
	if DefaultMetrics == nil {
		return
	}
	DefaultMetrics.ResolverStepsTotal.WithLabelValues(step).Inc()
}
