// Tonearc - Adaptive Track Preference Model Pipeline
// Copyright 2026 Tonearc Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tonearc/tonearc

// Package metrics provides Prometheus instrumentation for Tonearc:
// training pipeline outcomes, registry operations, health scoring,
// similarity query latency, and the HTTP control surface.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Training pipeline metrics
	TrainingRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tonearc_training_runs_total",
			Help: "Training runs by model type and outcome (promoted, held, failed, blocked)",
		},
		[]string{"model_type", "outcome"},
	)

	TrainingCoalescedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tonearc_training_coalesced_total",
			Help: "Retrain triggers coalesced because a run was already in flight",
		},
		[]string{"model_type"},
	)

	TrainingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tonearc_training_duration_seconds",
			Help:    "Duration of trainer invocations in seconds",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 3600},
		},
		[]string{"model_type"},
	)

	DeploymentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tonearc_deployments_total",
			Help: "Model promotions by model type",
		},
		[]string{"model_type"},
	)

	RollbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tonearc_rollbacks_total",
			Help: "Registry rollbacks by model type",
		},
		[]string{"model_type"},
	)

	PipelineState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tonearc_pipeline_state",
			Help: "Current pipeline state (0=idle 1=running 2=training 3=evaluating 4=deploying 5=rolling_back 6=failed)",
		},
		[]string{"model_type"},
	)

	// Feedback queue metrics
	FeedbackQueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tonearc_feedback_queued_total",
			Help: "Feedback events accepted onto the collector queue",
		},
		[]string{"kind"},
	)

	FeedbackDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tonearc_feedback_dropped_total",
			Help: "Feedback events dropped because the queue was full",
		},
		[]string{"kind"},
	)

	FeedbackQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tonearc_feedback_queue_depth",
			Help: "Current collector queue depth",
		},
		[]string{"kind"},
	)

	// Registry metrics
	RegistryOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tonearc_registry_operations_total",
			Help: "Registry operations by kind and result",
		},
		[]string{"operation", "result"},
	)

	// Health metrics
	HealthScore = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tonearc_health_score",
			Help: "Composite serving-path health score (0-1)",
		},
	)

	HealthStatus = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tonearc_health_status",
			Help: "Serving-path health status (0=healthy 1=degraded 2=unhealthy 3=critical)",
		},
	)

	HealthProbeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tonearc_health_probe_duration_seconds",
			Help:    "Duration of serving-path health probes in seconds",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
	)

	HealthAlertsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tonearc_health_alerts_total",
			Help: "Alert callbacks fired on status transitions",
		},
	)

	// Similarity metrics
	SimilarityQueryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tonearc_similarity_query_duration_seconds",
			Help:    "Duration of similarity queries in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
	)

	SimilarityQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tonearc_similarity_queries_total",
			Help: "Similarity queries by result",
		},
		[]string{"result"},
	)

	// API metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tonearc_api_requests_total",
			Help: "API requests by method, endpoint and status code",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tonearc_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"method", "endpoint"},
	)

	// Event notifier metrics
	EventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tonearc_events_published_total",
			Help: "Events published by topic and result",
		},
		[]string{"topic", "result"},
	)
)
