// Tonearc - Adaptive Track Preference Model Pipeline
// Copyright 2026 Tonearc Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tonearc/tonearc

// Package config provides layered configuration for Tonearc.
//
// Configuration is loaded with Koanf v2 from three layers, highest
// priority last: built-in defaults, an optional YAML config file, and
// environment variables. The resulting Config struct enumerates every
// recognized option; unknown environment variables are ignored.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the root configuration structure.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Registry   RegistryConfig   `koanf:"registry"`
	Pipeline   PipelineConfig   `koanf:"pipeline"`
	Health     HealthConfig     `koanf:"health"`
	Similarity SimilarityConfig `koanf:"similarity"`
	Feedback   FeedbackConfig   `koanf:"feedback"`
	Events     EventsConfig     `koanf:"events"`
	Logging    LoggingConfig    `koanf:"logging"`
}

// ServerConfig holds HTTP control-surface settings.
type ServerConfig struct {
	// Host is the listen address.
	Host string `koanf:"host"`

	// Port is the listen port.
	Port int `koanf:"port" validate:"gte=1,lte=65535"`

	// Timeout bounds request read/write.
	Timeout time.Duration `koanf:"timeout"`

	// RateLimitReqs is the per-IP request budget per RateLimitWindow.
	RateLimitReqs int `koanf:"rate_limit_reqs" validate:"gte=1"`

	// RateLimitWindow is the rate-limit accounting window.
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`
}

// RegistryConfig holds model artifact registry settings.
type RegistryConfig struct {
	// ArtifactRoot is the base directory for versioned model artifacts.
	ArtifactRoot string `koanf:"artifact_root" validate:"required"`

	// PromotionMargin is the minimum relative improvement of the
	// challenger's error metric over the incumbent's required for
	// promotion. 0.05 means 5% better.
	PromotionMargin float64 `koanf:"promotion_margin" validate:"gte=0,lte=1"`

	// KeepVersions is how many non-latest versions Prune retains.
	KeepVersions int `koanf:"keep_versions" validate:"gte=1"`
}

// PipelineConfig holds retrain coordinator settings.
type PipelineConfig struct {
	// ModelType is the model class this coordinator manages.
	ModelType string `koanf:"model_type" validate:"required"`

	// RetrainThreshold is the number of new ratings since the last
	// training that arms the retrain trigger.
	RetrainThreshold int `koanf:"retrain_threshold" validate:"gte=1"`

	// MinRetrainInterval is the minimum wall-clock time between
	// trainings; combined with RetrainThreshold via AND.
	MinRetrainInterval time.Duration `koanf:"min_retrain_interval"`

	// DecisionInterval is the decision loop tick.
	DecisionInterval time.Duration `koanf:"decision_interval"`

	// CollectInterval is the collector loop tick.
	CollectInterval time.Duration `koanf:"collect_interval"`

	// TrainingTimeout bounds a single Trainer invocation.
	TrainingTimeout time.Duration `koanf:"training_timeout"`

	// StopTimeout bounds the join on Stop().
	StopTimeout time.Duration `koanf:"stop_timeout"`

	// FeedbackQueueSize is the feedback channel capacity. Producers
	// never block; events beyond capacity are dropped and counted.
	FeedbackQueueSize int `koanf:"feedback_queue_size" validate:"gte=1"`

	// ControllerQueueSize is the controller-data channel capacity.
	ControllerQueueSize int `koanf:"controller_queue_size" validate:"gte=1"`

	// CanaryPercent is accepted and validated but not wired to traffic
	// splitting; it is a documented extension point.
	CanaryPercent float64 `koanf:"canary_percent" validate:"gte=0,lte=100"`
}

// HealthConfig holds health monitor settings.
type HealthConfig struct {
	// ProbeInterval is the health loop tick.
	ProbeInterval time.Duration `koanf:"probe_interval"`

	// ProbeTimeout bounds a single probe, independent of the interval.
	ProbeTimeout time.Duration `koanf:"probe_timeout"`

	// AlertThreshold is the score at or below which the alert callback
	// fires on status transition.
	AlertThreshold float64 `koanf:"alert_threshold" validate:"gte=0,lte=1"`

	// HistoryRetention is how long samples are kept.
	HistoryRetention time.Duration `koanf:"history_retention"`

	// PruneInterval is the history sweep cadence.
	PruneInterval time.Duration `koanf:"prune_interval"`

	// OnDemandProbesPerMinute rate-limits API-initiated probes.
	OnDemandProbesPerMinute int `koanf:"on_demand_probes_per_minute" validate:"gte=1"`
}

// SimilarityConfig holds similarity index settings.
type SimilarityConfig struct {
	// CatalogPath is the JSON file of track feature vectors.
	CatalogPath string `koanf:"catalog_path" validate:"required"`

	// Metric selects the scoring function: cosine or euclidean.
	Metric string `koanf:"metric" validate:"oneof=cosine euclidean"`

	// DefaultK is the result count when the caller passes k <= 0.
	DefaultK int `koanf:"default_k" validate:"gte=1"`

	// MaxK caps the result count.
	MaxK int `koanf:"max_k" validate:"gte=1"`
}

// FeedbackConfig holds durable feedback store settings.
type FeedbackConfig struct {
	// Path is the BadgerDB directory for accumulated feedback.
	Path string `koanf:"path" validate:"required"`

	// InMemory runs Badger without disk persistence (tests).
	InMemory bool `koanf:"in_memory"`
}

// EventsConfig holds notifier settings.
type EventsConfig struct {
	// NATSEnabled mirrors events to an external NATS server.
	NATSEnabled bool `koanf:"nats_enabled"`

	// NATSURL is the NATS server URL.
	NATSURL string `koanf:"nats_url"`

	// BufferSize is the in-process pubsub channel buffer.
	BufferSize int `koanf:"buffer_size" validate:"gte=1"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error disabled"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}

	// Duration fields cannot carry validate tags usefully; check the
	// ones with hard lower bounds by hand.
	if c.Pipeline.MinRetrainInterval < 0 {
		return fmt.Errorf("config validation: pipeline.min_retrain_interval must not be negative")
	}
	if c.Health.ProbeTimeout <= 0 {
		return fmt.Errorf("config validation: health.probe_timeout must be positive")
	}
	if c.Health.ProbeTimeout >= c.Health.ProbeInterval {
		return fmt.Errorf("config validation: health.probe_timeout must be shorter than health.probe_interval")
	}
	if c.Similarity.DefaultK > c.Similarity.MaxK {
		return fmt.Errorf("config validation: similarity.default_k must not exceed similarity.max_k")
	}
	return nil
}
