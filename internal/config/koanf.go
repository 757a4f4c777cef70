// Tonearc - Adaptive Track Preference Model Pipeline
// Copyright 2026 Tonearc Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tonearc/tonearc

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths where config files are searched in
// order of priority. The first file found wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/tonearc/config.yaml",
	"/etc/tonearc/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// defaultConfig returns a Config with all default values. Defaults are
// applied first, then overridden by the config file and env vars.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8466,
			Timeout:         30 * time.Second,
			RateLimitReqs:   100,
			RateLimitWindow: time.Minute,
		},
		Registry: RegistryConfig{
			ArtifactRoot:    "/data/tonearc/artifacts",
			PromotionMargin: 0.05,
			KeepVersions:    10,
		},
		Pipeline: PipelineConfig{
			ModelType:           "preference",
			RetrainThreshold:    50,
			MinRetrainInterval:  time.Hour,
			DecisionInterval:    30 * time.Second,
			CollectInterval:     time.Second,
			TrainingTimeout:     10 * time.Minute,
			StopTimeout:         15 * time.Second,
			FeedbackQueueSize:   1024,
			ControllerQueueSize: 1024,
			CanaryPercent:       0,
		},
		Health: HealthConfig{
			ProbeInterval:           60 * time.Second,
			ProbeTimeout:            2 * time.Second,
			AlertThreshold:          0.80,
			HistoryRetention:        7 * 24 * time.Hour,
			PruneInterval:           time.Hour,
			OnDemandProbesPerMinute: 30,
		},
		Similarity: SimilarityConfig{
			CatalogPath: "/data/tonearc/catalog.json",
			Metric:      "cosine",
			DefaultK:    10,
			MaxK:        100,
		},
		Feedback: FeedbackConfig{
			Path:     "/data/tonearc/feedback",
			InMemory: false,
		},
		Events: EventsConfig{
			NATSEnabled: false,
			NATSURL:     "nats://127.0.0.1:4222",
			BufferSize:  256,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// Load loads configuration with layered sources: defaults, then an
// optional YAML file, then environment variables. The result is
// validated before it is returned.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// findConfigFile returns the first existing config file path, or "".
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envTransformFunc maps environment variable names to koanf paths.
// Unmapped variables are dropped so that unrelated environment noise
// cannot pollute the configuration.
func envTransformFunc(key string) string {
	mappings := map[string]string{
		"http_host":           "server.host",
		"http_port":           "server.port",
		"http_timeout":        "server.timeout",
		"rate_limit_requests": "server.rate_limit_reqs",
		"rate_limit_window":   "server.rate_limit_window",

		"artifact_root":    "registry.artifact_root",
		"promotion_margin": "registry.promotion_margin",
		"keep_versions":    "registry.keep_versions",

		"model_type":            "pipeline.model_type",
		"retrain_threshold":     "pipeline.retrain_threshold",
		"min_retrain_interval":  "pipeline.min_retrain_interval",
		"decision_interval":     "pipeline.decision_interval",
		"collect_interval":      "pipeline.collect_interval",
		"training_timeout":      "pipeline.training_timeout",
		"stop_timeout":          "pipeline.stop_timeout",
		"feedback_queue_size":   "pipeline.feedback_queue_size",
		"controller_queue_size": "pipeline.controller_queue_size",
		"canary_percent":        "pipeline.canary_percent",

		"health_probe_interval":   "health.probe_interval",
		"health_probe_timeout":    "health.probe_timeout",
		"health_alert_threshold":  "health.alert_threshold",
		"health_retention":        "health.history_retention",
		"health_prune_interval":   "health.prune_interval",
		"health_probes_per_min":   "health.on_demand_probes_per_minute",
		"similarity_catalog_path": "similarity.catalog_path",
		"similarity_metric":       "similarity.metric",
		"similarity_default_k":    "similarity.default_k",
		"similarity_max_k":        "similarity.max_k",
		"feedback_path":           "feedback.path",
		"feedback_in_memory":      "feedback.in_memory",
		"events_nats_enabled":     "events.nats_enabled",
		"events_nats_url":         "events.nats_url",
		"events_buffer_size":      "events.buffer_size",

		"log_level":  "logging.level",
		"log_format": "logging.format",
		"log_caller": "logging.caller",
	}

	if mapped, ok := mappings[strings.ToLower(key)]; ok {
		return mapped
	}
	return ""
}
