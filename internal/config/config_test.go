// Tonearc - Adaptive Track Preference Model Pipeline
// Copyright 2026 Tonearc Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tonearc/tonearc

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := defaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config failed validation: %v", err)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port zero", func(c *Config) { c.Server.Port = 0 }},
		{"port too large", func(c *Config) { c.Server.Port = 70000 }},
		{"rate limit zero", func(c *Config) { c.Server.RateLimitReqs = 0 }},
		{"empty artifact root", func(c *Config) { c.Registry.ArtifactRoot = "" }},
		{"promotion margin above one", func(c *Config) { c.Registry.PromotionMargin = 1.5 }},
		{"keep versions zero", func(c *Config) { c.Registry.KeepVersions = 0 }},
		{"empty model type", func(c *Config) { c.Pipeline.ModelType = "" }},
		{"retrain threshold zero", func(c *Config) { c.Pipeline.RetrainThreshold = 0 }},
		{"negative retrain interval", func(c *Config) { c.Pipeline.MinRetrainInterval = -time.Minute }},
		{"feedback queue zero", func(c *Config) { c.Pipeline.FeedbackQueueSize = 0 }},
		{"canary percent above 100", func(c *Config) { c.Pipeline.CanaryPercent = 101 }},
		{"alert threshold above one", func(c *Config) { c.Health.AlertThreshold = 1.1 }},
		{"probe timeout zero", func(c *Config) { c.Health.ProbeTimeout = 0 }},
		{"probe timeout exceeds interval", func(c *Config) {
			c.Health.ProbeInterval = time.Second
			c.Health.ProbeTimeout = 2 * time.Second
		}},
		{"empty catalog path", func(c *Config) { c.Similarity.CatalogPath = "" }},
		{"unknown similarity metric", func(c *Config) { c.Similarity.Metric = "manhattan" }},
		{"default k above max k", func(c *Config) {
			c.Similarity.DefaultK = 200
			c.Similarity.MaxK = 100
		}},
		{"empty feedback path", func(c *Config) { c.Feedback.Path = "" }},
		{"events buffer zero", func(c *Config) { c.Events.BufferSize = 0 }},
		{"unknown log level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"unknown log format", func(c *Config) { c.Logging.Format = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error, got nil")
			}
		})
	}
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	t.Setenv("HTTP_PORT", "9999")
	t.Setenv("PROMOTION_MARGIN", "0.10")
	t.Setenv("RETRAIN_THRESHOLD", "25")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("port = %d, want 9999", cfg.Server.Port)
	}
	if cfg.Registry.PromotionMargin != 0.10 {
		t.Errorf("promotion margin = %v, want 0.10", cfg.Registry.PromotionMargin)
	}
	if cfg.Pipeline.RetrainThreshold != 25 {
		t.Errorf("retrain threshold = %d, want 25", cfg.Pipeline.RetrainThreshold)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("log level = %q, want debug", cfg.Logging.Level)
	}
	// Untouched fields keep their defaults.
	if cfg.Similarity.Metric != "cosine" {
		t.Errorf("similarity metric = %q, want cosine", cfg.Similarity.Metric)
	}
}

func TestLoadIgnoresUnmappedEnvVars(t *testing.T) {
	t.Setenv("TONEARC_BOGUS_SETTING", "whatever")
	t.Setenv("PATH_INFO", "noise")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8466 {
		t.Errorf("port = %d, want default 8466", cfg.Server.Port)
	}
}

func TestLoadReadsConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
server:
  port: 9001
pipeline:
  retrain_threshold: 5
feedback:
  in_memory: true
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	t.Setenv(ConfigPathEnvVar, path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9001 {
		t.Errorf("port = %d, want 9001", cfg.Server.Port)
	}
	if cfg.Pipeline.RetrainThreshold != 5 {
		t.Errorf("retrain threshold = %d, want 5", cfg.Pipeline.RetrainThreshold)
	}
	if !cfg.Feedback.InMemory {
		t.Error("feedback.in_memory = false, want true from file")
	}
	// File leaves the rest at defaults.
	if cfg.Registry.KeepVersions != 10 {
		t.Errorf("keep versions = %d, want default 10", cfg.Registry.KeepVersions)
	}
}

func TestEnvOverridesConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 9001\n"), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	t.Setenv(ConfigPathEnvVar, path)
	t.Setenv("HTTP_PORT", "9002")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9002 {
		t.Errorf("port = %d, want env override 9002", cfg.Server.Port)
	}
}

func TestEnvTransformFunc(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"HTTP_PORT", "server.port"},
		{"http_port", "server.port"},
		{"SIMILARITY_CATALOG_PATH", "similarity.catalog_path"},
		{"EVENTS_NATS_URL", "events.nats_url"},
		{"HOME", ""},
		{"UNRELATED", ""},
	}
	for _, tt := range tests {
		if got := envTransformFunc(tt.in); got != tt.want {
			t.Errorf("envTransformFunc(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
