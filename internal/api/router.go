// Tonearc - Adaptive Track Preference Model Pipeline
// Copyright 2026 Tonearc Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tonearc/tonearc

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterConfig tunes the control surface.
type RouterConfig struct {
	// RateLimitRequests is the per-IP request budget per window.
	RateLimitRequests int

	// RateLimitWindow is the rate limit window.
	RateLimitWindow time.Duration
}

// NewRouter builds the chi router with the standard middleware stack.
func (h *Handler) NewRouter(cfg RouterConfig) http.Handler {
	if cfg.RateLimitRequests <= 0 {
		cfg.RateLimitRequests = 100
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(requestLogger(h.logger))
	r.Use(prometheusMiddleware)

	// Liveness and metrics stay outside the rate limit so scrapers and
	// orchestrators are never throttled.
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(httprate.LimitByIP(cfg.RateLimitRequests, cfg.RateLimitWindow))

		r.Get("/status", h.handleStatus)
		r.Get("/health", h.handleHealth)
		r.Get("/health/history", h.handleHealthHistory)
		r.Get("/models", h.handleModels)
		r.Get("/similar/{trackID}", h.handleSimilar)

		r.Post("/feedback", h.handleFeedback)
		r.Post("/controller", h.handleController)
		r.Post("/train", h.handleTrain)
		r.Post("/rollback", h.handleRollback)
	})

	return r
}
