// Tonearc - Adaptive Track Preference Model Pipeline
// Copyright 2026 Tonearc Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tonearc/tonearc

// Package api is the HTTP control surface: feedback ingestion, model
// registry inspection, health reporting, similarity queries and manual
// pipeline triggers.
package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/tonearc/tonearc/internal/coordinator"
	"github.com/tonearc/tonearc/internal/feedback"
	"github.com/tonearc/tonearc/internal/health"
	"github.com/tonearc/tonearc/internal/registry"
	"github.com/tonearc/tonearc/internal/similarity"
)

// Handler holds the components the control surface exposes.
type Handler struct {
	coord    *coordinator.Coordinator
	monitor  *health.Monitor
	index    *similarity.Index
	registry *registry.Registry
	logger   zerolog.Logger
}

// NewHandler creates the API handler set.
//
//nolint:gocritic // logger passed by value is acceptable for zerolog
func NewHandler(coord *coordinator.Coordinator, monitor *health.Monitor, index *similarity.Index, reg *registry.Registry, logger zerolog.Logger) *Handler {
	return &Handler{
		coord:    coord,
		monitor:  monitor,
		index:    index,
		registry: reg,
		logger:   logger.With().Str("component", "api").Logger(),
	}
}

// handleStatus reports the pipeline's current state.
func (h *Handler) handleStatus(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, h.coord.Status())
}

// handleHealth runs a rate-limited on-demand health check.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.monitor.CheckOnDemand(r.Context())
	respondJSON(w, http.StatusOK, h.monitor.Report(r.Context()))
}

// handleHealthHistory returns recent health samples. hours defaults to
// 24 and is capped at the retention window by the monitor.
func (h *Handler) handleHealthHistory(w http.ResponseWriter, r *http.Request) {
	hours := 24
	if v := r.URL.Query().Get("hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "INVALID_PARAMETER", "hours must be a positive integer")
			return
		}
		hours = n
	}
	samples := h.monitor.History(time.Duration(hours) * time.Hour)
	respondJSON(w, http.StatusOK, map[string]any{
		"hours":   hours,
		"samples": samples,
	})
}

type feedbackRequest struct {
	TrackID string `json:"track_id"`
	Rating  int    `json:"rating"`
	Source  string `json:"source"`
}

// handleFeedback ingests one explicit rating.
func (h *Handler) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_BODY", "request body must be valid JSON")
		return
	}
	if req.Source == "" {
		req.Source = "api"
	}

	ev, accepted, err := h.coord.CollectFeedback(req.TrackID, req.Rating, req.Source)
	if err != nil {
		var verr *feedback.ValidationError
		if errors.As(err, &verr) {
			respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", verr.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to ingest feedback")
		return
	}
	if !accepted {
		respondError(w, http.StatusServiceUnavailable, "BACKPRESSURE", "ingestion queue is full, retry later")
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"id": ev.ID})
}

type controllerRequest struct {
	TrackID   string  `json:"track_id"`
	Action    string  `json:"action"`
	PlayedPct float64 `json:"played_pct"`
}

// handleController ingests playback controller telemetry.
func (h *Handler) handleController(w http.ResponseWriter, r *http.Request) {
	var req controllerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_BODY", "request body must be valid JSON")
		return
	}

	ev, accepted, err := h.coord.CollectController(req.TrackID, req.Action, req.PlayedPct)
	if err != nil {
		var verr *feedback.ValidationError
		if errors.As(err, &verr) {
			respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", verr.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to ingest telemetry")
		return
	}
	if !accepted {
		respondError(w, http.StatusServiceUnavailable, "BACKPRESSURE", "ingestion queue is full, retry later")
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"id": ev.ID})
}

type trainRequest struct {
	Force bool `json:"force"`
}

// handleTrain triggers a training run synchronously and reports the
// outcome. Concurrent triggers are coalesced with 409; a challenger
// blocked by critical health reports 503 with the stored version.
func (h *Handler) handleTrain(w http.ResponseWriter, r *http.Request) {
	var req trainRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "INVALID_BODY", "request body must be valid JSON")
			return
		}
	}

	outcome, err := h.coord.Train(r.Context(), req.Force)
	if err != nil {
		var concurrent *coordinator.ConcurrentTrainingError
		if errors.As(err, &concurrent) {
			respondError(w, http.StatusConflict, "TRAINING_IN_FLIGHT", concurrent.Error())
			return
		}
		var blocked *coordinator.DeploymentBlockedError
		if errors.As(err, &blocked) {
			// The challenger is stored; report it alongside the error.
			writeEnvelope(w, http.StatusServiceUnavailable, &APIResponse{
				Status:    "error",
				Data:      outcome,
				Error:     &APIError{Code: "DEPLOYMENT_BLOCKED", Message: blocked.Error()},
				Timestamp: time.Now().UTC(),
			})
			return
		}
		h.logger.Error().Err(err).Msg("manual training failed")
		respondError(w, http.StatusInternalServerError, "TRAINING_FAILED", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, outcome)
}

// handleModels lists stored versions for the pipeline's model type.
func (h *Handler) handleModels(w http.ResponseWriter, _ *http.Request) {
	versions, err := h.registry.ListVersions(h.coord.ModelType())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to list versions")
		return
	}
	respondJSON(w, http.StatusOK, versions)
}

type rollbackRequest struct {
	Version int `json:"version"`
}

// handleRollback repoints the serving model at a stored version.
func (h *Handler) handleRollback(w http.ResponseWriter, r *http.Request) {
	var req rollbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Version <= 0 {
		respondError(w, http.StatusBadRequest, "INVALID_BODY", "version must be a positive integer")
		return
	}

	if err := h.coord.Rollback(req.Version); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			respondError(w, http.StatusNotFound, "VERSION_NOT_FOUND", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "ROLLBACK_FAILED", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"version": req.Version})
}

// handleSimilar serves nearest-neighbor queries.
func (h *Handler) handleSimilar(w http.ResponseWriter, r *http.Request) {
	trackID := chi.URLParam(r, "trackID")

	q := similarity.Query{TrackID: trackID, Category: r.URL.Query().Get("category")}
	if v := r.URL.Query().Get("k"); v != "" {
		k, err := strconv.Atoi(v)
		if err != nil || k < 0 {
			respondError(w, http.StatusBadRequest, "INVALID_PARAMETER", "k must be a non-negative integer")
			return
		}
		q.K = k
	}

	matches, err := h.index.FindSimilar(r.Context(), q)
	if err != nil {
		if errors.Is(err, similarity.ErrTrackNotFound) {
			respondError(w, http.StatusNotFound, "TRACK_NOT_FOUND", "unknown track: "+trackID)
			return
		}
		h.logger.Error().Err(err).Str("track_id", trackID).Msg("similarity query failed")
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "similarity query failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"track_id": trackID,
		"matches":  matches,
	})
}
