// Tonearc - Adaptive Track Preference Model Pipeline
// Copyright 2026 Tonearc Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tonearc/tonearc

package api

import (
	"net/http"
	"time"

	json "github.com/goccy/go-json"

	"github.com/tonearc/tonearc/internal/logging"
)

// APIResponse is the uniform response envelope.
type APIResponse struct {
	Status    string    `json:"status"`
	Data      any       `json:"data,omitempty"`
	Error     *APIError `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// APIError carries a machine-readable code plus a human message.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// respondJSON writes a success envelope.
func respondJSON(w http.ResponseWriter, status int, data any) {
	writeEnvelope(w, status, &APIResponse{
		Status:    "ok",
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
}

// respondError writes an error envelope.
func respondError(w http.ResponseWriter, status int, code, message string) {
	writeEnvelope(w, status, &APIResponse{
		Status:    "error",
		Error:     &APIError{Code: code, Message: message},
		Timestamp: time.Now().UTC(),
	})
}

func writeEnvelope(w http.ResponseWriter, status int, resp *APIResponse) {
	w.Header().Set("Content-Type", "application/json")

	data, err := json.Marshal(resp)
	if err != nil {
		logging.Error().Err(err).Msg("marshaling API response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		logging.Error().Err(err).Msg("writing API response")
	}
}
