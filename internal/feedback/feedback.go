// Tonearc - Adaptive Track Preference Model Pipeline
// Copyright 2026 Tonearc Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tonearc/tonearc

// Package feedback collects user ratings and controller telemetry.
//
// Ingestion is deliberately lossy under pressure: producers enqueue
// into bounded channels and never block, and overflow is counted and
// dropped. The collector loop drains the queues into a Badger store
// which is the durable source of training data.
package feedback

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// validate is shared; validator instances cache struct metadata.
var validate = validator.New()

// FeedbackEvent is one user rating of a track.
type FeedbackEvent struct {
	ID         string    `json:"id"`
	TrackID    string    `json:"track_id" validate:"required"`
	Rating     int       `json:"rating" validate:"required,min=1,max=5"`
	Source     string    `json:"source" validate:"required,oneof=ui api import"`
	ReceivedAt time.Time `json:"received_at"`
}

// ControllerEvent is telemetry from a playback controller: skips,
// completions and volume context used as implicit preference signal.
type ControllerEvent struct {
	ID         string    `json:"id"`
	TrackID    string    `json:"track_id" validate:"required"`
	Action     string    `json:"action" validate:"required,oneof=play skip complete repeat"`
	PlayedPct  float64   `json:"played_pct" validate:"min=0,max=1"`
	ReceivedAt time.Time `json:"received_at"`
}

// ValidationError wraps field-level validation failures so the API
// layer can surface them as client errors.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid feedback: field %q %s", e.Field, e.Reason)
}

// firstViolation converts a validator error into our typed error.
func firstViolation(err error) error {
	var verrs validator.ValidationErrors
	if ok := errors.As(err, &verrs); ok && len(verrs) > 0 {
		return &ValidationError{
			Field:  verrs[0].Field(),
			Reason: fmt.Sprintf("failed %q constraint", verrs[0].Tag()),
		}
	}
	return err
}

// NewFeedbackEvent validates and stamps a rating event.
func NewFeedbackEvent(trackID string, rating int, source string) (FeedbackEvent, error) {
	ev := FeedbackEvent{
		ID:         uuid.NewString(),
		TrackID:    trackID,
		Rating:     rating,
		Source:     source,
		ReceivedAt: time.Now().UTC(),
	}
	if err := validate.Struct(ev); err != nil {
		return FeedbackEvent{}, firstViolation(err)
	}
	return ev, nil
}

// NewControllerEvent validates and stamps a controller telemetry event.
func NewControllerEvent(trackID, action string, playedPct float64) (ControllerEvent, error) {
	ev := ControllerEvent{
		ID:         uuid.NewString(),
		TrackID:    trackID,
		Action:     action,
		PlayedPct:  playedPct,
		ReceivedAt: time.Now().UTC(),
	}
	if err := validate.Struct(ev); err != nil {
		return ControllerEvent{}, firstViolation(err)
	}
	return ev, nil
}
