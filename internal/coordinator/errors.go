// Tonearc - Adaptive Track Preference Model Pipeline
// Copyright 2026 Tonearc Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tonearc/tonearc

package coordinator

import (
	"errors"
	"fmt"
)

// ErrNoTrainingData indicates no feedback could be joined to track
// features, so there is nothing to fit.
var ErrNoTrainingData = errors.New("coordinator: no training data")

// ConcurrentTrainingError is returned when a retrain trigger arrives
// while a run is already in flight. The trigger is coalesced, not
// queued: the in-flight run will see the same accumulated feedback.
type ConcurrentTrainingError struct {
	ModelType string
}

func (e *ConcurrentTrainingError) Error() string {
	return fmt.Sprintf("training already in flight for %s", e.ModelType)
}

// DeploymentBlockedError is returned when a challenger won evaluation
// but promotion was withheld because serving health is critical. The
// challenger version stays in the registry for later promotion.
type DeploymentBlockedError struct {
	ModelType string
	Version   int
}

func (e *DeploymentBlockedError) Error() string {
	return fmt.Sprintf("deployment of %s v%d blocked: serving health is critical", e.ModelType, e.Version)
}
