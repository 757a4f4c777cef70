// Tonearc - Adaptive Track Preference Model Pipeline
// Copyright 2026 Tonearc Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tonearc/tonearc

package coordinator

// PipelineState is the retraining pipeline's lifecycle state. Idle
// means no worker loops are live; Running is the steady state while
// they are. A run walks Training, Evaluating and possibly Deploying
// before returning to the steady state. Failed is transient: the
// pipeline records the error and recovers on the next operation.
type PipelineState int

const (
	StateIdle PipelineState = iota
	StateRunning
	StateTraining
	StateEvaluating
	StateDeploying
	StateRollingBack
	StateFailed
)

// String returns a stable machine-readable state name.
func (s PipelineState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateTraining:
		return "training"
	case StateEvaluating:
		return "evaluating"
	case StateDeploying:
		return "deploying"
	case StateRollingBack:
		return "rolling_back"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}
