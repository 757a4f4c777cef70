// Tonearc - Adaptive Track Preference Model Pipeline
// Copyright 2026 Tonearc Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tonearc/tonearc

package feedback

import (
	"github.com/rs/zerolog"

	"github.com/tonearc/tonearc/internal/metrics"
)

// Queue is a bounded ingestion buffer. Enqueue never blocks: when the
// buffer is full the event is dropped and counted, because a slow
// collector must not stall the request path.
type Queue[T any] struct {
	ch     chan T
	kind   string
	logger zerolog.Logger
}

// NewQueue creates a queue with the given capacity. The kind labels
// metrics and logs ("feedback" or "controller").
//
//nolint:gocritic // logger passed by value is acceptable for zerolog
func NewQueue[T any](kind string, capacity int, logger zerolog.Logger) *Queue[T] {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Queue[T]{
		ch:     make(chan T, capacity),
		kind:   kind,
		logger: logger.With().Str("component", "queue").Str("kind", kind).Logger(),
	}
}

// Enqueue buffers an event, reporting whether it was accepted.
func (q *Queue[T]) Enqueue(ev T) bool {
	select {
	case q.ch <- ev:
		metrics.FeedbackQueued.WithLabelValues(q.kind).Inc()
		metrics.FeedbackQueueDepth.WithLabelValues(q.kind).Set(float64(len(q.ch)))
		return true
	default:
		metrics.FeedbackDropped.WithLabelValues(q.kind).Inc()
		q.logger.Warn().Msg("queue full, event dropped")
		return false
	}
}

// Drain removes up to max buffered events without blocking.
func (q *Queue[T]) Drain(max int) []T {
	var out []T
	for len(out) < max {
		select {
		case ev := <-q.ch:
			out = append(out, ev)
		default:
			metrics.FeedbackQueueDepth.WithLabelValues(q.kind).Set(float64(len(q.ch)))
			return out
		}
	}
	metrics.FeedbackQueueDepth.WithLabelValues(q.kind).Set(float64(len(q.ch)))
	return out
}

// Len reports the number of buffered events.
func (q *Queue[T]) Len() int { return len(q.ch) }
