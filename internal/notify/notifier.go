// Tonearc - Adaptive Track Preference Model Pipeline
// Copyright 2026 Tonearc Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tonearc/tonearc

// Package notify publishes pipeline lifecycle events.
//
// Events flow through an in-process Watermill pub/sub so subscribers
// (log sinks, the optional NATS mirror, tests) attach uniformly. Topics
// are stable strings; payloads are JSON envelopes.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tonearc/tonearc/internal/metrics"
)

// Topics published by the pipeline.
const (
	TopicHealthAlert       = "health.alert"
	TopicTrainingCompleted = "training.completed"
	TopicModelDeployed     = "model.deployed"
)

// Envelope wraps every published payload with identity and timing.
type Envelope struct {
	ID        string          `json:"id"`
	Topic     string          `json:"topic"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Config holds notifier settings.
type Config struct {
	// BufferSize is the per-topic channel buffer.
	BufferSize int
}

// Notifier is the in-process event bus.
type Notifier struct {
	pubsub *gochannel.GoChannel
	logger zerolog.Logger

	mu      sync.Mutex
	mirrors []message.Publisher
	closed  bool
}

// New creates a notifier.
//
//nolint:gocritic // logger passed by value is acceptable for zerolog
func New(cfg Config, logger zerolog.Logger) *Notifier {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 64
	}
	log := logger.With().Str("component", "notify").Logger()

	pubsub := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: int64(cfg.BufferSize),
	}, NewWatermillLogger(log))

	return &Notifier{pubsub: pubsub, logger: log}
}

// AddMirror registers an additional publisher (e.g. NATS) that
// receives a copy of every event. Mirror failures are logged, not
// propagated, so external brokers cannot break the pipeline.
func (n *Notifier) AddMirror(pub message.Publisher) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.mirrors = append(n.mirrors, pub)
}

// Publish wraps the payload in an envelope and emits it.
func (n *Notifier) Publish(topic string, payload any) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return fmt.Errorf("notifier closed")
	}
	mirrors := make([]message.Publisher, len(n.mirrors))
	copy(mirrors, n.mirrors)
	n.mu.Unlock()

	raw, err := json.Marshal(payload)
	if err != nil {
		metrics.EventsPublishedTotal.WithLabelValues(topic, "error").Inc()
		return fmt.Errorf("encoding %s payload: %w", topic, err)
	}
	env := Envelope{
		ID:        uuid.NewString(),
		Topic:     topic,
		Timestamp: time.Now().UTC(),
		Payload:   raw,
	}
	data, err := json.Marshal(env)
	if err != nil {
		metrics.EventsPublishedTotal.WithLabelValues(topic, "error").Inc()
		return fmt.Errorf("encoding %s envelope: %w", topic, err)
	}

	msg := message.NewMessage(env.ID, data)
	if err := n.pubsub.Publish(topic, msg); err != nil {
		metrics.EventsPublishedTotal.WithLabelValues(topic, "error").Inc()
		return fmt.Errorf("publishing %s: %w", topic, err)
	}
	metrics.EventsPublishedTotal.WithLabelValues(topic, "ok").Inc()

	for _, m := range mirrors {
		mirror := message.NewMessage(env.ID, data)
		if err := m.Publish(topic, mirror); err != nil {
			n.logger.Warn().Err(err).Str("topic", topic).Msg("mirror publish failed")
		}
	}
	return nil
}

// Subscribe delivers decoded envelopes for one topic to fn until ctx
// is cancelled. It returns after the subscription is established.
func (n *Notifier) Subscribe(ctx context.Context, topic string, fn func(Envelope)) error {
	msgs, err := n.pubsub.Subscribe(ctx, topic)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", topic, err)
	}
	go func() {
		for msg := range msgs {
			var env Envelope
			if err := json.Unmarshal(msg.Payload, &env); err != nil {
				n.logger.Warn().Err(err).Str("topic", topic).Msg("dropping undecodable event")
				msg.Ack()
				continue
			}
			fn(env)
			msg.Ack()
		}
	}()
	return nil
}

// Close shuts the bus down. Pending buffered events are discarded.
func (n *Notifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true
	return n.pubsub.Close()
}

// HealthAlertEvent is the health.alert payload.
type HealthAlertEvent struct {
	Status    string  `json:"status"`
	Score     float64 `json:"score"`
	ErrorRate float64 `json:"error_rate"`
}

// TrainingCompletedEvent is the training.completed payload.
type TrainingCompletedEvent struct {
	ModelType     string  `json:"model_type"`
	TrainingRunID string  `json:"training_run_id"`
	Version       int     `json:"version"`
	SampleCount   int     `json:"sample_count"`
	MSE           float64 `json:"mse"`
	Promoted      bool    `json:"promoted"`
}

// ModelDeployedEvent is the model.deployed payload.
type ModelDeployedEvent struct {
	ModelType   string `json:"model_type"`
	Version     int    `json:"version"`
	PrevVersion int    `json:"prev_version"`
	Rollback    bool   `json:"rollback"`
}
