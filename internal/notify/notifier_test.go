// Tonearc - Adaptive Track Preference Model Pipeline
// Copyright 2026 Tonearc Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tonearc/tonearc

package notify

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	json "github.com/goccy/go-json"

	"github.com/tonearc/tonearc/internal/logging"
)

func newTestNotifier(t *testing.T) *Notifier {
	t.Helper()
	n := New(Config{BufferSize: 16}, logging.NewTestLogger(os.Stderr))
	t.Cleanup(func() { _ = n.Close() })
	return n
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	n := newTestNotifier(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var got []Envelope
	done := make(chan struct{})
	err := n.Subscribe(ctx, TopicTrainingCompleted, func(env Envelope) {
		mu.Lock()
		got = append(got, env)
		mu.Unlock()
		close(done)
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	want := TrainingCompletedEvent{
		ModelType:     "preference-ridge",
		TrainingRunID: "run-1",
		Version:       3,
		SampleCount:   120,
		MSE:           0.31,
		Promoted:      true,
	}
	if err := n.Publish(TopicTrainingCompleted, want); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	env := got[0]
	if env.ID == "" || env.Topic != TopicTrainingCompleted || env.Timestamp.IsZero() {
		t.Errorf("envelope fields incomplete: %+v", env)
	}
	var payload TrainingCompletedEvent
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		t.Fatalf("decoding payload: %v", err)
	}
	if payload != want {
		t.Errorf("payload = %+v, want %+v", payload, want)
	}
}

func TestTopicsAreIsolated(t *testing.T) {
	n := newTestNotifier(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alerts := make(chan Envelope, 1)
	if err := n.Subscribe(ctx, TopicHealthAlert, func(env Envelope) { alerts <- env }); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := n.Publish(TopicModelDeployed, ModelDeployedEvent{ModelType: "preference-ridge", Version: 2}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case env := <-alerts:
		t.Errorf("health.alert subscriber received %s event", env.Topic)
	case <-time.After(100 * time.Millisecond):
	}
}

// capturingPublisher records mirrored messages.
type capturingPublisher struct {
	mu     sync.Mutex
	topics []string
	fail   bool
}

func (p *capturingPublisher) Publish(topic string, msgs ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("broker down")
	}
	for range msgs {
		p.topics = append(p.topics, topic)
	}
	return nil
}

func (p *capturingPublisher) Close() error { return nil }

func TestMirrorReceivesCopies(t *testing.T) {
	n := newTestNotifier(t)
	mirror := &capturingPublisher{}
	n.AddMirror(mirror)

	if err := n.Publish(TopicHealthAlert, HealthAlertEvent{Status: "degraded", Score: 0.8}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	mirror.mu.Lock()
	defer mirror.mu.Unlock()
	if len(mirror.topics) != 1 || mirror.topics[0] != TopicHealthAlert {
		t.Errorf("mirror topics = %v, want [%s]", mirror.topics, TopicHealthAlert)
	}
}

func TestMirrorFailureDoesNotPropagate(t *testing.T) {
	n := newTestNotifier(t)
	n.AddMirror(&capturingPublisher{fail: true})

	if err := n.Publish(TopicModelDeployed, ModelDeployedEvent{Version: 1}); err != nil {
		t.Errorf("mirror failure surfaced to publisher: %v", err)
	}
}

func TestPublishAfterCloseFails(t *testing.T) {
	n := New(Config{}, logging.NewTestLogger(os.Stderr))
	if err := n.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := n.Publish(TopicHealthAlert, HealthAlertEvent{Status: "critical"}); err == nil {
		t.Error("Publish succeeded on closed notifier")
	}
	// Close is idempotent.
	if err := n.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
