// Tonearc - Adaptive Track Preference Model Pipeline
// Copyright 2026 Tonearc Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tonearc/tonearc

package coordinator

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/tonearc/tonearc/internal/feedback"
	"github.com/tonearc/tonearc/internal/health"
	"github.com/tonearc/tonearc/internal/logging"
	"github.com/tonearc/tonearc/internal/notify"
	"github.com/tonearc/tonearc/internal/registry"
	"github.com/tonearc/tonearc/internal/similarity"
	"github.com/tonearc/tonearc/internal/trainer"
)

// stubTrainer returns scripted metrics, one per call, and can block to
// simulate a long-running fit.
type stubTrainer struct {
	mu      sync.Mutex
	mses    []float64
	calls   int
	release chan struct{}
	err     error
}

func (s *stubTrainer) ModelType() string { return "preference-ridge" }

func (s *stubTrainer) Train(ctx context.Context, ds trainer.Dataset) (trainer.Result, error) {
	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
			return trainer.Result{}, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return trainer.Result{}, s.err
	}
	i := s.calls
	if i >= len(s.mses) {
		i = len(s.mses) - 1
	}
	s.calls++
	return trainer.Result{
		Artifact:    []byte(`{"weights":[1,0.5]}`),
		Metrics:     registry.Metrics{MSE: s.mses[i], MAE: 0.4, R2: 0.5},
		SampleCount: ds.Len(),
		FeatureDim:  len(ds.Features[0]),
	}, nil
}

// staticFeatures serves a fixed track catalog.
type staticFeatures struct{ tracks []similarity.Track }

func (s *staticFeatures) Tracks(_ context.Context) ([]similarity.Track, error) {
	return s.tracks, nil
}

// fixedProber always returns the same stats.
type fixedProber struct{ stats health.ProbeStats }

func (p *fixedProber) Probe(_ context.Context) (health.ProbeStats, error) {
	return p.stats, nil
}

type harness struct {
	coord   *Coordinator
	store   *feedback.Store
	reg     *registry.Registry
	monitor *health.Monitor
	tr      *stubTrainer
}

func newHarness(t *testing.T, tr *stubTrainer, probe health.ProbeStats) *harness {
	t.Helper()
	logger := logging.NewTestLogger(os.Stderr)

	reg, err := registry.New(registry.Config{Root: t.TempDir(), PromotionMargin: 0.05}, logger)
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	store, err := feedback.OpenStore(feedback.StoreOptions{InMemory: true}, logger)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	notifier := notify.New(notify.Config{BufferSize: 16}, logger)
	t.Cleanup(func() { _ = notifier.Close() })

	monitor := health.NewMonitor(health.Config{AlertThreshold: 0.80}, &fixedProber{stats: probe}, logger)

	coord, err := New(Config{
		RetrainThreshold:   3,
		MinRetrainInterval: time.Hour,
		TrainingTimeout:    5 * time.Second,
	}, Deps{
		Registry: reg,
		Trainer:  tr,
		Monitor:  monitor,
		Store:    store,
		Notifier: notifier,
		Features: &staticFeatures{tracks: []similarity.Track{
			{ID: "t1", Features: []float64{1, 0}},
			{ID: "t2", Features: []float64{0, 1}},
		}},
		FeedbackQueue:   feedback.NewQueue[feedback.FeedbackEvent]("feedback", 32, logger),
		ControllerQueue: feedback.NewQueue[feedback.ControllerEvent]("controller", 32, logger),
	}, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &harness{coord: coord, store: store, reg: reg, monitor: monitor, tr: tr}
}

func (h *harness) seedFeedback(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		ev, err := feedback.NewFeedbackEvent("t1", 4, "ui")
		if err != nil {
			t.Fatal(err)
		}
		if err := h.store.PutFeedback(ev); err != nil {
			t.Fatal(err)
		}
	}
}

func healthyProbe() health.ProbeStats {
	return health.ProbeStats{Connected: true, ErrorRate: 0, P95Latency: 50 * time.Millisecond}
}

func TestTrainFirstModelPromotes(t *testing.T) {
	h := newHarness(t, &stubTrainer{mses: []float64{0.40}}, healthyProbe())
	h.seedFeedback(t, 5)

	out, err := h.coord.Train(context.Background(), true)
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if out.Version != 1 || !out.Promoted {
		t.Errorf("outcome = %+v, want version 1 promoted", out)
	}
	latest, err := h.reg.LatestVersion("preference-ridge")
	if err != nil || latest != 1 {
		t.Errorf("latest = %d, %v; want 1", latest, err)
	}
	if st := h.coord.Status(); st.State != "idle" || st.NewRatings != 0 {
		t.Errorf("status = %+v, want idle with counters reset", st)
	}
}

func TestChallengerHeldBelowMargin(t *testing.T) {
	// 0.40 -> 0.39 is a 2.5% relative improvement, under the 5% margin.
	h := newHarness(t, &stubTrainer{mses: []float64{0.40, 0.39}}, healthyProbe())
	h.seedFeedback(t, 5)

	if _, err := h.coord.Train(context.Background(), true); err != nil {
		t.Fatalf("first Train: %v", err)
	}
	out, err := h.coord.Train(context.Background(), true)
	if err != nil {
		t.Fatalf("second Train: %v", err)
	}
	if out.Promoted {
		t.Error("sub-margin challenger was promoted")
	}
	if out.Version != 2 {
		t.Errorf("challenger version = %d, want 2", out.Version)
	}
	latest, _ := h.reg.LatestVersion("preference-ridge")
	if latest != 1 {
		t.Errorf("latest = %d, want incumbent 1", latest)
	}
}

func TestChallengerPromotedAtMargin(t *testing.T) {
	// 0.40 -> 0.32 is a 20% relative improvement.
	h := newHarness(t, &stubTrainer{mses: []float64{0.40, 0.32}}, healthyProbe())
	h.seedFeedback(t, 5)

	if _, err := h.coord.Train(context.Background(), true); err != nil {
		t.Fatalf("first Train: %v", err)
	}
	out, err := h.coord.Train(context.Background(), true)
	if err != nil {
		t.Fatalf("second Train: %v", err)
	}
	if !out.Promoted {
		t.Error("winning challenger not promoted")
	}
	latest, _ := h.reg.LatestVersion("preference-ridge")
	if latest != 2 {
		t.Errorf("latest = %d, want 2", latest)
	}
}

func TestCriticalHealthBlocksDeployment(t *testing.T) {
	h := newHarness(t, &stubTrainer{mses: []float64{0.40, 0.20}}, healthyProbe())
	h.seedFeedback(t, 5)

	if _, err := h.coord.Train(context.Background(), true); err != nil {
		t.Fatalf("first Train: %v", err)
	}

	// Degrade the serving path to critical before the second run.
	critical := health.NewMonitor(health.Config{}, &fixedProber{stats: health.ProbeStats{
		Connected: false, ErrorRate: 1.0,
	}}, logging.NewTestLogger(os.Stderr))
	critical.Check(context.Background())
	h.coord.deps.Monitor = critical

	_, err := h.coord.Train(context.Background(), true)
	var blocked *DeploymentBlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("err = %v, want DeploymentBlockedError", err)
	}
	if blocked.Version != 2 {
		t.Errorf("blocked version = %d, want 2", blocked.Version)
	}

	// Challenger is stored but not serving.
	latest, _ := h.reg.LatestVersion("preference-ridge")
	if latest != 1 {
		t.Errorf("latest = %d, want 1", latest)
	}
	if _, _, _, err := h.reg.LoadVersion("preference-ridge", 2); err != nil {
		t.Errorf("blocked challenger not stored: %v", err)
	}
	if st := h.coord.Status(); st.State != "failed" || st.LastError == "" {
		t.Errorf("status = %+v, want failed with last_error", st)
	}
}

func TestConcurrentTrainingCoalesced(t *testing.T) {
	tr := &stubTrainer{mses: []float64{0.40}, release: make(chan struct{})}
	h := newHarness(t, tr, healthyProbe())
	h.seedFeedback(t, 5)

	done := make(chan error, 1)
	go func() {
		_, err := h.coord.Train(context.Background(), true)
		done <- err
	}()

	// Wait for the first run to take the training lock.
	deadline := time.After(2 * time.Second)
	for {
		if !h.coord.trainMu.TryLock() {
			break
		}
		h.coord.trainMu.Unlock()
		select {
		case <-deadline:
			t.Fatal("first run never took the training lock")
		case <-time.After(5 * time.Millisecond):
		}
	}

	_, err := h.coord.Train(context.Background(), true)
	var concurrent *ConcurrentTrainingError
	if !errors.As(err, &concurrent) {
		t.Fatalf("second Train err = %v, want ConcurrentTrainingError", err)
	}

	close(tr.release)
	if err := <-done; err != nil {
		t.Fatalf("first Train: %v", err)
	}

	// Exactly one version: the duplicate trigger was coalesced.
	versions, err := h.reg.ListVersions("preference-ridge")
	if err != nil {
		t.Fatal(err)
	}
	if len(versions) != 1 {
		t.Errorf("got %d versions, want 1", len(versions))
	}
}

func TestShouldRetrain(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name         string
		newRatings   int
		lastTraining time.Time
		want         bool
	}{
		{"below threshold", 2, time.Time{}, false},
		{"at threshold never trained", 3, time.Time{}, true},
		{"at threshold interval elapsed", 3, now.Add(-2 * time.Hour), true},
		{"at threshold interval not elapsed", 100, now.Add(-10 * time.Minute), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, &stubTrainer{mses: []float64{0.4}}, healthyProbe())
			h.coord.mu.Lock()
			h.coord.newRatings = tt.newRatings
			h.coord.lastTraining = tt.lastTraining
			h.coord.mu.Unlock()
			if got := h.coord.shouldRetrain(now); got != tt.want {
				t.Errorf("shouldRetrain = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStatusReportsShouldRetrain(t *testing.T) {
	h := newHarness(t, &stubTrainer{mses: []float64{0.4}}, healthyProbe())

	if st := h.coord.Status(); st.ShouldRetrain {
		t.Error("ShouldRetrain = true before any feedback")
	}

	h.coord.mu.Lock()
	h.coord.newRatings = 3
	h.coord.mu.Unlock()
	if st := h.coord.Status(); !st.ShouldRetrain {
		t.Error("ShouldRetrain = false with threshold met and no prior training")
	}

	h.coord.mu.Lock()
	h.coord.lastTraining = time.Now().Add(-10 * time.Minute)
	h.coord.mu.Unlock()
	if st := h.coord.Status(); st.ShouldRetrain {
		t.Error("ShouldRetrain = true inside the minimum retrain interval")
	}
}

func TestRunningStateWhileLoopsActive(t *testing.T) {
	h := newHarness(t, &stubTrainer{mses: []float64{0.4}}, healthyProbe())

	if got := h.coord.Status().State; got != "idle" {
		t.Fatalf("state before loops = %q, want idle", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.coord.RunCollector(ctx) }()

	deadline := time.After(2 * time.Second)
	for h.coord.Status().State != "running" {
		select {
		case <-deadline:
			t.Fatal("state never reached running while the collector was live")
		case <-time.After(5 * time.Millisecond):
		}
	}

	// Training runs restore the loop steady state, not bare idle.
	h.seedFeedback(t, 3)
	if _, err := h.coord.Train(ctx, true); err != nil {
		t.Fatalf("Train: %v", err)
	}
	if got := h.coord.Status().State; got != "running" {
		t.Errorf("state after training with loops live = %q, want running", got)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("RunCollector returned %v, want context.Canceled", err)
	}
	if got := h.coord.Status().State; got != "idle" {
		t.Errorf("state after loops stopped = %q, want idle", got)
	}
}

func TestTrainWithoutForceRespectsCondition(t *testing.T) {
	h := newHarness(t, &stubTrainer{mses: []float64{0.4}}, healthyProbe())
	if _, err := h.coord.Train(context.Background(), false); err == nil {
		t.Error("Train without force succeeded below threshold")
	}
}

func TestTrainNoDataFails(t *testing.T) {
	h := newHarness(t, &stubTrainer{mses: []float64{0.4}}, healthyProbe())

	_, err := h.coord.Train(context.Background(), true)
	if !errors.Is(err, ErrNoTrainingData) {
		t.Fatalf("err = %v, want ErrNoTrainingData", err)
	}
	if st := h.coord.Status(); st.State != "failed" {
		t.Errorf("state = %s, want failed", st.State)
	}

	// The pipeline recovers: the next run proceeds normally.
	h.seedFeedback(t, 3)
	if _, err := h.coord.Train(context.Background(), true); err != nil {
		t.Fatalf("recovery Train: %v", err)
	}
	if st := h.coord.Status(); st.State != "idle" || st.LastError != "" {
		t.Errorf("status after recovery = %+v", st)
	}
}

func TestCollectorDrainPersistsAndCounts(t *testing.T) {
	h := newHarness(t, &stubTrainer{mses: []float64{0.4}}, healthyProbe())

	for i := 0; i < 4; i++ {
		if _, accepted, err := h.coord.CollectFeedback("t1", 5, "ui"); err != nil || !accepted {
			t.Fatalf("CollectFeedback: accepted=%v err=%v", accepted, err)
		}
	}
	if _, accepted, err := h.coord.CollectController("t2", "skip", 0.1); err != nil || !accepted {
		t.Fatalf("CollectController: accepted=%v err=%v", accepted, err)
	}

	h.coord.drainOnce()

	count, err := h.store.CountFeedbackSince(time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if count != 4 {
		t.Errorf("persisted feedback = %d, want 4", count)
	}
	if st := h.coord.Status(); st.NewRatings != 4 {
		t.Errorf("NewRatings = %d, want 4", st.NewRatings)
	}
	cts, err := h.store.ControllerSince(time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(cts) != 1 {
		t.Errorf("persisted controller events = %d, want 1", len(cts))
	}
}

func TestCollectFeedbackValidationError(t *testing.T) {
	h := newHarness(t, &stubTrainer{mses: []float64{0.4}}, healthyProbe())

	_, _, err := h.coord.CollectFeedback("t1", 9, "ui")
	var verr *feedback.ValidationError
	if !errors.As(err, &verr) {
		t.Errorf("err = %v, want ValidationError", err)
	}
}

func TestImplicitRating(t *testing.T) {
	tests := []struct {
		action    string
		playedPct float64
		want      float64
		ok        bool
	}{
		{"repeat", 1.0, 5, true},
		{"complete", 1.0, 4, true},
		{"skip", 0.1, 2, true},
		{"skip", 0.8, 0, false},
		{"play", 0.5, 0, false},
	}

	for _, tt := range tests {
		got, ok := implicitRating(feedback.ControllerEvent{Action: tt.action, PlayedPct: tt.playedPct})
		if got != tt.want || ok != tt.ok {
			t.Errorf("implicitRating(%s, %v) = (%v, %v), want (%v, %v)",
				tt.action, tt.playedPct, got, ok, tt.want, tt.ok)
		}
	}
}

func TestRollback(t *testing.T) {
	h := newHarness(t, &stubTrainer{mses: []float64{0.40, 0.30}}, healthyProbe())
	h.seedFeedback(t, 5)

	if _, err := h.coord.Train(context.Background(), true); err != nil {
		t.Fatal(err)
	}
	if _, err := h.coord.Train(context.Background(), true); err != nil {
		t.Fatal(err)
	}
	latest, _ := h.reg.LatestVersion("preference-ridge")
	if latest != 2 {
		t.Fatalf("latest = %d, want 2", latest)
	}

	if err := h.coord.Rollback(1); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	latest, _ = h.reg.LatestVersion("preference-ridge")
	if latest != 1 {
		t.Errorf("latest after rollback = %d, want 1", latest)
	}

	if err := h.coord.Rollback(99); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("rollback to missing version err = %v, want ErrNotFound", err)
	}
}

func TestRestoreAfterRestart(t *testing.T) {
	h := newHarness(t, &stubTrainer{mses: []float64{0.4}}, healthyProbe())
	h.seedFeedback(t, 5)
	if _, err := h.coord.Train(context.Background(), true); err != nil {
		t.Fatal(err)
	}

	// Feedback arriving after the run must survive a restart.
	h.seedFeedback(t, 2)

	logger := logging.NewTestLogger(os.Stderr)
	restarted, err := New(Config{RetrainThreshold: 3}, h.coord.deps, logger)
	if err != nil {
		t.Fatalf("New after restart: %v", err)
	}
	st := restarted.Status()
	if st.LastTraining.IsZero() {
		t.Error("LastTraining not restored from registry metadata")
	}
	if st.NewRatings != 2 {
		t.Errorf("NewRatings = %d, want 2 (post-training feedback only)", st.NewRatings)
	}
}

func TestShutdownFlushesQueues(t *testing.T) {
	h := newHarness(t, &stubTrainer{mses: []float64{0.4}}, healthyProbe())

	for i := 0; i < 3; i++ {
		if _, _, err := h.coord.CollectFeedback("t1", 3, "api"); err != nil {
			t.Fatal(err)
		}
	}
	if err := h.coord.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	count, err := h.store.CountFeedbackSince(time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if count != 3 {
		t.Errorf("flushed feedback = %d, want 3", count)
	}
}
