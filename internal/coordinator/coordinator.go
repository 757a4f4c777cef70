// Tonearc - Adaptive Track Preference Model Pipeline
// Copyright 2026 Tonearc Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tonearc/tonearc

// Package coordinator drives the model lifecycle: it accumulates
// feedback, decides when to retrain, runs the trainer, evaluates the
// challenger against the incumbent and promotes it when it earns the
// swap and serving health allows it.
//
// Training is single-flight per coordinator. Triggers that arrive
// while a run is in flight are coalesced rather than queued, since the
// in-flight run already sees the same accumulated feedback.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/tonearc/tonearc/internal/feedback"
	"github.com/tonearc/tonearc/internal/health"
	"github.com/tonearc/tonearc/internal/metrics"
	"github.com/tonearc/tonearc/internal/notify"
	"github.com/tonearc/tonearc/internal/registry"
	"github.com/tonearc/tonearc/internal/similarity"
	"github.com/tonearc/tonearc/internal/trainer"
)

// Config holds pipeline timing and thresholds.
type Config struct {
	// RetrainThreshold is the number of new ratings that arms a retrain.
	RetrainThreshold int

	// MinRetrainInterval is the minimum spacing between training runs,
	// so a burst of feedback cannot thrash the trainer.
	MinRetrainInterval time.Duration

	// DecisionInterval is how often the decision loop evaluates the
	// retrain condition.
	DecisionInterval time.Duration

	// CollectInterval is how often queued events are drained to the
	// durable store.
	CollectInterval time.Duration

	// TrainingTimeout bounds one training run end to end.
	TrainingTimeout time.Duration

	// ProbeInterval is the health loop's probe spacing.
	ProbeInterval time.Duration

	// HistoryPruneInterval is how often health history is pruned.
	HistoryPruneInterval time.Duration

	// DrainBatch caps events drained per collect tick.
	DrainBatch int

	// KeepVersions bounds registry growth: after each promotion all
	// but the newest KeepVersions versions are pruned.
	KeepVersions int
}

func (c *Config) applyDefaults() {
	if c.RetrainThreshold <= 0 {
		c.RetrainThreshold = 50
	}
	if c.MinRetrainInterval <= 0 {
		c.MinRetrainInterval = time.Hour
	}
	if c.DecisionInterval <= 0 {
		c.DecisionInterval = time.Minute
	}
	if c.CollectInterval <= 0 {
		c.CollectInterval = 5 * time.Second
	}
	if c.TrainingTimeout <= 0 {
		c.TrainingTimeout = 15 * time.Minute
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = time.Minute
	}
	if c.HistoryPruneInterval <= 0 {
		c.HistoryPruneInterval = time.Hour
	}
	if c.DrainBatch <= 0 {
		c.DrainBatch = 256
	}
	if c.KeepVersions <= 0 {
		c.KeepVersions = 10
	}
}

// Deps are the collaborators the coordinator orchestrates.
type Deps struct {
	Registry        *registry.Registry
	Trainer         trainer.Trainer
	Monitor         *health.Monitor
	Store           *feedback.Store
	Notifier        *notify.Notifier
	Features        similarity.Source
	FeedbackQueue   *feedback.Queue[feedback.FeedbackEvent]
	ControllerQueue *feedback.Queue[feedback.ControllerEvent]
}

// Status is the pipeline's externally visible state.
type Status struct {
	State            string    `json:"state"`
	ModelType        string    `json:"model_type"`
	LatestVersion    int       `json:"latest_version"`
	NewRatings       int       `json:"new_ratings"`
	RetrainThreshold int       `json:"retrain_threshold"`
	ShouldRetrain    bool      `json:"should_retrain"`
	LastTraining     time.Time `json:"last_training,omitempty"`
	NextEligible     time.Time `json:"next_eligible,omitempty"`
	LastError        string    `json:"last_error,omitempty"`
	Health           string    `json:"health"`
}

// TrainOutcome summarizes one completed training run.
type TrainOutcome struct {
	TrainingRunID string              `json:"training_run_id"`
	Version       int                 `json:"version"`
	Promoted      bool                `json:"promoted"`
	Comparison    registry.Comparison `json:"comparison"`
	Metrics       registry.Metrics    `json:"metrics"`
}

// Coordinator owns the retraining lifecycle.
type Coordinator struct {
	cfg    Config
	deps   Deps
	logger zerolog.Logger

	// trainMu enforces single-flight training.
	trainMu sync.Mutex

	mu           sync.RWMutex
	state        PipelineState
	lastError    string
	lastTraining time.Time
	newRatings   int
	loops        int
}

// New creates a coordinator and restores retrain bookkeeping from the
// registry and store, so a restart does not forget when the incumbent
// was trained or how much feedback has arrived since.
//
//nolint:gocritic // logger passed by value is acceptable for zerolog
func New(cfg Config, deps Deps, logger zerolog.Logger) (*Coordinator, error) {
	cfg.applyDefaults()
	if deps.Registry == nil || deps.Trainer == nil || deps.Monitor == nil ||
		deps.Store == nil || deps.Notifier == nil || deps.Features == nil ||
		deps.FeedbackQueue == nil || deps.ControllerQueue == nil {
		return nil, fmt.Errorf("coordinator: all dependencies are required")
	}

	c := &Coordinator{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With().Str("component", "coordinator").Logger(),
		state:  StateIdle,
	}

	if err := c.restore(); err != nil {
		return nil, err
	}

	// Surface health transitions as pipeline events.
	deps.Monitor.SetAlertFunc(func(s health.Sample) {
		err := deps.Notifier.Publish(notify.TopicHealthAlert, notify.HealthAlertEvent{
			Status:    s.Status.String(),
			Score:     s.Score,
			ErrorRate: s.ErrorRate,
		})
		if err != nil {
			c.logger.Warn().Err(err).Msg("publishing health alert")
		}
	})

	return c, nil
}

// restore rebuilds lastTraining and the new-rating count after restart.
func (c *Coordinator) restore() error {
	modelType := c.deps.Trainer.ModelType()

	latest, err := c.deps.Registry.LatestVersion(modelType)
	if errors.Is(err, registry.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("restoring pipeline state: %w", err)
	}

	_, meta, _, err := c.deps.Registry.LoadVersion(modelType, latest)
	if err != nil {
		return fmt.Errorf("restoring pipeline state: %w", err)
	}

	count, err := c.deps.Store.CountFeedbackSince(meta.CreatedAt)
	if err != nil {
		return fmt.Errorf("restoring pipeline state: %w", err)
	}

	c.lastTraining = meta.CreatedAt
	c.newRatings = count
	c.logger.Info().
		Int("version", latest).
		Time("last_training", meta.CreatedAt).
		Int("new_ratings", count).
		Msg("pipeline state restored")
	return nil
}

// ModelType identifies the model class this coordinator manages.
func (c *Coordinator) ModelType() string {
	return c.deps.Trainer.ModelType()
}

// loopStarted and loopStopped track live worker loops: the pipeline
// reports Running while any loop is active and Idle otherwise.
func (c *Coordinator) loopStarted() {
	c.mu.Lock()
	c.loops++
	first := c.loops == 1 && c.state == StateIdle
	c.mu.Unlock()
	if first {
		c.setState(StateRunning)
	}
}

func (c *Coordinator) loopStopped() {
	c.mu.Lock()
	c.loops--
	last := c.loops == 0 && c.state == StateRunning
	c.mu.Unlock()
	if last {
		c.setState(StateIdle)
	}
}

// baseState is the steady state between runs.
func (c *Coordinator) baseState() PipelineState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.loops > 0 {
		return StateRunning
	}
	return StateIdle
}

func (c *Coordinator) setState(s PipelineState) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()

	metrics.PipelineState.WithLabelValues(c.deps.Trainer.ModelType()).Set(float64(s))
	if prev != s {
		c.logger.Debug().Str("from", prev.String()).Str("to", s.String()).Msg("pipeline state")
	}
}

// CollectFeedback validates and enqueues a rating. It reports whether
// the event was accepted onto the queue; validation failures return a
// *feedback.ValidationError.
func (c *Coordinator) CollectFeedback(trackID string, rating int, source string) (feedback.FeedbackEvent, bool, error) {
	ev, err := feedback.NewFeedbackEvent(trackID, rating, source)
	if err != nil {
		return feedback.FeedbackEvent{}, false, err
	}
	return ev, c.deps.FeedbackQueue.Enqueue(ev), nil
}

// CollectController validates and enqueues controller telemetry.
func (c *Coordinator) CollectController(trackID, action string, playedPct float64) (feedback.ControllerEvent, bool, error) {
	ev, err := feedback.NewControllerEvent(trackID, action, playedPct)
	if err != nil {
		return feedback.ControllerEvent{}, false, err
	}
	return ev, c.deps.ControllerQueue.Enqueue(ev), nil
}

// RunCollector drains the ingestion queues into the durable store
// until ctx is cancelled. A final drain runs on shutdown so accepted
// events are not lost.
func (c *Coordinator) RunCollector(ctx context.Context) error {
	c.loopStarted()
	defer c.loopStopped()

	ticker := time.NewTicker(c.cfg.CollectInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.drainOnce()
			return ctx.Err()
		case <-ticker.C:
			c.drainOnce()
		}
	}
}

func (c *Coordinator) drainOnce() {
	persisted := 0
	for _, ev := range c.deps.FeedbackQueue.Drain(c.cfg.DrainBatch) {
		if err := c.deps.Store.PutFeedback(ev); err != nil {
			c.logger.Error().Err(err).Str("track_id", ev.TrackID).Msg("persisting feedback")
			continue
		}
		persisted++
	}
	if persisted > 0 {
		c.mu.Lock()
		c.newRatings += persisted
		c.mu.Unlock()
	}

	for _, ev := range c.deps.ControllerQueue.Drain(c.cfg.DrainBatch) {
		if err := c.deps.Store.PutController(ev); err != nil {
			c.logger.Error().Err(err).Str("track_id", ev.TrackID).Msg("persisting controller event")
		}
	}
}

// RunHealth probes serving health on a fixed cadence and prunes the
// sample history until ctx is cancelled.
func (c *Coordinator) RunHealth(ctx context.Context) error {
	c.loopStarted()
	defer c.loopStopped()

	probe := time.NewTicker(c.cfg.ProbeInterval)
	defer probe.Stop()
	prune := time.NewTicker(c.cfg.HistoryPruneInterval)
	defer prune.Stop()

	c.deps.Monitor.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-probe.C:
			c.deps.Monitor.Check(ctx)
		case <-prune.C:
			c.deps.Monitor.Prune()
		}
	}
}

// RunDecision evaluates the retrain condition on a fixed cadence and
// kicks off training when it holds.
func (c *Coordinator) RunDecision(ctx context.Context) error {
	c.loopStarted()
	defer c.loopStopped()

	ticker := time.NewTicker(c.cfg.DecisionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !c.shouldRetrain(time.Now()) {
				continue
			}
			if _, err := c.Train(ctx, false); err != nil {
				var coalesced *ConcurrentTrainingError
				if !errors.As(err, &coalesced) {
					c.logger.Error().Err(err).Msg("scheduled training failed")
				}
			}
		}
	}
}

// shouldRetrain holds when enough new ratings accumulated and the
// minimum interval since the last run has passed.
func (c *Coordinator) shouldRetrain(now time.Time) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.retrainDueLocked(now)
}

// retrainDueLocked is the raw condition; callers hold c.mu.
func (c *Coordinator) retrainDueLocked(now time.Time) bool {
	if c.newRatings < c.cfg.RetrainThreshold {
		return false
	}
	return c.lastTraining.IsZero() || now.Sub(c.lastTraining) >= c.cfg.MinRetrainInterval
}

// Train runs one training cycle: fit, save, evaluate, maybe promote.
// force skips the threshold and interval checks but never the health
// gate. Concurrent calls are coalesced.
func (c *Coordinator) Train(ctx context.Context, force bool) (TrainOutcome, error) {
	modelType := c.deps.Trainer.ModelType()

	if !c.trainMu.TryLock() {
		metrics.TrainingCoalescedTotal.WithLabelValues(modelType).Inc()
		c.logger.Info().Bool("force", force).Msg("retrain trigger coalesced: run already in flight")
		return TrainOutcome{}, &ConcurrentTrainingError{ModelType: modelType}
	}
	defer c.trainMu.Unlock()

	if !force && !c.shouldRetrain(time.Now()) {
		return TrainOutcome{}, fmt.Errorf("coordinator: retrain condition not met")
	}

	runID := uuid.NewString()
	log := c.logger.With().Str("training_run_id", runID).Logger()
	log.Info().Bool("force", force).Msg("training run started")

	outcome, err := c.runTraining(ctx, runID, log)
	if err != nil {
		c.mu.Lock()
		c.lastError = err.Error()
		c.mu.Unlock()
		c.setState(StateFailed)

		var blocked *DeploymentBlockedError
		if errors.As(err, &blocked) {
			metrics.TrainingRunsTotal.WithLabelValues(modelType, "blocked").Inc()
		} else {
			metrics.TrainingRunsTotal.WithLabelValues(modelType, "failed").Inc()
		}
		log.Error().Err(err).Msg("training run failed")
		return outcome, err
	}

	c.mu.Lock()
	c.lastError = ""
	c.mu.Unlock()
	c.setState(c.baseState())

	outcomeLabel := "held"
	if outcome.Promoted {
		outcomeLabel = "promoted"
	}
	metrics.TrainingRunsTotal.WithLabelValues(modelType, outcomeLabel).Inc()
	log.Info().
		Int("version", outcome.Version).
		Bool("promoted", outcome.Promoted).
		Float64("mse", outcome.Metrics.MSE).
		Msg("training run completed")
	return outcome, nil
}

// runTraining is the run body; callers own state accounting for the
// failure path.
func (c *Coordinator) runTraining(ctx context.Context, runID string, log zerolog.Logger) (TrainOutcome, error) {
	modelType := c.deps.Trainer.ModelType()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.TrainingTimeout)
	defer cancel()

	c.setState(StateTraining)

	ds, err := c.buildDataset(ctx)
	if err != nil {
		return TrainOutcome{}, err
	}

	start := time.Now()
	res, err := c.deps.Trainer.Train(ctx, ds)
	metrics.TrainingDuration.WithLabelValues(modelType).Observe(time.Since(start).Seconds())
	if err != nil {
		return TrainOutcome{}, fmt.Errorf("training: %w", err)
	}

	// The challenger is saved without touching latest so evaluation
	// and the health gate decide the swap.
	version, _, err := c.deps.Registry.SaveVersion(modelType, res.Artifact, registry.Metadata{
		SampleCount:     res.SampleCount,
		FeatureDim:      res.FeatureDim,
		Hyperparameters: res.Hyperparameters,
		TrainingRunID:   runID,
	}, res.Metrics, false)
	if err != nil {
		return TrainOutcome{}, fmt.Errorf("saving artifact: %w", err)
	}

	// Feedback accumulated before this point is now represented in a
	// stored version; reset the retrain bookkeeping.
	c.mu.Lock()
	c.lastTraining = time.Now().UTC()
	c.newRatings = 0
	c.mu.Unlock()

	c.setState(StateEvaluating)
	outcome := TrainOutcome{TrainingRunID: runID, Version: version, Metrics: res.Metrics}

	incumbent, err := c.deps.Registry.LatestVersion(modelType)
	switch {
	case errors.Is(err, registry.ErrNotFound):
		// First model: nothing to compare against.
		outcome.Comparison = registry.Comparison{Better: version}
	case err != nil:
		return outcome, fmt.Errorf("resolving incumbent: %w", err)
	default:
		cmp, err := c.deps.Registry.CompareVersions(modelType, incumbent, version)
		if err != nil {
			return outcome, fmt.Errorf("comparing versions: %w", err)
		}
		outcome.Comparison = cmp
	}

	if outcome.Comparison.Better != version {
		log.Info().
			Int("incumbent", incumbent).
			Int("challenger", version).
			Float64("relative_improvement", outcome.Comparison.RelativeImprovement).
			Msg("challenger held: improvement below margin")
		c.publishTrainingCompleted(outcome, res.SampleCount)
		return outcome, nil
	}

	if c.deps.Monitor.Status() >= health.StatusCritical {
		c.publishTrainingCompleted(outcome, res.SampleCount)
		return outcome, &DeploymentBlockedError{ModelType: modelType, Version: version}
	}

	c.setState(StateDeploying)
	if err := c.deps.Registry.Promote(modelType, version); err != nil {
		return outcome, fmt.Errorf("promoting version: %w", err)
	}
	outcome.Promoted = true

	if err := c.deps.Registry.Prune(modelType, c.cfg.KeepVersions); err != nil {
		log.Warn().Err(err).Msg("pruning old versions")
	}

	c.publishTrainingCompleted(outcome, res.SampleCount)
	if err := c.deps.Notifier.Publish(notify.TopicModelDeployed, notify.ModelDeployedEvent{
		ModelType:   modelType,
		Version:     version,
		PrevVersion: incumbent,
	}); err != nil {
		log.Warn().Err(err).Msg("publishing deployment event")
	}
	return outcome, nil
}

func (c *Coordinator) publishTrainingCompleted(outcome TrainOutcome, samples int) {
	err := c.deps.Notifier.Publish(notify.TopicTrainingCompleted, notify.TrainingCompletedEvent{
		ModelType:     c.deps.Trainer.ModelType(),
		TrainingRunID: outcome.TrainingRunID,
		Version:       outcome.Version,
		SampleCount:   samples,
		MSE:           outcome.Metrics.MSE,
		Promoted:      outcome.Promoted,
	})
	if err != nil {
		c.logger.Warn().Err(err).Msg("publishing training event")
	}
}

// buildDataset joins stored feedback with current track features.
// Controller telemetry contributes implicit ratings; events whose
// track has no feature vector are skipped.
func (c *Coordinator) buildDataset(ctx context.Context) (trainer.Dataset, error) {
	tracks, err := c.deps.Features.Tracks(ctx)
	if err != nil {
		return trainer.Dataset{}, fmt.Errorf("loading track features: %w", err)
	}
	features := make(map[string][]float64, len(tracks))
	for _, tr := range tracks {
		features[tr.ID] = tr.Features
	}

	var ds trainer.Dataset
	appendSample := func(trackID string, target float64) {
		f, ok := features[trackID]
		if !ok || len(f) == 0 {
			return
		}
		ds.Features = append(ds.Features, f)
		ds.Targets = append(ds.Targets, target)
	}

	fbs, err := c.deps.Store.FeedbackSince(time.Time{})
	if err != nil {
		return trainer.Dataset{}, fmt.Errorf("loading feedback: %w", err)
	}
	for _, ev := range fbs {
		appendSample(ev.TrackID, float64(ev.Rating))
	}

	cts, err := c.deps.Store.ControllerSince(time.Time{})
	if err != nil {
		return trainer.Dataset{}, fmt.Errorf("loading controller events: %w", err)
	}
	for _, ev := range cts {
		if target, ok := implicitRating(ev); ok {
			appendSample(ev.TrackID, target)
		}
	}

	if ds.Len() == 0 {
		return trainer.Dataset{}, ErrNoTrainingData
	}
	return ds, nil
}

// implicitRating maps controller telemetry to a pseudo-rating. Only
// unambiguous signals count: early skips read as dislike, completions
// and repeats as like. Plain play events carry no signal.
func implicitRating(ev feedback.ControllerEvent) (float64, bool) {
	switch ev.Action {
	case "repeat":
		return 5, true
	case "complete":
		return 4, true
	case "skip":
		if ev.PlayedPct < 0.3 {
			return 2, true
		}
	}
	return 0, false
}

// Rollback repoints the serving model at an earlier stored version.
func (c *Coordinator) Rollback(toVersion int) error {
	modelType := c.deps.Trainer.ModelType()

	c.setState(StateRollingBack)
	defer func() { c.setState(c.baseState()) }()

	prev, err := c.deps.Registry.LatestVersion(modelType)
	if err != nil && !errors.Is(err, registry.ErrNotFound) {
		return fmt.Errorf("resolving current version: %w", err)
	}

	if err := c.deps.Registry.Rollback(modelType, toVersion); err != nil {
		return err
	}

	if err := c.deps.Notifier.Publish(notify.TopicModelDeployed, notify.ModelDeployedEvent{
		ModelType:   modelType,
		Version:     toVersion,
		PrevVersion: prev,
		Rollback:    true,
	}); err != nil {
		c.logger.Warn().Err(err).Msg("publishing rollback event")
	}
	return nil
}

// Status reports the pipeline's externally visible state.
func (c *Coordinator) Status() Status {
	modelType := c.deps.Trainer.ModelType()

	c.mu.RLock()
	st := Status{
		State:            c.state.String(),
		ModelType:        modelType,
		NewRatings:       c.newRatings,
		RetrainThreshold: c.cfg.RetrainThreshold,
		ShouldRetrain:    c.retrainDueLocked(time.Now()),
		LastTraining:     c.lastTraining,
		LastError:        c.lastError,
	}
	if !c.lastTraining.IsZero() {
		st.NextEligible = c.lastTraining.Add(c.cfg.MinRetrainInterval)
	}
	c.mu.RUnlock()

	if latest, err := c.deps.Registry.LatestVersion(modelType); err == nil {
		st.LatestVersion = latest
	}
	st.Health = c.deps.Monitor.Status().String()
	return st
}

// Shutdown flushes both ingestion queues to the store. Called after
// the loops stop.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		for _, ev := range c.deps.FeedbackQueue.Drain(c.deps.FeedbackQueue.Len()) {
			if err := c.deps.Store.PutFeedback(ev); err != nil {
				return err
			}
		}
		return nil
	})
	g.Go(func() error {
		for _, ev := range c.deps.ControllerQueue.Drain(c.deps.ControllerQueue.Len()) {
			if err := c.deps.Store.PutController(ev); err != nil {
				return err
			}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("flushing queues: %w", err)
	}
	return nil
}
