// Tonearc - Adaptive Track Preference Model Pipeline
// Copyright 2026 Tonearc Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tonearc/tonearc

// Package health monitors the serving path and derives a composite
// health score used to gate model deployments.
//
// Each probe carries its own short timeout, independent of the probe
// interval, so one hung probe cannot stall the monitoring loop. Probes
// run through a circuit breaker: while the breaker is open, samples are
// recorded as disconnected without touching the upstream at all.
package health

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/tonearc/tonearc/internal/metrics"
)

// ErrProbeTimeout indicates the probe exceeded its own timeout. It is
// non-fatal; the monitor records an unhealthy sample and continues.
var ErrProbeTimeout = errors.New("health: probe timeout")

// Status classifies the serving path.
type Status int

const (
	StatusHealthy Status = iota
	StatusDegraded
	StatusUnhealthy
	StatusCritical
)

// String returns a human-readable status name.
func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusUnhealthy:
		return "unhealthy"
	case StatusCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// statusForScore maps a composite score to a status.
func statusForScore(score float64) Status {
	switch {
	case score >= 0.90:
		return StatusHealthy
	case score >= 0.70:
		return StatusDegraded
	case score >= 0.50:
		return StatusUnhealthy
	default:
		return StatusCritical
	}
}

// ProbeStats are raw measurements from one serving-path probe,
// aggregated since the previous probe.
type ProbeStats struct {
	Connected  bool
	ErrorRate  float64
	AvgLatency time.Duration
	P95Latency time.Duration
	P99Latency time.Duration
}

// Prober checks the serving dependency.
type Prober interface {
	Probe(ctx context.Context) (ProbeStats, error)
}

// Sample is one scored health observation.
type Sample struct {
	Timestamp  time.Time     `json:"timestamp"`
	Connected  bool          `json:"connected"`
	ErrorRate  float64       `json:"error_rate"`
	AvgLatency time.Duration `json:"avg_latency"`
	P95Latency time.Duration `json:"p95_latency"`
	P99Latency time.Duration `json:"p99_latency"`
	Score      float64       `json:"score"`
	Status     Status        `json:"status"`
}

// Report is the health surface returned to callers.
type Report struct {
	Status          Status   `json:"status"`
	Score           float64  `json:"score"`
	Issues          []string `json:"issues,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
	Sample          Sample   `json:"sample"`
}

// AlertFunc is invoked on transition into a status at or below the
// alert threshold. It fires once per transition, not once per probe.
type AlertFunc func(Sample)

// Config holds monitor settings.
type Config struct {
	// ProbeTimeout bounds each probe.
	ProbeTimeout time.Duration

	// AlertThreshold is the score at or below which transitions alert.
	AlertThreshold float64

	// HistoryRetention is how long samples are kept.
	HistoryRetention time.Duration

	// OnDemandProbesPerMinute rate-limits API-initiated probes; when
	// exceeded, the last sample is served instead of probing again.
	OnDemandProbesPerMinute int
}

// Monitor scores serving-path health. Safe for concurrent use.
type Monitor struct {
	prober  Prober
	cfg     Config
	breaker *gobreaker.CircuitBreaker[ProbeStats]
	limiter *rate.Limiter
	logger  zerolog.Logger

	mu           sync.RWMutex
	history      []Sample
	lastStatus   Status
	lastAlerting bool
	hasSample    bool
	alert        AlertFunc
}

// NewMonitor creates a health monitor for the given prober.
//
//nolint:gocritic // logger passed by value is acceptable for zerolog
func NewMonitor(cfg Config, prober Prober, logger zerolog.Logger) *Monitor {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 2 * time.Second
	}
	if cfg.AlertThreshold <= 0 {
		cfg.AlertThreshold = 0.80
	}
	if cfg.HistoryRetention <= 0 {
		cfg.HistoryRetention = 7 * 24 * time.Hour
	}
	if cfg.OnDemandProbesPerMinute <= 0 {
		cfg.OnDemandProbesPerMinute = 30
	}

	log := logger.With().Str("component", "health").Logger()

	breaker := gobreaker.NewCircuitBreaker[ProbeStats](gobreaker.Settings{
		Name:        "serving-probe",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     2 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Info().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("probe circuit breaker state transition")
		},
	})

	return &Monitor{
		prober:  prober,
		cfg:     cfg,
		breaker: breaker,
		limiter: rate.NewLimiter(rate.Limit(float64(cfg.OnDemandProbesPerMinute)/60.0), cfg.OnDemandProbesPerMinute),
		logger:  log,
		// Start optimistic so the first bad probe is a transition.
		lastStatus: StatusHealthy,
	}
}

// SetAlertFunc registers the alert callback.
func (m *Monitor) SetAlertFunc(fn AlertFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alert = fn
}

// Check probes the serving path, scores the result, appends it to
// history and fires the alert callback on qualifying transitions.
// Probe failures are not returned as errors: they become unhealthy
// samples so the monitoring loop never stalls on a bad dependency.
func (m *Monitor) Check(ctx context.Context) Sample {
	start := time.Now()

	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	stats, err := m.breaker.Execute(func() (ProbeStats, error) {
		return m.prober.Probe(probeCtx)
	})
	metrics.HealthProbeDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		switch {
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			m.logger.Debug().Msg("probe skipped: circuit open")
		case errors.Is(err, context.DeadlineExceeded):
			m.logger.Warn().Dur("timeout", m.cfg.ProbeTimeout).Msg("probe timed out")
		default:
			m.logger.Warn().Err(err).Msg("probe failed")
		}
		stats = ProbeStats{Connected: false, ErrorRate: 1.0}
	}

	sample := score(stats, time.Now().UTC())
	m.record(sample)
	return sample
}

// CheckOnDemand serves API-initiated health checks. When the rate
// limit is exhausted it returns the most recent sample instead of
// probing again.
func (m *Monitor) CheckOnDemand(ctx context.Context) Sample {
	if m.limiter.Allow() {
		return m.Check(ctx)
	}
	if last, ok := m.LastSample(); ok {
		return last
	}
	return m.Check(ctx)
}

// score computes the composite health score:
// 0.4*connection + 0.4*(1-errorRate) + 0.2*latencyScore, clamped to [0,1].
func score(stats ProbeStats, now time.Time) Sample {
	conn := 0.0
	if stats.Connected {
		conn = 1.0
	}

	errRate := clamp01(stats.ErrorRate)
	s := 0.4*conn + 0.4*(1.0-errRate) + 0.2*latencyScore(stats.P95Latency)
	s = clamp01(s)

	return Sample{
		Timestamp:  now,
		Connected:  stats.Connected,
		ErrorRate:  errRate,
		AvgLatency: stats.AvgLatency,
		P95Latency: stats.P95Latency,
		P99Latency: stats.P99Latency,
		Score:      s,
		Status:     statusForScore(s),
	}
}

// latencyScore maps p95 latency to [0,1]: full credit at or below
// 100ms, no credit at or above 2s, linear in between.
func latencyScore(p95 time.Duration) float64 {
	const (
		floor   = 100 * time.Millisecond
		ceiling = 2 * time.Second
	)
	if p95 <= floor {
		return 1.0
	}
	if p95 >= ceiling {
		return 0.0
	}
	return 1.0 - float64(p95-floor)/float64(ceiling-floor)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// record appends a sample and fires the alert callback on qualifying
// transitions: entering alert territory (score at or below the
// threshold), or a status change while inside it. A score decline
// within one status band still alerts when it crosses the threshold.
func (m *Monitor) record(sample Sample) {
	m.mu.Lock()

	transitioned := sample.Status != m.lastStatus
	alerting := sample.Score <= m.cfg.AlertThreshold
	fire := alerting && (transitioned || !m.lastAlerting)

	m.history = append(m.history, sample)
	m.lastStatus = sample.Status
	m.lastAlerting = alerting
	m.hasSample = true
	alert := m.alert
	m.mu.Unlock()

	metrics.HealthScore.Set(sample.Score)
	metrics.HealthStatus.Set(float64(sample.Status))

	if transitioned {
		m.logger.Info().
			Str("status", sample.Status.String()).
			Float64("score", sample.Score).
			Msg("health status transition")
	}

	if fire {
		metrics.HealthAlertsTotal.Inc()
		m.logger.Warn().
			Str("status", sample.Status.String()).
			Float64("score", sample.Score).
			Float64("error_rate", sample.ErrorRate).
			Msg("health alert")
		if alert != nil {
			alert(sample)
		}
	}
}

// Status returns the most recent status, healthy-before-first-probe.
func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastStatus
}

// LastSample returns the most recent sample, if any.
func (m *Monitor) LastSample() (Sample, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.hasSample {
		return Sample{}, false
	}
	return m.history[len(m.history)-1], true
}

// History returns samples newer than the given age, oldest first.
func (m *Monitor) History(maxAge time.Duration) []Sample {
	cutoff := time.Now().Add(-maxAge)

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Sample, 0, len(m.history))
	for _, s := range m.history {
		if s.Timestamp.After(cutoff) {
			out = append(out, s)
		}
	}
	return out
}

// Prune drops samples older than the retention window. Called
// periodically by the health loop.
func (m *Monitor) Prune() int {
	cutoff := time.Now().Add(-m.cfg.HistoryRetention)

	m.mu.Lock()
	defer m.mu.Unlock()

	keep := m.history[:0]
	for _, s := range m.history {
		if s.Timestamp.After(cutoff) {
			keep = append(keep, s)
		}
	}
	dropped := len(m.history) - len(keep)
	m.history = keep

	if dropped > 0 {
		m.logger.Debug().Int("dropped", dropped).Msg("pruned health history")
	}
	return dropped
}

// Report builds the caller-facing health surface from the latest
// sample, probing first if none exists.
func (m *Monitor) Report(ctx context.Context) Report {
	sample, ok := m.LastSample()
	if !ok {
		sample = m.Check(ctx)
	}

	var issues, recs []string
	if !sample.Connected {
		issues = append(issues, "serving path unreachable")
		recs = append(recs, "verify the serving dependency is running and reachable")
	}
	if sample.ErrorRate >= 0.10 {
		issues = append(issues, "elevated error rate")
		recs = append(recs, "inspect serving logs for failing requests")
	}
	if sample.P95Latency >= 500*time.Millisecond {
		issues = append(issues, "high p95 latency")
		recs = append(recs, "check serving load and downstream dependencies")
	}
	if sample.Status >= StatusCritical {
		recs = append(recs, "model deployments are blocked until health recovers")
	}

	return Report{
		Status:          sample.Status,
		Score:           sample.Score,
		Issues:          issues,
		Recommendations: recs,
		Sample:          sample,
	}
}
