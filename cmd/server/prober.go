// Tonearc - Adaptive Track Preference Model Pipeline
// Copyright 2026 Tonearc Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tonearc/tonearc

package main

import (
	"context"
	"sort"
	"time"

	"github.com/tonearc/tonearc/internal/health"
	"github.com/tonearc/tonearc/internal/similarity"
)

// servingProber measures the similarity serving path by running a
// batch of real queries against the index each probe. Each batch is
// self-contained; the monitor keeps history across probes.
type servingProber struct {
	index   *similarity.Index
	source  similarity.Source
	queries int
}

func newServingProber(index *similarity.Index, source similarity.Source) *servingProber {
	return &servingProber{index: index, source: source, queries: 8}
}

// Probe implements health.Prober.
func (p *servingProber) Probe(ctx context.Context) (health.ProbeStats, error) {
	tracks, err := p.source.Tracks(ctx)
	if err != nil {
		return health.ProbeStats{}, err
	}
	if len(tracks) == 0 {
		// Empty catalog: reachable but not serviceable.
		return health.ProbeStats{Connected: false}, nil
	}

	n := p.queries
	if n > len(tracks) {
		n = len(tracks)
	}

	var failures int
	latencies := make([]time.Duration, 0, n)
	for i := 0; i < n; i++ {
		start := time.Now()
		_, qerr := p.index.FindSimilar(ctx, similarity.Query{TrackID: tracks[i].ID, K: 1})
		elapsed := time.Since(start)
		if qerr != nil {
			if ctx.Err() != nil {
				return health.ProbeStats{}, ctx.Err()
			}
			failures++
			continue
		}
		latencies = append(latencies, elapsed)
	}

	stats := health.ProbeStats{
		Connected: len(latencies) > 0,
		ErrorRate: float64(failures) / float64(n),
	}
	if len(latencies) == 0 {
		return stats, nil
	}

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	var total time.Duration
	for _, d := range latencies {
		total += d
	}
	stats.AvgLatency = total / time.Duration(len(latencies))
	stats.P95Latency = percentile(latencies, 0.95)
	stats.P99Latency = percentile(latencies, 0.99)
	return stats, nil
}

// percentile expects sorted input.
func percentile(sorted []time.Duration, q float64) time.Duration {
	idx := int(q*float64(len(sorted))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
