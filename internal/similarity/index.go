// Tonearc - Adaptive Track Preference Model Pipeline
// Copyright 2026 Tonearc Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tonearc/tonearc

// Package similarity provides nearest-neighbor search over track
// feature vectors.
//
// The brute-force index recomputes from the track source on every
// query, trading throughput for freshness. It is adequate to roughly
// 10^4 tracks; an ANN-backed implementation can replace it behind the
// same Index contract for larger catalogs.
package similarity

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/tonearc/tonearc/internal/metrics"
)

// ErrTrackNotFound indicates the query track is unknown.
var ErrTrackNotFound = errors.New("similarity: track not found")

// ErrDimensionMismatch indicates feature vectors of unequal length.
var ErrDimensionMismatch = errors.New("similarity: feature dimension mismatch")

// Track is a feature-bearing catalog entry.
type Track struct {
	// ID is the stable track identifier.
	ID string `json:"id"`

	// Features is the fixed-length feature vector.
	Features []float64 `json:"features"`

	// Category is an optional grouping label (genre, source set).
	Category string `json:"category,omitempty"`

	// Rating is the user rating (1-5), zero when unrated.
	Rating float64 `json:"rating,omitempty"`

	// UpdatedAt is when the track was last rated or re-extracted.
	UpdatedAt time.Time `json:"updated_at"`
}

// Match is a similarity result.
type Match struct {
	TrackID  string  `json:"track_id"`
	Score    float64 `json:"score"`
	Category string  `json:"category,omitempty"`
	Rating   float64 `json:"rating,omitempty"`
}

// Source supplies the current track set. Implementations return a
// snapshot; the index never mutates it.
type Source interface {
	Tracks(ctx context.Context) ([]Track, error)
}

// Query describes a similarity search.
type Query struct {
	// TrackID is the query track; it is never part of the result set.
	TrackID string

	// K caps the result count. Values <= 0 use the configured default.
	K int

	// Category, when non-empty, restricts candidates before ranking so
	// the filter cannot truncate valid matches.
	Category string
}

// Config holds index settings.
type Config struct {
	// Metric is the scoring function: cosine or euclidean.
	Metric string

	// DefaultK is used when a query passes K <= 0.
	DefaultK int

	// MaxK caps requested result counts.
	MaxK int
}

// Index is the brute-force similarity index. Safe for concurrent use;
// it holds no mutable state between queries.
type Index struct {
	source Source
	score  scoreFunc
	cfg    Config
	logger zerolog.Logger
}

type scoreFunc func(a, b []float64) float64

// New creates an index over the given source.
//
//nolint:gocritic // logger passed by value is acceptable for zerolog
func New(cfg Config, source Source, logger zerolog.Logger) (*Index, error) {
	if source == nil {
		return nil, fmt.Errorf("similarity: source required")
	}
	if cfg.DefaultK <= 0 {
		cfg.DefaultK = 10
	}
	if cfg.MaxK <= 0 {
		cfg.MaxK = 100
	}

	var score scoreFunc
	switch cfg.Metric {
	case "", "cosine":
		cfg.Metric = "cosine"
		score = cosineSimilarity
	case "euclidean":
		score = euclideanSimilarity
	default:
		return nil, fmt.Errorf("similarity: unknown metric %q", cfg.Metric)
	}

	return &Index{
		source: source,
		score:  score,
		cfg:    cfg,
		logger: logger.With().Str("component", "similarity").Logger(),
	}, nil
}

// FindSimilar returns up to k tracks most similar to the query track,
// sorted descending by score. The query track is always excluded.
func (idx *Index) FindSimilar(ctx context.Context, q Query) ([]Match, error) {
	start := time.Now()
	defer func() {
		metrics.SimilarityQueryDuration.Observe(time.Since(start).Seconds())
	}()

	if q.TrackID == "" {
		metrics.SimilarityQueriesTotal.WithLabelValues("invalid").Inc()
		return nil, fmt.Errorf("similarity: track id required")
	}

	k := q.K
	if k <= 0 {
		k = idx.cfg.DefaultK
	}
	if k > idx.cfg.MaxK {
		k = idx.cfg.MaxK
	}

	tracks, err := idx.source.Tracks(ctx)
	if err != nil {
		metrics.SimilarityQueriesTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("load tracks: %w", err)
	}

	var query *Track
	for i := range tracks {
		if tracks[i].ID == q.TrackID {
			query = &tracks[i]
			break
		}
	}
	if query == nil {
		metrics.SimilarityQueriesTotal.WithLabelValues("not_found").Inc()
		return nil, fmt.Errorf("%w: %s", ErrTrackNotFound, q.TrackID)
	}

	matches := make([]Match, 0, len(tracks))
	for i := range tracks {
		cand := &tracks[i]
		if cand.ID == q.TrackID {
			continue
		}
		// Filter before ranking so valid candidates are never
		// truncated by the k cutoff.
		if q.Category != "" && cand.Category != q.Category {
			continue
		}
		if len(cand.Features) != len(query.Features) {
			idx.logger.Warn().
				Str("track_id", cand.ID).
				Int("dim", len(cand.Features)).
				Int("query_dim", len(query.Features)).
				Msg("skipping track with mismatched feature dimension")
			continue
		}

		matches = append(matches, Match{
			TrackID:  cand.ID,
			Score:    idx.score(query.Features, cand.Features),
			Category: cand.Category,
			Rating:   cand.Rating,
		})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
	if len(matches) > k {
		matches = matches[:k]
	}

	metrics.SimilarityQueriesTotal.WithLabelValues("ok").Inc()
	idx.logger.Debug().
		Str("track_id", q.TrackID).
		Int("k", k).
		Int("returned", len(matches)).
		Str("metric", idx.cfg.Metric).
		Msg("similarity query complete")

	return matches, nil
}

// cosineSimilarity computes dot(a,b)/(|a||b|), zero for zero vectors.
func cosineSimilarity(a, b []float64) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// euclideanSimilarity converts Euclidean distance to a similarity in
// (0, 1] via 1/(1+distance).
func euclideanSimilarity(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return 1.0 / (1.0 + math.Sqrt(sum))
}
