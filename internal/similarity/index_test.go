// Tonearc - Adaptive Track Preference Model Pipeline
// Copyright 2026 Tonearc Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tonearc/tonearc

package similarity

import (
	"context"
	"errors"
	"math"
	"os"
	"testing"

	"github.com/tonearc/tonearc/internal/logging"
)

// staticSource implements Source over a fixed slice.
type staticSource struct {
	tracks []Track
	err    error
}

func (s *staticSource) Tracks(ctx context.Context) ([]Track, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.tracks, nil
}

func newTestIndex(t *testing.T, cfg Config, tracks []Track) *Index {
	t.Helper()
	idx, err := New(cfg, &staticSource{tracks: tracks}, logging.NewTestLogger(os.Stderr))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return idx
}

func testTracks() []Track {
	return []Track{
		{ID: "a", Features: []float64{1, 0, 0}, Category: "ambient"},
		{ID: "b", Features: []float64{0.9, 0.1, 0}, Category: "ambient"},
		{ID: "c", Features: []float64{0, 1, 0}, Category: "techno"},
		{ID: "d", Features: []float64{0, 0.95, 0.05}, Category: "techno"},
		{ID: "e", Features: []float64{0.5, 0.5, 0}, Category: "ambient"},
	}
}

func TestFindSimilar_ExcludesQueryTrack(t *testing.T) {
	idx := newTestIndex(t, Config{}, testTracks())

	matches, err := idx.FindSimilar(context.Background(), Query{TrackID: "a", K: 10})
	if err != nil {
		t.Fatalf("FindSimilar() error = %v", err)
	}
	for _, m := range matches {
		if m.TrackID == "a" {
			t.Error("query track included in its own result set")
		}
	}
	if len(matches) != 4 {
		t.Errorf("len = %d, want 4", len(matches))
	}
}

func TestFindSimilar_SortedNonIncreasing(t *testing.T) {
	idx := newTestIndex(t, Config{}, testTracks())

	matches, err := idx.FindSimilar(context.Background(), Query{TrackID: "a", K: 10})
	if err != nil {
		t.Fatalf("FindSimilar() error = %v", err)
	}
	for i := 1; i < len(matches); i++ {
		if matches[i].Score > matches[i-1].Score {
			t.Errorf("scores not non-increasing at %d: %v > %v", i, matches[i].Score, matches[i-1].Score)
		}
	}
	if matches[0].TrackID != "b" {
		t.Errorf("nearest to a = %s, want b", matches[0].TrackID)
	}
}

func TestFindSimilar_RespectsK(t *testing.T) {
	idx := newTestIndex(t, Config{}, testTracks())

	matches, err := idx.FindSimilar(context.Background(), Query{TrackID: "a", K: 2})
	if err != nil {
		t.Fatalf("FindSimilar() error = %v", err)
	}
	if len(matches) != 2 {
		t.Errorf("len = %d, want 2", len(matches))
	}
}

func TestFindSimilar_CategoryFilterBeforeRanking(t *testing.T) {
	idx := newTestIndex(t, Config{}, testTracks())

	// With k=1 and a techno filter, the techno candidates must still be
	// considered even though ambient tracks score higher overall.
	matches, err := idx.FindSimilar(context.Background(), Query{TrackID: "a", K: 1, Category: "techno"})
	if err != nil {
		t.Fatalf("FindSimilar() error = %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("len = %d, want 1", len(matches))
	}
	if matches[0].Category != "techno" {
		t.Errorf("category = %s, want techno", matches[0].Category)
	}
}

func TestFindSimilar_UnknownTrack(t *testing.T) {
	idx := newTestIndex(t, Config{}, testTracks())

	_, err := idx.FindSimilar(context.Background(), Query{TrackID: "nope", K: 3})
	if !errors.Is(err, ErrTrackNotFound) {
		t.Fatalf("error = %v, want ErrTrackNotFound", err)
	}
}

func TestFindSimilar_DefaultAndMaxK(t *testing.T) {
	tracks := make([]Track, 0, 30)
	for i := 0; i < 30; i++ {
		tracks = append(tracks, Track{ID: string(rune('A' + i)), Features: []float64{float64(i), 1, 0}})
	}
	idx := newTestIndex(t, Config{DefaultK: 5, MaxK: 8}, tracks)

	matches, err := idx.FindSimilar(context.Background(), Query{TrackID: "A"})
	if err != nil {
		t.Fatalf("FindSimilar() error = %v", err)
	}
	if len(matches) != 5 {
		t.Errorf("default k: len = %d, want 5", len(matches))
	}

	matches, err = idx.FindSimilar(context.Background(), Query{TrackID: "A", K: 100})
	if err != nil {
		t.Fatalf("FindSimilar() error = %v", err)
	}
	if len(matches) != 8 {
		t.Errorf("max k: len = %d, want 8", len(matches))
	}
}

func TestFindSimilar_EuclideanMetric(t *testing.T) {
	idx := newTestIndex(t, Config{Metric: "euclidean"}, testTracks())

	matches, err := idx.FindSimilar(context.Background(), Query{TrackID: "c", K: 1})
	if err != nil {
		t.Fatalf("FindSimilar() error = %v", err)
	}
	if matches[0].TrackID != "d" {
		t.Errorf("nearest to c = %s, want d", matches[0].TrackID)
	}
	if matches[0].Score <= 0 || matches[0].Score > 1 {
		t.Errorf("euclidean similarity out of (0,1]: %v", matches[0].Score)
	}
}

func TestNew_UnknownMetric(t *testing.T) {
	_, err := New(Config{Metric: "manhattan"}, &staticSource{}, logging.NewTestLogger(os.Stderr))
	if err == nil {
		t.Fatal("New() with unknown metric should fail")
	}
}

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float64
		want float64
	}{
		{name: "identical", a: []float64{1, 2, 3}, b: []float64{1, 2, 3}, want: 1.0},
		{name: "orthogonal", a: []float64{1, 0}, b: []float64{0, 1}, want: 0.0},
		{name: "opposite", a: []float64{1, 0}, b: []float64{-1, 0}, want: -1.0},
		{name: "zero vector", a: []float64{0, 0}, b: []float64{1, 1}, want: 0.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := cosineSimilarity(tt.a, tt.b)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("cosineSimilarity() = %v, want %v", got, tt.want)
			}
		})
	}
}
