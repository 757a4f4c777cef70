// Tonearc - Adaptive Track Preference Model Pipeline
// Copyright 2026 Tonearc Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tonearc/tonearc

package similarity

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// FileCatalog is a Source backed by a JSON file of tracks. The file is
// re-read when its mtime changes, so feature re-extraction jobs can
// swap the catalog without a restart.
type FileCatalog struct {
	path   string
	logger zerolog.Logger

	mu      sync.RWMutex
	tracks  []Track
	modTime time.Time
}

// NewFileCatalog creates a catalog over the given JSON file. The file
// must exist and parse at startup; later read failures serve the last
// good snapshot.
//
//nolint:gocritic // logger passed by value is acceptable for zerolog
func NewFileCatalog(path string, logger zerolog.Logger) (*FileCatalog, error) {
	c := &FileCatalog{
		path:   path,
		logger: logger.With().Str("component", "catalog").Str("path", path).Logger(),
	}
	if err := c.reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Tracks implements Source.
func (c *FileCatalog) Tracks(_ context.Context) ([]Track, error) {
	if err := c.maybeReload(); err != nil {
		c.logger.Warn().Err(err).Msg("catalog reload failed, serving last snapshot")
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Track, len(c.tracks))
	copy(out, c.tracks)
	return out, nil
}

// Len reports the current track count.
func (c *FileCatalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.tracks)
}

func (c *FileCatalog) maybeReload() error {
	info, err := os.Stat(c.path)
	if err != nil {
		return fmt.Errorf("stat catalog: %w", err)
	}

	c.mu.RLock()
	unchanged := info.ModTime().Equal(c.modTime)
	c.mu.RUnlock()
	if unchanged {
		return nil
	}
	return c.reload()
}

func (c *FileCatalog) reload() error {
	info, err := os.Stat(c.path)
	if err != nil {
		return fmt.Errorf("stat catalog: %w", err)
	}
	data, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("reading catalog: %w", err)
	}

	var tracks []Track
	if err := json.Unmarshal(data, &tracks); err != nil {
		return fmt.Errorf("parsing catalog: %w", err)
	}

	// Validate dimensional consistency up front so queries and the
	// trainer see a coherent feature space.
	dim := -1
	for _, tr := range tracks {
		if tr.ID == "" {
			return fmt.Errorf("catalog entry missing id")
		}
		if dim == -1 {
			dim = len(tr.Features)
			continue
		}
		if len(tr.Features) != dim {
			return fmt.Errorf("%w: track %s has %d features, want %d",
				ErrDimensionMismatch, tr.ID, len(tr.Features), dim)
		}
	}

	c.mu.Lock()
	c.tracks = tracks
	c.modTime = info.ModTime()
	c.mu.Unlock()

	c.logger.Info().Int("tracks", len(tracks)).Int("feature_dim", dim).Msg("catalog loaded")
	return nil
}
