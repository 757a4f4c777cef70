// Tonearc - Adaptive Track Preference Model Pipeline
// Copyright 2026 Tonearc Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tonearc/tonearc

// Package services provides Suture service wrappers for pipeline
// components.
package services

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
)

// LoopService adapts a long-running loop function to suture.Service.
// The coordinator's collector, health and decision loops all run under
// one of these.
type LoopService struct {
	name   string
	run    func(ctx context.Context) error
	logger zerolog.Logger
}

// NewLoopService wraps a loop function for supervision.
//
//nolint:gocritic // logger passed by value is acceptable for zerolog
func NewLoopService(name string, run func(ctx context.Context) error, logger zerolog.Logger) *LoopService {
	return &LoopService{
		name:   name,
		run:    run,
		logger: logger.With().Str("service", name).Logger(),
	}
}

// Serve implements suture.Service. Context cancellation is a normal
// stop, not a failure, so the supervisor does not restart on shutdown.
func (s *LoopService) Serve(ctx context.Context) error {
	s.logger.Info().Msg("service starting")
	err := s.run(ctx)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		s.logger.Info().Msg("service stopped")
		return ctx.Err()
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("service failed")
	}
	return err
}

// String implements fmt.Stringer for supervisor logs.
func (s *LoopService) String() string { return s.name }
