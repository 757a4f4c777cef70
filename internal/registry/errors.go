// Tonearc - Adaptive Track Preference Model Pipeline
// Copyright 2026 Tonearc Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tonearc/tonearc

package registry

import (
	"errors"
	"fmt"
)

// Sentinel errors for errors.Is checks.
var (
	// ErrNotFound indicates a missing model type or version.
	ErrNotFound = errors.New("registry: not found")

	// ErrCorruptArtifact indicates a checksum mismatch on load.
	ErrCorruptArtifact = errors.New("registry: corrupt artifact")

	// ErrBrokenPointer indicates the latest pointer references a
	// version that does not exist on disk. This is an invariant
	// violation, not an expected condition.
	ErrBrokenPointer = errors.New("registry: latest pointer references missing version")
)

// NotFoundError reports a missing version with context.
type NotFoundError struct {
	ModelType string
	Version   int
}

func (e *NotFoundError) Error() string {
	if e.Version == Latest {
		return fmt.Sprintf("registry: no versions for model type %q", e.ModelType)
	}
	return fmt.Sprintf("registry: model %s v%d not found", e.ModelType, e.Version)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// CorruptArtifactError reports a checksum mismatch with both digests.
type CorruptArtifactError struct {
	ModelType string
	Version   int
	Expected  string
	Actual    string
}

func (e *CorruptArtifactError) Error() string {
	return fmt.Sprintf("registry: model %s v%d checksum mismatch: expected %s, got %s",
		e.ModelType, e.Version, e.Expected, e.Actual)
}

func (e *CorruptArtifactError) Unwrap() error { return ErrCorruptArtifact }
