// Tonearc - Adaptive Track Preference Model Pipeline
// Copyright 2026 Tonearc Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tonearc/tonearc

//go:build !nats

package notify

import (
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// NATSMirrorConfig configures the external event mirror.
type NATSMirrorConfig struct {
	URL string
}

// NewNATSMirror reports that this binary was built without NATS
// support. Build with -tags nats to enable the mirror.
func NewNATSMirror(_ NATSMirrorConfig, _ watermill.LoggerAdapter) (message.Publisher, error) {
	return nil, fmt.Errorf("NATS mirror unavailable: binary built without nats tag")
}
