// Tonearc - Adaptive Track Preference Model Pipeline
// Copyright 2026 Tonearc Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tonearc/tonearc

package feedback

import (
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// Key layout. The nanosecond prefix makes iteration time-ordered and
// range scans by time cheap; the event ID disambiguates collisions.
const (
	feedbackPrefix   = "fb:"
	controllerPrefix = "ct:"
)

// StoreOptions configures the durable event store.
type StoreOptions struct {
	// Path is the Badger directory. Ignored when InMemory is set.
	Path string

	// InMemory backs the store with memory only, used in tests.
	InMemory bool
}

// Store is the durable feedback log backing training datasets.
type Store struct {
	db     *badger.DB
	logger zerolog.Logger
}

// OpenStore opens (or creates) the event store.
//
//nolint:gocritic // logger passed by value is acceptable for zerolog
func OpenStore(opts StoreOptions, logger zerolog.Logger) (*Store, error) {
	log := logger.With().Str("component", "feedback-store").Logger()

	badgerOpts := badger.DefaultOptions(opts.Path).
		WithInMemory(opts.InMemory).
		WithLogger(nil)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("opening feedback store: %w", err)
	}

	log.Info().Str("path", opts.Path).Bool("in_memory", opts.InMemory).Msg("feedback store opened")
	return &Store{db: db, logger: log}, nil
}

// Close flushes and closes the underlying database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("closing feedback store: %w", err)
	}
	return nil
}

func eventKey(prefix string, ts time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", prefix, ts.UnixNano(), id))
}

// PutFeedback persists one rating event.
func (s *Store) PutFeedback(ev FeedbackEvent) error {
	return s.put(eventKey(feedbackPrefix, ev.ReceivedAt, ev.ID), ev)
}

// PutController persists one controller telemetry event.
func (s *Store) PutController(ev ControllerEvent) error {
	return s.put(eventKey(controllerPrefix, ev.ReceivedAt, ev.ID), ev)
}

func (s *Store) put(key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
	if err != nil {
		return fmt.Errorf("writing event: %w", err)
	}
	return nil
}

// FeedbackSince returns rating events received at or after the given
// time, oldest first.
func (s *Store) FeedbackSince(since time.Time) ([]FeedbackEvent, error) {
	var out []FeedbackEvent
	err := s.scan(feedbackPrefix, since, func(data []byte) error {
		var ev FeedbackEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return err
		}
		out = append(out, ev)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ControllerSince returns controller events received at or after the
// given time, oldest first.
func (s *Store) ControllerSince(since time.Time) ([]ControllerEvent, error) {
	var out []ControllerEvent
	err := s.scan(controllerPrefix, since, func(data []byte) error {
		var ev ControllerEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return err
		}
		out = append(out, ev)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CountFeedbackSince counts rating events at or after the given time
// without decoding values.
func (s *Store) CountFeedbackSince(since time.Time) (int, error) {
	count := 0
	start := eventKey(feedbackPrefix, since, "")
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(feedbackPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(start); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("counting feedback: %w", err)
	}
	return count, nil
}

// scan iterates events of one prefix starting at the given time.
func (s *Store) scan(prefix string, since time.Time, fn func(data []byte) error) error {
	start := eventKey(prefix, since, "")
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(start); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				return fn(val)
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scanning %s events: %w", prefix, err)
	}
	return nil
}

// RunGC triggers one value-log garbage collection pass. Badger returns
// an error when nothing was collected, which callers may ignore.
func (s *Store) RunGC() error {
	return s.db.RunValueLogGC(0.5)
}
