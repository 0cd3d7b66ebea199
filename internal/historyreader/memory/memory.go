// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Subscore Contributors

// Package memory is an in-process historyreader.Reader, used by unit tests
// and by cmd/subscored when no DATABASE_URL is configured.
package memory

import (
	"context"
	"iter"
	"sync"

	"github.com/eventcore/subscore/internal/event"
	"github.com/eventcore/subscore/internal/historyreader"
)

// Store is an in-memory historyreader.Reader that also accepts appends, so
// tests (and the demo harness in cmd/subscored) can populate streams
// without a database.
type Store struct {
	mu      sync.RWMutex
	all     []event.RecordedEvent
	streams map[string][]event.RecordedEvent
}

// New creates an empty in-memory Store.
func New() *Store {
	return &Store{streams: make(map[string][]event.RecordedEvent)}
}

// Append records e under its stream key and under the all-streams index.
// The caller is responsible for assigning a monotonic EventNumber and a
// per-stream-monotonic StreamVersion; Append does not renumber events.
func (s *Store) Append(_ context.Context, e event.RecordedEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.all = append(s.all, e)
	s.streams[e.StreamKey] = append(s.streams[e.StreamKey], e)
	return nil
}

// Unseen implements historyreader.Reader.
func (s *Store) Unseen(_ context.Context, streamKey string, after event.Cursor, batchSize int) (iter.Seq[[]event.RecordedEvent], error) {
	kind := event.KindOf(streamKey)

	return func(yield func([]event.RecordedEvent) bool) {
		s.mu.RLock()
		source := s.all
		if kind == event.KindSingleStream {
			source = s.streams[streamKey]
		}
		// Copy under the lock so the caller can range over the sequence
		// without holding Store.mu for the duration.
		snapshot := make([]event.RecordedEvent, len(source))
		copy(snapshot, source)
		s.mu.RUnlock()

		var batch []event.RecordedEvent
		for _, e := range snapshot {
			if !after.Less(e.Cursor(), kind) {
				continue
			}
			batch = append(batch, e)
			if len(batch) == batchSize {
				if !yield(batch) {
					return
				}
				batch = nil
			}
		}
		if len(batch) > 0 {
			yield(batch)
		}
	}, nil
}

// LastSeen implements historyreader.Reader.
func (s *Store) LastSeen(_ context.Context, streamKey string) (event.Cursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	kind := event.KindOf(streamKey)
	source := s.all
	if kind == event.KindSingleStream {
		source = s.streams[streamKey]
	}
	if len(source) == 0 {
		return event.Cursor{}, historyreader.ErrStreamNotFound
	}
	return source[len(source)-1].Cursor(), nil
}

var _ historyreader.Reader = (*Store)(nil)
