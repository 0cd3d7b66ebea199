// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Subscore Contributors

// Package memory is an in-process checkpoint.Store, used by unit tests and
// by cmd/subscored when no DATABASE_URL is configured.
package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/eventcore/subscore/internal/checkpoint"
	"github.com/eventcore/subscore/internal/event"
)

type key struct {
	streamKey string
	name      string
}

// Store is an in-memory checkpoint.Store.
type Store struct {
	mu   sync.RWMutex
	rows map[key]checkpoint.Checkpoint
}

// New creates an empty in-memory Store.
func New() *Store {
	return &Store{rows: make(map[key]checkpoint.Checkpoint)}
}

// Subscribe creates the row if absent, otherwise returns the existing one.
func (s *Store) Subscribe(_ context.Context, streamKey, name string, start event.Cursor) (checkpoint.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{streamKey, name}
	if row, ok := s.rows[k]; ok {
		return row, nil
	}

	row := checkpoint.Checkpoint{
		ID:        uuid.New(),
		StreamKey: streamKey,
		Name:      name,
		Cursor:    start,
	}
	s.rows[k] = row
	return row, nil
}

// Ack overwrites the cursor for an existing row. A missing row is created
// implicitly at the given cursor; the postgres backend instead reports
// checkpoint.ErrNotFound for a missing row.
func (s *Store) Ack(_ context.Context, streamKey, name string, cursor event.Cursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{streamKey, name}
	row, ok := s.rows[k]
	if !ok {
		row = checkpoint.Checkpoint{ID: uuid.New(), StreamKey: streamKey, Name: name}
	}
	row.Cursor = cursor
	s.rows[k] = row
	return nil
}

// Unsubscribe deletes the row. Absent rows are not an error.
func (s *Store) Unsubscribe(_ context.Context, streamKey, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.rows, key{streamKey, name})
	return nil
}

// Query returns the current row, or checkpoint.ErrNotFound.
func (s *Store) Query(_ context.Context, streamKey, name string) (checkpoint.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.rows[key{streamKey, name}]
	if !ok {
		return checkpoint.Checkpoint{}, checkpoint.ErrNotFound
	}
	return row, nil
}

var _ checkpoint.Store = (*Store)(nil)
