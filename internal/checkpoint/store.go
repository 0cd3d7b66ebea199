// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Subscore Contributors

// Package checkpoint defines the durable mapping from a subscription to its
// last-acknowledged cursor, and the interface its storage backends satisfy.
package checkpoint

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/eventcore/subscore/internal/event"
)

// ErrNotFound is returned by Query when no row exists for the given
// (stream key, subscription name) pair.
var ErrNotFound = errors.New("subscription not found")

// Checkpoint is one persisted row: a subscription's durable cursor.
type Checkpoint struct {
	ID        uuid.UUID
	StreamKey string
	Name      string
	Cursor    event.Cursor
	CreatedAt time.Time
}

// Store is the durable mapping (stream_key, subscription_name) ->
// (last_event_number, last_stream_version). Implementations must make
// Subscribe idempotent: a second Subscribe for the same key reconciles to
// the existing row rather than erroring.
type Store interface {
	// Subscribe creates a row if one does not exist, seeded with start.
	// If a row already exists it is returned unchanged - start is ignored.
	Subscribe(ctx context.Context, streamKey, name string, start event.Cursor) (Checkpoint, error)

	// Ack unconditionally overwrites the cursor for an existing row.
	// Both cursor fields are written atomically.
	Ack(ctx context.Context, streamKey, name string, cursor event.Cursor) error

	// Unsubscribe deletes the row. A missing row is not an error.
	Unsubscribe(ctx context.Context, streamKey, name string) error

	// Query returns the current row, or ErrNotFound.
	Query(ctx context.Context, streamKey, name string) (Checkpoint, error)
}
