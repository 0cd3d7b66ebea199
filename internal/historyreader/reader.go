// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Subscore Contributors

// Package historyreader provides the lazy, bounded-batch historical read
// path the catch-up worker drains before a subscription goes live.
package historyreader

import (
	"context"
	"errors"
	"iter"

	"github.com/eventcore/subscore/internal/event"
)

// ErrStreamNotFound is returned when the requested stream has never had
// any events recorded; a stream with no events yet and an unknown stream
// key are the same case.
var ErrStreamNotFound = errors.New("stream not found")

// Reader returns events recorded after a checkpoint cursor, in batches no
// larger than batchSize, ordered the way the stream orders them: by
// event_number for event.KindAllStreams, by stream_version otherwise.
//
// The returned sequence is lazy: batches are only fetched from storage as
// the caller ranges over the sequence, so a catch-up worker that stops
// early (subscriber unsubscribes mid-replay) never pays for batches it
// never asked for.
type Reader interface {
	Unseen(ctx context.Context, streamKey string, after event.Cursor, batchSize int) (iter.Seq[[]event.RecordedEvent], error)

	// LastSeen returns the cursor of the most recently recorded event on
	// streamKey, or ErrStreamNotFound if the stream has no events yet.
	LastSeen(ctx context.Context, streamKey string) (event.Cursor, error)
}
