// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Subscore Contributors

package subscription

import (
	"context"
	"errors"

	"github.com/eventcore/subscore/internal/event"
	"github.com/eventcore/subscore/internal/historyreader"
)

// catchupBatchSize bounds how many rows the Historical Reader returns per
// pull; the worker re-chunks each pull by correlation before delivery, so
// this is independent of delivery batch size.
const catchupBatchSize = 256

// catchupResult is the catch-up worker's terminal message to its actor:
// the cursor of the final event it emitted (the starting cursor if the
// replay was empty), or the failure that ended the replay: a protocol
// violation, a reader error, or a subscriber delivery error.
type catchupResult struct {
	lastSeen event.Cursor
	err      error
}

// catchupWorker streams historical events to a subscriber in
// correlation-grouped chunks, blocking after each chunk for a matching ack
// before pulling the next.
type catchupWorker struct {
	ackCh  chan event.Cursor
	result chan catchupResult
}

// startCatchupWorker spawns the worker goroutine and returns immediately.
func startCatchupWorker(
	ctx context.Context,
	streamKey string,
	reader historyreader.Reader,
	sub Subscriber,
	mapper Mapper,
	from event.Cursor,
) *catchupWorker {
	w := &catchupWorker{
		ackCh:  make(chan event.Cursor, 1),
		result: make(chan catchupResult, 1),
	}
	go w.run(ctx, streamKey, reader, sub, mapper, from)
	return w
}

// ack forwards cursor to the worker without blocking the actor. If the
// worker hasn't drained the previous ack yet, the stale value is replaced
// so the worker always sees the most recent ack once it next receives.
func (w *catchupWorker) ack(cursor event.Cursor) {
	for {
		select {
		case w.ackCh <- cursor:
			return
		default:
			select {
			case <-w.ackCh:
			default:
			}
		}
	}
}

func (w *catchupWorker) run(ctx context.Context, streamKey string, reader historyreader.Reader, sub Subscriber, mapper Mapper, from event.Cursor) {
	kind := event.KindOf(streamKey)

	seq, err := reader.Unseen(ctx, streamKey, from, catchupBatchSize)
	if errors.Is(err, historyreader.ErrStreamNotFound) {
		w.result <- catchupResult{lastSeen: from}
		return
	}
	if err != nil {
		w.result <- catchupResult{err: err}
		return
	}

	lastSeen := from
	for batch := range seq {
		for _, chunk := range event.ChunkByCorrelation(batch) {
			mapped := make([]any, len(chunk))
			for i, e := range chunk {
				if mapper != nil {
					mapped[i] = mapper(e)
				} else {
					mapped[i] = e
				}
			}

			if err := sub.Events(ctx, mapped); err != nil {
				w.result <- catchupResult{err: err}
				return
			}

			expected := chunk[len(chunk)-1].Cursor()
			if err := w.waitForAck(ctx, kind, expected); err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				w.result <- catchupResult{err: err}
				return
			}
			lastSeen = expected
		}
	}

	w.result <- catchupResult{lastSeen: lastSeen}
}

// waitForAck blocks until an ack matching expected arrives, ignoring
// strictly-lesser (stale) acks. An ack past expected is a protocol
// violation.
func (w *catchupWorker) waitForAck(ctx context.Context, kind event.Kind, expected event.Cursor) error {
	want := expected.Value(kind)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cur := <-w.ackCh:
			got := cur.Value(kind)
			switch {
			case got == want:
				return nil
			case got < want:
				continue
			default:
				return ErrCatchUpProtocolViolation
			}
		}
	}
}
