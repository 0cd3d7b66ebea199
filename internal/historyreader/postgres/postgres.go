// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Subscore Contributors

// Package postgres implements historyreader.Reader against PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"iter"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/samber/oops"

	"github.com/eventcore/subscore/internal/event"
	"github.com/eventcore/subscore/internal/historyreader"
)

// pgxIface is the slice of *pgxpool.Pool that Reader needs, narrowed so
// that tests can inject pgxmock.PgxPoolIface instead of a live connection.
type pgxIface interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Reader implements historyreader.Reader using the recorded_events table
// (see migrations/000001_init.up.sql).
type Reader struct {
	pool pgxIface
}

// New creates a Reader backed by the given pool.
func New(pool pgxIface) *Reader {
	return &Reader{pool: pool}
}

// Unseen implements historyreader.Reader using keyset pagination: each
// pull of the returned sequence issues one bounded query for the next
// batchSize rows strictly after the last cursor seen, so a caller that
// stops ranging early never pays for unread batches.
func (r *Reader) Unseen(ctx context.Context, streamKey string, after event.Cursor, batchSize int) (iter.Seq[[]event.RecordedEvent], error) {
	kind := event.KindOf(streamKey)

	return func(yield func([]event.RecordedEvent) bool) {
		cursor := after
		for {
			var rows pgx.Rows
			var err error
			if kind == event.KindAllStreams {
				rows, err = r.pool.Query(ctx, `
					SELECT event_id, event_number, stream_key, stream_version,
					       event_type, correlation_id, causation_id, payload, metadata, created_at
					FROM recorded_events
					WHERE event_number > $1
					ORDER BY event_number
					LIMIT $2
				`, cursor.EventNumber, batchSize)
			} else {
				rows, err = r.pool.Query(ctx, `
					SELECT event_id, event_number, stream_key, stream_version,
					       event_type, correlation_id, causation_id, payload, metadata, created_at
					FROM recorded_events
					WHERE stream_key = $1 AND stream_version > $2
					ORDER BY stream_version
					LIMIT $3
				`, streamKey, cursor.StreamVersion, batchSize)
			}
			// iter.Seq has no error channel, so a query or scan fault
			// mid-iteration ends the sequence early, indistinguishable from
			// exhaustion. The catch-up worker then reports caught-up at a
			// stale cursor; the next live batch past it reads as a gap and
			// triggers another catch-up, which retries the read.
			if err != nil {
				return
			}

			batch, scanErr := scanBatch(rows)
			rows.Close()
			if scanErr != nil || len(batch) == 0 {
				return
			}

			cursor = batch[len(batch)-1].Cursor()
			if !yield(batch) {
				return
			}
			if len(batch) < batchSize {
				return
			}
		}
	}, nil
}

func scanBatch(rows pgx.Rows) ([]event.RecordedEvent, error) {
	var batch []event.RecordedEvent
	for rows.Next() {
		var e event.RecordedEvent
		var eventID, correlationID, causationID string
		if err := rows.Scan(&eventID, &e.EventNumber, &e.StreamKey, &e.StreamVersion,
			&e.EventType, &correlationID, &causationID, &e.Payload, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, oops.Code("HISTORY_SCAN_FAILED").Wrap(err)
		}
		var err error
		if e.EventID, err = uuid.Parse(eventID); err != nil {
			return nil, oops.Code("HISTORY_SCAN_FAILED").Errorf("corrupt event_id %q: %w", eventID, err)
		}
		if e.CorrelationID, err = uuid.Parse(correlationID); err != nil {
			return nil, oops.Code("HISTORY_SCAN_FAILED").Errorf("corrupt correlation_id %q: %w", correlationID, err)
		}
		if e.CausationID, err = uuid.Parse(causationID); err != nil {
			return nil, oops.Code("HISTORY_SCAN_FAILED").Errorf("corrupt causation_id %q: %w", causationID, err)
		}
		batch = append(batch, e)
	}
	if err := rows.Err(); err != nil {
		return nil, oops.Code("HISTORY_SCAN_FAILED").Wrap(err)
	}
	return batch, nil
}

// LastSeen implements historyreader.Reader.
func (r *Reader) LastSeen(ctx context.Context, streamKey string) (event.Cursor, error) {
	kind := event.KindOf(streamKey)

	var row pgx.Row
	if kind == event.KindAllStreams {
		row = r.pool.QueryRow(ctx, `
			SELECT event_number, stream_version FROM recorded_events
			ORDER BY event_number DESC LIMIT 1
		`)
	} else {
		row = r.pool.QueryRow(ctx, `
			SELECT event_number, stream_version FROM recorded_events
			WHERE stream_key = $1
			ORDER BY stream_version DESC LIMIT 1
		`, streamKey)
	}

	var c event.Cursor
	err := row.Scan(&c.EventNumber, &c.StreamVersion)
	if errors.Is(err, pgx.ErrNoRows) {
		return event.Cursor{}, historyreader.ErrStreamNotFound
	}
	if err != nil {
		return event.Cursor{}, oops.Code("HISTORY_LAST_SEEN_FAILED").
			With("stream_key", streamKey).Wrap(err)
	}
	return c, nil
}

var _ historyreader.Reader = (*Reader)(nil)
