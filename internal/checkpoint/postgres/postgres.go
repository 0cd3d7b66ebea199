// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Subscore Contributors

// Package postgres implements checkpoint.Store against PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"

	"github.com/eventcore/subscore/internal/checkpoint"
	"github.com/eventcore/subscore/internal/event"
)

// pgxIface is the slice of *pgxpool.Pool that Store needs, narrowed so
// that tests can inject pgxmock.PgxPoolIface instead of a live connection.
type pgxIface interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements checkpoint.Store using the subscription_checkpoints
// table (see migrations/000001_init.up.sql).
type Store struct {
	pool pgxIface
}

// New creates a Store backed by the given pool.
func New(pool pgxIface) *Store {
	return &Store{pool: pool}
}

// Subscribe creates the row if absent; on a unique-violation it reads back
// and returns the existing row, so concurrent first-subscribes converge.
func (s *Store) Subscribe(ctx context.Context, streamKey, name string, start event.Cursor) (checkpoint.Checkpoint, error) {
	row := checkpoint.Checkpoint{
		ID:        uuid.New(),
		StreamKey: streamKey,
		Name:      name,
		Cursor:    start,
	}

	backoff := retry.WithMaxRetries(3, retry.NewExponential(25*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		_, execErr := s.pool.Exec(ctx, `
			INSERT INTO subscription_checkpoints
				(id, stream_key, subscription_name, last_seen_event_number, last_seen_stream_version)
			VALUES ($1, $2, $3, $4, $5)
		`, row.ID.String(), streamKey, name, start.EventNumber, start.StreamVersion)
		if execErr == nil {
			return nil
		}

		var pgErr *pgconn.PgError
		if errors.As(execErr, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			// Benign: another caller won the race. Not retryable - the
			// reconciliation read below handles it.
			return nil
		}
		return retry.RetryableError(execErr)
	})
	if err != nil {
		return checkpoint.Checkpoint{}, oops.Code("CHECKPOINT_CREATE_FAILED").
			With("stream_key", streamKey).With("subscription_name", name).Wrap(err)
	}

	existing, err := s.Query(ctx, streamKey, name)
	if err != nil {
		return checkpoint.Checkpoint{}, oops.Code("CHECKPOINT_RECONCILE_FAILED").
			With("stream_key", streamKey).With("subscription_name", name).Wrap(err)
	}
	return existing, nil
}

// Ack unconditionally updates the cursor for an existing row. Both columns
// are written in a single statement so a restart always observes a
// consistent pair.
func (s *Store) Ack(ctx context.Context, streamKey, name string, cursor event.Cursor) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE subscription_checkpoints
		SET last_seen_event_number = $3, last_seen_stream_version = $4
		WHERE stream_key = $1 AND subscription_name = $2
	`, streamKey, name, cursor.EventNumber, cursor.StreamVersion)
	if err != nil {
		return oops.Code("CHECKPOINT_ACK_FAILED").
			With("stream_key", streamKey).With("subscription_name", name).Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return oops.Code("CHECKPOINT_ACK_FAILED").
			With("stream_key", streamKey).With("subscription_name", name).
			Wrap(checkpoint.ErrNotFound)
	}
	return nil
}

// Unsubscribe deletes the row. A missing row is not an error.
func (s *Store) Unsubscribe(ctx context.Context, streamKey, name string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM subscription_checkpoints WHERE stream_key = $1 AND subscription_name = $2
	`, streamKey, name)
	if err != nil {
		return oops.Code("CHECKPOINT_UNSUBSCRIBE_FAILED").
			With("stream_key", streamKey).With("subscription_name", name).Wrap(err)
	}
	return nil
}

// Query returns the current row, or checkpoint.ErrNotFound.
func (s *Store) Query(ctx context.Context, streamKey, name string) (checkpoint.Checkpoint, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, last_seen_event_number, last_seen_stream_version, created_at
		FROM subscription_checkpoints
		WHERE stream_key = $1 AND subscription_name = $2
	`, streamKey, name)

	var idStr string
	var cp checkpoint.Checkpoint
	cp.StreamKey = streamKey
	cp.Name = name
	var createdAt time.Time
	err := row.Scan(&idStr, &cp.Cursor.EventNumber, &cp.Cursor.StreamVersion, &createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return checkpoint.Checkpoint{}, checkpoint.ErrNotFound
	}
	if err != nil {
		return checkpoint.Checkpoint{}, oops.Code("CHECKPOINT_QUERY_FAILED").
			With("stream_key", streamKey).With("subscription_name", name).Wrap(err)
	}
	cp.ID, err = uuid.Parse(idStr)
	if err != nil {
		return checkpoint.Checkpoint{}, oops.Code("CHECKPOINT_QUERY_FAILED").
			With("stream_key", streamKey).With("subscription_name", name).
			Errorf("corrupt checkpoint id %q: %w", idStr, err)
	}
	cp.CreatedAt = createdAt
	return cp, nil
}

var _ checkpoint.Store = (*Store)(nil)
