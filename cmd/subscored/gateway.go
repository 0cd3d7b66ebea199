// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Subscore Contributors

package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/eventcore/subscore/internal/broadcast"
	"github.com/eventcore/subscore/internal/event"
	historymem "github.com/eventcore/subscore/internal/historyreader/memory"
)

// demoStreams are the stream keys the demo producer picks from at random.
var demoStreams = []string{"room:origin", "room:atrium", "room:vault"}

// demoProducer periodically appends a synthetic event to a random demo
// stream and publishes it to the Broadcast Bus under both its own
// stream_key and event.StreamKeyAll, standing in for a real writer so the
// subscription core can be exercised end to end.
type demoProducer struct {
	bus     *broadcast.Bus
	pool    *pgxpool.Pool // nil when running against the in-memory backend
	mem     *historymem.Store
	counter map[string]int64
	global  int64
}

func newDemoProducer(bus *broadcast.Bus, pool *pgxpool.Pool, mem *historymem.Store) *demoProducer {
	return &demoProducer{bus: bus, pool: pool, mem: mem, counter: make(map[string]int64)}
}

// Run appends one event on every tick until ctx is cancelled.
func (p *demoProducer) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			streamKey := demoStreams[rand.Intn(len(demoStreams))] //nolint:gosec // demo data, not security sensitive
			if err := p.append(ctx, streamKey); err != nil {
				slog.Error("demo producer append failed", "stream_key", streamKey, "error", err)
			}
		}
	}
}

func (p *demoProducer) append(ctx context.Context, streamKey string) error {
	p.counter[streamKey]++
	p.global++

	e := event.RecordedEvent{
		EventID:       uuid.New(),
		EventNumber:   p.global,
		StreamKey:     streamKey,
		StreamVersion: p.counter[streamKey],
		EventType:     "demo.tick",
		CorrelationID: uuid.New(),
		CausationID:   uuid.Nil,
		Payload:       []byte(fmt.Sprintf(`{"tick":%d}`, p.global)),
		Metadata:      []byte(`{}`),
		CreatedAt:     time.Now(),
	}

	if p.mem != nil {
		if err := p.mem.Append(ctx, e); err != nil {
			return err
		}
	} else {
		// Versions continue from whatever an earlier daemon run left in the
		// table; the producer is the only writer, so the subselect is safe.
		row := p.pool.QueryRow(ctx, `
			INSERT INTO recorded_events
				(event_id, stream_key, stream_version, event_type, correlation_id, causation_id, payload, metadata)
			VALUES ($1, $2,
				(SELECT COALESCE(MAX(stream_version), 0) + 1 FROM recorded_events WHERE stream_key = $2),
				$3, $4, $5, $6, $7)
			RETURNING event_number, stream_version
		`, e.EventID.String(), e.StreamKey, e.EventType, e.CorrelationID.String(), e.CausationID.String(), e.Payload, e.Metadata)
		if err := row.Scan(&e.EventNumber, &e.StreamVersion); err != nil {
			return err
		}
	}

	p.bus.Publish(streamKey, []event.RecordedEvent{e})
	p.bus.Publish(event.StreamKeyAll, []event.RecordedEvent{e})
	return nil
}
