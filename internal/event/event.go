// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Subscore Contributors

// Package event defines the immutable record type appended to streams and
// the cursor arithmetic subscriptions use to track their place in them.
package event

import (
	"time"

	"github.com/google/uuid"
)

// StreamKeyAll is the reserved stream key for an all-streams subscription.
const StreamKeyAll = "$all"

// Kind distinguishes a single-stream subscription from an all-streams one.
// The two kinds track different cursor components: StreamVersion for a
// single stream, EventNumber across the whole store.
type Kind uint8

const (
	KindSingleStream Kind = iota
	KindAllStreams
)

func (k Kind) String() string {
	if k == KindAllStreams {
		return "all_streams"
	}
	return "single_stream"
}

// KindOf returns the subscription kind implied by a stream key.
func KindOf(streamKey string) Kind {
	if streamKey == StreamKeyAll {
		return KindAllStreams
	}
	return KindSingleStream
}

// Cursor is the pair of monotonic positions a subscription may track.
// Only one component is meaningful for a given subscription's Kind, but
// both are carried together so that acks and checkpoints always store and
// restore the two fields as one unit.
type Cursor struct {
	EventNumber   int64
	StreamVersion int64
}

// Value extracts the cursor component relevant to kind.
func (c Cursor) Value(kind Kind) int64 {
	if kind == KindAllStreams {
		return c.EventNumber
	}
	return c.StreamVersion
}

// Less reports whether c sorts strictly before other for the given kind.
func (c Cursor) Less(other Cursor, kind Kind) bool {
	return c.Value(kind) < other.Value(kind)
}

// RecordedEvent is the immutable record produced by the append path and
// consumed by the subscription core. The subscription core never mutates
// or re-derives any of these fields; it only reads EventNumber/StreamVersion
// to drive cursor arithmetic.
type RecordedEvent struct {
	EventID       uuid.UUID
	EventNumber   int64
	StreamKey     string
	StreamVersion int64
	EventType     string
	CorrelationID uuid.UUID
	CausationID   uuid.UUID
	Payload       []byte
	Metadata      []byte
	CreatedAt     time.Time
}

// Cursor returns the event's position as a Cursor pair.
func (e RecordedEvent) Cursor() Cursor {
	return Cursor{EventNumber: e.EventNumber, StreamVersion: e.StreamVersion}
}

// SameCorrelation reports whether two events share a (stream_key,
// correlation_id) pair, the grouping key used when chunking deliveries.
func SameCorrelation(a, b RecordedEvent) bool {
	return a.StreamKey == b.StreamKey && a.CorrelationID == b.CorrelationID
}

// ChunkByCorrelation splits a batch into contiguous runs sharing the same
// (stream_key, correlation_id) pair, preserving order. Used by the catch-up
// worker and the drain-pending path; live delivery sends the writer's own
// batches as-is and does not call this.
func ChunkByCorrelation(events []RecordedEvent) [][]RecordedEvent {
	if len(events) == 0 {
		return nil
	}
	var chunks [][]RecordedEvent
	start := 0
	for i := 1; i < len(events); i++ {
		if !SameCorrelation(events[i-1], events[i]) {
			chunks = append(chunks, events[start:i])
			start = i
		}
	}
	chunks = append(chunks, events[start:])
	return chunks
}
