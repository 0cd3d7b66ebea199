// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Subscore Contributors

package event

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindAllStreams, KindOf("$all"))
	assert.Equal(t, KindSingleStream, KindOf("location:room-1"))
}

func TestCursor_Value(t *testing.T) {
	c := Cursor{EventNumber: 6, StreamVersion: 3}
	assert.Equal(t, int64(6), c.Value(KindAllStreams))
	assert.Equal(t, int64(3), c.Value(KindSingleStream))
}

func TestCursor_Less(t *testing.T) {
	a := Cursor{EventNumber: 4}
	b := Cursor{EventNumber: 5}
	assert.True(t, a.Less(b, KindAllStreams))
	assert.False(t, b.Less(a, KindAllStreams))
}

func TestChunkByCorrelation(t *testing.T) {
	corrA := uuid.New()
	corrB := uuid.New()

	events := []RecordedEvent{
		{StreamKey: "X", CorrelationID: corrA, StreamVersion: 1},
		{StreamKey: "X", CorrelationID: corrA, StreamVersion: 2},
		{StreamKey: "X", CorrelationID: corrB, StreamVersion: 3},
		{StreamKey: "Y", CorrelationID: corrB, StreamVersion: 1},
	}

	chunks := ChunkByCorrelation(events)
	if assert.Len(t, chunks, 3) {
		assert.Len(t, chunks[0], 2)
		assert.Len(t, chunks[1], 1)
		assert.Len(t, chunks[2], 1)
	}
}

func TestChunkByCorrelation_Empty(t *testing.T) {
	assert.Nil(t, ChunkByCorrelation(nil))
}

func TestChunkByCorrelation_Single(t *testing.T) {
	events := []RecordedEvent{{StreamKey: "X", CorrelationID: uuid.New()}}
	chunks := ChunkByCorrelation(events)
	assert.Len(t, chunks, 1)
	assert.Len(t, chunks[0], 1)
}
