// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Subscore Contributors

package subscription

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/eventcore/subscore/internal/event"
	historymem "github.com/eventcore/subscore/internal/historyreader/memory"
)

type collectingSubscriber struct {
	mu      sync.Mutex
	batches [][]any
}

func (s *collectingSubscriber) Events(_ context.Context, batch []any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, batch)
	return nil
}

func (s *collectingSubscriber) batchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

func TestCatchupWorker_EmptyStreamCompletesAtStartingCursor(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := historymem.New()
	sub := &collectingSubscriber{}
	from := event.Cursor{StreamVersion: 7}

	w := startCatchupWorker(ctx, "orders-never-written", store, sub, nil, from)

	select {
	case res := <-w.result:
		require.NoError(t, res.err)
		assert.Equal(t, from, res.lastSeen)
	case <-time.After(2 * time.Second):
		t.Fatal("worker never produced a result")
	}
}

func TestCatchupWorker_DeliversChunksAndWaitsForMatchingAck(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := historymem.New()
	require.NoError(t, store.Append(ctx, ev("orders-1", 0, 1)))
	require.NoError(t, store.Append(ctx, ev("orders-1", 0, 2)))

	sub := &collectingSubscriber{}
	w := startCatchupWorker(ctx, "orders-1", store, sub, nil, event.Cursor{})

	require.Eventually(t, func() bool { return sub.batchCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	// Worker is now blocked waiting for an ack of stream_version 2. A
	// stale ack of 1 must not unblock it.
	w.ack(event.Cursor{StreamVersion: 1})
	time.Sleep(50 * time.Millisecond)
	select {
	case <-w.result:
		t.Fatal("worker completed on a stale ack")
	default:
	}

	w.ack(event.Cursor{StreamVersion: 2})

	select {
	case res := <-w.result:
		require.NoError(t, res.err)
		assert.Equal(t, int64(2), res.lastSeen.StreamVersion)
	case <-time.After(2 * time.Second):
		t.Fatal("worker never completed after matching ack")
	}
}

func TestCatchupWorker_AckPastExpectedIsProtocolViolation(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := historymem.New()
	require.NoError(t, store.Append(ctx, ev("orders-1", 0, 1)))

	sub := &collectingSubscriber{}
	w := startCatchupWorker(ctx, "orders-1", store, sub, nil, event.Cursor{})

	require.Eventually(t, func() bool { return sub.batchCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	w.ack(event.Cursor{StreamVersion: 99})

	select {
	case res := <-w.result:
		assert.ErrorIs(t, res.err, ErrCatchUpProtocolViolation)
	case <-time.After(2 * time.Second):
		t.Fatal("worker never reported the protocol violation")
	}
}

func TestCatchupWorker_ContextCancelStopsWithoutResult(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx, cancel := context.WithCancel(context.Background())

	store := historymem.New()
	require.NoError(t, store.Append(ctx, ev("orders-1", 0, 1)))

	sub := &collectingSubscriber{}
	w := startCatchupWorker(ctx, "orders-1", store, sub, nil, event.Cursor{})

	require.Eventually(t, func() bool { return sub.batchCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()

	select {
	case _, ok := <-w.result:
		assert.False(t, ok, "result channel should remain empty, not closed-with-value")
	case <-time.After(200 * time.Millisecond):
		// No result ever arrives; goroutine exits via ctx.Done in waitForAck.
	}
}
