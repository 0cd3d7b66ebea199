// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Subscore Contributors

package subscription

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/eventcore/subscore/internal/broadcast"
	"github.com/eventcore/subscore/internal/checkpoint/memory"
	"github.com/eventcore/subscore/internal/event"
	historymem "github.com/eventcore/subscore/internal/historyreader/memory"
	"github.com/eventcore/subscore/internal/observability"
)

// recordingSubscriber collects every batch delivered to it and lets tests
// block until at least N batches have arrived. It never acks on its own;
// tests drive acks explicitly.
type recordingSubscriber struct {
	mu      sync.Mutex
	batches [][]any
	notify  chan struct{}
}

func newRecordingSubscriber() *recordingSubscriber {
	return &recordingSubscriber{notify: make(chan struct{}, 256)}
}

func (s *recordingSubscriber) Events(_ context.Context, batch []any) error {
	s.mu.Lock()
	s.batches = append(s.batches, batch)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
	return nil
}

func (s *recordingSubscriber) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

func (s *recordingSubscriber) batchAt(i int) []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batches[i]
}

// flatVersions returns every delivered event's stream version, in order.
func (s *recordingSubscriber) flatVersions() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int64
	for _, batch := range s.batches {
		for _, e := range batch {
			out = append(out, e.(event.RecordedEvent).StreamVersion)
		}
	}
	return out
}

func (s *recordingSubscriber) waitForCount(t *testing.T, n int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if s.count() >= n {
			return
		}
		select {
		case <-s.notify:
		case <-deadline:
			t.Fatalf("timed out waiting for %d batches, got %d", n, s.count())
		}
	}
}

// ackingSubscriber records like recordingSubscriber and additionally acks
// the last event of every batch through the Manager, the way a real
// subscriber drives catch-up forward. Events blocks until the test has
// stored the subscription handle, since the first catch-up chunk can
// arrive before SubscribeToStream has returned.
type ackingSubscriber struct {
	recordingSubscriber
	mgr    *Manager
	handle *Handle
	ready  chan struct{}
}

func newAckingSubscriber(mgr *Manager) *ackingSubscriber {
	return &ackingSubscriber{
		recordingSubscriber: recordingSubscriber{notify: make(chan struct{}, 256)},
		mgr:                 mgr,
		ready:               make(chan struct{}),
	}
}

func (s *ackingSubscriber) bind(h *Handle) {
	s.handle = h
	close(s.ready)
}

func (s *ackingSubscriber) Events(ctx context.Context, batch []any) error {
	if err := s.recordingSubscriber.Events(ctx, batch); err != nil {
		return err
	}
	<-s.ready
	last, ok := batch[len(batch)-1].(event.RecordedEvent)
	if !ok {
		return nil
	}
	return s.mgr.Ack(s.handle, last.Cursor())
}

func newTestFixture() (*memory.Store, *historymem.Store, *broadcast.Bus) {
	return memory.New(), historymem.New(), broadcast.New()
}

func TestActor_CatchUpThenLiveDelivery(t *testing.T) {
	defer goleak.VerifyNone(t)

	checkpoints, history, bus := newTestFixture()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, history.Append(ctx, ev("orders-1", 4, 1)))
	require.NoError(t, history.Append(ctx, ev("orders-1", 5, 2)))

	mgr := NewManager(ctx, checkpoints, history, bus)
	sub := newAckingSubscriber(mgr)

	h, err := mgr.SubscribeToStream(ctx, "orders-1", "billing", sub, Options{})
	require.NoError(t, err)
	sub.bind(h)

	require.Eventually(t, func() bool { return mgr.Subscribed(h) }, 2*time.Second, 10*time.Millisecond)

	bus.Publish("orders-1", []event.RecordedEvent{ev("orders-1", 6, 3)})

	require.Eventually(t, func() bool {
		return len(sub.flatVersions()) == 3
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []int64{1, 2, 3}, sub.flatVersions())

	// The durable checkpoint tracks the live ack.
	require.Eventually(t, func() bool {
		cp, qErr := checkpoints.Query(ctx, "orders-1", "billing")
		return qErr == nil && cp.Cursor.StreamVersion == 3
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, mgr.UnsubscribeFromStream(ctx, "orders-1", "billing"))
}

func TestActor_StartFromStreamVersionRespected(t *testing.T) {
	defer goleak.VerifyNone(t)

	checkpoints, history, bus := newTestFixture()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := int64(1); i <= 5; i++ {
		require.NoError(t, history.Append(ctx, ev("orders-1", i, i)))
	}

	mgr := NewManager(ctx, checkpoints, history, bus)
	sub := newAckingSubscriber(mgr)

	h, err := mgr.SubscribeToStream(ctx, "orders-1", "billing", sub, Options{StartFromStreamVersion: 3})
	require.NoError(t, err)
	sub.bind(h)

	require.Eventually(t, func() bool { return mgr.Subscribed(h) }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []int64{4, 5}, sub.flatVersions())

	require.NoError(t, mgr.UnsubscribeFromStream(ctx, "orders-1", "billing"))
}

// mappedAckingSubscriber receives mapped values (bare event numbers) and
// acks by reconstructing the cursor pair the mapper collapsed away.
type mappedAckingSubscriber struct {
	mgr    *Manager
	handle *Handle
	ready  chan struct{}
	got    chan int64
}

func (s *mappedAckingSubscriber) Events(_ context.Context, batch []any) error {
	<-s.ready
	last := batch[len(batch)-1].(int64)
	for _, v := range batch {
		s.got <- v.(int64)
	}
	// This stream's versions track event numbers minus three (events
	// numbered from 4 at versions from 1).
	return s.mgr.Ack(s.handle, event.Cursor{EventNumber: last, StreamVersion: last - 3})
}

func TestActor_MapperIsApplied(t *testing.T) {
	defer goleak.VerifyNone(t)

	checkpoints, history, bus := newTestFixture()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, history.Append(ctx, ev("orders-1", 4, 1)))

	mgr := NewManager(ctx, checkpoints, history, bus)
	sub := &mappedAckingSubscriber{mgr: mgr, ready: make(chan struct{}), got: make(chan int64, 16)}

	mapper := func(e event.RecordedEvent) any { return e.EventNumber }
	h, err := mgr.SubscribeToStream(ctx, "orders-1", "billing", sub, Options{Mapper: mapper})
	require.NoError(t, err)
	sub.handle = h
	close(sub.ready)

	select {
	case n := <-sub.got:
		assert.Equal(t, int64(4), n)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for mapped delivery")
	}
	require.Eventually(t, func() bool { return mgr.Subscribed(h) }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, mgr.UnsubscribeFromStream(ctx, "orders-1", "billing"))
}

func TestActor_DuplicateSubscribeErrors(t *testing.T) {
	defer goleak.VerifyNone(t)

	checkpoints, history, bus := newTestFixture()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr := NewManager(ctx, checkpoints, history, bus)
	sub := newAckingSubscriber(mgr)

	h, err := mgr.SubscribeToAllStreams(ctx, "billing", sub, Options{})
	require.NoError(t, err)
	sub.bind(h)

	_, err = mgr.SubscribeToAllStreams(ctx, "billing", sub, Options{})
	assert.ErrorIs(t, err, ErrAlreadyExists)

	require.NoError(t, mgr.UnsubscribeFromStream(ctx, event.StreamKeyAll, "billing"))
}

func TestActor_PartialAckBuffersUntilFullyAcked(t *testing.T) {
	defer goleak.VerifyNone(t)

	checkpoints, history, bus := newTestFixture()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr := NewManager(ctx, checkpoints, history, bus)
	sub := newRecordingSubscriber()

	h, err := mgr.SubscribeToAllStreams(ctx, "billing", sub, Options{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return mgr.Subscribed(h) }, 2*time.Second, 10*time.Millisecond)

	first := []event.RecordedEvent{
		ev("orders-1", 1, 1), ev("orders-1", 2, 2), ev("orders-1", 3, 3),
	}
	bus.Publish(event.StreamKeyAll, first)
	sub.waitForCount(t, 1)
	require.Len(t, sub.batchAt(0), 3)

	// Only the first event is acked, so the next publish must buffer.
	require.NoError(t, mgr.Ack(h, event.Cursor{EventNumber: 1}))

	second := []event.RecordedEvent{
		ev("orders-1", 4, 4), ev("orders-1", 5, 5), ev("orders-1", 6, 6),
	}
	bus.Publish(event.StreamKeyAll, second)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, sub.count(), "buffered batch must not be delivered before prior acks complete")

	// Acking the remaining two in-flight events releases the buffer as a
	// single batch.
	require.NoError(t, mgr.Ack(h, event.Cursor{EventNumber: 2}))
	require.NoError(t, mgr.Ack(h, event.Cursor{EventNumber: 3}))

	sub.waitForCount(t, 2)
	require.Len(t, sub.batchAt(1), 3)
	assert.Equal(t, int64(4), sub.batchAt(1)[0].(event.RecordedEvent).EventNumber)

	require.NoError(t, mgr.Ack(h, event.Cursor{EventNumber: 6}))
	require.NoError(t, mgr.UnsubscribeFromStream(ctx, event.StreamKeyAll, "billing"))
}

func TestActor_GapOnBusReconcilesThroughCatchUp(t *testing.T) {
	defer goleak.VerifyNone(t)

	checkpoints, history, bus := newTestFixture()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr := NewManager(ctx, checkpoints, history, bus)
	sub := newAckingSubscriber(mgr)

	h, err := mgr.SubscribeToAllStreams(ctx, "billing", sub, Options{})
	require.NoError(t, err)
	sub.bind(h)
	require.Eventually(t, func() bool { return mgr.Subscribed(h) }, 2*time.Second, 10*time.Millisecond)

	// Both events are durably recorded, but the bus only carries the
	// second: the subscription sees a gap and must reconcile by reading.
	require.NoError(t, history.Append(ctx, ev("orders-1", 1, 1)))
	require.NoError(t, history.Append(ctx, ev("orders-1", 2, 2)))
	bus.Publish(event.StreamKeyAll, []event.RecordedEvent{ev("orders-1", 2, 2)})

	require.Eventually(t, func() bool {
		return len(sub.flatVersions()) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []int64{1, 2}, sub.flatVersions())
	require.Eventually(t, func() bool { return mgr.Subscribed(h) }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, mgr.UnsubscribeFromStream(ctx, event.StreamKeyAll, "billing"))
}

func TestActor_MaxCapacityAndReconcileMetricsRecorded(t *testing.T) {
	defer goleak.VerifyNone(t)

	checkpoints, history, bus := newTestFixture()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	mgr := NewManager(ctx, checkpoints, history, bus)
	mgr.SetMetrics(metrics)
	sub := newRecordingSubscriber()

	h, err := mgr.SubscribeToAllStreams(ctx, "billing", sub, Options{MaxSize: 2})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return mgr.Subscribed(h) }, 2*time.Second, 10*time.Millisecond)

	// First event delivers immediately; the next two buffer unacked until
	// the pending count reaches MaxSize and the subscription parks.
	bus.Publish(event.StreamKeyAll, []event.RecordedEvent{ev("orders-1", 1, 1)})
	sub.waitForCount(t, 1)
	bus.Publish(event.StreamKeyAll, []event.RecordedEvent{ev("orders-1", 2, 2)})
	bus.Publish(event.StreamKeyAll, []event.RecordedEvent{ev("orders-1", 3, 3)})

	parked := metrics.MaxCapacityTotal.WithLabelValues(event.StreamKeyAll, "billing")
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(parked) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Acking the in-flight event drains the buffer, which empties pending
	// and sends the subscription back through catch-up: one reconcile.
	require.NoError(t, mgr.Ack(h, event.Cursor{EventNumber: 1}))
	sub.waitForCount(t, 2)

	reconciles := metrics.CatchUpReconciles.WithLabelValues(event.StreamKeyAll, "billing")
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(reconciles) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return mgr.Subscribed(h) }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, mgr.UnsubscribeFromStream(ctx, event.StreamKeyAll, "billing"))
}

func TestActor_AckProtocolViolationCrashesAndRestartResumes(t *testing.T) {
	defer goleak.VerifyNone(t)

	checkpoints, history, bus := newTestFixture()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr := NewManager(ctx, checkpoints, history, bus)
	sub := newRecordingSubscriber()

	h, err := mgr.SubscribeToAllStreams(ctx, "billing", sub, Options{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return mgr.Subscribed(h) }, 2*time.Second, 10*time.Millisecond)

	// The writer records and publishes two events; the subscriber acks only
	// the first before misbehaving.
	require.NoError(t, history.Append(ctx, ev("orders-1", 1, 1)))
	require.NoError(t, history.Append(ctx, ev("orders-1", 2, 2)))
	bus.Publish(event.StreamKeyAll, []event.RecordedEvent{ev("orders-1", 1, 1), ev("orders-1", 2, 2)})
	sub.waitForCount(t, 1)

	require.NoError(t, mgr.Ack(h, event.Cursor{EventNumber: 1}))

	// An ack past last_seen is a protocol violation and kills the actor.
	require.NoError(t, mgr.Ack(h, event.Cursor{EventNumber: 5}))
	require.Eventually(t, func() bool { return !mgr.Subscribed(h) }, 2*time.Second, 10*time.Millisecond)

	// Resubscribing restarts from the durable checkpoint: delivery resumes
	// at the event after the last successful ack.
	sub2 := newAckingSubscriber(mgr)
	h2, err := mgr.SubscribeToAllStreams(ctx, "billing", sub2, Options{})
	require.NoError(t, err)
	sub2.bind(h2)

	require.Eventually(t, func() bool { return mgr.Subscribed(h2) }, 2*time.Second, 10*time.Millisecond)
	require.NotEmpty(t, sub2.flatVersions())
	assert.Equal(t, int64(2), sub2.batchAt(0)[0].(event.RecordedEvent).EventNumber)

	require.NoError(t, mgr.UnsubscribeFromStream(ctx, event.StreamKeyAll, "billing"))
}
