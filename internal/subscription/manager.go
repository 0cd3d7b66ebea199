// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Subscore Contributors

package subscription

import (
	"context"
	"sync"

	"github.com/eventcore/subscore/internal/broadcast"
	"github.com/eventcore/subscore/internal/checkpoint"
	"github.com/eventcore/subscore/internal/event"
	"github.com/eventcore/subscore/internal/historyreader"
	"github.com/eventcore/subscore/internal/observability"
)

type subscriptionKey struct {
	streamKey string
	name      string
}

// Manager holds one Actor per (stream_key, subscription_name). It is the
// only stateful object above the per-subscription actors; the public
// façade (package subscore) is a thin wrapper around it.
type Manager struct {
	checkpoints checkpoint.Store
	history     historyreader.Reader
	bus         *broadcast.Bus
	metrics     *observability.Metrics

	mu      sync.Mutex
	actors  map[subscriptionKey]*Actor
	rootCtx context.Context
}

// NewManager creates a Manager. ctx bounds the lifetime of every actor it
// spawns: cancelling ctx tears down every live subscription.
func NewManager(ctx context.Context, checkpoints checkpoint.Store, history historyreader.Reader, bus *broadcast.Bus) *Manager {
	return &Manager{
		checkpoints: checkpoints,
		history:     history,
		bus:         bus,
		actors:      make(map[subscriptionKey]*Actor),
		rootCtx:     ctx,
	}
}

// SetMetrics attaches the observability counters actors record into
// (max-capacity parks, catch-up reconciles). Nil metrics (the default)
// disables recording. Call before the first subscribe; actors capture the
// pointer at spawn time.
func (m *Manager) SetMetrics(mx *observability.Metrics) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics = mx
}

// Handle is the opaque reference returned to callers, used for Ack and
// Subscribed.
type Handle struct {
	key subscriptionKey
}

// SubscribeToStream starts the actor for (streamKey, name) and returns a
// Handle for subsequent Ack/Subscribed calls. It returns ErrAlreadyExists
// while a live actor already holds the pair.
//
// If a previous actor for this key crashed (ErrAckProtocolViolation,
// ErrCatchUpProtocolViolation, or a checkpoint transport error), a fresh
// actor is spawned from the durable checkpoint instead of returning the
// dead one.
func (m *Manager) SubscribeToStream(ctx context.Context, streamKey, name string, sub Subscriber, opts Options) (*Handle, error) {
	key := subscriptionKey{streamKey: streamKey, name: name}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.actors[key]; ok {
		if !isDead(existing) {
			return nil, ErrAlreadyExists
		}
		delete(m.actors, key)
	}

	actor := newActor(m.rootCtx, streamKey, name, m.checkpoints, m.history, m.bus, sub, opts, m.metrics)
	m.actors[key] = actor
	return &Handle{key: key}, nil
}

// SubscribeToAllStreams is SubscribeToStream with stream_key = "$all".
func (m *Manager) SubscribeToAllStreams(ctx context.Context, name string, sub Subscriber, opts Options) (*Handle, error) {
	return m.SubscribeToStream(ctx, event.StreamKeyAll, name, sub, opts)
}

// Ack acknowledges cursor on the subscription h identifies.
func (m *Manager) Ack(h *Handle, cursor event.Cursor) error {
	actor, err := m.lookup(h)
	if err != nil {
		return err
	}
	actor.Ack(cursor)
	return nil
}

// UnsubscribeFromStream synchronously tears down the actor for
// (streamKey, name), deleting its checkpoint. Without a live actor (never
// subscribed in this process, or crashed) the durable row is deleted
// directly, so unsubscribe is effective across process lifetimes.
func (m *Manager) UnsubscribeFromStream(ctx context.Context, streamKey, name string) error {
	key := subscriptionKey{streamKey: streamKey, name: name}

	m.mu.Lock()
	actor, ok := m.actors[key]
	if ok {
		delete(m.actors, key)
	}
	m.mu.Unlock()

	if ok && !isDead(actor) {
		actor.Unsubscribe(ctx)
		return nil
	}
	return m.checkpoints.Unsubscribe(ctx, streamKey, name)
}

// Subscribed reports whether h's subscription is currently live.
func (m *Manager) Subscribed(h *Handle) bool {
	actor, err := m.lookup(h)
	if err != nil {
		return false
	}
	return actor.Subscribed()
}

func (m *Manager) lookup(h *Handle) (*Actor, error) {
	if h == nil {
		return nil, ErrNotFound
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	actor, ok := m.actors[h.key]
	if !ok {
		return nil, ErrNotFound
	}
	return actor, nil
}

func isDead(a *Actor) bool {
	select {
	case <-a.Done():
		return true
	default:
		return false
	}
}
