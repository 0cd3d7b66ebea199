// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Subscore Contributors

// Package subscore is the importable façade over the subscription core:
// a persistent event store's per-subscription catch-up and live-delivery
// engine. Service wraps internal/subscription.Manager and translates the
// external API's permissive ack shapes into the internal package's typed
// cursor.
package subscore

import (
	"context"
	"fmt"

	"github.com/eventcore/subscore/internal/broadcast"
	"github.com/eventcore/subscore/internal/checkpoint"
	"github.com/eventcore/subscore/internal/event"
	"github.com/eventcore/subscore/internal/historyreader"
	"github.com/eventcore/subscore/internal/observability"
	"github.com/eventcore/subscore/internal/subscription"
)

// Subscriber is the delivery target passed to SubscribeToStream /
// SubscribeToAllStreams. Events is called synchronously from the
// subscription's actor (or its catch-up worker) with one in-order batch
// at a time; the subscriber is expected to call Service.Ack once it has
// durably processed the batch, and may do so from inside Events.
type Subscriber = subscription.Subscriber

// Handle is the opaque reference returned by a successful subscribe call.
type Handle = subscription.Handle

// Options configures a subscription: starting cursors, an optional mapper
// applied to each event before delivery, and the pending-buffer bound.
type Options = subscription.Options

// Service is the module's top-level entry point: one Service per process,
// wrapping a Checkpoint Store, a Historical Reader, and a Broadcast Bus
// behind the Manager that owns every live subscription actor.
type Service struct {
	manager *subscription.Manager
}

// NewService creates a Service. ctx bounds the lifetime of every actor it
// spawns: cancelling ctx tears down every live subscription.
func NewService(ctx context.Context, checkpoints checkpoint.Store, history historyreader.Reader, bus *broadcast.Bus) *Service {
	return &Service{manager: subscription.NewManager(ctx, checkpoints, history, bus)}
}

// SetMetrics attaches observability counters recorded by the subscription
// actors (max-capacity parks, catch-up reconciles). Call before the first
// subscribe; without it, nothing is recorded.
func (s *Service) SetMetrics(m *observability.Metrics) {
	s.manager.SetMetrics(m)
}

// SubscribeToStream starts a subscription to streamKey under name,
// loading or creating its durable checkpoint and beginning catch-up.
func (s *Service) SubscribeToStream(ctx context.Context, streamKey, name string, sub Subscriber, opts Options) (*Handle, error) {
	return s.manager.SubscribeToStream(ctx, streamKey, name, sub, opts)
}

// SubscribeToAllStreams is SubscribeToStream with stream_key = "$all".
func (s *Service) SubscribeToAllStreams(ctx context.Context, name string, sub Subscriber, opts Options) (*Handle, error) {
	return s.manager.SubscribeToAllStreams(ctx, name, sub, opts)
}

// Ack acknowledges cursor on the subscription h identifies. cursor may be
// a bare int64/int (interpreted against the subscription's own kind), an
// event.Cursor pair, a RecordedEvent, or a slice of either — a slice acks
// its last element.
func (s *Service) Ack(h *Handle, cursor any) error {
	c, err := normalizeCursor(cursor)
	if err != nil {
		return err
	}
	return s.manager.Ack(h, c)
}

// UnsubscribeFromStream synchronously tears down the subscription and
// deletes its durable checkpoint.
func (s *Service) UnsubscribeFromStream(ctx context.Context, streamKey, name string) error {
	return s.manager.UnsubscribeFromStream(ctx, streamKey, name)
}

// Subscribed reports whether h's subscription is currently live: caught up
// on history and receiving broadcast pushes.
func (s *Service) Subscribed(h *Handle) bool {
	return s.manager.Subscribed(h)
}

// normalizeCursor folds the permissive ack shapes down to one Cursor. A
// bare int64/int populates both cursor fields with the same value; the
// state machine only ever reads the component relevant to the
// subscription's own kind (event.Cursor.Value), so the unused component is
// simply ignored downstream.
func normalizeCursor(cursor any) (event.Cursor, error) {
	switch v := cursor.(type) {
	case event.Cursor:
		return v, nil
	case event.RecordedEvent:
		return v.Cursor(), nil
	case []event.Cursor:
		if len(v) == 0 {
			return event.Cursor{}, fmt.Errorf("subscore: ack with empty cursor list")
		}
		return v[len(v)-1], nil
	case []event.RecordedEvent:
		if len(v) == 0 {
			return event.Cursor{}, fmt.Errorf("subscore: ack with empty event list")
		}
		return v[len(v)-1].Cursor(), nil
	case int64:
		return event.Cursor{EventNumber: v, StreamVersion: v}, nil
	case int:
		return event.Cursor{EventNumber: int64(v), StreamVersion: int64(v)}, nil
	default:
		return event.Cursor{}, fmt.Errorf("subscore: unsupported ack cursor type %T", cursor)
	}
}
