// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Subscore Contributors

package subscription

import (
	"context"
	"log/slog"
	"sync"

	"github.com/samber/oops"

	"github.com/eventcore/subscore/internal/broadcast"
	"github.com/eventcore/subscore/internal/checkpoint"
	"github.com/eventcore/subscore/internal/event"
	"github.com/eventcore/subscore/internal/historyreader"
	"github.com/eventcore/subscore/internal/observability"
	"github.com/eventcore/subscore/pkg/errutil"
)

// Subscriber is the delivery target an actor sends batches to. Events is
// called synchronously from the actor's own goroutine (or the catch-up
// worker's), so it must not block indefinitely. Calling Ack from inside
// Events is safe: the actor's mailbox is buffered, so the ack is queued
// and handled once delivery returns.
type Subscriber interface {
	Events(ctx context.Context, batch []any) error
}

// Mapper transforms a RecordedEvent before delivery; nil means deliver
// RecordedEvent values unchanged.
type Mapper func(event.RecordedEvent) any

// Options configures a subscription.
type Options struct {
	StartFromEventNumber   int64
	StartFromStreamVersion int64
	Mapper                 Mapper
	MaxSize                int
}

// command is a message sent into an actor's exclusive mailbox.
type command struct {
	kind InputKind

	notifyEvents []event.RecordedEvent
	ack          event.Cursor

	// reply, when non-nil, is closed by the actor after handling a
	// synchronous command (unsubscribe, subscribed?).
	reply     chan struct{}
	replyBool *bool
}

// Actor owns one state machine instance and exclusively serializes every
// transition against it: a goroutine draining an exclusive command channel,
// so no transition ever races another for the same subscription.
type Actor struct {
	streamKey string
	name      string

	checkpoints checkpoint.Store
	history     historyreader.Reader
	bus         *broadcast.Bus
	subscriber  Subscriber
	mapper      Mapper
	opts        Options
	metrics     *observability.Metrics // nil disables recording

	cmds chan command
	done chan struct{}

	// catchUps counts catch-up worker spawns; every spawn past the first
	// is a reconcile (a gap, a full drain after max capacity, or a
	// re-catch at caught_up time).
	catchUps int

	mu        sync.Mutex
	err       error
	runtime   Runtime
	busHandle broadcast.Handle

	cancel context.CancelFunc
}

// actorMailboxSize bounds the command channel. It only needs to absorb
// commands issued while the actor is mid-delivery (most importantly a
// subscriber acking from inside Events); the bus's own mailbox is the
// backpressure point for notifications.
const actorMailboxSize = 256

// newActor creates and starts an Actor. The returned actor has already
// begun loading or creating its checkpoint and registering with the bus.
func newActor(
	ctx context.Context,
	streamKey, name string,
	checkpoints checkpoint.Store,
	history historyreader.Reader,
	bus *broadcast.Bus,
	sub Subscriber,
	opts Options,
	metrics *observability.Metrics,
) *Actor {
	actorCtx, cancel := context.WithCancel(ctx)

	a := &Actor{
		streamKey:   streamKey,
		name:        name,
		checkpoints: checkpoints,
		history:     history,
		bus:         bus,
		subscriber:  sub,
		mapper:      opts.Mapper,
		opts:        opts,
		metrics:     metrics,
		cmds:        make(chan command, actorMailboxSize),
		done:        make(chan struct{}),
		runtime:     NewRuntime(streamKey, name, opts.MaxSize),
		cancel:      cancel,
	}

	go a.run(actorCtx)
	return a
}

// NotifyEvents delivers a batch from the broadcast bus. Fire-and-forget:
// it never blocks the publisher once the actor has terminated, dropping
// the notification instead.
func (a *Actor) NotifyEvents(batch []event.RecordedEvent) {
	select {
	case a.cmds <- command{kind: InputNotifyEvents, notifyEvents: batch}:
	case <-a.done:
	}
}

// Ack acknowledges cursor. Fire-and-forget.
func (a *Actor) Ack(cursor event.Cursor) {
	select {
	case a.cmds <- command{kind: InputAck, ack: cursor}:
	case <-a.done:
	}
}

// Unsubscribe synchronously tears the subscription down, deleting its
// durable checkpoint.
func (a *Actor) Unsubscribe(ctx context.Context) {
	reply := make(chan struct{})
	select {
	case a.cmds <- command{kind: InputUnsubscribe, reply: reply}:
		select {
		case <-reply:
		case <-ctx.Done():
		case <-a.done:
		}
	case <-a.done:
	case <-ctx.Done():
	}
}

// Subscribed synchronously reports whether the actor is in state
// StateSubscribed.
func (a *Actor) Subscribed() bool {
	var result bool
	reply := make(chan struct{})
	select {
	case a.cmds <- command{kind: queryState, reply: reply, replyBool: &result}:
		// The mailbox is buffered, so the send can succeed after the actor
		// has terminated; wait on done as well as on the reply.
		select {
		case <-reply:
			return result
		case <-a.done:
			return false
		}
	case <-a.done:
		return false
	}
}

// Err returns the terminal error that crashed the actor, if any.
func (a *Actor) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

// Done returns a channel closed once the actor has terminated.
func (a *Actor) Done() <-chan struct{} { return a.done }

const queryState InputKind = 255

func (a *Actor) run(ctx context.Context) {
	defer close(a.done)
	defer a.cancel()

	if !a.subscribeSelf(ctx) {
		return
	}
	defer func() {
		if a.busHandle.Events() != nil {
			a.bus.Unsubscribe(a.busHandle)
		}
	}()

	var worker *catchupWorker

	a.handlePostTransitionState(ctx, &worker)

	for {
		select {
		case <-ctx.Done():
			return

		case cmd := <-a.cmds:
			if cmd.kind == queryState {
				*cmd.replyBool = a.currentState() == StateSubscribed
				close(cmd.reply)
				continue
			}

			if cmd.kind == InputUnsubscribe {
				a.applyEffects(ctx, a.transitionLocked(Input{Kind: InputUnsubscribe}), &worker)
				close(cmd.reply)
				return
			}

			if cmd.kind == InputAck {
				if err := a.validateAckLocked(cmd.ack); err != nil {
					a.fail(err)
					return
				}
			}

			in := Input{Kind: cmd.kind, NotifyEvents: cmd.notifyEvents, Ack: cmd.ack}
			effects := a.transitionLocked(in)
			a.applyEffects(ctx, effects, &worker)
			a.handlePostTransitionState(ctx, &worker)

		case result := <-a.workerResult(worker):
			worker = nil
			if result.err != nil {
				a.fail(oops.Code("CATCHUP_PROTOCOL_VIOLATION").Wrap(result.err))
				return
			}
			effects := a.transitionLocked(Input{Kind: InputCaughtUp, CaughtUpLastSeen: result.lastSeen})
			a.applyEffects(ctx, effects, &worker)
			a.handlePostTransitionState(ctx, &worker)
		}
	}
}

// workerResult returns w's result channel, or a nil channel (which blocks
// forever in a select) when there is no active worker. The worker's
// terminal caught-up message is the one input that originates outside the
// actor's own command API, so it gets its own select case instead of a
// synthetic command kind.
func (a *Actor) workerResult(w *catchupWorker) <-chan catchupResult {
	if w == nil {
		return nil
	}
	return w.result
}

func (a *Actor) subscribeSelf(ctx context.Context) bool {
	start := event.Cursor{EventNumber: a.opts.StartFromEventNumber, StreamVersion: a.opts.StartFromStreamVersion}
	cp, err := a.checkpoints.Subscribe(ctx, a.streamKey, a.name, start)

	a.mu.Lock()
	if err != nil {
		a.runtime, _ = Transition(a.runtime, Input{Kind: InputSubscribe, SubscribeErr: err})
		a.err = oops.Code("CHECKPOINT_SUBSCRIBE_FAILED").Wrap(err)
		a.mu.Unlock()
		return false
	}
	a.runtime, _ = Transition(a.runtime, Input{Kind: InputSubscribe, Checkpoint: cp.Cursor})
	a.mu.Unlock()

	a.busHandle = a.bus.Subscribe(a.streamKey)
	go a.pumpBus(ctx)
	return true
}

// pumpBus forwards broadcast batches into the actor's own mailbox so that
// NotifyEvents always goes through the same serialization point as every
// other command.
func (a *Actor) pumpBus(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case batch, ok := <-a.busHandle.Events():
			if !ok {
				return
			}
			a.NotifyEvents(batch)
		}
	}
}

// handlePostTransitionState re-enters the handler after every transition:
// request_catch_up immediately self-posts catch_up, max_capacity logs.
func (a *Actor) handlePostTransitionState(ctx context.Context, worker **catchupWorker) {
	switch a.currentState() {
	case StateRequestCatchUp:
		a.catchUps++
		if a.metrics != nil && a.catchUps > 1 {
			a.metrics.CatchUpReconciles.WithLabelValues(a.streamKey, a.name).Inc()
		}
		effects := a.transitionLocked(Input{Kind: InputCatchUp})
		a.applyEffects(ctx, effects, worker)
	case StateMaxCapacity:
		slog.Warn("subscription parked at max capacity",
			"stream_key", a.streamKey, "subscription_name", a.name)
	}
}

func (a *Actor) currentState() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.runtime.State
}

func (a *Actor) transitionLocked(in Input) []Effect {
	a.mu.Lock()
	defer a.mu.Unlock()
	rt, effects := Transition(a.runtime, in)
	a.runtime = rt
	return effects
}

func (a *Actor) validateAckLocked(cursor event.Cursor) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return ValidateAck(a.runtime, cursor)
}

func (a *Actor) fail(err error) {
	a.mu.Lock()
	a.err = err
	a.runtime.State = StateFailed
	a.mu.Unlock()
	slog.Error("subscription actor terminated",
		"stream_key", a.streamKey, "subscription_name", a.name, "error", err)
}

// applyEffects performs the I/O each Effect describes. Outside it, the
// checkpoint store is reached only by subscribeSelf (load/create) and by
// Manager.UnsubscribeFromStream, and the subscriber only by the catch-up
// worker's own deliveries.
func (a *Actor) applyEffects(ctx context.Context, effects []Effect, worker **catchupWorker) {
	for _, eff := range effects {
		switch e := eff.(type) {
		case SpawnCatchUp:
			*worker = startCatchupWorker(ctx, a.streamKey, a.history, a.subscriber, a.mapper, e.From)

		case DeliverBatches:
			a.deliver(ctx, e.Batches)

		case AckCheckpoint:
			if err := a.checkpoints.Ack(ctx, a.streamKey, a.name, e.Cursor); err != nil {
				errutil.LogError(slog.Default(), "checkpoint ack failed", err)
			}

		case ForwardAckToWorker:
			if *worker != nil {
				(*worker).ack(e.Cursor)
			}

		case DeleteCheckpoint:
			if err := a.checkpoints.Unsubscribe(ctx, a.streamKey, a.name); err != nil {
				errutil.LogError(slog.Default(), "checkpoint delete failed", err)
			}

		case LogMaxCapacity:
			if a.metrics != nil {
				a.metrics.MaxCapacityTotal.WithLabelValues(a.streamKey, a.name).Inc()
			}
			slog.Warn("subscription entering max capacity",
				"stream_key", a.streamKey, "subscription_name", a.name)
		}
	}
}

func (a *Actor) deliver(ctx context.Context, batches [][]event.RecordedEvent) {
	for _, batch := range batches {
		mapped := make([]any, len(batch))
		for i, e := range batch {
			if a.mapper != nil {
				mapped[i] = a.mapper(e)
			} else {
				mapped[i] = e
			}
		}
		if err := a.subscriber.Events(ctx, mapped); err != nil {
			slog.Error("subscriber delivery failed",
				"stream_key", a.streamKey, "subscription_name", a.name, "error", err)
		}
	}
}
