// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Subscore Contributors

// Package subscription implements the per-subscription state machine,
// actor, and catch-up worker that together turn a durable checkpoint and
// a broadcast bus into gap-free, acknowledgement-gated event delivery.
package subscription

import (
	"github.com/eventcore/subscore/internal/event"
)

// State is one of the six (plus failed) states a subscription can be in.
type State uint8

const (
	StateInitial State = iota
	StateRequestCatchUp
	StateCatchingUp
	StateSubscribed
	StateMaxCapacity
	StateUnsubscribed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateRequestCatchUp:
		return "request_catch_up"
	case StateCatchingUp:
		return "catching_up"
	case StateSubscribed:
		return "subscribed"
	case StateMaxCapacity:
		return "max_capacity"
	case StateUnsubscribed:
		return "unsubscribed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// defaultMaxSize is the default bound on Runtime.Pending.
const defaultMaxSize = 1000

// Runtime is the in-memory state a Subscription Actor holds for one
// subscription.
type Runtime struct {
	State     State
	Kind      event.Kind
	StreamKey string
	Name      string

	LastSeen     event.Cursor
	LastAck      event.Cursor
	LastReceived *event.Cursor // nil: no live event observed yet

	Pending []event.RecordedEvent
	MaxSize int
}

// NewRuntime creates the initial runtime state for a not-yet-subscribed
// subscription.
func NewRuntime(streamKey, name string, maxSize int) Runtime {
	if maxSize <= 0 {
		maxSize = defaultMaxSize
	}
	return Runtime{
		State:     StateInitial,
		Kind:      event.KindOf(streamKey),
		StreamKey: streamKey,
		Name:      name,
		MaxSize:   maxSize,
	}
}

// Input is one of the events the state machine accepts.
type Input struct {
	Kind InputKind

	// Checkpoint carries the loaded/created checkpoint cursor.
	Checkpoint event.Cursor
	// SubscribeErr carries the failure from loading/creating the checkpoint.
	SubscribeErr error

	// CaughtUpLastSeen carries the catch-up worker's terminal cursor.
	CaughtUpLastSeen event.Cursor

	// NotifyEvents carries a non-empty, in-order batch from the broadcast bus.
	NotifyEvents []event.RecordedEvent

	// Ack carries the subscriber-acknowledged cursor.
	Ack event.Cursor
}

// InputKind discriminates Input.
type InputKind uint8

const (
	InputSubscribe InputKind = iota
	InputCatchUp
	InputCaughtUp
	InputNotifyEvents
	InputAck
	InputUnsubscribe
)

// Effect is a data description of a side effect the actor must perform.
// Transition never performs I/O itself; it only describes what the actor
// should do.
type Effect interface{ isEffect() }

// SpawnCatchUp tells the actor to start a catch-up worker from From.
type SpawnCatchUp struct{ From event.Cursor }

// DeliverBatches tells the actor to send each batch to the subscriber, in
// order, via Subscriber.Events.
type DeliverBatches struct{ Batches [][]event.RecordedEvent }

// AckCheckpoint tells the actor to durably persist Cursor via the
// Checkpoint Store.
type AckCheckpoint struct{ Cursor event.Cursor }

// ForwardAckToWorker tells the actor to forward Cursor to the in-flight
// catch-up worker's ack-wait channel.
type ForwardAckToWorker struct{ Cursor event.Cursor }

// DeleteCheckpoint tells the actor to delete the durable checkpoint row.
type DeleteCheckpoint struct{}

// LogMaxCapacity tells the actor to log that the subscription has parked.
type LogMaxCapacity struct{}

func (SpawnCatchUp) isEffect()       {}
func (DeliverBatches) isEffect()     {}
func (AckCheckpoint) isEffect()      {}
func (ForwardAckToWorker) isEffect() {}
func (DeleteCheckpoint) isEffect()   {}
func (LogMaxCapacity) isEffect()     {}

// nextExpected is the cursor value the SSM expects to see next on the
// relevant axis (event_number for all-streams, stream_version otherwise),
// one past the given cursor's value for that axis.
func nextExpected(kind event.Kind, c event.Cursor) int64 {
	return c.Value(kind) + 1
}

// Transition is the pure FSM step: given the current runtime and an
// input, it returns the new runtime and the effects the actor must carry
// out. It never mutates its argument and performs no I/O.
func Transition(rt Runtime, in Input) (Runtime, []Effect) {
	switch rt.State {
	case StateInitial:
		return transitionInitial(rt, in)
	case StateRequestCatchUp:
		return transitionRequestCatchUp(rt, in)
	case StateCatchingUp:
		return transitionCatchingUp(rt, in)
	case StateSubscribed:
		return transitionSubscribed(rt, in)
	case StateMaxCapacity:
		return transitionMaxCapacity(rt, in)
	default:
		// unsubscribed, failed: terminal. Only last_received bookkeeping
		// survives, per the transition table's catch-all row.
		return transitionTerminal(rt, in)
	}
}

func transitionInitial(rt Runtime, in Input) (Runtime, []Effect) {
	if in.Kind != InputSubscribe {
		return rt, nil
	}
	if in.SubscribeErr != nil {
		rt.State = StateFailed
		return rt, nil
	}
	rt.LastSeen = in.Checkpoint
	rt.LastAck = in.Checkpoint
	rt.State = StateRequestCatchUp
	return rt, nil
}

func transitionRequestCatchUp(rt Runtime, in Input) (Runtime, []Effect) {
	switch in.Kind {
	case InputCatchUp:
		rt.State = StateCatchingUp
		return rt, []Effect{SpawnCatchUp{From: rt.LastSeen}}
	case InputAck:
		return applyAck(rt, in.Ack, false)
	case InputNotifyEvents:
		return applyNotifyDiscarding(rt, in.NotifyEvents), nil
	case InputUnsubscribe:
		rt.State = StateUnsubscribed
		return rt, []Effect{DeleteCheckpoint{}}
	default:
		return rt, nil
	}
}

func transitionCatchingUp(rt Runtime, in Input) (Runtime, []Effect) {
	switch in.Kind {
	case InputCaughtUp:
		rt.LastSeen = in.CaughtUpLastSeen
		if rt.LastReceived == nil || cursorEqual(*rt.LastReceived, in.CaughtUpLastSeen) {
			rt.State = StateSubscribed
			return rt, nil
		}
		rt.State = StateRequestCatchUp
		return rt, nil
	case InputAck:
		newRt, effects := applyAck(rt, in.Ack, true)
		return newRt, effects
	case InputNotifyEvents:
		return applyNotifyDiscarding(rt, in.NotifyEvents), nil
	case InputCatchUp:
		return rt, nil
	case InputUnsubscribe:
		rt.State = StateUnsubscribed
		return rt, []Effect{DeleteCheckpoint{}}
	default:
		return rt, nil
	}
}

func transitionSubscribed(rt Runtime, in Input) (Runtime, []Effect) {
	switch in.Kind {
	case InputNotifyEvents:
		return applyLiveNotify(rt, in.NotifyEvents)
	case InputAck:
		return applyAck(rt, in.Ack, false)
	case InputCatchUp:
		rt.State = StateRequestCatchUp
		return rt, nil
	case InputUnsubscribe:
		rt.State = StateUnsubscribed
		return rt, []Effect{DeleteCheckpoint{}}
	default:
		return rt, nil
	}
}

func transitionMaxCapacity(rt Runtime, in Input) (Runtime, []Effect) {
	switch in.Kind {
	case InputAck:
		newRt, effects := applyAck(rt, in.Ack, false)
		if len(newRt.Pending) == 0 && newRt.State == StateMaxCapacity {
			newRt.State = StateRequestCatchUp
		}
		return newRt, effects
	case InputNotifyEvents:
		return applyNotifyDiscarding(rt, in.NotifyEvents), nil
	case InputUnsubscribe:
		rt.State = StateUnsubscribed
		return rt, []Effect{DeleteCheckpoint{}}
	default:
		return rt, nil
	}
}

func transitionTerminal(rt Runtime, in Input) (Runtime, []Effect) {
	if in.Kind == InputNotifyEvents && len(in.NotifyEvents) > 0 {
		last := in.NotifyEvents[len(in.NotifyEvents)-1].Cursor()
		rt.LastReceived = &last
	}
	return rt, nil
}

// applyNotifyDiscarding implements the request_catch_up/catching_up/
// max_capacity notify_events row: update last_received only, discard the
// events (the reader will refetch them during catch-up).
func applyNotifyDiscarding(rt Runtime, batch []event.RecordedEvent) Runtime {
	if len(batch) == 0 {
		return rt
	}
	last := batch[len(batch)-1].Cursor()
	rt.LastReceived = &last
	return rt
}

// applyLiveNotify handles a broadcast batch while live. Three cases, checked
// in order: the batch starts exactly at the cursor the subscriber would ack
// next (nothing in flight, deliver now); the batch is in order on the wire
// but earlier deliveries are still unacked (buffer it); anything else is a
// gap in our bus view and only catch-up can close it. The writer publishes
// coherent batches, so the deliver-now path sends the batch as-is rather
// than regrouping it by correlation.
func applyLiveNotify(rt Runtime, batch []event.RecordedEvent) (Runtime, []Effect) {
	if len(batch) == 0 {
		return rt, nil
	}

	nextAck := nextExpected(rt.Kind, rt.LastAck)
	expectedEvent := nextExpected(rt.Kind, rt.LastSeen)
	first := batch[0].Cursor().Value(rt.Kind)
	last := batch[len(batch)-1].Cursor()

	switch {
	case first == nextAck:
		rt.LastSeen = last
		rt.LastReceived = &last
		return rt, []Effect{DeliverBatches{Batches: [][]event.RecordedEvent{batch}}}

	case first == expectedEvent:
		rt.Pending = append(append([]event.RecordedEvent{}, rt.Pending...), batch...)
		rt.LastSeen = last
		rt.LastReceived = &last
		if len(rt.Pending) >= rt.MaxSize {
			rt.State = StateMaxCapacity
			return rt, []Effect{LogMaxCapacity{}}
		}
		return rt, nil

	default:
		rt.LastReceived = &last
		rt.State = StateRequestCatchUp
		return rt, nil
	}
}

// applyAck is the ack handling shared across request_catch_up, catching_up,
// subscribed, and max_capacity: durably persist the ack, optionally forward
// it to the catch-up worker, then attempt to drain pending. The actor calls
// ValidateAck before Transition and crashes on a violation, so applyAck
// assumes a pre-validated cursor.
func applyAck(rt Runtime, cursor event.Cursor, forwardToWorker bool) (Runtime, []Effect) {
	rt.LastAck = cursor

	effects := []Effect{AckCheckpoint{Cursor: cursor}}
	if forwardToWorker {
		effects = append(effects, ForwardAckToWorker{Cursor: cursor})
	}

	drainEffects := drainPending(&rt)
	effects = append(effects, drainEffects...)
	return rt, effects
}

// drainPending emits every buffered event, grouped by correlation, once the
// first pending event is exactly the one the subscriber would ack next; a
// partial ack leaves the buffer untouched. It mutates rt in place (already
// a value-copy owned by the caller).
func drainPending(rt *Runtime) []Effect {
	if len(rt.Pending) == 0 {
		return nil
	}
	nextAck := nextExpected(rt.Kind, rt.LastAck)
	first := rt.Pending[0].Cursor().Value(rt.Kind)
	if first != nextAck {
		return nil
	}

	batches := event.ChunkByCorrelation(rt.Pending)
	rt.Pending = nil
	// Leaving State unmodified keeps drainPending state-agnostic; the
	// caller (transitionMaxCapacity) decides the next state once Pending
	// is observed empty.
	return []Effect{DeliverBatches{Batches: batches}}
}

func cursorEqual(a, b event.Cursor) bool {
	return a == b
}

// ValidateAck reports whether cursor is a legal ack given rt: it must not
// move last_ack backward, and it must not jump past last_seen. The actor
// calls this before Transition and crashes the subscription on a non-nil
// error rather than feeding an invalid ack into the pure FSM.
//
// While catching up, last_seen still holds the pre-catch-up checkpoint even
// though the worker is already delivering events past it, so only the
// backward check applies there; the worker itself rejects acks ahead of the
// chunk it is waiting on.
func ValidateAck(rt Runtime, cursor event.Cursor) error {
	v := cursor.Value(rt.Kind)
	if v < rt.LastAck.Value(rt.Kind) {
		return ErrAckProtocolViolation
	}
	if rt.State != StateCatchingUp && v > rt.LastSeen.Value(rt.Kind) {
		return ErrAckProtocolViolation
	}
	return nil
}
