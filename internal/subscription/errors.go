// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Subscore Contributors

package subscription

import "errors"

// ErrAckProtocolViolation is returned by ValidateAck (and surfaces as the
// actor's terminal error) when a subscriber's ack moves last_ack backward
// or jumps past last_seen.
var ErrAckProtocolViolation = errors.New("ack protocol violation")

// ErrCatchUpProtocolViolation is the catch-up worker's terminal error when
// it receives anything other than a matching or stale ack while waiting.
var ErrCatchUpProtocolViolation = errors.New("catch-up protocol violation")

// ErrAlreadyExists is returned when a subscriber asks for a
// (stream_key, name) pair that already has a live actor in this process.
var ErrAlreadyExists = errors.New("subscription already exists")

// ErrNotFound is returned by Manager.Ack for a nil handle or for a
// (stream_key, name) pair with no actor registered in the Manager. A
// crashed actor stays registered until the pair is subscribed or
// unsubscribed again.
var ErrNotFound = errors.New("subscription not found")
