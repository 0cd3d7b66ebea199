// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Subscore Contributors

// Command subscored is a harness for the subscription core: it wires a
// Postgres-backed (or in-memory, for local demos) Checkpoint Store and
// Historical Reader, an in-process Broadcast Bus, and a demo
// event-producing loop so internal/subscription can be exercised end to
// end without a full writer subsystem.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
