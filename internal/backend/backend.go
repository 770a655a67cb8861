// Copyright (c) 2026 Kata Containers Contributors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package backend defines the persistence/notification collaborator
// interface the concentrator's core calls out to (spec.md §6), and ships
// a no-op implementation for the memory-only case plus a couple of
// concrete ones (see postgres.go, nats.go, multi.go).
package backend

import (
	"context"
	"net"
)

// ObservedGuest is one row of the backend's recollection of a previously
// seen guest, returned by GetObservedGuests at startup.
type ObservedGuest struct {
	UUID string
	Name string
	Port *int
}

// Notifier is the narrow capability interface spec.md §6 calls the
// "backend collaborator interface". Every method is advisory. The Notify*
// methods return no error, so a failure inside them is handled (or
// dropped) by the implementation itself; the Postgres and NATS backends
// drop such errors without logging them. A SeedData error is logged by the
// caller and otherwise ignored, and a GetObservedGuests failure is logged
// and treated as an empty list.
type Notifier interface {
	// GetObservedGuests reconstitutes prior state at startup.
	GetObservedGuests(ctx context.Context) ([]ObservedGuest, error)

	// NotifyGuest is called on guest creation or rename.
	NotifyGuest(ctx context.Context, uuid, name string, port *int)

	// NotifyGuestMessage is called with every chunk of payload bytes
	// received from a hypervisor link.
	NotifyGuestMessage(ctx context.Context, uuid, name string, data []byte)

	// NotifyGuestDeleted is called on guest eviction.
	NotifyGuestDeleted(ctx context.Context, uuid string)

	// NotifyClientDeleted is called on subscriber departure.
	NotifyClientDeleted(ctx context.Context, conn net.Conn, uuid string)

	// SeedData returns a small replay of recently observed bytes for
	// uuid, sent verbatim to a newly attached admin subscriber on OK
	// (spec.md §4.7). A backend with no replay buffer returns nil.
	SeedData(ctx context.Context, uuid string) ([]byte, error)

	// Close releases any resources the backend holds.
	Close() error
}
