// Copyright (c) 2026 Kata Containers Contributors
//
// SPDX-License-Identifier: Apache-2.0
//

package backend

import (
	"context"
	"net"

	"github.com/hashicorp/go-multierror"
)

// Multi fans every Notifier call out to a list of backends, so a
// deployment can run, e.g., Postgres for durable recollection alongside
// NATS for live observability, matching spec.md §9's "a persistent
// implementation adds disk I/O; both implement the same interface" — here
// composed instead of swapped. GetObservedGuests and SeedData are
// answered by the first backend that returns a non-empty result, in
// order; the rest are best-effort side channels.
type Multi struct {
	backends []Notifier
}

// NewMulti composes backends into one Notifier. A nil or empty slice is
// fine; all calls become no-ops.
func NewMulti(backends ...Notifier) *Multi {
	return &Multi{backends: backends}
}

func (m *Multi) GetObservedGuests(ctx context.Context) ([]ObservedGuest, error) {
	for _, b := range m.backends {
		observed, err := b.GetObservedGuests(ctx)
		if err != nil {
			continue
		}
		if len(observed) > 0 {
			return observed, nil
		}
	}
	return nil, nil
}

func (m *Multi) NotifyGuest(ctx context.Context, uuid, name string, port *int) {
	for _, b := range m.backends {
		b.NotifyGuest(ctx, uuid, name, port)
	}
}

func (m *Multi) NotifyGuestMessage(ctx context.Context, uuid, name string, data []byte) {
	for _, b := range m.backends {
		b.NotifyGuestMessage(ctx, uuid, name, data)
	}
}

func (m *Multi) NotifyGuestDeleted(ctx context.Context, uuid string) {
	for _, b := range m.backends {
		b.NotifyGuestDeleted(ctx, uuid)
	}
}

func (m *Multi) NotifyClientDeleted(ctx context.Context, conn net.Conn, uuid string) {
	for _, b := range m.backends {
		b.NotifyClientDeleted(ctx, conn, uuid)
	}
}

func (m *Multi) SeedData(ctx context.Context, uuid string) ([]byte, error) {
	for _, b := range m.backends {
		data, err := b.SeedData(ctx, uuid)
		if err != nil {
			continue
		}
		if len(data) > 0 {
			return data, nil
		}
	}
	return nil, nil
}

// Close closes every composed backend, collecting every error rather than
// stopping at the first (matching SPEC_FULL.md's ambient-stack note that
// shutdown aggregate errors use go-multierror).
func (m *Multi) Close() error {
	var result error
	for _, b := range m.backends {
		if err := b.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result
}

var _ Notifier = (*Multi)(nil)
