// Copyright (c) 2026 Kata Containers Contributors
//
// SPDX-License-Identifier: Apache-2.0
//

package backend

import (
	"context"
	"net"
	"sync"
)

// Memory is the no-op/memory-only backend: it remembers nothing across
// restarts and keeps only a small ring of recent bytes per guest for
// SeedData, matching spec.md §1's "pluggable persistence backend... a
// null/no-op implementation covers the memory-only case".
type Memory struct {
	mu       sync.Mutex
	seed     map[string][]byte
	seedCap  int
}

// NewMemory creates a memory-only backend. seedCap bounds the number of
// trailing bytes retained per guest for replay to newly attached admin
// subscribers; 0 disables seeding entirely.
func NewMemory(seedCap int) *Memory {
	return &Memory{seed: make(map[string][]byte), seedCap: seedCap}
}

func (m *Memory) GetObservedGuests(ctx context.Context) ([]ObservedGuest, error) {
	return nil, nil
}

func (m *Memory) NotifyGuest(ctx context.Context, uuid, name string, port *int) {}

func (m *Memory) NotifyGuestMessage(ctx context.Context, uuid, name string, data []byte) {
	if m.seedCap <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	buf := append(m.seed[uuid], data...)
	if len(buf) > m.seedCap {
		buf = buf[len(buf)-m.seedCap:]
	}
	m.seed[uuid] = buf
}

func (m *Memory) NotifyGuestDeleted(ctx context.Context, uuid string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.seed, uuid)
}

func (m *Memory) NotifyClientDeleted(ctx context.Context, conn net.Conn, uuid string) {}

func (m *Memory) SeedData(ctx context.Context, uuid string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.seed[uuid]...), nil
}

func (m *Memory) Close() error { return nil }
