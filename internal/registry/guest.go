// Copyright (c) 2026 Kata Containers Contributors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package registry implements the guest registry and per-guest port
// allocator (spec.md §4.4, C4): it maps guest UUID to Guest record,
// allocates per-guest listener ports, and tracks orphan timestamps for
// expiry. Links and subscribers are held by the interfaces below rather
// than by the session package's concrete types, so that registry never
// imports session (spec.md §9's Design Notes: "links and subscribers hold
// the UUID (a key, not a reference)").
package registry

import (
	"net"
	"sync"
	"time"
)

// HypervisorLink is the surface Guest needs from a hypervisor connection
// to broadcast bytes and tear it down.
type HypervisorLink interface {
	Send(payload []byte)
	Close() error
}

// Subscriber is the surface Guest needs from a subscriber connection.
// LockMode returns the admin protocol lock mode the subscriber attached
// under, as an opaque string (registry does not need to know the set of
// valid modes, only that lock-policy evaluation in internal/session needs
// to see what every other attached subscriber is holding); a direct
// per-guest-port subscriber, which carries no lock semantics, returns "".
type Subscriber interface {
	Send(payload []byte)
	Close() error
	ReadOnly() bool
	LockMode() string
}

// Guest is one registry entry, per spec.md §3. Its mutable collections
// are guarded by mu; callers take a snapshot (Links/Subscribers) before
// doing any I/O so that no lock is held across a blocking send.
type Guest struct {
	UUID string
	Port *int // nil when port allocation is disabled or failed
	Listener net.Listener

	mu              sync.Mutex
	name            string
	hypervisorLinks []HypervisorLink
	subscribers     []Subscriber
	vmotionCookie   []byte
	orphanSince     time.Time // zero value means "not an orphan"
}

// Name returns the guest's current display name.
func (g *Guest) Name() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.name
}

func (g *Guest) setName(name string) (changed bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	changed = name != g.name
	g.name = name
	return changed
}

// Links returns a snapshot of the currently attached hypervisor links.
func (g *Guest) Links() []HypervisorLink {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]HypervisorLink, len(g.hypervisorLinks))
	copy(out, g.hypervisorLinks)
	return out
}

// Subscribers returns a snapshot of the currently attached subscribers.
func (g *Guest) Subscribers() []Subscriber {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Subscriber, len(g.subscribers))
	copy(out, g.subscribers)
	return out
}

// Migrating reports whether a vmotion is currently in flight for this
// guest.
func (g *Guest) Migrating() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.vmotionCookie != nil
}

// VMotionCookie returns the in-flight migration cookie, or nil.
func (g *Guest) VMotionCookie() []byte {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.vmotionCookie
}

func (g *Guest) addLink(link HypervisorLink) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.hypervisorLinks = append(g.hypervisorLinks, link)
	g.orphanSince = time.Time{}
}

// removeLink removes link and reports whether the guest is now orphaned
// (zero links and zero subscribers).
func (g *Guest) removeLink(link HypervisorLink) (orphaned bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.hypervisorLinks = removeFrom(g.hypervisorLinks, link)
	return g.stampOrphanLocked()
}

func (g *Guest) addSubscriber(sub Subscriber) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.subscribers = append(g.subscribers, sub)
	g.orphanSince = time.Time{}
}

func (g *Guest) removeSubscriber(sub Subscriber) (orphaned bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.subscribers = removeFrom(g.subscribers, sub)
	return g.stampOrphanLocked()
}

func (g *Guest) stampOrphanLocked() bool {
	if len(g.hypervisorLinks) == 0 && len(g.subscribers) == 0 {
		if g.orphanSince.IsZero() {
			g.orphanSince = time.Now()
		}
		return true
	}
	g.orphanSince = time.Time{}
	return false
}

// orphanExpired reports whether this guest's orphan window has elapsed as
// of now, given expire.
func (g *Guest) orphanExpired(now time.Time, expire time.Duration) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.hypervisorLinks) != 0 || len(g.subscribers) != 0 {
		return false
	}
	if g.orphanSince.IsZero() {
		return false
	}
	return !g.orphanSince.Add(expire).After(now)
}

func (g *Guest) beginVmotion(cookie []byte) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.vmotionCookie != nil {
		return false
	}
	g.vmotionCookie = cookie
	return true
}

func (g *Guest) clearVmotionLocked() []byte {
	cookie := g.vmotionCookie
	g.vmotionCookie = nil
	return cookie
}

func (g *Guest) clearVmotion() []byte {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.clearVmotionLocked()
}

func removeFrom[T comparable](s []T, v T) []T {
	out := s[:0]
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}
