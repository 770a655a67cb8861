// Copyright (c) 2026 Kata Containers Contributors
//
// SPDX-License-Identifier: Apache-2.0
//

package registry

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kata-containers/vspc/internal/backend"
	"github.com/kata-containers/vspc/internal/metrics"
)

// ListenFunc binds a listener for a newly allocated per-guest port.
// Injected so tests can run without opening real sockets.
type ListenFunc func(port int) (net.Listener, error)

// AcceptFunc is invoked once, in its own goroutine, whenever a guest gets
// a freshly bound per-guest listener; it should loop Accept()ing
// subscriber connections until l is closed.
type AcceptFunc func(uuid string, l net.Listener)

// Info is a read-only snapshot of a guest for listing purposes (spec.md
// §6's `{uuid, name, port}`).
type Info struct {
	UUID string
	Name string
	Port *int
}

// Registry owns every live Guest, keyed by UUID, plus the per-guest port
// allocator and vmotion cookie table (spec.md §3's MigrationTable). The
// registry lock is always acquired before any individual Guest's lock,
// matching the discipline spec.md §5 requires.
type Registry struct {
	mu        sync.RWMutex
	guests    map[string]*Guest
	ports     map[int]string // port -> uuid
	portNext  *int           // nil disables allocation
	cookies   map[string]string // vmotion cookie -> uuid

	expire  time.Duration
	backend backend.Notifier
	log     *logrus.Entry
	listen  ListenFunc
	accept  AcceptFunc
}

// New creates an empty registry. portStart nil disables per-guest port
// allocation entirely, per spec.md §4.4.
func New(portStart *int, expire time.Duration, be backend.Notifier, listen ListenFunc, accept AcceptFunc, log *logrus.Entry) *Registry {
	r := &Registry{
		guests:  make(map[string]*Guest),
		ports:   make(map[int]string),
		cookies: make(map[string]string),
		expire:  expire,
		backend: be,
		log:     log,
		listen:  listen,
		accept:  accept,
	}
	if portStart != nil {
		p := *portStart
		r.portNext = &p
	}
	return r
}

// Restore seeds the registry from the backend's recollection of
// previously observed guests at startup (spec.md §6's
// get_observed_vms), without emitting a NotifyGuest callback for guests
// whose state is merely being replayed. Each restored guest starts with
// no links and no subscribers, so it is immediately orphaned and subject
// to normal expiry if nothing reattaches.
func (r *Registry) Restore(ctx context.Context, observed []backend.ObservedGuest) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, o := range observed {
		if _, exists := r.guests[o.UUID]; exists {
			continue
		}
		g := &Guest{UUID: o.UUID, name: o.Name}
		if o.Port != nil {
			port := *o.Port
			g.Port = &port
			r.ports[port] = o.UUID
			if r.portNext != nil && port >= *r.portNext {
				next := port + 1
				r.portNext = &next
			}
		}
		g.stampOrphanLocked()
		r.guests[o.UUID] = g
	}
	metrics.Guests.Set(float64(len(r.guests)))
}

// EnsureGuest implements the create-or-attach path of spec.md §4.4: if
// uuid is new, a Guest is created (allocating a port and binding a
// listener if enabled) and the backend is notified; otherwise link is
// appended to the existing guest's hypervisor links (the reconnect /
// vmotion-peer path).
func (r *Registry) EnsureGuest(ctx context.Context, uuid, name string, link HypervisorLink) (*Guest, error) {
	r.mu.Lock()
	if g, ok := r.guests[uuid]; ok {
		r.mu.Unlock()
		g.addLink(link)
		if changed := g.setName(name); changed && name != "" {
			r.backend.NotifyGuest(ctx, uuid, name, g.Port)
		}
		r.log.WithFields(logrus.Fields{"uuid": uuid, "links": len(g.Links())}).Debug("guest reconnect")
		return g, nil
	}

	evicted := r.collectOrphansLocked(time.Now())

	g := &Guest{UUID: uuid, name: name}
	g.addLink(link)

	if err := r.bindListenerLocked(g); err != nil {
		r.log.WithError(err).WithField("uuid", uuid).Warn("port bind failed, guest created without a per-port listener")
	}

	r.guests[uuid] = g
	metrics.Guests.Set(float64(len(r.guests)))
	r.mu.Unlock()

	for _, old := range evicted {
		r.backend.NotifyGuestDeleted(ctx, old)
	}
	r.backend.NotifyGuest(ctx, uuid, name, g.Port)
	r.log.WithFields(logrus.Fields{"uuid": uuid, "name": name, "port": portString(g.Port)}).Info("guest connected")
	return g, nil
}

// bindListenerLocked must be called with r.mu held.
func (r *Registry) bindListenerLocked(g *Guest) error {
	if r.portNext == nil {
		return nil
	}

	p := *r.portNext
	for {
		if _, used := r.ports[p]; !used {
			break
		}
		p++
	}
	next := p + 1
	r.portNext = &next

	l, err := r.listen(p)
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", p, err)
	}

	r.ports[p] = g.UUID
	port := p
	g.Port = &port
	g.Listener = l

	if r.accept != nil {
		go r.accept(g.UUID, l)
	}
	return nil
}

// RenameGuest updates a guest's display name and notifies the backend iff
// the name actually changed (spec.md §4.4).
func (r *Registry) RenameGuest(ctx context.Context, uuid, name string) {
	r.mu.RLock()
	g, ok := r.guests[uuid]
	r.mu.RUnlock()
	if !ok {
		return
	}
	if g.setName(name) {
		r.backend.NotifyGuest(ctx, uuid, name, g.Port)
	}
}

// Lookup returns the guest for uuid, if any.
func (r *Registry) Lookup(uuid string) (*Guest, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.guests[uuid]
	return g, ok
}

// LookupByName returns the guest with the given display name, if any
// (used by the admin protocol's attach-by-name request).
func (r *Registry) LookupByName(name string) (*Guest, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, g := range r.guests {
		if g.Name() == name {
			return g, true
		}
	}
	return nil, false
}

// AttachSubscriber attaches sub to uuid's guest, if it exists (spec.md
// §4.4/§4.7: the per-guest listener's accept loop and the admin
// protocol's handoff both call this).
func (r *Registry) AttachSubscriber(uuid string, sub Subscriber) (*Guest, bool) {
	r.mu.RLock()
	g, ok := r.guests[uuid]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	g.addSubscriber(sub)
	return g, true
}

// DetachLink removes link from uuid's guest; if the guest is now
// orphaned, its orphan timestamp is stamped (spec.md §4.4).
func (r *Registry) DetachLink(uuid string, link HypervisorLink) {
	r.mu.RLock()
	g, ok := r.guests[uuid]
	r.mu.RUnlock()
	if !ok {
		return
	}
	g.removeLink(link)
}

// DetachSubscriber removes sub from uuid's guest and notifies the
// backend of the departure.
func (r *Registry) DetachSubscriber(ctx context.Context, uuid string, sub Subscriber, conn net.Conn) {
	r.mu.RLock()
	g, ok := r.guests[uuid]
	r.mu.RUnlock()
	if ok {
		g.removeSubscriber(sub)
	}
	r.backend.NotifyClientDeleted(ctx, conn, uuid)
}

// CollectOrphans evicts every guest whose orphan window has elapsed,
// closing its listener, returning its port to the allocator, dropping any
// stale migration-cookie entry, notifying the backend, and removing the
// registry entry (spec.md §4.4). It is idempotent and safe to call from
// any admin boundary.
func (r *Registry) CollectOrphans(ctx context.Context) []string {
	r.mu.Lock()
	evicted := r.collectOrphansLocked(time.Now())
	r.mu.Unlock()

	for _, uuid := range evicted {
		r.backend.NotifyGuestDeleted(ctx, uuid)
	}
	return evicted
}

// collectOrphansLocked must be called with r.mu held for writing.
func (r *Registry) collectOrphansLocked(now time.Time) []string {
	var evicted []string
	for uuid, g := range r.guests {
		if !g.orphanExpired(now, r.expire) {
			continue
		}

		if g.Listener != nil {
			if err := g.Listener.Close(); err != nil {
				r.log.WithError(err).WithField("uuid", uuid).Debug("error closing expired guest listener")
			}
		}
		if g.Port != nil {
			if r.portNext != nil && *g.Port < *r.portNext {
				p := *g.Port
				r.portNext = &p
			}
			delete(r.ports, *g.Port)
		}
		if cookie := g.clearVmotion(); cookie != nil {
			delete(r.cookies, string(cookie))
			metrics.ActiveMigrations.Set(float64(len(r.cookies)))
		}
		delete(r.guests, uuid)
		evicted = append(evicted, uuid)
		r.log.WithFields(logrus.Fields{"uuid": uuid, "port": portString(g.Port)}).Debug("evicted orphaned guest")
	}
	if len(evicted) > 0 {
		metrics.Guests.Set(float64(len(r.guests)))
	}
	return evicted
}

// List returns every known guest, sorted by name, matching the original
// implementation's admin-listing order (SPEC_FULL.md Supplemented
// Features).
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Info, 0, len(r.guests))
	for uuid, g := range r.guests {
		out = append(out, Info{UUID: uuid, Name: g.Name(), Port: g.Port})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func portString(p *int) string {
	if p == nil {
		return "<none>"
	}
	return fmt.Sprintf("%d", *p)
}
