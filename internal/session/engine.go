// Copyright (c) 2026 Kata Containers Contributors
//
// SPDX-License-Identifier: Apache-2.0
//

package session

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/kata-containers/vspc/internal/backend"
	"github.com/kata-containers/vspc/internal/metrics"
	"github.com/kata-containers/vspc/internal/registry"
	"github.com/kata-containers/vspc/internal/telnet"
	"github.com/kata-containers/vspc/internal/vmware"
)

// Engine is the C5 fan-in/fan-out multiplexer and the C6 migration
// coordinator glue (spec.md §4.5/§4.6). It implements vmware.Core,
// translating VMware suboption callbacks into registry operations, and
// owns the per-guest migration buffers that make a vmotion handoff
// byte-order-preserving without ever dropping data (spec.md §4.6's
// invariant that no subscriber receives any byte from either hypervisor
// link between VMOTION-BEGIN and VMOTION-COMPLETE/ABORT, while bytes
// arriving on the outgoing link during that window are still delivered,
// in order, immediately after completion).
type Engine struct {
	reg *registry.Registry
	be  backend.Notifier
	log *logrus.Entry

	mu        sync.Mutex
	migFromHV  map[string][][]byte // uuid -> buffered hypervisor->subscriber chunks
	migFromSub map[string][][]byte // uuid -> buffered subscriber->hypervisor chunks
}

// NewEngine creates an Engine bound to reg. be is notified with every
// chunk of payload forwarded from a hypervisor link to subscribers
// (spec.md §6's notify_vm_msg).
func NewEngine(reg *registry.Registry, be backend.Notifier, log *logrus.Entry) *Engine {
	return &Engine{
		reg:        reg,
		be:         be,
		log:        log,
		migFromHV:  make(map[string][][]byte),
		migFromSub: make(map[string][][]byte),
	}
}

var _ vmware.Core = (*Engine)(nil)

// HandleVCUUID implements vmware.Core.
func (e *Engine) HandleVCUUID(l vmware.Link) {
	e.tryAttach(l.(*HypervisorLink))
}

// HandleVMName implements vmware.Core. A name arriving for an already
// registered guest is a rename (spec.md §4.4); otherwise it may be the
// second half of the create-readiness pair.
func (e *Engine) HandleVMName(l vmware.Link) {
	hv := l.(*HypervisorLink)
	uuid := hv.UUID()
	if uuid == "" {
		return
	}
	if _, ok := e.reg.Lookup(uuid); ok {
		e.reg.RenameGuest(context.Background(), uuid, hv.Name())
	}
	e.tryAttach(hv)
}

// tryAttach registers hv with the registry once both its UUID and name
// are known, or immediately if the guest already exists (a reconnect or
// vmotion-peer link needs only the UUID to attach). It is safe to call
// repeatedly; only the first call that finds both pieces present wins.
func (e *Engine) tryAttach(hv *HypervisorLink) {
	uuid := hv.UUID()
	if uuid == "" {
		return
	}
	if _, ok := e.reg.Lookup(uuid); ok {
		if !hv.markAttached() {
			return
		}
		if _, err := e.reg.EnsureGuest(context.Background(), uuid, hv.Name(), hv); err != nil {
			e.log.WithError(err).WithField("uuid", uuid).Warn("failed to attach reconnecting hypervisor link")
		}
		return
	}
	if hv.Name() == "" {
		return
	}
	if !hv.markAttached() {
		return
	}
	if _, err := e.reg.EnsureGuest(context.Background(), uuid, hv.Name(), hv); err != nil {
		e.log.WithError(err).WithField("uuid", uuid).Warn("failed to create guest")
		return
	}
	hv.Announce()
}

// HandleVMotionBegin implements vmware.Core. An unidentified link (no
// UUID learned yet) cannot begin a migration; this is one of SPEC_FULL.md's
// recorded Open Question decisions.
func (e *Engine) HandleVMotionBegin(l vmware.Link, cookie []byte) bool {
	hv := l.(*HypervisorLink)
	uuid := hv.UUID()
	if uuid == "" {
		return false
	}
	return e.reg.BeginVmotion(uuid, cookie)
}

// HandleVMotionPeer implements vmware.Core: it resolves cookie to the
// migrating guest's UUID and, for a peer link with no identity of its
// own yet, binds it in as the second hypervisor link (spec.md §4.6).
func (e *Engine) HandleVMotionPeer(l vmware.Link, cookie []byte) bool {
	hv := l.(*HypervisorLink)
	uuid, ok := e.reg.PeerVmotion(cookie)
	if !ok {
		return false
	}
	if existing := hv.UUID(); existing != "" && existing != uuid {
		return false
	}
	if hv.UUID() == "" {
		hv.SetUUID(uuid)
	}
	if !hv.markAttached() {
		return true
	}
	if _, err := e.reg.EnsureGuest(context.Background(), uuid, hv.Name(), hv); err != nil {
		e.log.WithError(err).WithField("uuid", uuid).Warn("failed to attach vmotion peer link")
		return false
	}
	return true
}

// HandleVMotionComplete implements vmware.Core: commits the migration and
// flushes anything buffered while it was in flight. Clearing the
// migration flag and draining the buffer happen under the same e.mu
// critical section onHypervisorData/onSubscriberData take to decide
// whether to buffer or deliver, so neither of those can observe
// "migration over" and deliver fresh bytes ahead of the flush (spec.md
// §8 S5: a link's bytes that arrive during the migration window must
// still precede whatever arrives after VMOTION-COMPLETE).
func (e *Engine) HandleVMotionComplete(l vmware.Link) {
	hv := l.(*HypervisorLink)
	uuid := hv.UUID()
	if uuid == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reg.CompleteVmotion(uuid)
	e.flushMigrationBuffersLocked(uuid)
}

// HandleVMotionAbort implements vmware.Core: rolls back identically to
// completion from the registry's point of view (the cookie is simply
// dropped), but is logged distinctly.
func (e *Engine) HandleVMotionAbort(l vmware.Link) {
	hv := l.(*HypervisorLink)
	uuid := hv.UUID()
	if uuid == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reg.AbortVmotion(uuid)
	e.log.WithField("uuid", uuid).Info("vmotion aborted")
	e.flushMigrationBuffersLocked(uuid)
}

// onHypervisorData is the hypervisor->subscriber half of the C5
// multiplexer. A link with no attached guest is "in limbo": its bytes
// are simply dropped, matching the original's behavior for a connection
// that has not yet announced its VC-UUID/VM-NAME. The migrating check
// and the buffer-or-deliver decision happen under e.mu so they cannot
// straddle a concurrent HandleVMotionComplete/Abort's clear-and-flush.
func (e *Engine) onHypervisorData(hv *HypervisorLink, payload []byte) {
	uuid := hv.UUID()
	if uuid == "" {
		return
	}
	g, ok := e.reg.Lookup(uuid)
	if !ok {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if g.Migrating() {
		cp := append([]byte(nil), payload...)
		e.migFromHV[uuid] = append(e.migFromHV[uuid], cp)
		return
	}
	e.deliverToSubscribers(g, hv.Name(), payload)
}

// onSubscriberData is the subscriber->hypervisor half of the C5
// multiplexer. See onHypervisorData for why the check and the
// buffer-or-deliver decision share e.mu with migration completion.
func (e *Engine) onSubscriberData(sub *Subscriber, payload []byte) {
	uuid := sub.UUID()
	g, ok := e.reg.Lookup(uuid)
	if !ok {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if g.Migrating() {
		cp := append([]byte(nil), payload...)
		e.migFromSub[uuid] = append(e.migFromSub[uuid], cp)
		return
	}
	e.deliverToLinks(g, payload)
}

func (e *Engine) deliverToSubscribers(g *registry.Guest, name string, payload []byte) {
	e.be.NotifyGuestMessage(context.Background(), g.UUID, name, payload)
	metrics.BytesForwarded.WithLabelValues("hypervisor_to_subscriber").Add(float64(len(payload)))
	escaped := telnet.Escape(payload)
	for _, sub := range g.Subscribers() {
		sub.Send(escaped)
	}
}

func (e *Engine) deliverToLinks(g *registry.Guest, payload []byte) {
	metrics.BytesForwarded.WithLabelValues("subscriber_to_hypervisor").Add(float64(len(payload)))
	escaped := telnet.Escape(payload)
	for _, link := range g.Links() {
		link.Send(escaped)
	}
}

// flushMigrationBuffersLocked delivers anything buffered during a
// migration window, in arrival order, then clears the buffers. Callers
// must hold e.mu, in the same critical section that cleared the guest's
// migrating flag.
func (e *Engine) flushMigrationBuffersLocked(uuid string) {
	fromHV := e.migFromHV[uuid]
	fromSub := e.migFromSub[uuid]
	delete(e.migFromHV, uuid)
	delete(e.migFromSub, uuid)

	g, ok := e.reg.Lookup(uuid)
	if !ok {
		return
	}
	for _, chunk := range fromHV {
		e.deliverToSubscribers(g, g.Name(), chunk)
	}
	for _, chunk := range fromSub {
		e.deliverToLinks(g, chunk)
	}
}

// detachLink removes link from its guest once its connection closes.
func (e *Engine) detachLink(uuid string, l *HypervisorLink) {
	e.reg.DetachLink(uuid, l)
}

// detachSubscriber removes sub from its guest once its connection
// closes.
func (e *Engine) detachSubscriber(s *Subscriber) {
	e.reg.DetachSubscriber(context.Background(), s.UUID(), s, s.conn)
}
