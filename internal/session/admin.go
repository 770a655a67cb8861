// Copyright (c) 2026 Kata Containers Contributors
//
// SPDX-License-Identifier: Apache-2.0
//

package session

import (
	"context"
	"net"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/kata-containers/vspc/internal/adminproto"
	"github.com/kata-containers/vspc/internal/backend"
	"github.com/kata-containers/vspc/internal/metrics"
	"github.com/kata-containers/vspc/internal/registry"
)

// AdminServer implements the admin protocol (spec.md §4.7, C7): version
// handshake, guest lookup/listing, lock-mode admission, and handoff of the
// underlying socket into a regular telnet-framed Subscriber on success.
type AdminServer struct {
	reg *registry.Registry
	eng *Engine
	be  backend.Notifier
	log *logrus.Entry
}

// NewAdminServer creates an AdminServer bound to reg/eng/be.
func NewAdminServer(reg *registry.Registry, eng *Engine, be backend.Notifier, log *logrus.Entry) *AdminServer {
	return &AdminServer{reg: reg, eng: eng, be: be, log: log}
}

// Handle runs one admin session to completion on conn, closing it unless
// the exchange ends in OK, in which case conn is handed to a Subscriber's
// Serve loop and the Subscriber closes it when that loop ends.
//
// Each session gets a correlation ID (spec.md §9's "a reader would
// believe"-grade detail the original protocol has no equivalent of) so
// the handful of log lines spanning version handshake, lookup and attach
// can be tied together; it does not cross the wire.
func (s *AdminServer) Handle(conn net.Conn) {
	sessionID := uuid.NewString()
	log := s.log.WithField("admin-session", sessionID)

	ok, keepOpen := s.handle(conn, log)
	if !ok || !keepOpen {
		conn.Close()
	}
}

func (s *AdminServer) handle(conn net.Conn, log *logrus.Entry) (ok, keepOpen bool) {
	if err := adminproto.WriteVersion(conn, adminproto.Version); err != nil {
		log.WithError(err).Debug("admin: failed writing version")
		return false, false
	}
	if _, err := adminproto.ReadVersion(conn); err != nil {
		log.WithError(err).Debug("admin: failed reading client version")
		return false, false
	}

	req, err := adminproto.ReadRequest(conn)
	if err != nil {
		log.WithError(err).Debug("admin: failed reading request")
		return false, false
	}
	log = log.WithFields(logrus.Fields{"vm_name": req.VMName, "lock_mode": req.LockMode})

	if req.VMName == "" {
		metrics.AdminAttachTotal.WithLabelValues(string(adminproto.VMNotFound)).Inc()
		s.respondListing(conn, log)
		return true, false
	}

	g, found := s.reg.LookupByName(req.VMName)
	if !found {
		metrics.AdminAttachTotal.WithLabelValues(string(adminproto.VMNotFound)).Inc()
		s.respondListing(conn, log)
		return true, false
	}

	if !validModes[req.LockMode] {
		log.Warn("admin: unsupported lock mode requested")
		metrics.AdminAttachTotal.WithLabelValues(string(adminproto.LockBad)).Inc()
		adminproto.WriteResponse(conn, adminproto.Response{Status: adminproto.LockBad})
		return true, false
	}

	existing := lockModesOf(g.Subscribers())
	applied, readOnly, admissible := EvaluateLock(existing, req.LockMode)
	if !admissible {
		log.Info("admin: lock request refused, conflicting holder present")
		metrics.AdminAttachTotal.WithLabelValues(string(adminproto.LockFailed)).Inc()
		adminproto.WriteResponse(conn, adminproto.Response{Status: adminproto.LockFailed})
		return true, false
	}

	seed, err := s.be.SeedData(context.Background(), g.UUID)
	if err != nil {
		log.WithError(err).Debug("admin: backend seed-data lookup failed")
		seed = nil
	}

	if err := adminproto.WriteResponse(conn, adminproto.Response{
		Status:      adminproto.OK,
		AppliedLock: applied,
		ReadOnly:    readOnly,
		SeedData:    seed,
	}); err != nil {
		log.WithError(err).Debug("admin: failed writing OK response")
		return false, false
	}

	sub := NewLockedSubscriber(conn, g.UUID, readOnly, string(applied), s.eng, log)
	if _, attached := s.reg.AttachSubscriber(g.UUID, sub); !attached {
		return false, false
	}
	metrics.AdminAttachTotal.WithLabelValues(string(adminproto.OK)).Inc()
	log.WithField("applied_lock_mode", applied).Info("admin: subscriber attached")
	go sub.Serve()
	return true, true
}

func (s *AdminServer) respondListing(conn net.Conn, log *logrus.Entry) {
	guests := lo.Map(s.reg.List(), func(g registry.Info, _ int) adminproto.GuestInfo {
		return adminproto.GuestInfo{Name: g.Name, UUID: g.UUID, Port: g.Port}
	})
	if err := adminproto.WriteResponse(conn, adminproto.Response{
		Status: adminproto.VMNotFound,
		Guests: guests,
	}); err != nil {
		log.WithError(err).Debug("admin: failed writing listing response")
	}
}

func lockModesOf(subs []registry.Subscriber) []string {
	return lo.Map(subs, func(sub registry.Subscriber, _ int) string { return sub.LockMode() })
}
