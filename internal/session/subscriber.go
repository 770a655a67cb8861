// Copyright (c) 2026 Kata Containers Contributors
//
// SPDX-License-Identifier: Apache-2.0
//

package session

import (
	"net"

	"github.com/sirupsen/logrus"

	"github.com/kata-containers/vspc/internal/connio"
	"github.com/kata-containers/vspc/internal/telnet"
)

// Subscriber is a telnet-wrapped TCP connection to a guest's serial
// console: either a direct client of the guest's per-guest port (spec.md
// §4.4) or a connection handed off from the admin protocol (spec.md
// §4.7). It implements registry.Subscriber.
type Subscriber struct {
	conn     net.Conn
	codec    *telnet.Codec
	writer   *connio.Writer
	log      *logrus.Entry
	eng      *Engine
	uuid     string
	readOnly bool
	lockMode string
}

// NewSubscriber wraps conn as a subscriber to the guest identified by
// uuid. readOnly mirrors the admin protocol's FFAR downgrade (spec.md
// §4.7); plain per-guest-port subscribers are never read-only and carry
// no lock mode. Use NewLockedSubscriber for an admin-attached connection.
func NewSubscriber(conn net.Conn, uuid string, readOnly bool, eng *Engine, log *logrus.Entry) *Subscriber {
	return newSubscriber(conn, uuid, readOnly, "", eng, log)
}

// NewLockedSubscriber wraps conn as a subscriber that attached through the
// admin protocol under lockMode (spec.md §4.7); readOnly reflects the
// FFAR-as-read-only downgrade already applied by the caller's lock-policy
// evaluation (see EvaluateLock).
func NewLockedSubscriber(conn net.Conn, uuid string, readOnly bool, lockMode string, eng *Engine, log *logrus.Entry) *Subscriber {
	return newSubscriber(conn, uuid, readOnly, lockMode, eng, log)
}

func newSubscriber(conn net.Conn, uuid string, readOnly bool, lockMode string, eng *Engine, log *logrus.Entry) *Subscriber {
	s := &Subscriber{conn: conn, uuid: uuid, readOnly: readOnly, lockMode: lockMode, eng: eng, log: log}
	s.writer = connio.NewWriter(conn, func(err error) {
		log.WithError(err).Debug("subscriber write error")
	})
	s.codec = telnet.NewCodec(s.Send)
	for _, opt := range telnet.DefaultServerOptions {
		s.codec.AllowOption(opt, nil, func() bool { return true })
	}
	s.codec.RequestWill(telnet.OptBinary)
	s.codec.RequestWill(telnet.OptSGA)
	s.codec.RequestDo(telnet.OptBinary)
	s.codec.RequestDo(telnet.OptSGA)
	return s
}

// Send satisfies registry.Subscriber: p is already wire-ready.
func (s *Subscriber) Send(p []byte) { s.writer.Enqueue(p) }

// Close satisfies registry.Subscriber.
func (s *Subscriber) Close() error {
	s.writer.Close()
	return s.conn.Close()
}

// ReadOnly satisfies registry.Subscriber.
func (s *Subscriber) ReadOnly() bool { return s.readOnly }

// LockMode satisfies registry.Subscriber.
func (s *Subscriber) LockMode() string { return s.lockMode }

// UUID is the guest this subscriber is attached to.
func (s *Subscriber) UUID() string { return s.uuid }

// SeedData writes a replay of recently observed bytes verbatim, escaped
// for telnet, before the subscriber's read loop starts (spec.md §4.7).
func (s *Subscriber) SeedData(data []byte) {
	if len(data) == 0 {
		return
	}
	s.Send(telnet.Escape(data))
}

// Serve runs the subscriber's blocking read loop, forwarding decoded
// payload into the guest's hypervisor links via the engine, until EOF,
// error, or (for a read-only subscriber) forever-silent-drop of any
// payload it sends.
func (s *Subscriber) Serve() {
	defer s.detach()

	buf := make([]byte, 32*1024)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			payload, decodeErr := s.codec.Feed(buf[:n])
			if decodeErr != nil {
				s.log.WithError(decodeErr).WithField("uuid", s.uuid).Warn("subscriber protocol violation, dropping connection")
				return
			}
			if len(payload) > 0 && !s.readOnly {
				s.eng.onSubscriberData(s, payload)
			}
		}
		if err != nil {
			s.log.WithField("uuid", s.uuid).WithError(err).Debug("subscriber disconnected")
			return
		}
	}
}

func (s *Subscriber) detach() {
	s.writer.Close()
	s.conn.Close()
	s.eng.detachSubscriber(s)
}
