// Copyright (c) 2026 Kata Containers Contributors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package session implements the bidirectional fan-in/fan-out
// multiplexer (spec.md §4.5, C5) and the live-migration coordinator
// (spec.md §4.6, C6) on top of internal/registry, internal/telnet and
// internal/vmware.
package session

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/kata-containers/vspc/internal/connio"
	"github.com/kata-containers/vspc/internal/telnet"
	"github.com/kata-containers/vspc/internal/vmware"
)

// HypervisorLink is a telnet-wrapped TCP connection from a hypervisor
// (spec.md §3). It implements both registry.HypervisorLink (so Guest can
// broadcast to it) and vmware.Link (so the VMware extension handler can
// read/write its discovered identity).
type HypervisorLink struct {
	conn   net.Conn
	codec  *telnet.Codec
	vmw    *vmware.Handler
	writer *connio.Writer
	log    *logrus.Entry
	eng    *Engine

	mu       sync.Mutex
	uuid     string
	name     string
	proxyURI string

	attached atomic.Bool
}

// NewHypervisorLink wraps conn, negotiates the server's minimum telnet
// option set, and registers the VMware extension handler against option
// 232, per spec.md §4.2/§4.3.
func NewHypervisorLink(conn net.Conn, eng *Engine, log *logrus.Entry) *HypervisorLink {
	l := &HypervisorLink{conn: conn, eng: eng, log: log}
	l.writer = connio.NewWriter(conn, func(err error) {
		log.WithError(err).Debug("hypervisor link write error")
	})
	l.codec = telnet.NewCodec(l.Send)
	l.vmw = vmware.Attach(l.codec, l, eng, log)

	for _, opt := range telnet.DefaultServerOptions {
		l.codec.AllowOption(opt, nil, func() bool { return true })
	}
	l.codec.RequestWill(telnet.OptBinary)
	l.codec.RequestWill(telnet.OptSGA)
	l.codec.RequestDo(telnet.OptBinary)
	l.codec.RequestDo(telnet.OptSGA)
	l.codec.RequestWill(telnet.OptEcho)

	return l
}

// Send writes already wire-ready bytes (negotiation replies, VMware
// subnegotiation frames, or escaped payload) to the connection's outbound
// buffer.
func (l *HypervisorLink) Send(p []byte) { l.writer.Enqueue(p) }

// Close tears down the connection.
func (l *HypervisorLink) Close() error {
	l.writer.Close()
	return l.conn.Close()
}

// SetUUID / UUID / SetName / Name satisfy vmware.Link.
func (l *HypervisorLink) SetUUID(uuid string) {
	l.mu.Lock()
	l.uuid = uuid
	l.mu.Unlock()
}

func (l *HypervisorLink) UUID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.uuid
}

func (l *HypervisorLink) SetName(name string) {
	l.mu.Lock()
	l.name = name
	l.mu.Unlock()
}

func (l *HypervisorLink) Name() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.name
}

// markAttached reports whether this call was the one to transition the
// link from unattached to attached; only the winner should call
// EnsureGuest.
func (l *HypervisorLink) markAttached() bool {
	return l.attached.CompareAndSwap(false, true)
}

// SetProxyURI records the URI this link should declare itself under via
// DO-PROXY once it is ready to announce (spec.md §4.3); a link the
// concentrator never calls this on simply skips the DO-PROXY exchange.
func (l *HypervisorLink) SetProxyURI(uri string) {
	l.mu.Lock()
	l.proxyURI = uri
	l.mu.Unlock()
}

// Announce sends KNOWN-SUBOPTIONS-1 and, if a proxy URI was configured,
// DO-PROXY declaring the concentrator as the client end of the serial line
// (spec.md §4.3). The engine calls it once, when this link's VC-UUID and
// VM-NAME create a new guest; a link that attaches to an existing guest
// (reconnect or vmotion peer) is not announced.
func (l *HypervisorLink) Announce() {
	l.vmw.Announce()
	l.mu.Lock()
	uri := l.proxyURI
	l.mu.Unlock()
	if uri != "" {
		l.vmw.DeclareProxy(uri)
	}
}

// Serve runs the link's blocking read loop until EOF or error, decoding
// telnet framing and handing payload to the engine's multiplexer. It
// returns when the connection is no longer usable; the caller has
// already had Close invoked on its behalf by this method on exit.
func (l *HypervisorLink) Serve() {
	defer l.detach()

	buf := make([]byte, 32*1024)
	for {
		n, err := l.conn.Read(buf)
		if n > 0 {
			payload, decodeErr := l.codec.Feed(buf[:n])
			if decodeErr != nil {
				l.log.WithError(decodeErr).WithField("uuid", l.UUID()).Warn("hypervisor link protocol violation, dropping connection")
				return
			}
			if len(payload) > 0 {
				l.eng.onHypervisorData(l, payload)
			}
		}
		if err != nil {
			if uuid := l.UUID(); uuid != "" {
				l.log.WithField("uuid", uuid).WithError(err).Debug("hypervisor link closed")
			} else {
				l.log.WithError(err).Debug("unidentified hypervisor link closed")
			}
			return
		}
	}
}

func (l *HypervisorLink) detach() {
	l.writer.Close()
	l.conn.Close()
	if uuid := l.UUID(); uuid != "" {
		l.eng.detachLink(uuid, l)
	}
}
