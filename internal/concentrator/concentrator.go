// Copyright (c) 2026 Kata Containers Contributors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package concentrator wires the core packages (telnet, vmware, registry,
// session, adminproto, backend) into the long-lived network service
// spec.md §1 describes: it owns the hypervisor-facing listener, the
// per-guest port listeners the registry opens on demand, the admin
// protocol listener, and the debug HTTP server, plus the orphan-collection
// ticker and optional hypervisor-listener TLS reload. This is the
// composition root named in spec.md §9's Design Notes ("scope [the
// registry] to a single concentrator instance, created at startup, passed
// explicitly to every collaborator").
package concentrator

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-multierror"
	"github.com/mdlayher/vsock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/kata-containers/vspc/internal/backend"
	"github.com/kata-containers/vspc/internal/config"
	"github.com/kata-containers/vspc/internal/metrics"
	"github.com/kata-containers/vspc/internal/registry"
	"github.com/kata-containers/vspc/internal/session"
)

// Concentrator is one running instance of the vSPC service.
type Concentrator struct {
	cfg *config.Config
	log *logrus.Entry

	be      backend.Notifier
	reg     *registry.Registry
	eng     *session.Engine
	adm     *session.AdminServer
	promReg *prometheus.Registry

	certStore *certStore

	proxyLn net.Listener
	adminLn net.Listener
	debugSrv *http.Server
}

// New builds a Concentrator from cfg without binding any sockets; call Run
// to start serving.
func New(cfg *config.Config, log *logrus.Entry) (*Concentrator, error) {
	be, err := buildBackend(cfg)
	if err != nil {
		return nil, fmt.Errorf("concentrator: building backend: %w", err)
	}

	c := &Concentrator{cfg: cfg, log: log, be: be, promReg: prometheus.NewRegistry()}
	metrics.Register(c.promReg)

	c.reg = registry.New(cfg.VMPortStart, cfg.OrphanExpire, be, c.listenGuestPort, c.acceptGuestPort, log.WithField("component", "registry"))
	c.eng = session.NewEngine(c.reg, be, log.WithField("component", "session"))
	c.adm = session.NewAdminServer(c.reg, c.eng, be, log.WithField("component", "admin"))

	if cfg.TLSCertFile != "" && cfg.TLSKeyFile != "" {
		cs, err := newCertStore(cfg.TLSCertFile, cfg.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("concentrator: loading TLS material: %w", err)
		}
		c.certStore = cs
	}

	return c, nil
}

func buildBackend(cfg *config.Config) (backend.Notifier, error) {
	var composed []backend.Notifier
	for _, kind := range splitCSV(cfg.Backend) {
		switch kind {
		case "", "memory":
			composed = append(composed, backend.NewMemory(cfg.SeedBytes))
		case "postgres":
			pg, err := backend.NewPostgres(context.Background(), cfg.PostgresDSN, cfg.SeedBytes)
			if err != nil {
				return nil, err
			}
			composed = append(composed, pg)
		case "nats":
			n, err := backend.NewNATS(cfg.NATSURL, cfg.NATSSubject)
			if err != nil {
				return nil, err
			}
			composed = append(composed, n)
		default:
			return nil, fmt.Errorf("unknown backend kind %q", kind)
		}
	}
	if len(composed) == 1 {
		return composed[0], nil
	}
	return backend.NewMulti(composed...), nil
}

func splitCSV(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

// Run starts every listener and blocks until ctx is canceled or a fatal
// startup error occurs (spec.md §7: "only startup failures... terminate
// the process"). On return, every resource Run opened has been closed.
func (c *Concentrator) Run(ctx context.Context) error {
	observed, err := c.be.GetObservedGuests(ctx)
	if err != nil {
		c.log.WithError(err).Warn("failed to recollect observed guests from backend, starting empty")
	} else {
		c.reg.Restore(ctx, observed)
	}

	proxyLn, err := c.listen(c.cfg.ProxyListen)
	if err != nil {
		return fmt.Errorf("concentrator: binding proxy listener: %w", err)
	}
	c.proxyLn = proxyLn

	adminLn, err := net.Listen("tcp", c.cfg.AdminListen)
	if err != nil {
		proxyLn.Close()
		return fmt.Errorf("concentrator: binding admin listener: %w", err)
	}
	c.adminLn = adminLn

	go c.acceptLoop(proxyLn, c.handleHypervisorConn, "proxy")
	go c.acceptLoop(adminLn, c.handleAdminConn, "admin")

	if c.certStore != nil {
		go c.certStore.watch(ctx, c.log)
	}

	if c.cfg.DebugListen != "" {
		c.debugSrv = newDebugServer(c.reg, c.promReg)
		ln, err := net.Listen("tcp", c.cfg.DebugListen)
		if err != nil {
			c.log.WithError(err).Warn("debug HTTP server failed to bind, continuing without it")
		} else {
			go func() {
				if err := c.debugSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
					c.log.WithError(err).Warn("debug HTTP server stopped")
				}
			}()
		}
	}

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return c.shutdown()
		case <-ticker.C:
			c.reg.CollectOrphans(context.Background())
		}
	}
}

func (c *Concentrator) shutdown() error {
	var result error
	if err := c.proxyLn.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := c.adminLn.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if c.debugSrv != nil {
		if err := c.debugSrv.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := c.be.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result
}

// listen binds the hypervisor-facing proxy listener. When the concentrator
// is configured with a vsock port it binds AF_VSOCK instead of TCP, for
// deployments where guests reach the concentrator over a VM socket rather
// than the network (spec.md §6, DOMAIN STACK); addr and TLS are both TCP
// concerns and don't apply to that path.
func (c *Concentrator) listen(addr string) (net.Listener, error) {
	if c.cfg.ProxyVsockPort != 0 {
		return vsock.Listen(c.cfg.ProxyVsockPort, nil)
	}
	if c.certStore == nil {
		return net.Listen("tcp", addr)
	}
	return tls.Listen("tcp", addr, &tls.Config{GetCertificate: c.certStore.get})
}

func (c *Concentrator) listenGuestPort(port int) (net.Listener, error) {
	return net.Listen("tcp", fmt.Sprintf(":%d", port))
}

func (c *Concentrator) acceptGuestPort(uuid string, l net.Listener) {
	c.acceptLoop(l, func(conn net.Conn) {
		sub := session.NewSubscriber(conn, uuid, false, c.eng, c.log.WithField("component", "subscriber"))
		if _, ok := c.reg.AttachSubscriber(uuid, sub); !ok {
			conn.Close()
			return
		}
		sub.Serve()
	}, "guest-port:"+uuid)
}

func (c *Concentrator) acceptLoop(l net.Listener, handle func(net.Conn), name string) {
	for {
		conn, err := l.Accept()
		if err != nil {
			c.log.WithError(err).WithField("listener", name).Debug("listener closed")
			return
		}
		go c.safeHandle(handle, conn, name)
	}
}

// safeHandle recovers a panic inside a connection handler, logging it with
// a stack trace and tearing the connection down the same way a clean EOF
// would, per spec.md §7's worker-handler-exception policy.
func (c *Concentrator) safeHandle(handle func(net.Conn), conn net.Conn, name string) {
	defer func() {
		if r := recover(); r != nil {
			c.log.WithFields(logrus.Fields{
				"listener": name,
				"panic":    r,
				"stack":    string(debug.Stack()),
			}).Error("connection handler panicked, dropping connection")
			conn.Close()
		}
	}()
	handle(conn)
}

func (c *Concentrator) handleHypervisorConn(conn net.Conn) {
	hv := session.NewHypervisorLink(conn, c.eng, c.log.WithField("component", "hypervisor-link"))
	if c.cfg.ProxyVsockPort != 0 {
		hv.SetProxyURI(fmt.Sprintf("vsock://%d", c.cfg.ProxyVsockPort))
	} else {
		hv.SetProxyURI("telnet://" + c.cfg.ProxyListen)
	}
	hv.Serve()
}

func (c *Concentrator) handleAdminConn(conn net.Conn) {
	c.adm.Handle(conn)
}

// certStore holds the currently active TLS certificate for the
// hypervisor-facing listener and reloads it when fsnotify reports the
// underlying files changed, covering spec.md §6's "optional TLS material"
// without requiring a process restart.
type certStore struct {
	certFile, keyFile string
	current           atomic.Pointer[tls.Certificate]
}

func newCertStore(certFile, keyFile string) (*certStore, error) {
	cs := &certStore{certFile: certFile, keyFile: keyFile}
	if err := cs.reload(); err != nil {
		return nil, err
	}
	return cs, nil
}

func (cs *certStore) reload() error {
	cert, err := tls.LoadX509KeyPair(cs.certFile, cs.keyFile)
	if err != nil {
		return err
	}
	cs.current.Store(&cert)
	return nil
}

func (cs *certStore) get(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return cs.current.Load(), nil
}

func (cs *certStore) watch(ctx context.Context, log *logrus.Entry) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		log.WithError(err).Warn("failed to start TLS file watcher, certificate reload disabled")
		return
	}
	defer w.Close()

	for _, f := range []string{cs.certFile, cs.keyFile} {
		if err := w.Add(f); err != nil {
			log.WithError(err).WithField("file", f).Warn("failed to watch TLS file")
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := cs.reload(); err != nil {
				log.WithError(err).Warn("TLS certificate reload failed, keeping previous certificate")
				continue
			}
			log.Info("reloaded hypervisor listener TLS certificate")
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			log.WithError(err).Debug("TLS file watcher error")
		}
	}
}
