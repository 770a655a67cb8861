// Copyright (c) 2026 Kata Containers Contributors
//
// SPDX-License-Identifier: Apache-2.0
//

package session

import (
	"bytes"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/kata-containers/vspc/internal/backend"
	"github.com/kata-containers/vspc/internal/registry"
	"github.com/kata-containers/vspc/internal/telnet"
	"github.com/kata-containers/vspc/internal/vmware"
)

// peerReader decodes a server's outbound telnet stream the way a real
// peer would, discarding negotiation bytes and collecting payload.
type peerReader struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (p *peerReader) append(b []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buf.Write(b)
}

func (p *peerReader) String() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buf.String()
}

func startPeerDrain(conn net.Conn) *peerReader {
	pr := &peerReader{}
	codec := telnet.NewCodec(func([]byte) {})
	for _, opt := range telnet.DefaultServerOptions {
		codec.AllowOption(opt, nil, func() bool { return true })
	}
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				out, decodeErr := codec.Feed(buf[:n])
				if decodeErr == nil && len(out) > 0 {
					pr.append(out)
				}
			}
			if err != nil {
				return
			}
		}
	}()
	return pr
}

func newTestEngine(t *testing.T) (*Engine, *registry.Registry) {
	t.Helper()
	log := logrus.NewEntry(logrus.New())
	be := backend.NewMemory(0)
	reg := registry.New(nil, time.Minute, be, nil, nil, log)
	eng := NewEngine(reg, be, log)
	return eng, reg
}

func subnego(cmd byte, data []byte) []byte {
	return telnet.EncodeSubnegotiation(vmware.Option, append([]byte{cmd}, data...))
}

func TestEngineAttachesGuestOnUUIDAndName(t *testing.T) {
	eng, reg := newTestEngine(t)
	log := logrus.NewEntry(logrus.New())

	hvServer, hvClient := net.Pipe()
	t.Cleanup(func() { hvClient.Close() })

	hv := NewHypervisorLink(hvServer, eng, log)
	go hv.Serve()
	startPeerDrain(hvClient)

	_, err := hvClient.Write(subnego(vmware.VCUUID, []byte("uuid-1")))
	require.NoError(t, err)
	_, err = hvClient.Write(subnego(vmware.VMName, []byte("db-01")))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		g, ok := reg.Lookup("uuid-1")
		return ok && g.Name() == "db-01"
	}, time.Second, time.Millisecond)
}

func TestEngineFanOutHypervisorToSubscriber(t *testing.T) {
	eng, reg := newTestEngine(t)
	log := logrus.NewEntry(logrus.New())

	hvServer, hvClient := net.Pipe()
	t.Cleanup(func() { hvClient.Close() })
	hv := NewHypervisorLink(hvServer, eng, log)
	go hv.Serve()
	startPeerDrain(hvClient)

	hvClient.Write(subnego(vmware.VCUUID, []byte("uuid-1")))
	hvClient.Write(subnego(vmware.VMName, []byte("db-01")))
	require.Eventually(t, func() bool {
		_, ok := reg.Lookup("uuid-1")
		return ok
	}, time.Second, time.Millisecond)

	subServer, subClient := net.Pipe()
	t.Cleanup(func() { subClient.Close() })
	sub := NewSubscriber(subServer, "uuid-1", false, eng, log)
	_, ok := reg.AttachSubscriber("uuid-1", sub)
	require.True(t, ok)
	go sub.Serve()
	drainSub := startPeerDrain(subClient)

	hvClient.Write([]byte("hello"))

	require.Eventually(t, func() bool {
		return drainSub.String() == "hello"
	}, time.Second, time.Millisecond)
}

func TestEngineBuffersDuringMigrationAndFlushesInOrder(t *testing.T) {
	eng, reg := newTestEngine(t)
	log := logrus.NewEntry(logrus.New())

	hvServer, hvClient := net.Pipe()
	t.Cleanup(func() { hvClient.Close() })
	hv := NewHypervisorLink(hvServer, eng, log)
	go hv.Serve()
	startPeerDrain(hvClient)

	hvClient.Write(subnego(vmware.VCUUID, []byte("uuid-1")))
	hvClient.Write(subnego(vmware.VMName, []byte("db-01")))
	require.Eventually(t, func() bool {
		_, ok := reg.Lookup("uuid-1")
		return ok
	}, time.Second, time.Millisecond)

	subServer, subClient := net.Pipe()
	t.Cleanup(func() { subClient.Close() })
	sub := NewSubscriber(subServer, "uuid-1", false, eng, log)
	_, ok := reg.AttachSubscriber("uuid-1", sub)
	require.True(t, ok)
	go sub.Serve()
	drainSub := startPeerDrain(subClient)

	cookie := []byte{0xAB, 0xCD}
	hvClient.Write(subnego(vmware.VMotionBegin, cookie))

	g, ok := reg.Lookup("uuid-1")
	require.True(t, ok)
	require.Eventually(t, func() bool { return g.Migrating() }, time.Second, time.Millisecond)

	hvClient.Write([]byte("X"))
	time.Sleep(20 * time.Millisecond)
	require.Empty(t, drainSub.String(), "no bytes may reach a subscriber while a migration is in flight")

	hvClient.Write(subnego(vmware.VMotionComplete, nil))
	hvClient.Write([]byte("Y"))

	require.Eventually(t, func() bool {
		return drainSub.String() == "XY"
	}, time.Second, time.Millisecond)
}

func TestEngineVMotionPeerAttachesSecondLink(t *testing.T) {
	eng, reg := newTestEngine(t)
	log := logrus.NewEntry(logrus.New())

	hv1Server, hv1Client := net.Pipe()
	t.Cleanup(func() { hv1Client.Close() })
	hv1 := NewHypervisorLink(hv1Server, eng, log)
	go hv1.Serve()
	startPeerDrain(hv1Client)

	hv1Client.Write(subnego(vmware.VCUUID, []byte("uuid-1")))
	hv1Client.Write(subnego(vmware.VMName, []byte("db-01")))
	require.Eventually(t, func() bool {
		_, ok := reg.Lookup("uuid-1")
		return ok
	}, time.Second, time.Millisecond)

	cookie := []byte{0x01, 0x02}
	hv1Client.Write(subnego(vmware.VMotionBegin, cookie))
	require.Eventually(t, func() bool {
		g, _ := reg.Lookup("uuid-1")
		return g.Migrating()
	}, time.Second, time.Millisecond)

	hv2Server, hv2Client := net.Pipe()
	t.Cleanup(func() { hv2Client.Close() })
	hv2 := NewHypervisorLink(hv2Server, eng, log)
	go hv2.Serve()
	startPeerDrain(hv2Client)

	hv2Client.Write(subnego(vmware.VMotionPeer, cookie))

	require.Eventually(t, func() bool {
		g, ok := reg.Lookup("uuid-1")
		return ok && len(g.Links()) == 2
	}, time.Second, time.Millisecond)
}
