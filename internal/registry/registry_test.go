// Copyright (c) 2026 Kata Containers Contributors
//
// SPDX-License-Identifier: Apache-2.0
//

package registry

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kata-containers/vspc/internal/backend"
)

type fakeLink struct{ id string }

func (f *fakeLink) Send([]byte)   {}
func (f *fakeLink) Close() error  { return nil }

type fakeListener struct {
	closed bool
}

func (l *fakeListener) Accept() (net.Conn, error) { select {} }
func (l *fakeListener) Close() error              { l.closed = true; return nil }
func (l *fakeListener) Addr() net.Addr            { return &net.TCPAddr{} }

func newTestRegistry(t *testing.T, portStart *int) (*Registry, *backend.Memory) {
	t.Helper()
	be := backend.NewMemory(0)
	log := logrus.NewEntry(logrus.New())
	var listeners []*fakeListener
	listen := func(port int) (net.Listener, error) {
		l := &fakeListener{}
		listeners = append(listeners, l)
		return l, nil
	}
	accept := func(uuid string, l net.Listener) {}
	return New(portStart, 50*time.Millisecond, be, listen, accept, log), be
}

func TestEnsureGuestAllocatesFirstPort(t *testing.T) {
	start := 50000
	r, _ := newTestRegistry(t, &start)

	g, err := r.EnsureGuest(context.Background(), "abc-123", "db-01", &fakeLink{id: "l1"})
	require.NoError(t, err)
	require.NotNil(t, g.Port)
	assert.Equal(t, 50000, *g.Port)
}

func TestEnsureGuestReconnectAppendsLink(t *testing.T) {
	start := 50000
	r, _ := newTestRegistry(t, &start)
	ctx := context.Background()

	l1 := &fakeLink{id: "l1"}
	g1, err := r.EnsureGuest(ctx, "abc-123", "db-01", l1)
	require.NoError(t, err)

	l2 := &fakeLink{id: "l2"}
	g2, err := r.EnsureGuest(ctx, "abc-123", "db-01", l2)
	require.NoError(t, err)

	assert.Same(t, g1, g2)
	assert.Len(t, g2.Links(), 2)
}

func TestPortAllocationIsUniqueAndReusesFreedPorts(t *testing.T) {
	start := 50000
	r, _ := newTestRegistry(t, &start)
	ctx := context.Background()

	g1, err := r.EnsureGuest(ctx, "uuid-1", "vm1", &fakeLink{})
	require.NoError(t, err)
	g2, err := r.EnsureGuest(ctx, "uuid-2", "vm2", &fakeLink{})
	require.NoError(t, err)
	require.NotEqual(t, *g1.Port, *g2.Port)

	// Detach everything from guest 1 and let it expire.
	link := g1.Links()[0]
	r.DetachLink("uuid-1", link)
	time.Sleep(60 * time.Millisecond)
	evicted := r.CollectOrphans(ctx)
	assert.Contains(t, evicted, "uuid-1")

	g3, err := r.EnsureGuest(ctx, "uuid-3", "vm3", &fakeLink{})
	require.NoError(t, err)
	assert.Equal(t, *g1.Port, *g3.Port, "freed port should be reused before advancing further")
}

func TestPortAllocationDisabled(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	g, err := r.EnsureGuest(context.Background(), "uuid-1", "vm1", &fakeLink{})
	require.NoError(t, err)
	assert.Nil(t, g.Port)
}

func TestOrphanMonotonicity(t *testing.T) {
	start := 50000
	r, _ := newTestRegistry(t, &start)
	ctx := context.Background()

	link := &fakeLink{}
	g, err := r.EnsureGuest(ctx, "uuid-1", "vm1", link)
	require.NoError(t, err)
	assert.False(t, g.orphanExpired(time.Now(), 0))

	r.DetachLink("uuid-1", link)
	assert.True(t, g.orphanExpired(time.Now().Add(time.Second), 0))
}

func TestCollectOrphansIsIdempotent(t *testing.T) {
	start := 50000
	r, _ := newTestRegistry(t, &start)
	ctx := context.Background()

	link := &fakeLink{}
	_, err := r.EnsureGuest(ctx, "uuid-1", "vm1", link)
	require.NoError(t, err)
	r.DetachLink("uuid-1", link)

	time.Sleep(60 * time.Millisecond)
	first := r.CollectOrphans(ctx)
	second := r.CollectOrphans(ctx)
	assert.Len(t, first, 1)
	assert.Empty(t, second)
}

func TestVmotionBeginPeerCompleteRoundTrip(t *testing.T) {
	start := 50000
	r, _ := newTestRegistry(t, &start)
	ctx := context.Background()

	_, err := r.EnsureGuest(ctx, "uuid-1", "vm1", &fakeLink{})
	require.NoError(t, err)

	cookie := []byte{0xDE, 0xAD}
	assert.True(t, r.BeginVmotion("uuid-1", cookie))
	assert.False(t, r.BeginVmotion("uuid-1", cookie), "cannot begin a second migration while one is in flight")

	uuid, ok := r.PeerVmotion(cookie)
	require.True(t, ok)
	assert.Equal(t, "uuid-1", uuid)

	r.CompleteVmotion("uuid-1")
	_, ok = r.PeerVmotion(cookie)
	assert.False(t, ok, "cookie must be consumed on completion")
}

func TestVmotionBeginUnknownGuestRejected(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	assert.False(t, r.BeginVmotion("nonexistent", []byte{0x01}))
}

func TestListSortedByName(t *testing.T) {
	start := 50000
	r, _ := newTestRegistry(t, &start)
	ctx := context.Background()

	_, err := r.EnsureGuest(ctx, "uuid-z", "zeta", &fakeLink{})
	require.NoError(t, err)
	_, err = r.EnsureGuest(ctx, "uuid-a", "alpha", &fakeLink{})
	require.NoError(t, err)

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "alpha", list[0].Name)
	assert.Equal(t, "zeta", list[1].Name)
}
