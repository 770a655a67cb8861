// Copyright (c) 2026 Kata Containers Contributors
//
// SPDX-License-Identifier: Apache-2.0
//

package vmware

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kata-containers/vspc/internal/telnet"
)

type fakeLink struct {
	uuid, name string
	sent       [][]byte
}

func (f *fakeLink) SetUUID(u string) { f.uuid = u }
func (f *fakeLink) UUID() string     { return f.uuid }
func (f *fakeLink) SetName(n string) { f.name = n }
func (f *fakeLink) Send(b []byte)    { f.sent = append(f.sent, b) }

type fakeCore struct {
	vcUUIDCalled, vmNameCalled     bool
	vmotionBeginOK, vmotionPeerOK  bool
	completed, aborted             bool
	lastCookie                     []byte
}

func (c *fakeCore) HandleVCUUID(Link) { c.vcUUIDCalled = true }
func (c *fakeCore) HandleVMName(Link) { c.vmNameCalled = true }
func (c *fakeCore) HandleVMotionBegin(_ Link, cookie []byte) bool {
	c.lastCookie = cookie
	return c.vmotionBeginOK
}
func (c *fakeCore) HandleVMotionPeer(_ Link, cookie []byte) bool {
	c.lastCookie = cookie
	return c.vmotionPeerOK
}
func (c *fakeCore) HandleVMotionComplete(Link) { c.completed = true }
func (c *fakeCore) HandleVMotionAbort(Link)    { c.aborted = true }

func newHarness(core Core) (*Handler, *telnet.Codec, *fakeLink) {
	link := &fakeLink{}
	var outbound []byte
	codec := telnet.NewCodec(func(p []byte) { outbound = append(outbound, p...) })
	_ = outbound
	h := Attach(codec, link, core, logrus.NewEntry(logrus.New()))
	return h, codec, link
}

func TestVCUUIDAndVMName(t *testing.T) {
	core := &fakeCore{}
	_, codec, link := newHarness(core)

	_, err := codec.Feed(telnet.EncodeSubnegotiation(Option, append([]byte{VCUUID}, []byte("abc-123")...)))
	require.NoError(t, err)
	assert.Equal(t, "abc-123", link.uuid)
	assert.True(t, core.vcUUIDCalled)

	_, err = codec.Feed(telnet.EncodeSubnegotiation(Option, append([]byte{VMName}, []byte("db-01")...)))
	require.NoError(t, err)
	assert.Equal(t, "db-01", link.name)
	assert.True(t, core.vmNameCalled)
}

func TestVMotionBeginApprovedSendsGoahead(t *testing.T) {
	core := &fakeCore{vmotionBeginOK: true}
	_, codec, link := newHarness(core)

	_, err := codec.Feed(telnet.EncodeSubnegotiation(Option, append([]byte{VMotionBegin}, []byte{0xDE, 0xAD}...)))
	require.NoError(t, err)
	assert.Equal(t, []byte{0xDE, 0xAD}, core.lastCookie)
	require.Len(t, link.sent, 1)

	payload, err := decodeSB(link.sent[0])
	require.NoError(t, err)
	assert.Equal(t, byte(VMotionGoahead), payload[0])
}

func TestVMotionBeginRefusedSendsNotNow(t *testing.T) {
	core := &fakeCore{vmotionBeginOK: false}
	_, codec, link := newHarness(core)

	_, err := codec.Feed(telnet.EncodeSubnegotiation(Option, []byte{VMotionBegin, 0x01}))
	require.NoError(t, err)
	require.Len(t, link.sent, 1)

	payload, err := decodeSB(link.sent[0])
	require.NoError(t, err)
	assert.Equal(t, []byte{VMotionNotNow}, payload)
}

func TestVMotionCompleteAndAbort(t *testing.T) {
	core := &fakeCore{}
	_, codec, _ := newHarness(core)

	_, err := codec.Feed(telnet.EncodeSubnegotiation(Option, []byte{VMotionComplete}))
	require.NoError(t, err)
	assert.True(t, core.completed)

	_, err = codec.Feed(telnet.EncodeSubnegotiation(Option, []byte{VMotionAbort}))
	require.NoError(t, err)
	assert.True(t, core.aborted)
}

func TestAnnounceSendsKnownSuboptions(t *testing.T) {
	core := &fakeCore{}
	h, _, link := newHarness(core)

	h.Announce()
	require.Len(t, link.sent, 1)
	payload, err := decodeSB(link.sent[0])
	require.NoError(t, err)
	assert.Equal(t, byte(KnownSuboptions1), payload[0])
}

// decodeSB strips the IAC SB <opt> ... IAC SE framing a test double wrote
// via telnet.EncodeSubnegotiation, for assertions against the raw payload.
func decodeSB(frame []byte) ([]byte, error) {
	var got []byte
	codec := telnet.NewCodec(func([]byte) {})
	codec.RegisterSubnegotiation(Option, func(p []byte) { got = p })
	_, err := codec.Feed(frame)
	return got, err
}
