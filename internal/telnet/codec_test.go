// Copyright (c) 2026 Kata Containers Contributors
//
// SPDX-License-Identifier: Apache-2.0
//

package telnet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeedStripsPlainPayload(t *testing.T) {
	assert := assert.New(t)

	var sent [][]byte
	c := NewCodec(func(p []byte) { sent = append(sent, p) })

	out, err := c.Feed([]byte("hello world"))
	require.NoError(t, err)
	assert.Equal("hello world", string(out))
	assert.Empty(sent)
}

func TestFeedEscapedIACInPayload(t *testing.T) {
	assert := assert.New(t)

	c := NewCodec(func(p []byte) {})
	out, err := c.Feed([]byte{'a', IAC, IAC, 'b'})
	require.NoError(t, err)
	assert.Equal([]byte{'a', IAC, 'b'}, out)
}

func TestNegotiationWillDoHandshake(t *testing.T) {
	assert := assert.New(t)

	var sent [][]byte
	c := NewCodec(func(p []byte) { sent = append(sent, append([]byte(nil), p...)) })
	c.AllowOption(OptBinary, func() bool { return true }, nil)

	c.RequestWill(OptBinary)
	require.Len(t, sent, 1)
	assert.Equal([]byte{IAC, WILL, OptBinary}, sent[0])
	assert.False(c.NegotiationDone())

	_, err := c.Feed([]byte{IAC, DO, OptBinary})
	require.NoError(t, err)
	assert.True(c.NegotiationDone())
	assert.True(c.WillEnabled(OptBinary))
}

func TestPeerInitiatedWillRespectsPolicy(t *testing.T) {
	assert := assert.New(t)

	var sent [][]byte
	c := NewCodec(func(p []byte) { sent = append(sent, append([]byte(nil), p...)) })
	c.AllowOption(OptEcho, nil, func() bool { return false })

	_, err := c.Feed([]byte{IAC, WILL, OptEcho})
	require.NoError(t, err)
	require.Len(t, sent, 1)
	assert.Equal([]byte{IAC, DONT, OptEcho}, sent[0])
	assert.False(c.DoEnabled(OptEcho))
}

func TestSubnegotiationRoundTrip(t *testing.T) {
	assert := assert.New(t)

	var got []byte
	c := NewCodec(func(p []byte) {})
	c.RegisterSubnegotiation(232, func(payload []byte) { got = payload })

	frame := EncodeSubnegotiation(232, []byte{0x01, IAC, 0x02})
	_, err := c.Feed(frame)
	require.NoError(t, err)
	assert.Equal([]byte{0x01, IAC, 0x02}, got)
}

func TestMalformedSubnegotiationIsAnError(t *testing.T) {
	c := NewCodec(func(p []byte) {})
	// IAC SB <opt> <payload> IAC <bogus, not SE or IAC>
	_, err := c.Feed([]byte{IAC, SB, 232, 0x01, IAC, 0x05})
	require.Error(t, err)
}

func TestEscapeDoublesIAC(t *testing.T) {
	assert.Equal(t, []byte{'a', IAC, IAC, 'b'}, Escape([]byte{'a', IAC, 'b'}))
}
