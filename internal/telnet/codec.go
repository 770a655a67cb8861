// Copyright (c) 2026 Kata Containers Contributors
//
// SPDX-License-Identifier: Apache-2.0
//

package telnet

import "fmt"

// SubnegotiationSink receives the de-escaped payload of one IAC SB <opt>
// ... IAC SE block for the option it was registered against.
type SubnegotiationSink func(payload []byte)

// parserState tracks where Feed is within the current byte stream.
type parserState int

const (
	stateData parserState = iota
	stateIAC
	stateOption // saw IAC DO/DONT/WILL/WONT, waiting for the option byte
	stateSB     // inside IAC SB <opt> ... collecting payload
	stateSBIAC  // inside SB payload, just saw an IAC byte
)

// Codec implements telnet IAC framing and Q-method option negotiation for
// one connection. It is not safe for concurrent use; callers serialize
// Feed and the Request* calls, issuing the requests at construction and
// feeding from a single reader goroutine, which is how every caller in
// this repo uses it.
type Codec struct {
	us  map[byte]*side // options we may enable (WILL/WONT), keyed by code
	him map[byte]*side // options the peer may enable (DO/DONT), keyed by code

	write func(p []byte) // raw, unescaped bytes to send to the peer

	subs map[byte]SubnegotiationSink

	state     parserState
	sbOpt     byte
	sbOptSeen bool
	sbBuf     []byte
	negOp     byte // DO/DONT/WILL/WONT currently being parsed
}

// NewCodec creates a codec that writes negotiation replies through send.
func NewCodec(send func(p []byte)) *Codec {
	return &Codec{
		us:    make(map[byte]*side),
		him:   make(map[byte]*side),
		write: send,
		subs:  make(map[byte]SubnegotiationSink),
	}
}

// RegisterSubnegotiation installs sink as the receiver for IAC SB <opt> ...
// IAC SE blocks carrying option code opt. It installs only the sink; the
// option's negotiation policy stays whatever AllowOption set (or its nil
// default).
func (c *Codec) RegisterSubnegotiation(opt byte, sink SubnegotiationSink) {
	c.subs[opt] = sink
}

// AllowOption installs local policy for option opt: allowUsSideDO governs
// whether we agree to a peer-initiated DO (option enabled on our side, us
// answering WILL); allowHimSideWILL governs whether we agree to a
// peer-initiated WILL (option enabled on their side, us answering DO).
// A nil policy accepts every peer-initiated request for that side, as does
// an option AllowOption was never called for.
func (c *Codec) AllowOption(opt byte, allowUsSideDO, allowHimSideWILL func() bool) {
	c.usSide(opt).allow = allowUsSideDO
	c.himSide(opt).allow = allowHimSideWILL
}

func (c *Codec) usSide(opt byte) *side {
	s, ok := c.us[opt]
	if !ok {
		opt := opt
		s = &side{send: func(enable bool) { c.sendNeg(enable, true, opt) }}
		c.us[opt] = s
	}
	return s
}

func (c *Codec) himSide(opt byte) *side {
	s, ok := c.him[opt]
	if !ok {
		opt := opt
		s = &side{send: func(enable bool) { c.sendNeg(enable, false, opt) }}
		c.him[opt] = s
	}
	return s
}

func (c *Codec) sendNeg(enable, us bool, opt byte) {
	var cmd byte
	switch {
	case us && enable:
		cmd = WILL
	case us && !enable:
		cmd = WONT
	case !us && enable:
		cmd = DO
	default:
		cmd = DONT
	}
	c.write([]byte{IAC, cmd, opt})
}

// RequestWill asks the peer to let us enable opt locally (we send WILL).
func (c *Codec) RequestWill(opt byte) { c.usSide(opt).request(true) }

// RequestDo asks the peer to enable opt on their side (we send DO).
func (c *Codec) RequestDo(opt byte) { c.himSide(opt).request(true) }

// NegotiationDone reports whether every option we have initiated a request
// for has reached a stable YES/NO, per spec.md §4.2.
func (c *Codec) NegotiationDone() bool {
	for _, s := range c.us {
		if !s.settled() {
			return false
		}
	}
	for _, s := range c.him {
		if !s.settled() {
			return false
		}
	}
	return true
}

// Feed parses raw bytes received from the peer, driving negotiation and
// invoking subnegotiation sinks, and returns the plain payload bytes (IAC
// framing stripped) available for the application.
func (c *Codec) Feed(data []byte) ([]byte, error) {
	out := make([]byte, 0, len(data))

	for _, b := range data {
		switch c.state {
		case stateData:
			if b == IAC {
				c.state = stateIAC
				continue
			}
			out = append(out, b)

		case stateIAC:
			switch b {
			case IAC:
				out = append(out, IAC)
				c.state = stateData
			case DO, DONT, WILL, WONT:
				c.negOp = b
				c.state = stateOption
			case SB:
				c.sbBuf = c.sbBuf[:0]
				c.sbOptSeen = false
				c.state = stateSB
			case GA, NOP, DM, BRK, IP, AO, AYT, EC, EL:
				c.state = stateData
			default:
				c.state = stateData
			}

		case stateOption:
			c.handleNegotiation(c.negOp, b)
			c.state = stateData

		case stateSB:
			if b == IAC {
				c.state = stateSBIAC
				continue
			}
			if !c.sbOptSeen {
				c.sbOpt = b
				c.sbOptSeen = true
			} else {
				c.sbBuf = append(c.sbBuf, b)
			}

		case stateSBIAC:
			if b == SE {
				if sink, ok := c.subs[c.sbOpt]; ok {
					sink(append([]byte(nil), c.sbBuf...))
				}
				c.state = stateData
			} else if b == IAC {
				c.sbBuf = append(c.sbBuf, IAC)
				c.state = stateSB
			} else {
				// Malformed: IAC not followed by SE or escaped IAC inside
				// a subnegotiation. The error is returned without
				// resetting the parser state; the callers in this repo
				// drop the connection as soon as Feed reports it.
				return out, fmt.Errorf("telnet: malformed subnegotiation, IAC %#x inside SB", b)
			}
		}
	}

	return out, nil
}

func (c *Codec) handleNegotiation(op, opt byte) {
	switch op {
	case DO:
		c.usSide(opt).peerRequests(true)
	case DONT:
		c.usSide(opt).peerRequests(false)
	case WILL:
		c.himSide(opt).peerRequests(true)
	case WONT:
		c.himSide(opt).peerRequests(false)
	}
}

// WillEnabled reports whether we have successfully enabled opt locally.
func (c *Codec) WillEnabled(opt byte) bool { return c.usSide(opt).enabled() }

// DoEnabled reports whether the peer has enabled opt on their side.
func (c *Codec) DoEnabled(opt byte) bool { return c.himSide(opt).enabled() }

// Escape returns p with bare IAC bytes doubled, ready to be written to the
// peer as telnet payload per spec.md §4.2(c).
func Escape(p []byte) []byte {
	out := make([]byte, 0, len(p))
	for _, b := range p {
		if b == IAC {
			out = append(out, IAC, IAC)
		} else {
			out = append(out, b)
		}
	}
	return out
}

// EncodeSubnegotiation frames payload as IAC SB opt payload(IAC-escaped) IAC
// SE, ready to write to the peer.
func EncodeSubnegotiation(opt byte, payload []byte) []byte {
	out := make([]byte, 0, len(payload)+6)
	out = append(out, IAC, SB, opt)
	out = append(out, Escape(payload)...)
	out = append(out, IAC, SE)
	return out
}
