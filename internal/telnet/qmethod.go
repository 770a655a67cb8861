// Copyright (c) 2026 Kata Containers Contributors
//
// SPDX-License-Identifier: Apache-2.0
//

package telnet

// qstate is one leg of the Q-method negotiation state machine (RFC 1143).
// The "opposite" flag from the RFC is folded into two extra enum values
// rather than carried as a separate bool, which keeps the transition
// table a single switch instead of a switch-plus-branch.
type qstate int

const (
	qNo qstate = iota
	qYes
	qWantNo
	qWantNoOpposite
	qWantYes
	qWantYesOpposite
)

// side drives one direction of negotiation for one option: "us" (we send
// WILL/WONT, peer sends DO/DONT) or "him" (peer sends WILL/WONT, we send
// DO/DONT). Both directions share the same transition table; only the
// meaning of "enable" and the byte actually sent differ, which is why a
// single type serves both roles in Codec.
type side struct {
	state qstate
	allow func() bool // policy consulted only when the peer initiates
	send  func(enable bool)
}

// peerRequests processes an incoming negotiation byte (DO/DONT for the us
// side, WILL/WONT for the him side) meaning "peer wants this enabled" when
// enable is true.
func (s *side) peerRequests(enable bool) {
	switch s.state {
	case qNo:
		if enable {
			if s.allow == nil || s.allow() {
				s.send(true)
				s.state = qYes
			} else {
				s.send(false)
			}
		}
	case qYes:
		if !enable {
			s.send(false)
			s.state = qNo
		}
	case qWantNo:
		// Answers a WONT/DONT we sent; whichever way the peer answered,
		// our request is resolved and we end up disabled.
		s.state = qNo
	case qWantNoOpposite:
		if enable {
			// Our WONT/DONT was answered by an enable; accept it, which
			// also satisfies the queued request to enable.
			s.state = qYes
		} else {
			s.state = qWantYes
			s.send(true)
		}
	case qWantYes:
		if enable {
			s.state = qYes
		} else {
			s.state = qNo
		}
	case qWantYesOpposite:
		if enable {
			s.state = qWantNo
			s.send(false)
		} else {
			s.state = qNo
		}
	}
}

// request initiates a local change: ask the peer to enable (or disable)
// this option. Used at startup to drive BINARY/SGA/ECHO negotiation.
func (s *side) request(enable bool) {
	switch s.state {
	case qNo:
		if enable {
			s.send(true)
			s.state = qWantYes
		}
	case qYes:
		if !enable {
			s.send(false)
			s.state = qWantNo
		}
	case qWantNo:
		if enable {
			s.state = qWantNoOpposite
		}
	case qWantNoOpposite:
		if !enable {
			s.state = qWantNo
		}
	case qWantYes:
		if !enable {
			s.state = qWantYesOpposite
		}
	case qWantYesOpposite:
		if enable {
			s.state = qWantYes
		}
	}
}

// settled reports whether this side has reached a stable YES/NO, i.e. no
// request is outstanding.
func (s *side) settled() bool {
	return s.state == qYes || s.state == qNo
}

func (s *side) enabled() bool {
	return s.state == qYes
}
