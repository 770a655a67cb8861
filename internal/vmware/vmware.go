// Copyright (c) 2026 Kata Containers Contributors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package vmware implements the VMware-specific telnet suboption dialect
// (option code 232) layered on top of internal/telnet: KNOWN-SUBOPTIONS,
// the VMOTION-* migration handshake, DO-PROXY, VC-UUID and VM-NAME. See
// spec.md §4.3.
package vmware

import (
	"crypto/rand"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/kata-containers/vspc/internal/telnet"
)

// Option is the telnet option code VMware registers its suboptions under.
const Option byte = 232

// Subcommand codes, spec.md §4.3.
const (
	KnownSuboptions1      byte = 0
	KnownSuboptions2      byte = 1
	UnknownSuboptionRcvd1 byte = 2
	UnknownSuboptionRcvd2 byte = 3
	VMotionBegin          byte = 40
	VMotionGoahead        byte = 41
	VMotionNotNow         byte = 43
	VMotionPeer           byte = 44
	VMotionPeerOK         byte = 45
	VMotionComplete       byte = 46
	VMotionAbort          byte = 48
	DoProxy               byte = 70
	WillProxy             byte = 71
	WontProxy             byte = 73
	VCUUID                byte = 80
	VMName                byte = 82
)

// knownSubcommands is what this implementation announces in
// KNOWN-SUBOPTIONS-1, matching the set it actually understands.
var knownSubcommands = []byte{
	KnownSuboptions1, KnownSuboptions2,
	UnknownSuboptionRcvd1, UnknownSuboptionRcvd2,
	VMotionBegin, VMotionGoahead, VMotionNotNow,
	VMotionPeer, VMotionPeerOK, VMotionComplete, VMotionAbort,
	DoProxy, WillProxy, WontProxy, VCUUID, VMName,
}

// ProxyDirectionClient is the direction byte DO-PROXY sends to declare the
// concentrator as the client end of the serial line (spec.md §4.3).
const ProxyDirectionClient byte = 0

// Core is the set of hooks the hosting application supplies; Handler calls
// into these on receipt of the corresponding subcommand (spec.md §4.3).
type Core interface {
	HandleVCUUID(link Link)
	HandleVMName(link Link)
	// HandleVMotionBegin returns true to approve (GOAHEAD) or false to
	// refuse (NOTNOW).
	HandleVMotionBegin(link Link, cookie []byte) bool
	// HandleVMotionPeer returns true to approve (PEER-OK).
	HandleVMotionPeer(link Link, cookie []byte) bool
	HandleVMotionComplete(link Link)
	HandleVMotionAbort(link Link)
}

// Link is the minimal surface Handler needs from a hypervisor connection:
// a place to read/write the VC-UUID and VM-NAME strings it has already
// parsed off the wire, and a way to send a suboption frame back.
type Link interface {
	SetUUID(string)
	UUID() string
	SetName(string)
	Send(frame []byte)
}

// Handler registers the VMware subnegotiation sink (option 232) against a
// telnet.Codec and dispatches each subcommand to Core.
type Handler struct {
	link  Link
	core  Core
	log   *logrus.Entry
	send  func([]byte)
}

// Attach wires h to codec for link, calling back into core as subcommands
// arrive. Call Announce once the caller decides the link is ready to
// proactively advertise KNOWN-SUBOPTIONS-1 (see SPEC_FULL.md's
// Supplemented Features).
func Attach(codec *telnet.Codec, link Link, core Core, log *logrus.Entry) *Handler {
	h := &Handler{
		link: link,
		core: core,
		log:  log,
		send: func(p []byte) { link.Send(telnet.EncodeSubnegotiation(Option, p)) },
	}
	codec.RegisterSubnegotiation(Option, h.dispatch)
	return h
}

// Announce sends KNOWN-SUBOPTIONS-1. Call once option 232 negotiation
// completes on both sides.
func (h *Handler) Announce() {
	h.send(append([]byte{KnownSuboptions1}, knownSubcommands...))
}

func (h *Handler) dispatch(payload []byte) {
	if len(payload) == 0 {
		h.log.Warn("vmware: empty suboption payload")
		return
	}

	cmd, data := payload[0], payload[1:]
	switch cmd {
	case KnownSuboptions1:
		h.send(append([]byte{KnownSuboptions2}, knownSubcommands...))
	case KnownSuboptions2:
		h.log.WithField("supported", data).Debug("vmware: peer acknowledged known suboptions")
	case UnknownSuboptionRcvd1, UnknownSuboptionRcvd2:
		h.log.WithField("code", data).Debug("vmware: peer reported unknown suboption")
	case VMotionBegin:
		if h.core.HandleVMotionBegin(h.link, data) {
			secret := make([]byte, 16)
			if _, err := rand.Read(secret); err != nil {
				h.log.WithError(err).Warn("vmware: failed generating migration secret, sending bare nonce")
				secret = nil
			}
			h.send(VMotionGoaheadSecret(data, secret))
		} else {
			h.send([]byte{VMotionNotNow})
		}
	case VMotionPeer:
		if h.core.HandleVMotionPeer(h.link, data) {
			h.send([]byte{VMotionPeerOK})
		}
		// A rejected peer gets no reply; the hypervisor will retry or
		// give up, matching the original's silence on failure.
	case VMotionComplete:
		h.core.HandleVMotionComplete(h.link)
	case VMotionAbort:
		h.core.HandleVMotionAbort(h.link)
	case VCUUID:
		h.link.SetUUID(string(data))
		h.core.HandleVCUUID(h.link)
	case VMName:
		h.link.SetName(string(data))
		h.core.HandleVMName(h.link)
	case WillProxy, WontProxy:
		h.log.WithField("accepted", cmd == WillProxy).Debug("vmware: proxy negotiation answered")
	default:
		h.log.WithField("code", cmd).Warn("vmware: unrecognized suboption")
		h.send([]byte{UnknownSuboptionRcvd1, cmd})
	}
}

// DeclareProxy sends DO-PROXY declaring the concentrator as the client end
// of the serial line, with uri identifying the proxy endpoint.
func (h *Handler) DeclareProxy(uri string) {
	payload := append([]byte{DoProxy, ProxyDirectionClient}, []byte(uri)...)
	h.send(payload)
}

// VMotionGoaheadSecret formats the GOAHEAD payload: the original nonce
// followed by a freshly issued migration secret.
func VMotionGoaheadSecret(nonce, secret []byte) []byte {
	out := make([]byte, 0, len(nonce)+len(secret)+1)
	out = append(out, VMotionGoahead)
	out = append(out, nonce...)
	out = append(out, secret...)
	return out
}

// String renders a subcommand code for logging.
func String(cmd byte) string {
	switch cmd {
	case KnownSuboptions1:
		return "KNOWN-SUBOPTIONS-1"
	case KnownSuboptions2:
		return "KNOWN-SUBOPTIONS-2"
	case VMotionBegin:
		return "VMOTION-BEGIN"
	case VMotionGoahead:
		return "VMOTION-GOAHEAD"
	case VMotionNotNow:
		return "VMOTION-NOTNOW"
	case VMotionPeer:
		return "VMOTION-PEER"
	case VMotionPeerOK:
		return "VMOTION-PEER-OK"
	case VMotionComplete:
		return "VMOTION-COMPLETE"
	case VMotionAbort:
		return "VMOTION-ABORT"
	case DoProxy:
		return "DO-PROXY"
	case VCUUID:
		return "VC-UUID"
	case VMName:
		return "VM-NAME"
	default:
		return fmt.Sprintf("0x%02x", cmd)
	}
}
