// Copyright (c) 2026 Kata Containers Contributors
//
// SPDX-License-Identifier: Apache-2.0
//

package backend

import (
	"context"
	"encoding/json"
	"net"

	"github.com/nats-io/nats.go"
)

// guestEvent is the JSON payload published for guest lifecycle events.
type guestEvent struct {
	UUID string `json:"uuid"`
	Name string `json:"name,omitempty"`
	Port *int   `json:"port,omitempty"`
}

// NATS republishes every Notifier callback onto a NATS subject tree, so
// external subscribers (orchestration, monitoring) observe guest
// lifecycle and console traffic without polling the concentrator's admin
// protocol. It holds no state of its own and always reports an empty
// GetObservedGuests/SeedData, deferring recollection to whatever
// persistent backend it is composed with via Multi.
type NATS struct {
	nc     *nats.Conn
	prefix string
}

// NewNATS connects to url and publishes under subjectPrefix (e.g.
// "vspc"), yielding subjects like "vspc.guest.connected".
func NewNATS(url, subjectPrefix string) (*NATS, error) {
	nc, err := nats.Connect(url, nats.Name("vspc-concentrator"))
	if err != nil {
		return nil, err
	}
	return &NATS{nc: nc, prefix: subjectPrefix}, nil
}

func (n *NATS) publish(subject string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	n.nc.Publish(n.prefix+"."+subject, data)
}

func (n *NATS) GetObservedGuests(ctx context.Context) ([]ObservedGuest, error) {
	return nil, nil
}

func (n *NATS) NotifyGuest(ctx context.Context, uuid, name string, port *int) {
	n.publish("guest.connected", guestEvent{UUID: uuid, Name: name, Port: port})
}

func (n *NATS) NotifyGuestMessage(ctx context.Context, uuid, name string, data []byte) {
	n.nc.Publish(n.prefix+".guest.data."+uuid, data)
}

func (n *NATS) NotifyGuestDeleted(ctx context.Context, uuid string) {
	n.publish("guest.deleted", guestEvent{UUID: uuid})
}

func (n *NATS) NotifyClientDeleted(ctx context.Context, conn net.Conn, uuid string) {
	n.publish("client.deleted", guestEvent{UUID: uuid})
}

func (n *NATS) SeedData(ctx context.Context, uuid string) ([]byte, error) {
	return nil, nil
}

func (n *NATS) Close() error {
	n.nc.Drain()
	return nil
}
