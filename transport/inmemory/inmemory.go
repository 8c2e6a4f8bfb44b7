// Copyright (C) 2025 duskmesh
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

// Package inmemory is a mock transport.Driver for tests: it captures
// every frame sent for assertions and lets a test inject failures,
// while speaking the full Driver event-stream contract.
package inmemory

import (
	"context"
	"sync"

	"github.com/duskmesh/transport-core/identity"
	"github.com/duskmesh/transport-core/transport"
)

// Sent records one frame handed to Send, for test assertions.
type Sent struct {
	Peer  identity.PeerID
	Frame []byte
}

// Network is a shared registry connecting named Driver instances so
// that one Driver's Send delivers directly into another's event
// stream, without sockets.
type Network struct {
	mu      sync.Mutex
	drivers map[string]*Driver
}

// NewNetwork creates an empty in-memory network.
func NewNetwork() *Network {
	return &Network{drivers: make(map[string]*Driver)}
}

func (n *Network) register(address string, d *Driver) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.drivers[address] = d
}

func (n *Network) lookup(address string) (*Driver, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	d, ok := n.drivers[address]
	return d, ok
}

// Driver implements transport.Driver entirely in memory.
type Driver struct {
	self    identity.PeerID
	network *Network
	address string

	// SendFunc lets a test inject custom behavior or failures,
	// mirroring MockTransport.SendFunc. If nil, frames are delivered
	// unmodified to the peer's event stream.
	SendFunc func(ctx context.Context, peer identity.PeerID, frame []byte) error

	mu        sync.Mutex
	sent      []Sent
	peers     map[identity.PeerID]*Driver
	addresses map[identity.PeerID]string

	events chan transport.Event
	closed bool
}

// New creates a Driver identifying itself as self, attached to
// network. A nil network runs the driver in isolation (useful for
// exercising admission/queue logic without a peer).
func New(self identity.PeerID, network *Network) *Driver {
	if network == nil {
		network = NewNetwork()
	}
	return &Driver{
		self:      self,
		network:   network,
		peers:     make(map[identity.PeerID]*Driver),
		addresses: make(map[identity.PeerID]string),
		events:    make(chan transport.Event, 256),
	}
}

// Listen registers this driver under address so other drivers on the
// same Network can Connect to it.
func (d *Driver) Listen(ctx context.Context, address string) error {
	d.address = address
	d.network.register(address, d)
	return nil
}

// Connect looks address up on the shared network and establishes a
// bidirectional link, emitting Connected on both ends.
func (d *Driver) Connect(ctx context.Context, address string) (identity.PeerID, error) {
	peer, ok := d.network.lookup(address)
	if !ok {
		return identity.PeerID{}, transportNoListener(address)
	}

	d.mu.Lock()
	d.peers[peer.self] = peer
	d.addresses[peer.self] = address
	d.mu.Unlock()

	peer.mu.Lock()
	peer.peers[d.self] = d
	peer.mu.Unlock()

	d.emit(transport.Event{Kind: transport.EventConnected, Peer: peer.self})
	peer.emit(transport.Event{Kind: transport.EventConnected, Peer: d.self})
	return peer.self, nil
}

// Send hands frame directly to peer's event stream as a DataReceived
// event, recording it in Sent for assertions.
func (d *Driver) Send(ctx context.Context, peer identity.PeerID, frame []byte) error {
	d.mu.Lock()
	d.sent = append(d.sent, Sent{Peer: peer, Frame: frame})
	target, ok := d.peers[peer]
	sendFunc := d.SendFunc
	d.mu.Unlock()

	if sendFunc != nil {
		if err := sendFunc(ctx, peer, frame); err != nil {
			return err
		}
	}
	if !ok {
		return transportNotConnected(peer)
	}
	target.emit(transport.Event{Kind: transport.EventDataReceived, Peer: d.self, Bytes: frame})
	return nil
}

// Disconnect tears the link down on both ends.
func (d *Driver) Disconnect(peer identity.PeerID) error {
	d.mu.Lock()
	target, ok := d.peers[peer]
	delete(d.peers, peer)
	delete(d.addresses, peer)
	d.mu.Unlock()

	d.emit(transport.Event{Kind: transport.EventDisconnected, Peer: peer, Reason: "local disconnect"})
	if ok {
		target.mu.Lock()
		delete(target.peers, d.self)
		target.mu.Unlock()
		target.emit(transport.Event{Kind: transport.EventDisconnected, Peer: d.self, Reason: "remote disconnect"})
	}
	return nil
}

// NextEvent blocks for the next event or ctx cancellation.
func (d *Driver) NextEvent(ctx context.Context) (transport.Event, error) {
	select {
	case ev, ok := <-d.events:
		if !ok {
			return transport.Event{}, transportClosed()
		}
		return ev, nil
	case <-ctx.Done():
		return transport.Event{}, ctx.Err()
	}
}

// Events exposes the raw event channel.
func (d *Driver) Events() <-chan transport.Event {
	return d.events
}

// Close tears down every link this driver holds.
func (d *Driver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	peers := make([]identity.PeerID, 0, len(d.peers))
	for p := range d.peers {
		peers = append(peers, p)
	}
	d.mu.Unlock()

	for _, p := range peers {
		d.Disconnect(p)
	}
	close(d.events)
	return nil
}

// SentFrames returns a copy of every frame handed to Send, for test
// assertions.
func (d *Driver) SentFrames() []Sent {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Sent, len(d.sent))
	copy(out, d.sent)
	return out
}

func (d *Driver) emit(ev transport.Event) {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return
	}
	select {
	case d.events <- ev:
	default:
	}
}
