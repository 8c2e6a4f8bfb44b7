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

// Package transport defines the capability interface every concrete
// link driver (TCP/TLS, WebSocket, in-memory mock, and the BLE
// contract) implements. The core only ever depends on this interface;
// it never touches a socket or platform Bluetooth API directly.
package transport

import (
	"context"

	"github.com/duskmesh/transport-core/identity"
)

// EventKind tags the concrete payload carried by an Event.
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventDataReceived
	EventError
)

// Event is one of the four shapes a driver's event stream carries: a
// peer attached, a peer detached, a frame arrived, or the driver hit
// an error (peer may be the zero value for a driver-wide error not
// attributable to one peer).
type Event struct {
	Kind    EventKind
	Peer    identity.PeerID
	Address string
	Bytes   []byte
	Reason  string
	Err     error
}

// Driver is the capability interface every concrete link
// implementation satisfies: listen for inbound peers, dial an
// outbound peer, send one frame, tear a link down, and stream events.
type Driver interface {
	// Listen binds address and begins accepting inbound peers,
	// surfacing them as Connected events.
	Listen(ctx context.Context, address string) error
	// Connect dials address and performs its link handshake,
	// returning the remote peer's id once established.
	Connect(ctx context.Context, address string) (identity.PeerID, error)
	// Send delivers one frame to peer, already sized to fit the
	// link's MTU. It returns once the driver has locally accepted the
	// frame, not once the remote end has acknowledged it.
	Send(ctx context.Context, peer identity.PeerID, frame []byte) error
	// Disconnect closes the link to peer and emits a Disconnected
	// event.
	Disconnect(peer identity.PeerID) error
	// NextEvent blocks until the next inbound event or ctx is
	// cancelled.
	NextEvent(ctx context.Context) (Event, error)
	// Events returns a channel-based view of the same event stream
	// NextEvent drains, for callers that prefer select-based
	// composition (the bounded queue's producer side, primarily).
	Events() <-chan Event
	// Close shuts the driver down, closing every live link.
	Close() error
}

// Name identifies a registered driver kind for the coordinator's
// priority-ordered transport list and metrics labels.
type Name string

const (
	NameTCP       Name = "tcp"
	NameWebsocket Name = "websocket"
	NameBLE       Name = "ble"
	NameInMemory  Name = "inmemory"
)
