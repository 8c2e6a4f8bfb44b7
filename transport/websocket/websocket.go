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

// Package websocket is a transport.Driver for links that must
// traverse HTTP-aware middleboxes and NATs: a WebSocket upgrade, a
// read-loop goroutine per connection, and a write mutex, carrying
// opaque ciphertext frames as binary messages.
package websocket

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	gorilla "github.com/gorilla/websocket"

	"github.com/duskmesh/transport-core/identity"
	"github.com/duskmesh/transport-core/transport"
)

const (
	helloVersion     = 1
	dialTimeout      = 30 * time.Second
	writeTimeout     = 10 * time.Second
	readTimeout      = 60 * time.Second
	eventChanBuffer  = 256
)

// link is one live WebSocket connection, keyed by the remote peer id
// once its Hello has been exchanged.
type link struct {
	conn    *gorilla.Conn
	peer    identity.PeerID
	writeMu sync.Mutex
}

// Driver implements transport.Driver over WebSocket connections.
type Driver struct {
	upgrader gorilla.Upgrader
	server   *http.Server

	mu    sync.RWMutex
	links map[identity.PeerID]*link

	events chan transport.Event
	self   identity.PeerID
}

// New creates a WebSocket driver that identifies itself as self
// during the Hello handshake.
func New(self identity.PeerID) *Driver {
	return &Driver{
		upgrader: gorilla.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		links:  make(map[identity.PeerID]*link),
		events: make(chan transport.Event, eventChanBuffer),
		self:   self,
	}
}

// Listen starts an HTTP server at address that upgrades every request
// on "/" to a WebSocket and performs the Hello handshake.
func (d *Driver) Listen(ctx context.Context, address string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := d.upgrader.Upgrade(w, r, nil)
		if err != nil {
			d.emit(transport.Event{Kind: transport.EventError, Err: err})
			return
		}
		d.completeHandshake(conn, false)
	})

	d.server = &http.Server{Addr: address, Handler: mux}
	ln := d.server
	go func() {
		if err := ln.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			d.emit(transport.Event{Kind: transport.EventError, Err: err})
		}
	}()
	return nil
}

// Connect dials address as a WebSocket client and performs the Hello
// handshake, returning the remote peer's id.
func (d *Driver) Connect(ctx context.Context, address string) (identity.PeerID, error) {
	dialer := &gorilla.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.DialContext(ctx, address, nil)
	if err != nil {
		return identity.PeerID{}, fmt.Errorf("websocket: dial %s: %w", address, err)
	}
	return d.completeHandshake(conn, true)
}

// completeHandshake exchanges a 1-byte version + 32-byte peer id
// Hello in both directions, registers the resulting link, and starts
// its read loop.
func (d *Driver) completeHandshake(conn *gorilla.Conn, initiator bool) (identity.PeerID, error) {
	hello := make([]byte, 1+len(identity.PeerID{}))
	hello[0] = helloVersion
	copy(hello[1:], d.self[:])

	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(gorilla.BinaryMessage, hello); err != nil {
		conn.Close()
		return identity.PeerID{}, fmt.Errorf("websocket: send hello: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return identity.PeerID{}, fmt.Errorf("websocket: read hello: %w", err)
	}
	if len(data) != 1+len(identity.PeerID{}) || data[0] != helloVersion {
		conn.Close()
		return identity.PeerID{}, transportVersionMismatch()
	}

	var peer identity.PeerID
	copy(peer[:], data[1:])

	l := &link{conn: conn, peer: peer}
	d.mu.Lock()
	d.links[peer] = l
	d.mu.Unlock()

	go d.readLoop(l)

	d.emit(transport.Event{Kind: transport.EventConnected, Peer: peer})
	return peer, nil
}

func (d *Driver) readLoop(l *link) {
	defer func() {
		d.mu.Lock()
		delete(d.links, l.peer)
		d.mu.Unlock()
		l.conn.Close()
		d.emit(transport.Event{Kind: transport.EventDisconnected, Peer: l.peer, Reason: "read loop ended"})
	}()

	for {
		_ = l.conn.SetReadDeadline(time.Now().Add(readTimeout))
		kind, data, err := l.conn.ReadMessage()
		if err != nil {
			return
		}
		if kind != gorilla.BinaryMessage {
			continue
		}
		d.emit(transport.Event{Kind: transport.EventDataReceived, Peer: l.peer, Bytes: data})
	}
}

// Send writes one binary frame to peer.
func (d *Driver) Send(ctx context.Context, peer identity.PeerID, frame []byte) error {
	d.mu.RLock()
	l, ok := d.links[peer]
	d.mu.RUnlock()
	if !ok {
		return fmt.Errorf("websocket: no link to peer")
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_ = l.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return l.conn.WriteMessage(gorilla.BinaryMessage, frame)
}

// Disconnect closes the link to peer.
func (d *Driver) Disconnect(peer identity.PeerID) error {
	d.mu.Lock()
	l, ok := d.links[peer]
	delete(d.links, peer)
	d.mu.Unlock()
	if !ok {
		return nil
	}
	err := l.conn.Close()
	d.emit(transport.Event{Kind: transport.EventDisconnected, Peer: peer, Reason: "local disconnect"})
	return err
}

// NextEvent blocks for the next event or ctx cancellation.
func (d *Driver) NextEvent(ctx context.Context) (transport.Event, error) {
	select {
	case ev := <-d.events:
		return ev, nil
	case <-ctx.Done():
		return transport.Event{}, ctx.Err()
	}
}

// Events exposes the event stream for select-based composition.
func (d *Driver) Events() <-chan transport.Event {
	return d.events
}

// Close shuts the driver down, closing every live link and the HTTP
// server if one was started via Listen.
func (d *Driver) Close() error {
	d.mu.Lock()
	links := make([]*link, 0, len(d.links))
	for _, l := range d.links {
		links = append(links, l)
	}
	d.links = make(map[identity.PeerID]*link)
	d.mu.Unlock()

	for _, l := range links {
		l.conn.Close()
	}
	if d.server != nil {
		return d.server.Close()
	}
	return nil
}

func (d *Driver) emit(ev transport.Event) {
	select {
	case d.events <- ev:
	default:
		// Event channel full: drop rather than block the read loop;
		// the bounded queue upstream is the backpressure point, not
		// this internal buffer.
	}
}

func transportVersionMismatch() error {
	return fmt.Errorf("websocket: hello version mismatch")
}
