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

// Package tcp is the default wide-area transport.Driver: raw TCP with
// u32 big-endian length-prefixed framing, a Hello handshake that
// exchanges peer ids, and a one-byte keepalive frame (payload [0]).
package tcp

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/duskmesh/transport-core/identity"
	"github.com/duskmesh/transport-core/transport"
)

const (
	helloVersion = 1

	// MaxFrameLength bounds a single length-prefixed frame, guarding
	// against a corrupt or hostile length field driving an unbounded
	// allocation.
	MaxFrameLength = 1 << 20 // 1 MiB

	dialTimeout  = 10 * time.Second
	writeTimeout = 10 * time.Second
	readTimeout  = 90 * time.Second

	eventChanBuffer = 256
)

// keepaliveFrame is the sentinel single-byte payload a live link
// sends to hold a connection open across idle periods: length=1,
// payload=[0].
var keepaliveFrame = []byte{0}

type link struct {
	conn    net.Conn
	reader  *bufio.Reader
	peer    identity.PeerID
	writeMu sync.Mutex
}

// Driver implements transport.Driver over raw TCP.
type Driver struct {
	self     identity.PeerID
	listener net.Listener

	mu    sync.RWMutex
	links map[identity.PeerID]*link

	events chan transport.Event
}

// New creates a TCP driver identifying itself as self during the
// Hello handshake.
func New(self identity.PeerID) *Driver {
	return &Driver{
		self:   self,
		links:  make(map[identity.PeerID]*link),
		events: make(chan transport.Event, eventChanBuffer),
	}
}

// Listen binds address and accepts inbound connections until Close.
func (d *Driver) Listen(ctx context.Context, address string) error {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("tcp: listen %s: %w", address, err)
	}
	d.listener = ln

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				if _, err := d.completeHandshake(conn); err != nil {
					d.emit(transport.Event{Kind: transport.EventError, Err: err})
				}
			}()
		}
	}()
	return nil
}

// Connect dials address and performs the Hello handshake.
func (d *Driver) Connect(ctx context.Context, address string) (identity.PeerID, error) {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return identity.PeerID{}, fmt.Errorf("tcp: dial %s: %w", address, err)
	}
	return d.completeHandshake(conn)
}

func (d *Driver) completeHandshake(conn net.Conn) (identity.PeerID, error) {
	hello := make([]byte, 1+len(identity.PeerID{}))
	hello[0] = helloVersion
	copy(hello[1:], d.self[:])

	if err := writeFrame(conn, writeTimeout, hello); err != nil {
		conn.Close()
		return identity.PeerID{}, fmt.Errorf("tcp: send hello: %w", err)
	}

	reader := bufio.NewReader(conn)
	data, err := readFrame(conn, reader, readTimeout)
	if err != nil {
		conn.Close()
		return identity.PeerID{}, fmt.Errorf("tcp: read hello: %w", err)
	}
	if len(data) != 1+len(identity.PeerID{}) || data[0] != helloVersion {
		conn.Close()
		return identity.PeerID{}, fmt.Errorf("tcp: hello version mismatch")
	}

	var peer identity.PeerID
	copy(peer[:], data[1:])

	l := &link{conn: conn, reader: reader, peer: peer}
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
		data, err := readFrame(l.conn, l.reader, readTimeout)
		if err != nil {
			return
		}
		if len(data) == len(keepaliveFrame) && data[0] == keepaliveFrame[0] {
			continue
		}
		d.emit(transport.Event{Kind: transport.EventDataReceived, Peer: l.peer, Bytes: data})
	}
}

// Send writes one length-prefixed frame to peer.
func (d *Driver) Send(ctx context.Context, peer identity.PeerID, frame []byte) error {
	d.mu.RLock()
	l, ok := d.links[peer]
	d.mu.RUnlock()
	if !ok {
		return fmt.Errorf("tcp: no link to peer")
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return writeFrame(l.conn, writeTimeout, frame)
}

// Keepalive sends the one-byte keepalive frame to peer.
func (d *Driver) Keepalive(peer identity.PeerID) error {
	d.mu.RLock()
	l, ok := d.links[peer]
	d.mu.RUnlock()
	if !ok {
		return fmt.Errorf("tcp: no link to peer")
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return writeFrame(l.conn, writeTimeout, keepaliveFrame)
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

// Events exposes the event stream.
func (d *Driver) Events() <-chan transport.Event {
	return d.events
}

// Close shuts the driver down.
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
	if d.listener != nil {
		return d.listener.Close()
	}
	return nil
}

func (d *Driver) emit(ev transport.Event) {
	select {
	case d.events <- ev:
	default:
	}
}

func writeFrame(conn net.Conn, timeout time.Duration, payload []byte) error {
	if len(payload) > MaxFrameLength {
		return fmt.Errorf("tcp: frame length %d exceeds max %d", len(payload), MaxFrameLength)
	}
	_ = conn.SetWriteDeadline(time.Now().Add(timeout))
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := conn.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := conn.Write(payload)
	return err
}

func readFrame(conn net.Conn, r *bufio.Reader, timeout time.Duration) ([]byte, error) {
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	var lenBuf [4]byte
	if _, err := readFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxFrameLength {
		return nil, fmt.Errorf("tcp: peer frame length %d exceeds max %d", n, MaxFrameLength)
	}
	payload := make([]byte, n)
	if _, err := readFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
