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

// Package coordinator wires the crypto session, fragmenter/MTU cache,
// bounded queue, and transport drivers together behind one admission-
// and circuit-breaker-gated entry point.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/duskmesh/transport-core/config"
	"github.com/duskmesh/transport-core/cryptosession"
	"github.com/duskmesh/transport-core/fragment"
	"github.com/duskmesh/transport-core/identity"
	"github.com/duskmesh/transport-core/internal/logger"
	"github.com/duskmesh/transport-core/internal/metrics"
	"github.com/duskmesh/transport-core/queue"
	"github.com/duskmesh/transport-core/transport"
	"github.com/duskmesh/transport-core/transporterr"
)

// Inbound is one fully reassembled, decrypted application message
// delivered to the core consumer via Coordinator.Inbound().
type Inbound struct {
	Peer    identity.PeerID
	MsgType byte
	Payload []byte
}

// registeredTransport pairs a driver with its failover priority rank
// (higher runs first, all else equal).
type registeredTransport struct {
	name     transport.Name
	driver   transport.Driver
	priority int
}

// peerLink tracks which transports a peer is currently reachable
// over, and the dialed address on each.
type peerLink struct {
	mu         sync.Mutex
	transports map[transport.Name]string // transport name -> dialed address
}

// Config bundles the coordinator's tunables, normally sourced from
// config.CoordinatorConfig.
type Config struct {
	Admission       config.AdmissionConfig
	CircuitBreaker  config.CircuitBreakerConfig
	Reconnect       config.ReconnectConfig
	ConnectTimeout  time.Duration
	FailoverTimeout time.Duration
	// RotationCheckInterval is how often the coordinator polls
	// cryptosession.Manager for sessions past their rotation
	// deadline. Defaults to one minute.
	RotationCheckInterval time.Duration
}

// Coordinator is the transport-agnostic entry point: Connect admits
// and dials, Send fragments/encrypts/selects/fails-over, and the
// background dispatch loop reassembles inbound frames into Inbound
// messages on the bounded queue.
type Coordinator struct {
	cfg Config

	sessions *cryptosession.Manager
	mtu      *fragment.MTUCache
	reasm    *fragment.Reassembler

	admission *admission
	health    *healthTable
	reconnect *reconnectScheduler
	log       logger.Logger

	mu         sync.RWMutex
	transports []registeredTransport
	circuits   map[string]*circuitBreaker // keyed by remote address
	links      map[identity.PeerID]*peerLink

	inbound *queue.Queue[Inbound]

	// rotationNeeded carries peers whose crypto session has reached
	// its rotation deadline, surfaced upward because the coordinator
	// cannot renegotiate a session's keys by itself.
	rotationNeeded chan identity.PeerID

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Coordinator. sessions and mtu must already be
// configured by the caller (they are shared with the rest of the
// application, e.g. for a directly-driven handshake outside the
// coordinator's Connect path).
func New(cfg Config, sessions *cryptosession.Manager, mtu *fragment.MTUCache, inbound *queue.Queue[Inbound]) *Coordinator {
	c := &Coordinator{
		cfg:            cfg,
		sessions:       sessions,
		mtu:            mtu,
		reasm:          fragment.NewReassembler(fragment.DefaultReassemblyTimeout),
		admission:      newAdmission(cfg.Admission),
		health:         newHealthTable(),
		reconnect:      newReconnectScheduler(cfg.Reconnect),
		log:            logger.GetDefaultLogger(),
		circuits:       make(map[string]*circuitBreaker),
		links:          make(map[identity.PeerID]*peerLink),
		inbound:        inbound,
		rotationNeeded: make(chan identity.PeerID, 64),
	}
	if sessions != nil {
		sessions.OnRotationNeeded(c.emitRotationNeeded)
	}
	return c
}

// RotationNeeded exposes the stream of peers whose session has
// reached its rotation deadline. The application (or a dedicated
// rotation worker) reads from this channel, performs a fresh ECDH
// exchange with the peer, and calls RotateSession with the result.
func (c *Coordinator) RotationNeeded() <-chan identity.PeerID {
	return c.rotationNeeded
}

func (c *Coordinator) emitRotationNeeded(peer identity.PeerID) {
	select {
	case c.rotationNeeded <- peer:
	default:
		c.log.Warn("rotation-needed channel full, dropping signal", logger.Field{Key: "peer_id", Value: fmt.Sprintf("%x", peer)})
	}
}

// RotateSession installs a freshly negotiated key generation for
// peer's live session once the caller has completed a new ECDH
// exchange in response to a RotationNeeded signal.
func (c *Coordinator) RotateSession(peer identity.PeerID, sharedSecret, selfEph, peerEph []byte, initiator bool) error {
	return c.sessions.Rotate(peer, sharedSecret, selfEph, peerEph, initiator)
}

// RegisterTransport adds a driver to the failover pool at the given
// priority rank and starts pumping its event stream into the
// coordinator's dispatch loop. Higher ranks run first: selection
// orders candidates by rank + health score * 0.5 descending, so a
// healthier link overtakes a same-rank sibling but never jumps a full
// rank on score alone.
func (c *Coordinator) RegisterTransport(name transport.Name, driver transport.Driver, priority int) {
	c.mu.Lock()
	c.transports = append(c.transports, registeredTransport{name: name, driver: driver, priority: priority})
	c.mu.Unlock()

	c.health.setPriority(name, priority)

	if c.cancel != nil {
		c.wg.Add(1)
		go c.pumpEvents(c.ctx, name, driver)
	}
}

// Start begins the background event-pump and admission-trim loops.
// RegisterTransport calls made before Start are picked up; calls made
// after Start spawn their own pump goroutine immediately.
func (c *Coordinator) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.ctx = ctx
	c.cancel = cancel

	c.mu.RLock()
	transports := append([]registeredTransport(nil), c.transports...)
	c.mu.RUnlock()

	for _, rt := range transports {
		c.wg.Add(1)
		go c.pumpEvents(ctx, rt.name, rt.driver)
	}

	c.wg.Add(2)
	go c.runAdmissionTrim(ctx)
	go c.runReconnectLoop(ctx)

	if c.sessions != nil {
		interval := c.cfg.RotationCheckInterval
		if interval <= 0 {
			interval = time.Minute
		}
		c.sessions.StartRotationWatch(ctx, interval)
	}
}

// Stop halts every background loop and event pump.
func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	if c.sessions != nil {
		c.sessions.Stop()
	}
}

func (c *Coordinator) runAdmissionTrim(ctx context.Context) {
	defer c.wg.Done()
	interval := c.cfg.Admission.TrimInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.admission.trim(time.Now())
			c.reasm.Sweep(time.Now())
		}
	}
}

func (c *Coordinator) pumpEvents(ctx context.Context, name transport.Name, driver transport.Driver) {
	defer c.wg.Done()
	events := driver.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.handleEvent(name, ev)
		}
	}
}

func (c *Coordinator) handleEvent(name transport.Name, ev transport.Event) {
	switch ev.Kind {
	case transport.EventConnected:
		c.linkFor(ev.Peer).setTransport(name, ev.Address, true)
	case transport.EventDisconnected:
		c.linkFor(ev.Peer).setTransport(name, "", false)
		c.admission.recordDisconnected(ev.Peer)
		c.reconnect.scheduleIfUnderLimit(ev.Peer, ev.Address, time.Now())
	case transport.EventDataReceived:
		c.handleData(ev.Peer, ev.Bytes)
	case transport.EventError:
		c.log.Warn("transport error", logger.Field{Key: "transport", Value: string(name)}, logger.Field{Key: "error", Value: fmt.Sprint(ev.Err)})
	}
}

func (c *Coordinator) handleData(peer identity.PeerID, frame []byte) {
	sess, ok := c.sessions.Get(peer)
	if !ok {
		c.log.Debug("data from peer with no session", logger.Field{Key: "peer_id", Value: fmt.Sprintf("%x", peer)})
		return
	}

	plaintext, msgType, err := sess.DecryptFrame(frame, time.Now())
	if err != nil {
		// Frame-level crypto failures are dropped, never surfaced,
		// per the error handling taxonomy (metric only).
		return
	}

	if fragment.LooksLikeFragment(plaintext) {
		full, done, err := c.reasm.Add(peer, plaintext, time.Now())
		if err != nil || !done {
			return
		}
		plaintext = full
	}

	if err := c.inbound.Send(Inbound{Peer: peer, MsgType: msgType, Payload: plaintext}); err != nil {
		c.log.Warn("inbound queue rejected message", logger.Field{Key: "error", Value: err.Error()})
	}
}

func (c *Coordinator) linkFor(peer identity.PeerID) *peerLink {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.links[peer]
	if !ok {
		l = &peerLink{transports: make(map[transport.Name]string)}
		c.links[peer] = l
	}
	return l
}

func (l *peerLink) setTransport(name transport.Name, address string, up bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if up {
		l.transports[name] = address
	} else {
		delete(l.transports, name)
	}
}

func (l *peerLink) available() []transport.Name {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]transport.Name, 0, len(l.transports))
	for name := range l.transports {
		out = append(out, name)
	}
	return out
}

func (l *peerLink) addressFor(name transport.Name) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	address, ok := l.transports[name]
	return address, ok
}

// circuitFor returns (creating if necessary) the breaker for a single
// remote address. Breakers are keyed by address, not transport
// identity, so a bad run of failures dialing one peer's address never
// trips the breaker for other peers sharing the same transport.
func (c *Coordinator) circuitFor(address string) *circuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	cb, ok := c.circuits[address]
	if !ok {
		cb = newCircuitBreaker(c.cfg.CircuitBreaker)
		c.circuits[address] = cb
	}
	return cb
}

// Connect admits and dials peer at address over the transport named
// via, registering the resulting link for future Send/failover.
func (c *Coordinator) Connect(ctx context.Context, via transport.Name, peer identity.PeerID, address string) error {
	now := time.Now()
	if err := c.admission.check(peer, now); err != nil {
		return err
	}

	driver, ok := c.lookupTransport(via)
	if !ok {
		return fmt.Errorf("coordinator: transport %q not registered", via)
	}
	circuit := c.circuitFor(address)

	if allowed, err := circuit.allow(now); !allowed {
		c.admission.recordFailure(peer, now)
		return err
	}

	timeout := c.cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	connectedPeer, err := driver.Connect(dialCtx, address)
	if err != nil {
		circuit.recordFailure(now)
		c.admission.recordFailure(peer, now)
		return transporterr.ErrConnectFailed
	}
	if connectedPeer != peer {
		driver.Disconnect(connectedPeer)
		return transporterr.ErrVersionMismatch
	}

	circuit.recordSuccess(now)
	c.admission.recordConnected(peer)
	c.linkFor(peer).setTransport(via, address, true)
	return nil
}

func (c *Coordinator) lookupTransport(name transport.Name) (transport.Driver, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, rt := range c.transports {
		if rt.name == name {
			return rt.driver, true
		}
	}
	return nil, false
}

// Send encrypts payload for peer (fragmenting if it exceeds the
// peer's effective MTU) and delivers it over the best available
// transport, failing over to the next-best on a transient transport
// error.
func (c *Coordinator) Send(ctx context.Context, peer identity.PeerID, payload []byte, msgType byte) error {
	sess, ok := c.sessions.Get(peer)
	if !ok {
		return transporterr.ErrNotConnected
	}

	available := c.linkFor(peer).available()
	if len(available) == 0 {
		return transporterr.ErrNotConnected
	}

	mtuBytes := c.mtu.Get(peer, time.Now())
	fragments, err := fragment.Split(payload, mtuBytes)
	if err != nil {
		return err
	}

	for _, inner := range fragments {
		frame, err := sess.EncryptFrame(inner, msgType)
		if err != nil {
			return err
		}
		if err := c.sendFrameWithFailover(ctx, peer, frame, available); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) sendFrameWithFailover(ctx context.Context, peer identity.PeerID, frame []byte, available []transport.Name) error {
	ordered := c.health.ordered(available, pidKey(peer))
	link := c.linkFor(peer)

	var lastErr error
	for _, name := range ordered {
		driver, ok := c.lookupTransport(name)
		if !ok {
			continue
		}
		address, ok := link.addressFor(name)
		if !ok {
			continue
		}
		circuit := c.circuitFor(address)
		now := time.Now()
		if allowed, err := circuit.allow(now); !allowed {
			lastErr = err
			continue
		}

		timeout := c.cfg.FailoverTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		sendCtx, cancel := context.WithTimeout(ctx, timeout)
		start := time.Now()
		err := driver.Send(sendCtx, peer, frame)
		elapsed := time.Since(start)
		cancel()

		if err == nil {
			circuit.recordSuccess(now)
			c.health.recordSuccess(name, pidKey(peer), float64(elapsed.Milliseconds()), now)
			metrics.TransportSendResult.WithLabelValues(string(name), "success").Inc()
			metrics.TransportLatency.WithLabelValues(string(name)).Observe(elapsed.Seconds())
			metrics.GetGlobalCollector().RecordSend(true, elapsed)
			return nil
		}

		circuit.recordFailure(now)
		c.health.recordFailure(name, pidKey(peer), now)
		metrics.TransportSendResult.WithLabelValues(string(name), "failure").Inc()
		metrics.GetGlobalCollector().RecordSend(false, elapsed)
		lastErr = err
	}

	if lastErr == nil {
		lastErr = transporterr.ErrSendFailed
	}
	return fmt.Errorf("%w: %v", transporterr.ErrSendFailed, lastErr)
}

// Disconnect tears a peer's link down across every transport it is
// currently reachable over.
func (c *Coordinator) Disconnect(peer identity.PeerID) {
	link := c.linkFor(peer)
	for _, name := range link.available() {
		if driver, ok := c.lookupTransport(name); ok {
			driver.Disconnect(peer)
		}
	}
	c.admission.recordDisconnected(peer)
	c.sessions.Close(peer)
}

// Inbound exposes the bounded queue of reassembled, decrypted
// messages for the application's single synchronous consumer.
func (c *Coordinator) Inbound() *queue.Queue[Inbound] {
	return c.inbound
}
