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

package cryptosession

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/duskmesh/transport-core/identity"
	"github.com/duskmesh/transport-core/internal/logger"
	"github.com/duskmesh/transport-core/internal/metrics"
	"github.com/duskmesh/transport-core/keystore"
	"github.com/duskmesh/transport-core/transporterr"
)

// Manager owns every live per-peer Session and verifies peer identity
// witnesses before admitting a handshake. It cannot rotate a session's
// keys by itself: it only watches for sessions past their rotation
// deadline and signals the registered callback, leaving the fresh ECDH
// exchange to whichever layer drives the transport handshake (the same
// external caller that performs the initial exchange before calling
// Establish).
type Manager struct {
	mu       sync.RWMutex
	sessions map[identity.PeerID]*Session

	rotationInterval  time.Duration
	replayWindowLimit int
	identities        *identity.Cache
	ks                *keystore.Manager // optional: persists session keys for audit
	log               logger.Logger

	onRotationNeeded func(identity.PeerID)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// ManagerConfig carries the crypto-session-layer tunables from the
// application configuration (see config.CryptoSessionConfig).
type ManagerConfig struct {
	RotationInterval  time.Duration
	ReplayWindowLimit int
}

// NewManager creates a session manager. ks may be nil, in which case
// session keys are never persisted to the keystore (in-memory only).
func NewManager(cfg ManagerConfig, identities *identity.Cache, ks *keystore.Manager) *Manager {
	return &Manager{
		sessions:          make(map[identity.PeerID]*Session),
		rotationInterval:  cfg.RotationInterval,
		replayWindowLimit: cfg.ReplayWindowLimit,
		identities:        identities,
		ks:                ks,
		log:               logger.GetDefaultLogger(),
	}
}

// Establish verifies witness, then derives (or returns the existing)
// session for peer via double-checked locking so concurrent callers
// handshaking with the same peer converge on one Session.
func (m *Manager) Establish(peer identity.PeerID, witness identity.Witness, sharedSecret, selfEph, peerEph []byte, initiator bool, suite Suite) (*Session, error) {
	start := time.Now()
	role := "responder"
	if initiator {
		role = "initiator"
	}
	metrics.HandshakesInitiated.WithLabelValues(role).Inc()

	fail := func(errType string, err error) (*Session, error) {
		metrics.HandshakesFailed.WithLabelValues(errType).Inc()
		metrics.HandshakesCompleted.WithLabelValues("failure").Inc()
		metrics.SessionsCreated.WithLabelValues("failure").Inc()
		metrics.GetGlobalCollector().RecordHandshake(false, time.Since(start))
		return nil, err
	}

	if m.identities == nil {
		return fail("no_identity_cache", fmt.Errorf("cryptosession: manager has no identity cache configured"))
	}
	if !m.identities.VerifyAndCache(witness, time.Now()) {
		return fail("witness_invalid", transporterr.ErrWitnessInvalid)
	}
	if !m.identities.IsTrusted(peer) {
		return fail("witness_invalid", transporterr.ErrWitnessInvalid)
	}

	m.mu.RLock()
	if s, ok := m.sessions[peer]; ok {
		m.mu.RUnlock()
		return s, nil
	}
	m.mu.RUnlock()

	sess, err := NewSession(peer, sharedSecret, selfEph, peerEph, initiator, suite)
	if err != nil {
		return fail("key_derivation", err)
	}
	sess.OnSuspectedTamper(m.resetOnTamper)
	if m.replayWindowLimit > 0 {
		sess.SetReplayWindowLimit(m.replayWindowLimit)
	}
	if m.rotationInterval > 0 {
		sess.SetRotationInterval(m.rotationInterval)
	}

	m.mu.Lock()
	if existing, ok := m.sessions[peer]; ok {
		m.mu.Unlock()
		return existing, nil
	}
	m.sessions[peer] = sess
	m.mu.Unlock()

	elapsed := time.Since(start)
	metrics.HandshakesCompleted.WithLabelValues("success").Inc()
	metrics.HandshakeDuration.WithLabelValues("establish").Observe(elapsed.Seconds())
	metrics.SessionsCreated.WithLabelValues("success").Inc()
	metrics.SessionsActive.Inc()
	metrics.SessionDuration.WithLabelValues("establish").Observe(elapsed.Seconds())
	metrics.GetGlobalCollector().RecordHandshake(true, elapsed)

	if m.ks != nil {
		purpose := fmt.Sprintf("session key for peer generation %d", sess.KeyVersion())
		if err := m.ks.Store(sessionKeyID(peer), keystore.KeyTypeSession, purpose, peerIDString(peer), sharedSecret); err != nil {
			m.log.Warn("failed to persist session key", logger.Field{Key: "peer_id", Value: peerIDString(peer)}, logger.Field{Key: "error", Value: err.Error()})
		}
	}

	m.log.Info("crypto session established", logger.Field{Key: "peer_id", Value: peerIDString(peer)}, logger.Field{Key: "session_id", Value: sess.TraceID()})
	return sess, nil
}

// Get returns the live session for peer, if any.
func (m *Manager) Get(peer identity.PeerID) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[peer]
	return s, ok
}

// Close tears down the session for peer.
func (m *Manager) Close(peer identity.PeerID) {
	m.closeWithReason(peer, "explicit")
}

func (m *Manager) closeWithReason(peer identity.PeerID, reason string) {
	m.mu.Lock()
	_, existed := m.sessions[peer]
	delete(m.sessions, peer)
	m.mu.Unlock()

	if existed {
		metrics.SessionsClosed.WithLabelValues(reason).Inc()
		metrics.SessionsActive.Dec()
	}
}

func (m *Manager) resetOnTamper(s *Session) {
	m.log.Warn("suspected tampering, dropping session", logger.Field{Key: "peer_id", Value: peerIDString(s.PeerID)})
	m.closeWithReason(s.PeerID, "suspected_tamper")
}

// OnRotationNeeded registers the callback invoked, once per sweep,
// for every peer whose session has reached NeedsRotation. The
// manager cannot renegotiate a session by itself; the callback is
// expected to drive a fresh ECDH exchange over the peer's transport
// (the same way the initial handshake that precedes Establish is
// driven) and then call Rotate with the new shared secret.
func (m *Manager) OnRotationNeeded(fn func(identity.PeerID)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRotationNeeded = fn
}

// StartRotationWatch periodically scans every live session for
// NeedsRotation and invokes the registered OnRotationNeeded callback.
// It never calls Session.Rotate itself.
func (m *Manager) StartRotationWatch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.wg.Add(1)

	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.signalDueRotations(time.Now())
			}
		}
	}()
}

// Stop halts the rotation watch.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Manager) signalDueRotations(now time.Time) {
	m.mu.RLock()
	callback := m.onRotationNeeded
	due := make([]identity.PeerID, 0)
	for peer, sess := range m.sessions {
		if sess.NeedsRotation(now) {
			due = append(due, peer)
		}
	}
	m.mu.RUnlock()

	if callback == nil {
		return
	}
	for _, peer := range due {
		m.log.Debug("session due for rotation", logger.Field{Key: "peer_id", Value: peerIDString(peer)})
		callback(peer)
	}
}

// Rotate installs a freshly negotiated key generation for peer's live
// session. selfEph/peerEph/sharedSecret must come from a new ECDH
// exchange, not the original handshake's material. Returns
// ErrNotConnected if no session is live for peer.
func (m *Manager) Rotate(peer identity.PeerID, sharedSecret, selfEph, peerEph []byte, initiator bool) error {
	start := time.Now()

	m.mu.RLock()
	sess, ok := m.sessions[peer]
	m.mu.RUnlock()
	if !ok {
		return transporterr.ErrNotConnected
	}

	if err := sess.Rotate(sharedSecret, selfEph, peerEph, initiator); err != nil {
		return err
	}
	if m.rotationInterval > 0 {
		sess.SetRotationInterval(m.rotationInterval)
	}
	metrics.HandshakeDuration.WithLabelValues("rotate").Observe(time.Since(start).Seconds())

	m.log.Info("rotated session keys", logger.Field{Key: "peer_id", Value: peerIDString(peer)}, logger.Field{Key: "session_id", Value: sess.TraceID()}, logger.Field{Key: "version", Value: sess.KeyVersion()})
	return nil
}

func sessionKeyID(peer identity.PeerID) string {
	return "session_" + peerIDString(peer)
}

func peerIDString(peer identity.PeerID) string {
	const hexDigits = "0123456789abcdef"
	buf := make([]byte, len(peer)*2)
	for i, b := range peer {
		buf[i*2] = hexDigits[b>>4]
		buf[i*2+1] = hexDigits[b&0x0f]
	}
	return string(buf)
}
