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

// Package cryptosession implements the per-peer encrypted transport
// session: X25519 ephemeral key exchange, HKDF-derived directional
// AEAD and HMAC keys, framed encryption with a strictly-monotone
// send counter and replay window, and periodic key rotation with a
// short decrypt-side grace period.
package cryptosession

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/duskmesh/transport-core/identity"
	"github.com/duskmesh/transport-core/internal/metrics"
	"github.com/duskmesh/transport-core/transporterr"
)

// Suite selects the AEAD used for frame encryption. AES-256-GCM is
// preferred; ChaCha20-Poly1305 is the alternate for platforms without
// AES-NI.
type Suite int

const (
	SuiteAES256GCM Suite = iota
	SuiteChaCha20Poly1305
)

// label returns the Prometheus label value identifying this suite.
func (s Suite) label() string {
	if s == SuiteChaCha20Poly1305 {
		return "chacha20poly1305"
	}
	return "aes256gcm"
}

const (
	headerSize = 8 + 8 + 1 + 2 + 32 // counter, timestamp, type, key_version, hmac
	nonceSize  = 12
	tagSize    = 16

	// MaxMessageAge bounds how far a frame's wall-clock timestamp may
	// lag behind the receiver's clock before it is rejected as stale
	// (ErrStaleTimestamp).
	MaxMessageAge = 5 * time.Minute
	// RotationGracePeriod is how long a superseded decrypt key keeps
	// decrypting frames sent just before rotation took effect.
	RotationGracePeriod = 30 * time.Second

	// MaxClockSkew is how far into the future a frame's timestamp may
	// sit before it is rejected, tolerating senders with a fast clock.
	MaxClockSkew = time.Hour

	// DefaultReplayWindowLimit is the per-peer replay-window entry
	// ceiling above which old entries are pruned.
	DefaultReplayWindowLimit = 10000

	// DefaultRotationInterval is how long a session runs on one key
	// generation before NeedsRotation reports true.
	DefaultRotationInterval = 24 * time.Hour

	encryptInfo = "transport-encrypt"
	decryptInfo = "transport-decrypt"
	hmacInfo    = "transport-hmac"
)

// Session is one peer's live crypto session: derived keys, AEAD
// instances, and the monotone counters that guard against replay.
type Session struct {
	PeerID identity.PeerID

	// traceID correlates this session's log lines across rotation and
	// teardown; the wire format has no room for it (key_version is the
	// only generation marker peers see).
	traceID uuid.UUID

	suite Suite

	mu         sync.RWMutex
	encAEAD    cipher.AEAD
	decAEAD    cipher.AEAD
	hmacKey    []byte
	keyVersion uint16

	oldDecAEAD    cipher.AEAD
	oldHmacKey    []byte
	oldKeyVersion uint16
	oldExpiresAt  time.Time

	sendCounter uint64 // atomic

	replayMu     sync.Mutex
	replayWindow map[replayKey]time.Time

	tamperCount     int
	tamperWindow    time.Time
	onSuspectTamper func(*Session)

	replayLimit int

	createdAt      time.Time
	nextRotationAt time.Time
}

// replayKey scopes a seen send counter to the key generation it was
// sent under: counters restart at zero on rotation, so the same
// counter value is legal once per generation while the grace window
// keeps two generations live.
type replayKey struct {
	version uint16
	counter uint64
}

// keyBundle is the three HKDF-expanded keys shared by both ends of a
// session, before directional assignment.
type keyBundle struct {
	toInitiator []byte // bytes decrypted by the initiator, encrypted by the responder
	toResponder []byte // bytes decrypted by the responder, encrypted by the initiator
	hmacKey     []byte
}

// NewSession derives a session from a completed X25519 exchange.
// selfEph/peerEph are both ephemeral public keys (order-independent:
// the salt is computed over their canonical byte order so both peers
// agree), initiator is true for the side that sent the first Hello.
func NewSession(peer identity.PeerID, sharedSecret, selfEph, peerEph []byte, initiator bool, suite Suite) (*Session, error) {
	bundle, err := deriveKeyBundle(sharedSecret, selfEph, peerEph)
	if err != nil {
		return nil, err
	}

	var encKey, decKey []byte
	if initiator {
		encKey, decKey = bundle.toResponder, bundle.toInitiator
	} else {
		encKey, decKey = bundle.toInitiator, bundle.toResponder
	}

	encAEAD, err := newAEAD(suite, encKey)
	if err != nil {
		return nil, err
	}
	decAEAD, err := newAEAD(suite, decKey)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	return &Session{
		PeerID:         peer,
		traceID:        uuid.New(),
		suite:          suite,
		encAEAD:        encAEAD,
		decAEAD:        decAEAD,
		hmacKey:        bundle.hmacKey,
		keyVersion:     1,
		replayWindow:   make(map[replayKey]time.Time),
		replayLimit:    DefaultReplayWindowLimit,
		createdAt:      now,
		nextRotationAt: now.Add(DefaultRotationInterval),
	}, nil
}

// NeedsRotation reports whether now has reached this session's
// rotation deadline. The caller (cryptosession.Manager, driven by the
// coordinator) is responsible for performing a fresh key exchange and
// calling Rotate; a session cannot rotate itself.
func (s *Session) NeedsRotation(now time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !now.Before(s.nextRotationAt)
}

// SetRotationInterval overrides the default 24h rotation deadline
// (config.CryptoSessionConfig.RotationInterval).
func (s *Session) SetRotationInterval(interval time.Duration) {
	if interval <= 0 {
		return
	}
	s.mu.Lock()
	s.nextRotationAt = s.createdAt.Add(interval)
	s.mu.Unlock()
}

// SetReplayWindowLimit overrides the default replay-window pruning
// ceiling (config.CryptoSessionConfig.ReplayWindowLimit).
func (s *Session) SetReplayWindowLimit(limit int) {
	if limit <= 0 {
		return
	}
	s.replayMu.Lock()
	s.replayLimit = limit
	s.replayMu.Unlock()
}

// deriveKeyBundle runs three HKDF-SHA256 expansions over the shared
// secret, domain-separated by info string, with a salt derived from
// both ephemeral public keys in canonical (sorted) order so initiator
// and responder compute identical keys regardless of role.
func deriveKeyBundle(sharedSecret, selfEph, peerEph []byte) (*keyBundle, error) {
	lo, hi := canonicalOrder(selfEph, peerEph)
	saltHash := sha256.New()
	saltHash.Write(lo)
	saltHash.Write(hi)
	salt := saltHash.Sum(nil)

	expand := func(info string) ([]byte, error) {
		r := hkdf.New(sha256.New, sharedSecret, salt, []byte(info))
		key := make([]byte, 32)
		if _, err := io.ReadFull(r, key); err != nil {
			return nil, fmt.Errorf("cryptosession: derive %s key: %w", info, err)
		}
		return key, nil
	}

	toResponder, err := expand(encryptInfo)
	if err != nil {
		return nil, err
	}
	toInitiator, err := expand(decryptInfo)
	if err != nil {
		return nil, err
	}
	hmacKey, err := expand(hmacInfo)
	if err != nil {
		return nil, err
	}

	return &keyBundle{toInitiator: toInitiator, toResponder: toResponder, hmacKey: hmacKey}, nil
}

func canonicalOrder(a, b []byte) (lo, hi []byte) {
	if bytes.Compare(a, b) <= 0 {
		return a, b
	}
	return b, a
}

func newAEAD(suite Suite, key []byte) (cipher.AEAD, error) {
	switch suite {
	case SuiteChaCha20Poly1305:
		return chacha20poly1305.New(key)
	default:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("cryptosession: new aes cipher: %w", err)
		}
		return cipher.NewGCM(block)
	}
}

// EncryptFrame seals plaintext into a wire frame: a 51-byte
// HMAC-authenticated header, a 12-byte random nonce, then the AEAD
// ciphertext (with its tag appended).
func (s *Session) EncryptFrame(plaintext []byte, messageType byte) ([]byte, error) {
	start := time.Now()
	algorithm := s.suite.label()

	s.mu.RLock()
	aead := s.encAEAD
	keyVersion := s.keyVersion
	hmacKey := s.hmacKey
	s.mu.RUnlock()

	counter := atomic.AddUint64(&s.sendCounter, 1)
	ts := uint64(time.Now().Unix())

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		metrics.CryptoErrors.WithLabelValues("seal").Inc()
		return nil, fmt.Errorf("cryptosession: generate nonce: %w", err)
	}

	ciphertext := aead.Seal(nil, nonce, plaintext, nil)
	metrics.CryptoOperations.WithLabelValues("seal", algorithm).Inc()
	metrics.CryptoOperationDuration.WithLabelValues("seal", algorithm).Observe(time.Since(start).Seconds())

	header := make([]byte, headerSize)
	binary.BigEndian.PutUint64(header[0:8], counter)
	binary.BigEndian.PutUint64(header[8:16], ts)
	header[16] = messageType
	binary.BigEndian.PutUint16(header[17:19], keyVersion)

	mac := hmac.New(sha256.New, hmacKey)
	mac.Write(header[:19])
	mac.Write(nonce)
	mac.Write(ciphertext)
	copy(header[19:51], mac.Sum(nil))

	frame := make([]byte, 0, headerSize+nonceSize+len(ciphertext))
	frame = append(frame, header...)
	frame = append(frame, nonce...)
	frame = append(frame, ciphertext...)

	metrics.FrameSize.WithLabelValues("outbound").Observe(float64(len(frame)))
	return frame, nil
}

// DecryptFrame authenticates and opens a wire frame produced by
// EncryptFrame on the peer end. It enforces the wall-clock timestamp
// tolerance, rejects any send counter already seen under the same key
// version (counters need not arrive in order), and falls back to the
// superseded decrypt key during the post-rotation grace window.
func (s *Session) DecryptFrame(frame []byte, now time.Time) ([]byte, byte, error) {
	start := time.Now()
	defer func() {
		metrics.FrameProcessingDuration.Observe(time.Since(start).Seconds())
	}()

	if len(frame) < headerSize+nonceSize {
		metrics.FramesProcessed.WithLabelValues("too_short").Inc()
		return nil, 0, transporterr.ErrFrameTooShort
	}
	metrics.FrameSize.WithLabelValues("inbound").Observe(float64(len(frame)))

	header := frame[:headerSize]
	nonce := frame[headerSize : headerSize+nonceSize]
	ciphertext := frame[headerSize+nonceSize:]

	counter := binary.BigEndian.Uint64(header[0:8])
	ts := binary.BigEndian.Uint64(header[8:16])
	messageType := header[16]
	keyVersion := binary.BigEndian.Uint16(header[17:19])
	gotMAC := header[19:51]

	s.mu.RLock()
	hmacKey := s.hmacKey
	currentAEAD := s.decAEAD
	currentVersion := s.keyVersion
	oldAEAD := s.oldDecAEAD
	oldHmacKey := s.oldHmacKey
	oldVersion := s.oldKeyVersion
	oldExpiresAt := s.oldExpiresAt
	s.mu.RUnlock()

	// Frames from the superseded key generation authenticate under
	// that generation's HMAC key during the grace window.
	var aead cipher.AEAD
	switch {
	case keyVersion == currentVersion:
		aead = currentAEAD
	case keyVersion == oldVersion && oldAEAD != nil && now.Before(oldExpiresAt):
		aead = oldAEAD
		hmacKey = oldHmacKey
	default:
		metrics.FramesProcessed.WithLabelValues("decrypt_failed").Inc()
		return nil, 0, transporterr.ErrDecryptFailed
	}

	nowUnix := uint64(now.Unix())
	maxAge := uint64(MaxMessageAge.Seconds())
	if ts > nowUnix+uint64(MaxClockSkew.Seconds()) {
		metrics.FramesProcessed.WithLabelValues("stale").Inc()
		return nil, 0, transporterr.ErrStaleTimestamp
	}
	if nowUnix > maxAge && ts < nowUnix-maxAge {
		metrics.FramesProcessed.WithLabelValues("stale").Inc()
		return nil, 0, transporterr.ErrStaleTimestamp
	}

	mac := hmac.New(sha256.New, hmacKey)
	mac.Write(header[:19])
	mac.Write(nonce)
	mac.Write(ciphertext)
	wantMAC := mac.Sum(nil)
	if !hmac.Equal(gotMAC, wantMAC) {
		metrics.HMACValidations.WithLabelValues("invalid").Inc()
		metrics.FramesProcessed.WithLabelValues("bad_hmac").Inc()
		s.recordSuspectedTamper(now)
		return nil, 0, transporterr.ErrBadHMAC
	}
	metrics.HMACValidations.WithLabelValues("valid").Inc()

	if !s.acceptCounter(keyVersion, counter, now) {
		metrics.ReplayAttacksDetected.Inc()
		metrics.FramesProcessed.WithLabelValues("replay").Inc()
		return nil, 0, transporterr.ErrReplay
	}

	algorithm := s.suite.label()
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	metrics.CryptoOperations.WithLabelValues("open", algorithm).Inc()
	if err != nil {
		metrics.CryptoErrors.WithLabelValues("open").Inc()
		metrics.FramesProcessed.WithLabelValues("decrypt_failed").Inc()
		return nil, 0, transporterr.ErrDecryptFailed
	}

	metrics.FramesProcessed.WithLabelValues("accepted").Inc()
	return plaintext, messageType, nil
}

// acceptCounter enforces replay protection: a counter already present
// in the window (and not yet pruned) is rejected; otherwise it is
// recorded with its observation time. Fragments of one logical message
// may arrive out of order over an unreliable link, so this is a
// membership check against recently-seen counters, not a strict
// monotonicity check.
func (s *Session) acceptCounter(version uint16, counter uint64, now time.Time) bool {
	s.replayMu.Lock()
	defer s.replayMu.Unlock()

	key := replayKey{version: version, counter: counter}
	if _, seen := s.replayWindow[key]; seen {
		return false
	}
	s.replayWindow[key] = now

	if len(s.replayWindow) > s.replayLimit {
		s.pruneReplayWindowLocked(now)
	}
	return true
}

// pruneReplayWindowLocked drops entries older than MaxMessageAge. Must
// be called with replayMu held.
func (s *Session) pruneReplayWindowLocked(now time.Time) {
	for counter, seenAt := range s.replayWindow {
		if now.Sub(seenAt) > MaxMessageAge {
			delete(s.replayWindow, counter)
		}
	}
}

// Rotate derives fresh encrypt/decrypt and HMAC keys from the newly
// negotiated sharedSecret combined with the bumped key version, resets
// the send counter, and keeps the superseded decrypt and HMAC keys
// usable for RotationGracePeriod so frames already in flight still
// decrypt.
func (s *Session) Rotate(sharedSecret, selfEph, peerEph []byte, initiator bool) error {
	start := time.Now()
	defer func() {
		metrics.SessionDuration.WithLabelValues("rotate").Observe(time.Since(start).Seconds())
	}()

	s.mu.RLock()
	nextVersion := s.keyVersion + 1
	s.mu.RUnlock()

	generationSecret := make([]byte, 0, len(sharedSecret)+2)
	generationSecret = append(generationSecret, sharedSecret...)
	generationSecret = append(generationSecret, byteForVersion(nextVersion)...)
	bundle, err := deriveKeyBundle(generationSecret, selfEph, peerEph)
	if err != nil {
		metrics.SessionRotations.WithLabelValues("failure").Inc()
		return err
	}

	var encKey, decKey []byte
	if initiator {
		encKey, decKey = bundle.toResponder, bundle.toInitiator
	} else {
		encKey, decKey = bundle.toInitiator, bundle.toResponder
	}

	newEncAEAD, err := newAEAD(s.suite, encKey)
	if err != nil {
		metrics.SessionRotations.WithLabelValues("failure").Inc()
		return err
	}
	newDecAEAD, err := newAEAD(s.suite, decKey)
	if err != nil {
		metrics.SessionRotations.WithLabelValues("failure").Inc()
		return err
	}

	rotationInterval := DefaultRotationInterval

	s.mu.Lock()
	if !s.nextRotationAt.IsZero() && !s.createdAt.IsZero() {
		if interval := s.nextRotationAt.Sub(s.createdAt); interval > 0 {
			rotationInterval = interval
		}
	}
	s.oldDecAEAD = s.decAEAD
	s.oldHmacKey = s.hmacKey
	s.oldKeyVersion = s.keyVersion
	s.oldExpiresAt = time.Now().Add(RotationGracePeriod)
	s.encAEAD = newEncAEAD
	s.decAEAD = newDecAEAD
	s.hmacKey = bundle.hmacKey
	s.keyVersion++
	s.createdAt = time.Now()
	s.nextRotationAt = s.createdAt.Add(rotationInterval)
	atomic.StoreUint64(&s.sendCounter, 0)
	s.mu.Unlock()

	metrics.SessionRotations.WithLabelValues("success").Inc()
	return nil
}

func byteForVersion(v uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return b
}

// recordSuspectedTamper tracks repeated HMAC failures within a
// rolling window; reaching the threshold invokes the session's
// tamper callback (typically a full session reset by the caller).
func (s *Session) recordSuspectedTamper(now time.Time) {
	const threshold = 3
	const window = 10 * time.Second

	s.mu.Lock()
	defer s.mu.Unlock()

	if now.Sub(s.tamperWindow) > window {
		s.tamperCount = 0
		s.tamperWindow = now
	}
	s.tamperCount++

	if s.tamperCount >= threshold && s.onSuspectTamper != nil {
		s.onSuspectTamper(s)
	}
}

// OnSuspectedTamper registers a callback invoked once repeated
// authentication failures reach the tamper threshold.
func (s *Session) OnSuspectedTamper(fn func(*Session)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSuspectTamper = fn
}

// TraceID returns the session's log-correlation id, stable across
// rotations for the lifetime of the session.
func (s *Session) TraceID() string {
	return s.traceID.String()
}

// KeyVersion reports the session's current (non-grace) key version.
func (s *Session) KeyVersion() uint16 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.keyVersion
}
