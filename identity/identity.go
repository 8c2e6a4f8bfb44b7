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

// Package identity carries peer identifiers and the proof-of-work
// witness verification predicate the crypto session layer applies
// before trusting a declared peer identity during key exchange.
// Identity *generation* (mining a witness, creating a signing key) is
// an external collaborator; this package verifies witnesses and
// long-term signatures, and signs with long-term keys it is handed.
package identity

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"time"
)

// PeerID is a 32-byte opaque routing address and key-identity name.
// Equality is bitwise.
type PeerID [32]byte

// IsZero reports whether id is the zero value.
func (id PeerID) IsZero() bool {
	return id == PeerID{}
}

const (
	futureTolerance = time.Hour
	pastTolerance   = 24 * time.Hour
)

// ErrWitnessExpired is returned when a witness timestamp falls outside
// the tolerated clock-skew window.
var ErrWitnessExpired = errors.New("identity: witness timestamp outside tolerance")

// Witness is the proof-of-work binding a PeerID to its declared public
// key material: a nonce and timestamp whose SHA-256 digest over
// (peer_id || nonce || timestamp) has at least Difficulty leading zero
// bits.
type Witness struct {
	PeerID     PeerID
	Nonce      uint64
	Timestamp  uint64
	Difficulty uint32
	Hash       [32]byte
}

// Verify checks the witness's timestamp window, recomputes its digest
// in constant time, and confirms the claimed difficulty. now is
// injected so callers (and tests) control the clock.
func (w Witness) Verify(now time.Time) bool {
	nowSec := uint64(now.Unix())
	if w.Timestamp > nowSec+uint64(futureTolerance.Seconds()) {
		return false
	}
	if nowSec > uint64(pastTolerance.Seconds()) && w.Timestamp < nowSec-uint64(pastTolerance.Seconds()) {
		return false
	}

	h := sha256.New()
	h.Write(w.PeerID[:])
	var nonceBuf, tsBuf [8]byte
	binary.LittleEndian.PutUint64(nonceBuf[:], w.Nonce)
	binary.LittleEndian.PutUint64(tsBuf[:], w.Timestamp)
	h.Write(nonceBuf[:])
	h.Write(tsBuf[:])
	computed := h.Sum(nil)

	if subtle.ConstantTimeCompare(computed, w.Hash[:]) != 1 {
		return false
	}

	return checkDifficulty(w.Hash, w.Difficulty)
}

// checkDifficulty reports whether hash has at least difficulty leading
// zero bits: full zero bytes followed by a partial masked byte.
func checkDifficulty(hash [32]byte, difficulty uint32) bool {
	requiredZeros := difficulty / 8
	remainderBits := difficulty % 8

	for i := uint32(0); i < requiredZeros; i++ {
		if i >= uint32(len(hash)) || hash[i] != 0 {
			return false
		}
	}

	if remainderBits > 0 && int(requiredZeros) < len(hash) {
		mask := byte(0xFF << (8 - remainderBits))
		if hash[requiredZeros]&mask != 0 {
			return false
		}
	}

	return true
}

// CalculateDifficulty returns the number of leading zero bits in hash,
// useful for logging an observed witness's actual strength.
func CalculateDifficulty(hash [32]byte) uint32 {
	var leading uint32
	for _, b := range hash {
		if b == 0 {
			leading += 8
			continue
		}
		for mask := byte(0x80); mask != 0 && b&mask == 0; mask >>= 1 {
			leading++
		}
		break
	}
	return leading
}
