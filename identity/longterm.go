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

package identity

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"math/big"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// LongTermAlgorithm names the signing algorithm a peer's persistent
// identity key uses. The witness proof-of-work binds a PeerID to its
// declared key material; LongTermKey is what actually signs that
// material, separate from and outliving any one crypto session.
type LongTermAlgorithm byte

const (
	LongTermEd25519   LongTermAlgorithm = 0
	LongTermSecp256k1 LongTermAlgorithm = 1
)

// ErrUnknownLongTermAlgorithm is returned when a peer advertises a
// LongTermAlgorithm value this build does not recognize.
var ErrUnknownLongTermAlgorithm = errors.New("identity: unknown long-term signing algorithm")

// ErrInvalidLongTermSignature is returned when a signature fails to
// verify or is malformed for its claimed algorithm.
var ErrInvalidLongTermSignature = errors.New("identity: invalid long-term signature")

// LongTermKey signs the long-term identity binding (public key ->
// PeerID) independent of the session layer's ephemeral ECDH keys.
type LongTermKey interface {
	Algorithm() LongTermAlgorithm
	Sign(message []byte) ([]byte, error)
	PublicKey() []byte
}

// VerifyLongTerm verifies a signature produced by the matching
// LongTermKey implementation, given the claimed public key bytes.
func VerifyLongTerm(alg LongTermAlgorithm, publicKey, message, signature []byte) (bool, error) {
	switch alg {
	case LongTermEd25519:
		if len(publicKey) != ed25519.PublicKeySize {
			return false, errors.New("identity: invalid ed25519 public key length")
		}
		return ed25519.Verify(ed25519.PublicKey(publicKey), message, signature), nil
	case LongTermSecp256k1:
		pub, err := secp256k1.ParsePubKey(publicKey)
		if err != nil {
			return false, err
		}
		r, s, err := deserializeSignature(signature)
		if err != nil {
			return false, err
		}
		hash := sha256.Sum256(message)
		return ecdsa.Verify(pub.ToECDSA(), hash[:], r, s), nil
	default:
		return false, ErrUnknownLongTermAlgorithm
	}
}

// ed25519LongTermKey is the default long-term signing key.
type ed25519LongTermKey struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewEd25519LongTermKey wraps an existing Ed25519 private key as a
// LongTermKey.
func NewEd25519LongTermKey(priv ed25519.PrivateKey) LongTermKey {
	return &ed25519LongTermKey{priv: priv, pub: priv.Public().(ed25519.PublicKey)}
}

func (k *ed25519LongTermKey) Algorithm() LongTermAlgorithm { return LongTermEd25519 }
func (k *ed25519LongTermKey) PublicKey() []byte            { return append([]byte(nil), k.pub...) }
func (k *ed25519LongTermKey) Sign(message []byte) ([]byte, error) {
	return ed25519.Sign(k.priv, message), nil
}

// secp256k1LongTermKey is the alternate long-term signing key, offered
// alongside Ed25519 for peers whose operators want ECDSA-on-secp256k1
// identity material (e.g. to reuse key custody tooling built around
// that curve).
type secp256k1LongTermKey struct {
	priv *secp256k1.PrivateKey
}

// NewSecp256k1LongTermKey wraps an existing secp256k1 private key as a
// LongTermKey.
func NewSecp256k1LongTermKey(priv *secp256k1.PrivateKey) LongTermKey {
	return &secp256k1LongTermKey{priv: priv}
}

func (k *secp256k1LongTermKey) Algorithm() LongTermAlgorithm { return LongTermSecp256k1 }
func (k *secp256k1LongTermKey) PublicKey() []byte {
	return k.priv.PubKey().SerializeCompressed()
}

func (k *secp256k1LongTermKey) Sign(message []byte) ([]byte, error) {
	hash := sha256.Sum256(message)
	r, s, err := ecdsa.Sign(rand.Reader, k.priv.ToECDSA(), hash[:])
	if err != nil {
		return nil, err
	}
	return serializeSignature(r, s), nil
}

// serializeSignature packs r and s into a fixed 64-byte r||s encoding.
func serializeSignature(r, s *big.Int) []byte {
	sig := make([]byte, 64)
	rBytes := r.Bytes()
	sBytes := s.Bytes()
	copy(sig[32-len(rBytes):32], rBytes)
	copy(sig[64-len(sBytes):64], sBytes)
	return sig
}

// deserializeSignature unpacks a fixed 64-byte r||s encoding.
func deserializeSignature(data []byte) (*big.Int, *big.Int, error) {
	if len(data) != 64 {
		return nil, nil, ErrInvalidLongTermSignature
	}
	r := new(big.Int).SetBytes(data[:32])
	s := new(big.Int).SetBytes(data[32:])
	return r, s, nil
}
