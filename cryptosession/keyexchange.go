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
	stdecdh "crypto/ecdh"
	"crypto/rand"
	"fmt"

	"github.com/cloudflare/circl/dh/x25519"
)

// ECDHProvider selects which X25519 implementation performs the
// ephemeral key exchange. Both produce standard X25519 shared
// secrets and interoperate on the wire; the provider only changes
// which code path computes them locally.
type ECDHProvider int

const (
	// ECDHStdlib uses Go's crypto/ecdh, the default.
	ECDHStdlib ECDHProvider = iota
	// ECDHCircl uses cloudflare/circl's constant-time x25519
	// implementation, selectable when a peer's negotiated cipher
	// suite prefers it.
	ECDHCircl
)

// EphemeralKeyPair holds one side's ephemeral X25519 keypair.
type EphemeralKeyPair struct {
	Provider ECDHProvider
	Public   []byte
	private  []byte
}

// GenerateEphemeral creates a fresh ephemeral X25519 keypair using the
// requested provider.
func GenerateEphemeral(provider ECDHProvider) (*EphemeralKeyPair, error) {
	switch provider {
	case ECDHCircl:
		var pub, priv x25519.Key
		if _, err := rand.Read(priv[:]); err != nil {
			return nil, fmt.Errorf("cryptosession: generate circl private key: %w", err)
		}
		x25519.KeyGen(&pub, &priv)
		return &EphemeralKeyPair{Provider: provider, Public: append([]byte(nil), pub[:]...), private: append([]byte(nil), priv[:]...)}, nil

	default:
		priv, err := stdecdh.X25519().GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("cryptosession: generate x25519 private key: %w", err)
		}
		return &EphemeralKeyPair{Provider: provider, Public: priv.PublicKey().Bytes(), private: priv.Bytes()}, nil
	}
}

// SharedSecret computes the X25519 shared secret with peerPublic
// using the same provider the keypair was generated with.
func (k *EphemeralKeyPair) SharedSecret(peerPublic []byte) ([]byte, error) {
	switch k.Provider {
	case ECDHCircl:
		if len(peerPublic) != x25519.Size {
			return nil, fmt.Errorf("cryptosession: invalid circl peer public key length %d", len(peerPublic))
		}
		var priv, pub, shared x25519.Key
		copy(priv[:], k.private)
		copy(pub[:], peerPublic)
		if !x25519.Shared(&shared, &priv, &pub) {
			return nil, fmt.Errorf("cryptosession: circl x25519 produced a low-order point")
		}
		return append([]byte(nil), shared[:]...), nil

	default:
		priv, err := stdecdh.X25519().NewPrivateKey(k.private)
		if err != nil {
			return nil, fmt.Errorf("cryptosession: load x25519 private key: %w", err)
		}
		peerKey, err := stdecdh.X25519().NewPublicKey(peerPublic)
		if err != nil {
			return nil, fmt.Errorf("cryptosession: parse peer public key: %w", err)
		}
		secret, err := priv.ECDH(peerKey)
		if err != nil {
			return nil, fmt.Errorf("cryptosession: compute shared secret: %w", err)
		}
		return secret, nil
	}
}
