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

// Package keystore implements a password-gated, file-backed secure
// storage for transport key material: session keys, ECDH keypairs,
// HMAC keys and rotation history, each sealed behind its own
// per-entry derived key.
package keystore

import "time"

// KeyType classifies the material a KeystoreEntry holds.
type KeyType string

const (
	KeyTypeEphemeralECDH KeyType = "ecdh_ephemeral"
	KeyTypeSymmetric     KeyType = "symmetric"
	KeyTypeHMAC          KeyType = "hmac"
	KeyTypeSession       KeyType = "session"
	KeyTypeMaster        KeyType = "master"
	KeyTypeIdentity      KeyType = "identity"
)

// Metadata describes a stored key without exposing its bytes.
type Metadata struct {
	KeyType     KeyType `json:"key_type"`
	Purpose     string  `json:"purpose"`
	PeerID      string  `json:"peer_id,omitempty"`
	Version     uint32  `json:"version"`
	ExpiresAt   int64   `json:"expires_at,omitempty"`
	UsageCount  uint64  `json:"usage_count"`
	CreatedAt   int64   `json:"created_at"`
	LastAccess  int64   `json:"last_accessed"`
}

// Entry is the on-disk (and in-cache) representation of one sealed
// key: the AEAD-encrypted payload plus the per-entry salt used to
// derive its encryption key from the keystore's master key.
type Entry struct {
	KeyID         string   `json:"key_id"`
	EncryptedData []byte   `json:"encrypted_data"`
	Salt          [32]byte `json:"salt"`
	Metadata      Metadata `json:"metadata"`
}

// Config tunes keystore runtime behavior.
type Config struct {
	// EnableCache is not consulted by Manager: entry metadata and
	// ciphertext (never plaintext key bytes) are always kept resident
	// for fast repeat lookups, whatever its value.
	EnableCache bool
	// AutoFlushInterval persists the full in-memory cache to disk on
	// a timer; zero disables the background flush loop.
	AutoFlushInterval time.Duration
}

// DefaultConfig mirrors the keystore defaults used when none are
// supplied: caching on, a five-second flush tick.
func DefaultConfig() Config {
	return Config{
		EnableCache:       true,
		AutoFlushInterval: 5 * time.Second,
	}
}

// Stats reports cumulative keystore activity, readable without
// unlocking.
type Stats struct {
	KeysStored    uint64
	KeysRetrieved uint64
	KeysRotated   uint64
	CacheHits     uint64
	CacheMisses   uint64
	LastBackupAt  int64
}
