// SPDX-License-Identifier: LGPL-3.0-or-later

package identity

import (
	"crypto/sha256"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func mineWitness(t *testing.T, peer PeerID, difficulty uint32, ts uint64) Witness {
	t.Helper()
	for nonce := uint64(0); ; nonce++ {
		h := sha256.New()
		h.Write(peer[:])
		var nonceBuf, tsBuf [8]byte
		binary.LittleEndian.PutUint64(nonceBuf[:], nonce)
		binary.LittleEndian.PutUint64(tsBuf[:], ts)
		h.Write(nonceBuf[:])
		h.Write(tsBuf[:])
		sum := h.Sum(nil)
		var hash [32]byte
		copy(hash[:], sum)
		if checkDifficulty(hash, difficulty) {
			return Witness{PeerID: peer, Nonce: nonce, Timestamp: ts, Difficulty: difficulty, Hash: hash}
		}
		require.Less(t, nonce, uint64(5_000_000), "failed to mine witness within bound")
	}
}

func TestWitnessVerifyAcceptsValidProof(t *testing.T) {
	peer := PeerID{1, 2, 3}
	now := time.Now()
	w := mineWitness(t, peer, 8, uint64(now.Unix()))

	require.True(t, w.Verify(now))
}

func TestWitnessVerifyRejectsTamperedHash(t *testing.T) {
	peer := PeerID{4, 5, 6}
	now := time.Now()
	w := mineWitness(t, peer, 8, uint64(now.Unix()))
	w.Hash[0] ^= 0xFF

	require.False(t, w.Verify(now))
}

func TestWitnessVerifyRejectsFutureTimestamp(t *testing.T) {
	peer := PeerID{7, 8, 9}
	now := time.Now()
	w := mineWitness(t, peer, 0, uint64(now.Add(2*time.Hour).Unix()))

	require.False(t, w.Verify(now))
}

func TestWitnessVerifyRejectsStaleTimestamp(t *testing.T) {
	peer := PeerID{9, 9, 9}
	now := time.Now()
	w := mineWitness(t, peer, 0, uint64(now.Add(-48*time.Hour).Unix()))

	require.False(t, w.Verify(now))
}

func TestCacheTrustAndEviction(t *testing.T) {
	cache := NewCache(4)
	peer := PeerID{1}
	now := time.Now()
	w := mineWitness(t, peer, 4, uint64(now.Unix()))

	require.True(t, cache.VerifyAndCache(w, now))
	require.True(t, cache.IsTrusted(peer))

	cache.UpdateReputation(peer, -60)
	require.False(t, cache.IsTrusted(peer))

	cache.Cleanup()
	require.False(t, cache.IsTrusted(peer))
}
