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
	"sync"
	"time"
)

const (
	minTrustReputation  = -10
	evictReputationAt   = -50
	reputationFloor     = -100
	reputationCeiling   = 100
)

// Cache verifies and remembers peer witnesses so the coordinator does
// not have to re-run the proof-of-work check on every reconnect, and
// tracks a bounded reputation score per peer used to decide whether a
// previously-seen peer should still be admitted.
type Cache struct {
	mu            sync.Mutex
	minDifficulty uint32
	verified      map[PeerID]Witness
	reputation    map[PeerID]int
	seenAt        map[PeerID]time.Time
}

// NewCache creates a cache that rejects any witness weaker than minDifficulty.
func NewCache(minDifficulty uint32) *Cache {
	return &Cache{
		minDifficulty: minDifficulty,
		verified:      make(map[PeerID]Witness),
		reputation:    make(map[PeerID]int),
		seenAt:        make(map[PeerID]time.Time),
	}
}

// VerifyAndCache verifies w and, on success, remembers it with a
// neutral reputation. Returns false without caching on any failure.
func (c *Cache) VerifyAndCache(w Witness, now time.Time) bool {
	if w.Difficulty < c.minDifficulty {
		return false
	}
	if !w.Verify(now) {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.verified[w.PeerID] = w
	if _, ok := c.reputation[w.PeerID]; !ok {
		c.reputation[w.PeerID] = 0
	}
	c.seenAt[w.PeerID] = now
	return true
}

// UpdateReputation adjusts a peer's reputation by delta, clamped to
// [-100, 100].
func (c *Cache) UpdateReputation(peer PeerID, delta int) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	rep := c.reputation[peer] + delta
	if rep < reputationFloor {
		rep = reputationFloor
	}
	if rep > reputationCeiling {
		rep = reputationCeiling
	}
	c.reputation[peer] = rep
	return rep
}

// IsTrusted reports whether peer has a cached, verified witness and a
// reputation that has not dropped below the trust floor.
func (c *Cache) IsTrusted(peer PeerID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.verified[peer]; !ok {
		return false
	}
	return c.reputation[peer] >= minTrustReputation
}

// Cleanup evicts peers whose reputation has fallen below the eviction
// threshold, freeing their cached witness and reputation entry.
func (c *Cache) Cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for peer, rep := range c.reputation {
		if rep < evictReputationAt {
			delete(c.verified, peer)
			delete(c.reputation, peer)
			delete(c.seenAt, peer)
		}
	}
}
