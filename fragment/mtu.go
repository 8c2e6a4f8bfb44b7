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

package fragment

import (
	"sync"
	"time"

	"github.com/duskmesh/transport-core/identity"
	"github.com/duskmesh/transport-core/internal/metrics"
)

// ProbeFunc attempts to push a dummy frame of size bytes over a
// transport and reports whether the link accepted it. Supplied by the
// transport driver; the fragment package never touches sockets
// directly.
type ProbeFunc func(size int) bool

// cachedMTU is one peer's discovered-MTU cache entry.
type cachedMTU struct {
	mtuBytes       int
	probedAt       time.Time
	lastVerifiedAt time.Time
	probeCount     int
}

// MTUConfig tunes the binary-search probe and cache TTLs.
type MTUConfig struct {
	MinMTU              int
	MaxMTU              int
	DefaultMTU          int
	CacheTTL            time.Duration
	ReverifyInterval    time.Duration
	SafetyMarginPercent int
	MaxProbes           int
}

// DefaultMTUConfig is tuned for BLE: the [23,512] probe range, the
// BLE 4.2 default of 247, a one-hour cache, a five-minute reverify
// interval, and a 5% safety margin.
func DefaultMTUConfig() MTUConfig {
	return MTUConfig{
		MinMTU:              23,
		MaxMTU:              512,
		DefaultMTU:          247,
		CacheTTL:            time.Hour,
		ReverifyInterval:    5 * time.Minute,
		SafetyMarginPercent: 95,
		MaxProbes:           10,
	}
}

// MTUCache tracks the discovered link MTU per peer, with TTL expiry
// and periodic single-probe reverification.
type MTUCache struct {
	cfg MTUConfig

	mu      sync.RWMutex
	entries map[identity.PeerID]*cachedMTU
}

// NewMTUCache creates a cache using cfg (zero-value fields fall back
// to DefaultMTUConfig).
func NewMTUCache(cfg MTUConfig) *MTUCache {
	defaults := DefaultMTUConfig()
	if cfg.MinMTU == 0 {
		cfg.MinMTU = defaults.MinMTU
	}
	if cfg.MaxMTU == 0 {
		cfg.MaxMTU = defaults.MaxMTU
	}
	if cfg.DefaultMTU == 0 {
		cfg.DefaultMTU = defaults.DefaultMTU
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = defaults.CacheTTL
	}
	if cfg.ReverifyInterval == 0 {
		cfg.ReverifyInterval = defaults.ReverifyInterval
	}
	if cfg.SafetyMarginPercent == 0 {
		cfg.SafetyMarginPercent = defaults.SafetyMarginPercent
	}
	if cfg.MaxProbes == 0 {
		cfg.MaxProbes = defaults.MaxProbes
	}
	return &MTUCache{cfg: cfg, entries: make(map[identity.PeerID]*cachedMTU)}
}

// Get returns the effective MTU for peer: the cached value if fresh,
// otherwise the configured conservative default. It never probes.
func (c *MTUCache) Get(peer identity.PeerID, now time.Time) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if e, ok := c.entries[peer]; ok && now.Sub(e.probedAt) < c.cfg.CacheTTL {
		return e.mtuBytes
	}
	return c.cfg.DefaultMTU
}

// Discover binary-searches [MinMTU, MaxMTU] for the largest frame the
// link accepts, applies the safety margin, and caches the result.
// probe is called at most cfg.MaxProbes times.
func (c *MTUCache) Discover(peer identity.PeerID, probe ProbeFunc, now time.Time) int {
	low, high := c.cfg.MinMTU, c.cfg.MaxMTU
	best := c.cfg.DefaultMTU
	probes := 0

	for low <= high && probes < c.cfg.MaxProbes {
		mid := (low + high) / 2
		probes++
		if probe(mid) {
			best = mid
			low = mid + 1
			metrics.MtuProbesTotal.WithLabelValues("accepted").Inc()
		} else {
			high = mid - 1
			metrics.MtuProbesTotal.WithLabelValues("rejected").Inc()
		}
	}

	final := best * c.cfg.SafetyMarginPercent / 100
	if final < c.cfg.MinMTU {
		final = c.cfg.MinMTU
	}

	c.mu.Lock()
	c.entries[peer] = &cachedMTU{
		mtuBytes:       final,
		probedAt:       now,
		lastVerifiedAt: now,
		probeCount:     probes,
	}
	c.mu.Unlock()

	metrics.MtuDiscovered.Observe(float64(final))
	return final
}

// Reverify issues a single probe at the currently cached MTU if more
// than ReverifyInterval has elapsed since the last check; on failure
// it triggers full rediscovery. Returns the (possibly updated) MTU.
func (c *MTUCache) Reverify(peer identity.PeerID, probe ProbeFunc, now time.Time) int {
	c.mu.RLock()
	e, ok := c.entries[peer]
	c.mu.RUnlock()
	if !ok {
		return c.Discover(peer, probe, now)
	}
	if now.Sub(e.lastVerifiedAt) <= c.cfg.ReverifyInterval {
		return e.mtuBytes
	}

	if probe(e.mtuBytes) {
		c.mu.Lock()
		e.lastVerifiedAt = now
		c.mu.Unlock()
		metrics.MtuProbesTotal.WithLabelValues("accepted").Inc()
		return e.mtuBytes
	}

	metrics.MtuProbesTotal.WithLabelValues("rejected").Inc()
	return c.Discover(peer, probe, now)
}

// Clear removes peer's cached MTU, forcing rediscovery on next probe.
func (c *MTUCache) Clear(peer identity.PeerID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, peer)
}
