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

package coordinator

import (
	"sort"
	"sync"
	"time"

	"github.com/duskmesh/transport-core/transport"
)

// Health classifies a transport's usability for a given peer: a
// tri-state derived from the continuous link score below.
type Health int

const (
	HealthHealthy Health = iota
	HealthDegraded
	HealthDown
)

// linkMetrics is the EWMA latency/reliability state the failover loop
// updates per (peer, transport).
type linkMetrics struct {
	latencyMS   float64
	reliability float64
	lastUpdated time.Time
	consecutive int // consecutive failures, used to mark Down
}

// downThreshold is the consecutive-failure count past which a link is
// considered Down rather than merely Degraded.
const downThreshold = 3

// score is latency_factor (banded by latency) times reliability
// (1 - loss, tracked directly as an EWMA reliability fraction).
func (m linkMetrics) score() float64 {
	var latencyFactor float64
	switch {
	case m.latencyMS < 50:
		latencyFactor = 1.0
	case m.latencyMS < 200:
		latencyFactor = 0.8
	case m.latencyMS < 500:
		latencyFactor = 0.5
	default:
		latencyFactor = 0.2
	}
	return latencyFactor * m.reliability
}

func (m linkMetrics) health() Health {
	switch {
	case m.consecutive >= downThreshold:
		return HealthDown
	case m.score() < 0.5:
		return HealthDegraded
	default:
		return HealthHealthy
	}
}

// healthTable tracks linkMetrics per (peer, transport) and the
// priority order transports were registered in.
type healthTable struct {
	mu       sync.Mutex
	metrics  map[transport.Name]map[pidKey]*linkMetrics
	priority map[transport.Name]int
}

// pidKey is a comparable stand-in for identity.PeerID used as a map
// key inside healthTable (identity.PeerID is already an array type
// and thus comparable, aliased here only for readability at call
// sites in this file).
type pidKey = [32]byte

func newHealthTable() *healthTable {
	return &healthTable{
		metrics:  make(map[transport.Name]map[pidKey]*linkMetrics),
		priority: make(map[transport.Name]int),
	}
}

func (h *healthTable) setPriority(name transport.Name, rank int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.priority[name] = rank
}

func (h *healthTable) get(name transport.Name, peer pidKey) *linkMetrics {
	h.mu.Lock()
	defer h.mu.Unlock()
	byPeer, ok := h.metrics[name]
	if !ok {
		byPeer = make(map[pidKey]*linkMetrics)
		h.metrics[name] = byPeer
	}
	m, ok := byPeer[peer]
	if !ok {
		m = &linkMetrics{latencyMS: 100, reliability: 1.0}
		byPeer[peer] = m
	}
	return m
}

// recordSuccess folds a successful send into the link's EWMAs.
func (h *healthTable) recordSuccess(name transport.Name, peer pidKey, measuredLatencyMS float64, now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m := h.getLocked(name, peer)
	m.latencyMS = 0.875*m.latencyMS + 0.125*measuredLatencyMS
	m.reliability = 0.95*m.reliability + 0.05
	m.consecutive = 0
	m.lastUpdated = now
}

// recordFailure decays the link's reliability after a failed send.
func (h *healthTable) recordFailure(name transport.Name, peer pidKey, now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m := h.getLocked(name, peer)
	m.reliability *= 0.9
	m.consecutive++
	m.lastUpdated = now
}

func (h *healthTable) getLocked(name transport.Name, peer pidKey) *linkMetrics {
	byPeer, ok := h.metrics[name]
	if !ok {
		byPeer = make(map[pidKey]*linkMetrics)
		h.metrics[name] = byPeer
	}
	m, ok := byPeer[peer]
	if !ok {
		m = &linkMetrics{latencyMS: 100, reliability: 1.0}
		byPeer[peer] = m
	}
	return m
}

// ordered returns candidates ranked by priority + score*0.5
// descending, skipping Down transports unless every candidate is Down
// (in which case all are returned so the caller can still attempt a
// failover rather than give up outright).
func (h *healthTable) ordered(candidates []transport.Name, peer pidKey) []transport.Name {
	type ranked struct {
		name  transport.Name
		value float64
		down  bool
	}
	h.mu.Lock()
	rs := make([]ranked, 0, len(candidates))
	for _, name := range candidates {
		byPeer := h.metrics[name]
		m := linkMetrics{latencyMS: 100, reliability: 1.0}
		if byPeer != nil {
			if existing, ok := byPeer[peer]; ok {
				m = *existing
			}
		}
		value := float64(h.priority[name]) + m.score()*0.5
		rs = append(rs, ranked{name: name, value: value, down: m.health() == HealthDown})
	}
	h.mu.Unlock()

	anyUp := false
	for _, r := range rs {
		if !r.down {
			anyUp = true
			break
		}
	}

	sort.SliceStable(rs, func(i, j int) bool { return rs[i].value > rs[j].value })

	out := make([]transport.Name, 0, len(rs))
	for _, r := range rs {
		if anyUp && r.down {
			continue
		}
		out = append(out, r.name)
	}
	return out
}
