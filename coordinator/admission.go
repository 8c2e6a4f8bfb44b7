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
	"sync"
	"time"

	"github.com/duskmesh/transport-core/config"
	"github.com/duskmesh/transport-core/identity"
	"github.com/duskmesh/transport-core/internal/metrics"
	"github.com/duskmesh/transport-core/transporterr"
)

// admission gates every new connection attempt through, in order: a
// global cap on live connections, a per-peer cap, a sliding-window
// rate limit on new connection attempts, and a post-failure cooldown.
// Every attempt is recorded regardless of outcome.
type admission struct {
	cfg config.AdmissionConfig

	mu          sync.Mutex
	totalActive int
	perPeer     map[identity.PeerID]int
	// attempts is a single trailing window shared across every peer:
	// the rate limit caps new connections process-wide, not per peer,
	// so a burst of dials to distinct peers still exhausts it.
	attempts   []time.Time
	cooldownAt map[identity.PeerID]time.Time
}

func newAdmission(cfg config.AdmissionConfig) *admission {
	return &admission{
		cfg:        cfg,
		perPeer:    make(map[identity.PeerID]int),
		cooldownAt: make(map[identity.PeerID]time.Time),
	}
}

// check evaluates every gate for peer at now, recording the attempt
// whether or not it is admitted.
func (a *admission) check(peer identity.PeerID, now time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.attempts = append(a.attempts, now)

	if a.cfg.MaxTotal > 0 && a.totalActive >= a.cfg.MaxTotal {
		metrics.AdmissionRejections.WithLabelValues("global_cap").Inc()
		return transporterr.ErrGlobalCap
	}

	if a.cfg.MaxPerPeer > 0 && a.perPeer[peer] >= a.cfg.MaxPerPeer {
		metrics.AdmissionRejections.WithLabelValues("peer_cap").Inc()
		return transporterr.ErrPerPeerCap
	}

	if a.cfg.MaxNewPerMinute > 0 {
		window := time.Minute
		recent := 0
		for _, t := range a.attempts {
			if now.Sub(t) <= window {
				recent++
			}
		}
		if recent > a.cfg.MaxNewPerMinute {
			metrics.AdmissionRejections.WithLabelValues("rate_limit").Inc()
			return transporterr.ErrRateLimited
		}
	}

	if until, ok := a.cooldownAt[peer]; ok && now.Before(until) {
		metrics.AdmissionRejections.WithLabelValues("cooldown").Inc()
		return transporterr.ErrCooldown
	}

	return nil
}

// recordConnected increments the live-connection counters once a
// connect attempt that passed admission actually succeeds.
func (a *admission) recordConnected(peer identity.PeerID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.totalActive++
	a.perPeer[peer]++
}

// recordDisconnected decrements the live-connection counters.
func (a *admission) recordDisconnected(peer identity.PeerID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.totalActive > 0 {
		a.totalActive--
	}
	if a.perPeer[peer] > 0 {
		a.perPeer[peer]--
	}
}

// recordFailure starts a cooldown window for peer after a failed
// connect attempt.
func (a *admission) recordFailure(peer identity.PeerID, now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cfg.Cooldown > 0 {
		a.cooldownAt[peer] = now.Add(a.cfg.Cooldown)
	}
}

// trim drops attempt-history entries older than WindowRetention,
// meant to run on a periodic background tick (TrimInterval) so the
// shared attempt history doesn't grow unbounded.
func (a *admission) trim(now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	window := a.cfg.WindowRetention
	if window <= 0 {
		window = 5 * time.Minute
	}
	kept := a.attempts[:0]
	for _, t := range a.attempts {
		if now.Sub(t) <= window {
			kept = append(kept, t)
		}
	}
	a.attempts = kept
	for peer, until := range a.cooldownAt {
		if now.After(until) {
			delete(a.cooldownAt, peer)
		}
	}
}
