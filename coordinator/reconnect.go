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
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/duskmesh/transport-core/config"
	"github.com/duskmesh/transport-core/identity"
	"github.com/duskmesh/transport-core/internal/metrics"
)

// reconnectTask is one pending entry in the reconnect FIFO.
type reconnectTask struct {
	peer        identity.PeerID
	address     string
	attempt     int
	scheduledAt time.Time
}

// defaultMaxAttempts is the point past which a peer's connection is
// declared permanently Failed and no further auto-reconnect is
// scheduled, when config.ReconnectConfig.MaxAttempts is unset.
const defaultMaxAttempts = 10

// reconnectScheduler is a FIFO of pending reconnect tasks with
// exponential backoff and jitter. It does not dial directly; the
// coordinator's reconnect loop pops due tasks and calls Connect,
// so every reconnect still passes through admission gating.
type reconnectScheduler struct {
	cfg config.ReconnectConfig

	mu      sync.Mutex
	pending []reconnectTask
	failed  map[identity.PeerID]bool
}

func newReconnectScheduler(cfg config.ReconnectConfig) *reconnectScheduler {
	return &reconnectScheduler{
		cfg:    cfg,
		failed: make(map[identity.PeerID]bool),
	}
}

// scheduleIfUnderLimit enqueues the first reconnect attempt for a peer
// that just disconnected, unless it has already been marked
// permanently failed.
func (r *reconnectScheduler) scheduleIfUnderLimit(peer identity.PeerID, address string, now time.Time) {
	if address == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failed[peer] {
		return
	}
	r.pending = append(r.pending, reconnectTask{
		peer:        peer,
		address:     address,
		attempt:     0,
		scheduledAt: now.Add(r.delay(0)),
	})
	metrics.ReconnectAttempts.WithLabelValues("scheduled").Inc()
}

// delay computes base*2^min(attempt,10) clamped to MaxDelay, with
// ±JitterFrac jitter.
func (r *reconnectScheduler) delay(attempt int) time.Duration {
	base := r.cfg.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	maxDelay := r.cfg.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 300 * time.Second
	}
	jitterFrac := r.cfg.JitterFrac
	if jitterFrac <= 0 {
		jitterFrac = 0.15
	}

	exp := attempt
	if exp > 10 {
		exp = 10
	}
	d := time.Duration(float64(base) * math.Pow(2, float64(exp)))
	if d > maxDelay {
		d = maxDelay
	}

	jitter := (rand.Float64()*2 - 1) * jitterFrac
	d = time.Duration(float64(d) * (1 + jitter))
	if d < 0 {
		d = 0
	}
	return d
}

// popDue removes and returns every task whose scheduledAt has passed.
func (r *reconnectScheduler) popDue(now time.Time) []reconnectTask {
	r.mu.Lock()
	defer r.mu.Unlock()

	var due []reconnectTask
	remaining := r.pending[:0]
	for _, t := range r.pending {
		if !t.scheduledAt.After(now) {
			due = append(due, t)
		} else {
			remaining = append(remaining, t)
		}
	}
	r.pending = remaining
	return due
}

// requeue reschedules a task that just failed to reconnect, or marks
// the peer permanently Failed once maxAttempts (cfg.MaxAttempts, or
// defaultMaxAttempts when unset) is reached.
func (r *reconnectScheduler) requeue(t reconnectTask, now time.Time) {
	maxAttempts := r.cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	next := t.attempt + 1
	if next >= maxAttempts {
		r.mu.Lock()
		r.failed[t.peer] = true
		r.mu.Unlock()
		metrics.ReconnectAttempts.WithLabelValues("permanent_failure").Inc()
		return
	}

	r.mu.Lock()
	r.pending = append(r.pending, reconnectTask{
		peer:        t.peer,
		address:     t.address,
		attempt:     next,
		scheduledAt: now.Add(r.delay(next)),
	})
	r.mu.Unlock()
	metrics.ReconnectAttempts.WithLabelValues("scheduled").Inc()
}

// isFailed reports whether peer has exhausted its reconnect budget.
func (r *reconnectScheduler) isFailed(peer identity.PeerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failed[peer]
}

// runReconnectLoop pops due tasks and attempts a reconnect to each
// task's address, re-queuing on failure. A task's address alone does
// not identify a transport kind, so attemptReconnect tries every
// registered transport in registration order and keeps the first that
// succeeds — going through Connect's admission gates rather than
// bypassing them.
func (c *Coordinator) runReconnectLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			for _, t := range c.reconnect.popDue(now) {
				c.attemptReconnect(ctx, t, now)
			}
		}
	}
}

func (c *Coordinator) attemptReconnect(ctx context.Context, t reconnectTask, now time.Time) {
	metrics.GetGlobalCollector().RecordReconnect()

	c.mu.RLock()
	candidates := append([]registeredTransport(nil), c.transports...)
	c.mu.RUnlock()

	for _, rt := range candidates {
		if err := c.Connect(ctx, rt.name, t.peer, t.address); err == nil {
			return
		}
	}
	c.reconnect.requeue(t, now)
}
