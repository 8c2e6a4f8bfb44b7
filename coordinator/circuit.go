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
	"github.com/duskmesh/transport-core/internal/metrics"
	"github.com/duskmesh/transport-core/transporterr"
)

// circuitState is the per-address breaker state machine: Closed lets
// traffic through and counts consecutive failures; Open blocks
// traffic until RecoveryTimeout elapses; HalfOpen lets a bounded
// number of probe attempts through to decide whether to close or
// reopen.
type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

func (s circuitState) String() string {
	switch s {
	case circuitOpen:
		return "open"
	case circuitHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// circuitBreaker is a per-address breaker. Half-open admits at most
// HalfOpenBudget concurrent probes, enforced with a counting
// semaphore (buffered channel token pool) rather than a single bool,
// since more than one caller may race to probe after RecoveryTimeout
// expires — this was an explicit open question resolved in favor of
// the semaphore over a single-winner CAS so legitimate concurrent
// callers aren't starved.
type circuitBreaker struct {
	cfg config.CircuitBreakerConfig

	mu               sync.Mutex
	state            circuitState
	consecutiveFails int
	halfOpenSuccess  int
	openedAt         time.Time
	halfOpenTokens   chan struct{}
}

func newCircuitBreaker(cfg config.CircuitBreakerConfig) *circuitBreaker {
	budget := cfg.HalfOpenBudget
	if budget <= 0 {
		budget = 1
	}
	return &circuitBreaker{
		cfg:            cfg,
		state:          circuitClosed,
		halfOpenTokens: make(chan struct{}, budget),
	}
}

// allow reports whether a call may proceed, transitioning Open ->
// HalfOpen once RecoveryTimeout has elapsed. It never blocks.
func (c *circuitBreaker) allow(now time.Time) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case circuitClosed:
		return true, nil
	case circuitOpen:
		if now.Sub(c.openedAt) >= c.cfg.RecoveryTimeout {
			c.transitionLocked(circuitHalfOpen)
			if c.tryAcquireHalfOpenLocked() {
				return true, nil
			}
		}
		return false, transporterr.ErrCircuitOpen
	default: // circuitHalfOpen
		if c.tryAcquireHalfOpenLocked() {
			return true, nil
		}
		return false, transporterr.ErrCircuitOpen
	}
}

func (c *circuitBreaker) tryAcquireHalfOpenLocked() bool {
	select {
	case c.halfOpenTokens <- struct{}{}:
		return true
	default:
		return false
	}
}

// recordSuccess reports a successful call outcome.
func (c *circuitBreaker) recordSuccess(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.consecutiveFails = 0
	if c.state == circuitHalfOpen {
		c.releaseHalfOpenTokenLocked()
		c.halfOpenSuccess++
		if c.halfOpenSuccess >= c.cfg.SuccessThreshold {
			c.transitionLocked(circuitClosed)
		}
	}
}

// recordFailure reports a failed call outcome, tripping the breaker
// open once Threshold consecutive failures accumulate, or immediately
// reopening from HalfOpen on any single failure.
func (c *circuitBreaker) recordFailure(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == circuitHalfOpen {
		c.releaseHalfOpenTokenLocked()
		c.transitionLocked(circuitOpen)
		c.openedAt = now
		return
	}

	c.consecutiveFails++
	if c.cfg.Threshold > 0 && c.consecutiveFails >= c.cfg.Threshold {
		c.transitionLocked(circuitOpen)
		c.openedAt = now
	}
}

func (c *circuitBreaker) releaseHalfOpenTokenLocked() {
	select {
	case <-c.halfOpenTokens:
	default:
	}
}

func (c *circuitBreaker) transitionLocked(to circuitState) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	if to == circuitHalfOpen {
		c.halfOpenSuccess = 0
		for len(c.halfOpenTokens) > 0 {
			<-c.halfOpenTokens
		}
	}
	if to == circuitClosed {
		c.consecutiveFails = 0
	}
	metrics.CircuitTransitions.WithLabelValues(from.String(), to.String()).Inc()
	if to == circuitOpen {
		metrics.GetGlobalCollector().RecordCircuitTrip()
	}
}

func (c *circuitBreaker) currentState() circuitState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}
