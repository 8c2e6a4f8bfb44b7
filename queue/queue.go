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

// Package queue implements the fixed-capacity, multi-producer/
// single-consumer event queue that couples asynchronous transport
// producers to the single synchronous core consumer, with four
// configurable overflow disciplines.
package queue

import (
	"sync"
	"time"

	"github.com/duskmesh/transport-core/internal/metrics"
	"github.com/duskmesh/transport-core/transporterr"
)

// Discipline selects what happens when Send is called against a full
// queue.
type Discipline int

const (
	// DropOldest discards the oldest unconsumed item to make room.
	DropOldest Discipline = iota
	// DropNewest discards the item being sent.
	DropNewest
	// Backpressure blocks the sender up to a timeout for a free slot.
	Backpressure
	// Reject returns Full immediately.
	Reject
)

// DefaultCapacity bounds a queue whose caller passed no explicit
// capacity.
const DefaultCapacity = 10_000

// DefaultBackpressureTimeout is the default wait for the Backpressure
// discipline.
const DefaultBackpressureTimeout = 100 * time.Millisecond

// item wraps a queued event with its enqueue time and sequence
// number. Sequence numbers are assigned in send order.
type item[T any] struct {
	event      T
	enqueuedAt time.Time
	sequence   uint64
}

// Stats reports cumulative queue activity.
type Stats struct {
	Enqueued          uint64
	Dequeued          uint64
	Dropped           uint64
	Rejected          uint64
	CurrentSize       int
	Capacity          int
	HighWaterMark     int
	BackpressureWaits uint64
}

// Queue is a fixed-capacity event queue with one of four overflow
// disciplines. Capacity and discipline are immutable after
// construction.
type Queue[T any] struct {
	name       string
	capacity   int
	discipline Discipline
	bpTimeout  time.Duration

	mu       sync.Mutex
	buf      []item[T]
	notEmpty *sync.Cond
	notFull  *sync.Cond
	closed   bool
	sequence uint64
	stats    Stats
}

// New creates a queue with the given capacity and overflow discipline.
// name identifies the queue in metrics labels (e.g. "inbound",
// "outbound").
func New[T any](name string, capacity int, discipline Discipline, bpTimeout time.Duration) *Queue[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if bpTimeout <= 0 {
		bpTimeout = DefaultBackpressureTimeout
	}
	q := &Queue[T]{
		name:       name,
		capacity:   capacity,
		discipline: discipline,
		bpTimeout:  bpTimeout,
		buf:        make([]item[T], 0, capacity),
		stats:      Stats{Capacity: capacity},
	}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q
}

// Send enqueues event according to the queue's configured discipline.
func (q *Queue[T]) Send(event T) error {
	switch q.discipline {
	case DropOldest:
		return q.sendDropOldest(event)
	case DropNewest:
		return q.sendDropNewest(event)
	case Backpressure:
		return q.sendBackpressure(event)
	default:
		return q.sendReject(event)
	}
}

// TrySend is a non-blocking send that fails with Full regardless of
// the queue's configured discipline.
func (q *Queue[T]) TrySend(event T) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return transporterr.ErrQueueClosed
	}
	if len(q.buf) >= q.capacity {
		q.stats.Rejected++
		metrics.QueueRejected.WithLabelValues(q.name).Inc()
		return transporterr.ErrQueueFull
	}
	q.pushLocked(event)
	return nil
}

func (q *Queue[T]) sendDropOldest(event T) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return transporterr.ErrQueueClosed
	}
	if len(q.buf) >= q.capacity {
		q.buf = q.buf[1:]
		q.stats.Dropped++
		metrics.QueueDropped.WithLabelValues(q.name, "oldest").Inc()
	}
	q.pushLocked(event)
	return nil
}

func (q *Queue[T]) sendDropNewest(event T) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return transporterr.ErrQueueClosed
	}
	if len(q.buf) >= q.capacity {
		q.stats.Dropped++
		metrics.QueueDropped.WithLabelValues(q.name, "newest").Inc()
		return nil
	}
	q.pushLocked(event)
	return nil
}

func (q *Queue[T]) sendReject(event T) error {
	return q.TrySend(event)
}

func (q *Queue[T]) sendBackpressure(event T) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return transporterr.ErrQueueClosed
	}

	if len(q.buf) >= q.capacity {
		deadline := time.Now().Add(q.bpTimeout)
		q.stats.BackpressureWaits++
		for len(q.buf) >= q.capacity && !q.closed {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return transporterr.ErrQueueBackpressureTimeout
			}
			q.waitOnNotFull(remaining)
		}
		if q.closed {
			return transporterr.ErrQueueClosed
		}
		if len(q.buf) >= q.capacity {
			return transporterr.ErrQueueBackpressureTimeout
		}
	}
	q.pushLocked(event)
	return nil
}

// waitOnNotFull blocks on notFull until either a slot frees up (a
// real signal) or d elapses (a timer-driven wakeup), whichever comes
// first. Must be called with q.mu held; sync.Cond.Wait releases and
// reacquires it around the block.
func (q *Queue[T]) waitOnNotFull(d time.Duration) {
	timer := time.AfterFunc(d, func() {
		q.mu.Lock()
		q.notFull.Broadcast()
		q.mu.Unlock()
	})
	defer timer.Stop()
	q.notFull.Wait()
}

// pushLocked appends event to the buffer and updates stats/metrics.
// Must be called with q.mu held.
func (q *Queue[T]) pushLocked(event T) {
	q.sequence++
	q.buf = append(q.buf, item[T]{event: event, enqueuedAt: time.Now(), sequence: q.sequence})
	q.stats.Enqueued++
	q.stats.CurrentSize = len(q.buf)
	if q.stats.CurrentSize > q.stats.HighWaterMark {
		q.stats.HighWaterMark = q.stats.CurrentSize
	}
	metrics.QueueEnqueued.WithLabelValues(q.name).Inc()
	metrics.QueueDepth.WithLabelValues(q.name).Set(float64(q.stats.CurrentSize))
	q.notEmpty.Signal()
	q.notFull.Signal()
}

// Recv blocks until an event is available or the queue is closed and
// drained, returning ok=false in the latter case.
func (q *Queue[T]) Recv() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.buf) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if len(q.buf) == 0 {
		var zero T
		return zero, false
	}

	it := q.buf[0]
	q.buf = q.buf[1:]
	q.stats.Dequeued++
	q.stats.CurrentSize = len(q.buf)
	metrics.QueueDepth.WithLabelValues(q.name).Set(float64(q.stats.CurrentSize))
	metrics.QueueResidence.WithLabelValues(q.name).Observe(time.Since(it.enqueuedAt).Seconds())
	q.notFull.Signal()
	return it.event, true
}

// Close marks the queue closed: pending Sends fail, blocked Recvs
// drain remaining items then return ok=false.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
}

// Stats returns a snapshot of the queue's cumulative counters.
func (q *Queue[T]) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}
