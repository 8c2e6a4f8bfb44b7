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

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueDepth tracks the current number of items held in a bounded queue
	QueueDepth = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Current number of items held in a bounded event queue",
		},
		[]string{"queue"},
	)

	// QueueEnqueued tracks successful enqueue operations
	QueueEnqueued = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "enqueued_total",
			Help:      "Total number of items successfully enqueued",
		},
		[]string{"queue"},
	)

	// QueueDropped tracks items dropped due to overflow
	QueueDropped = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "dropped_total",
			Help:      "Total number of items dropped by the overflow policy",
		},
		[]string{"queue", "reason"}, // oldest, newest
	)

	// QueueRejected tracks items rejected outright on overflow
	QueueRejected = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "rejected_total",
			Help:      "Total number of enqueue attempts rejected by the overflow policy",
		},
		[]string{"queue"},
	)

	// QueueResidence tracks how long items sit in the queue before being dequeued
	QueueResidence = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "residence_seconds",
			Help:      "Time an item spent in the queue before being dequeued",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 18),
		},
		[]string{"queue"},
	)
)
