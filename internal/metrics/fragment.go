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
	// MtuProbesTotal tracks MTU discovery probe attempts
	MtuProbesTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mtu",
			Name:      "probes_total",
			Help:      "Total number of MTU probe attempts",
		},
		[]string{"result"}, // accepted, rejected
	)

	// MtuDiscovered tracks the MTU size settled on per discovery run
	MtuDiscovered = promauto.With(Registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "mtu",
			Name:      "discovered_bytes",
			Help:      "MTU size settled on by discovery, after safety margin",
			Buckets:   prometheus.LinearBuckets(23, 32, 16),
		},
	)

	// FragmentsSent tracks outbound fragments
	FragmentsSent = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fragment",
			Name:      "sent_total",
			Help:      "Total number of outbound message fragments sent",
		},
	)

	// ReassemblyAbandoned tracks reassembly slots that timed out
	ReassemblyAbandoned = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fragment",
			Name:      "reassembly_abandoned_total",
			Help:      "Total number of incomplete reassembly slots abandoned after timeout",
		},
	)

	// ReassemblyCompleted tracks reassembly slots that completed successfully
	ReassemblyCompleted = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fragment",
			Name:      "reassembly_completed_total",
			Help:      "Total number of message reassemblies completed",
		},
	)
)
