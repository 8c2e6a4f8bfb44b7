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
	// AdmissionRejections tracks admission gate rejections by gate
	AdmissionRejections = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "admission_rejections_total",
			Help:      "Total number of connection attempts rejected by an admission gate",
		},
		[]string{"gate"}, // global_cap, peer_cap, rate_limit, cooldown
	)

	// CircuitTransitions tracks circuit breaker state transitions
	CircuitTransitions = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "circuit_transitions_total",
			Help:      "Total number of circuit breaker state transitions",
		},
		[]string{"from", "to"},
	)

	// TransportSendResult tracks per-transport send outcomes
	TransportSendResult = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "transport_send_total",
			Help:      "Total number of sends attempted per transport driver",
		},
		[]string{"transport", "status"}, // success, failure
	)

	// TransportLatency tracks per-transport send latency
	TransportLatency = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "transport_latency_seconds",
			Help:      "Observed latency of sends per transport driver",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		},
		[]string{"transport"},
	)

	// ReconnectAttempts tracks reconnect attempts per peer
	ReconnectAttempts = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "reconnect_attempts_total",
			Help:      "Total number of reconnection attempts scheduled",
		},
		[]string{"outcome"}, // scheduled, permanent_failure
	)
)
