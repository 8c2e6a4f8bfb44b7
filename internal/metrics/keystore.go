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
	// KeystoreUnlocks tracks unlock attempts
	KeystoreUnlocks = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "keystore",
			Name:      "unlock_attempts_total",
			Help:      "Total number of keystore unlock attempts",
		},
		[]string{"status"}, // success, failure
	)

	// KeystoreRotations tracks key rotation events
	KeystoreRotations = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "keystore",
			Name:      "rotations_total",
			Help:      "Total number of key rotation events",
		},
		[]string{"status"},
	)

	// KeystoreEntries tracks the number of entries currently held
	KeystoreEntries = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "keystore",
			Name:      "entries",
			Help:      "Current number of keystore entries on disk",
		},
	)

	// KeyDerivationDuration tracks Argon2id master-key derivation latency
	KeyDerivationDuration = promauto.With(Registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "keystore",
			Name:      "derivation_duration_seconds",
			Help:      "Duration of the memory-hard master-key derivation",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		},
	)
)
