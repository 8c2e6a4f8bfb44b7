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
	// FramesProcessed tracks wire frames handled by DecryptFrame.
	FramesProcessed = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "frames",
			Name:      "processed_total",
			Help:      "Total number of wire frames authenticated and opened",
		},
		[]string{"status"}, // accepted, too_short, bad_hmac, stale, replay, decrypt_failed
	)

	// ReplayAttacksDetected tracks frames rejected by the send-counter
	// replay window.
	ReplayAttacksDetected = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "frames",
			Name:      "replay_attacks_detected_total",
			Help:      "Total number of frames rejected as replays of a seen send counter",
		},
	)

	// HMACValidations tracks frame HMAC checks by outcome.
	HMACValidations = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "frames",
			Name:      "hmac_validations_total",
			Help:      "Total number of frame HMAC validations",
		},
		[]string{"status"}, // valid, invalid
	)

	// FrameProcessingDuration tracks DecryptFrame duration end to end.
	FrameProcessingDuration = promauto.With(Registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "frames",
			Name:      "processing_duration_seconds",
			Help:      "Frame authentication and decrypt duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 12), // 0.1ms to 409ms
		},
	)

	// FrameSize tracks wire frame sizes.
	FrameSize = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "frames",
			Name:      "size_bytes",
			Help:      "Wire frame size in bytes, including header and AEAD tag",
		},
		[]string{"direction"}, // inbound, outbound
	)
)
