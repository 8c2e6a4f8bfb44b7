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
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRegistration(t *testing.T) {
	if HandshakesInitiated == nil {
		t.Error("HandshakesInitiated metric is nil")
	}
	if HandshakesCompleted == nil {
		t.Error("HandshakesCompleted metric is nil")
	}
	if HandshakesFailed == nil {
		t.Error("HandshakesFailed metric is nil")
	}
	if HandshakeDuration == nil {
		t.Error("HandshakeDuration metric is nil")
	}

	if SessionsCreated == nil {
		t.Error("SessionsCreated metric is nil")
	}
	if SessionsActive == nil {
		t.Error("SessionsActive metric is nil")
	}
	if SessionsClosed == nil {
		t.Error("SessionsClosed metric is nil")
	}
	if SessionRotations == nil {
		t.Error("SessionRotations metric is nil")
	}
	if SessionDuration == nil {
		t.Error("SessionDuration metric is nil")
	}

	if CryptoOperations == nil {
		t.Error("CryptoOperations metric is nil")
	}
	if FramesProcessed == nil {
		t.Error("FramesProcessed metric is nil")
	}
}

func TestMetricsIncrement(t *testing.T) {
	HandshakesInitiated.WithLabelValues("initiator").Inc()
	HandshakesCompleted.WithLabelValues("success").Inc()
	HandshakesFailed.WithLabelValues("witness_invalid").Inc()
	HandshakeDuration.WithLabelValues("establish").Observe(0.01)

	SessionsCreated.WithLabelValues("success").Inc()
	SessionsActive.Inc()
	SessionsClosed.WithLabelValues("explicit").Inc()
	SessionRotations.WithLabelValues("success").Inc()
	SessionDuration.WithLabelValues("establish").Observe(0.002)

	CryptoOperations.WithLabelValues("seal", "aes256gcm").Inc()
	CryptoOperations.WithLabelValues("open", "aes256gcm").Inc()

	FramesProcessed.WithLabelValues("accepted").Inc()

	if count := testutil.CollectAndCount(HandshakesInitiated); count == 0 {
		t.Error("HandshakesInitiated has no metrics collected")
	}
	if count := testutil.CollectAndCount(SessionsCreated); count == 0 {
		t.Error("SessionsCreated has no metrics collected")
	}
	if count := testutil.CollectAndCount(CryptoOperations); count == 0 {
		t.Error("CryptoOperations has no metrics collected")
	}
}
