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
	"time"
)

func TestMetricsCollectorRecordSend(t *testing.T) {
	mc := NewMetricsCollector()
	mc.RecordSend(true, 10*time.Millisecond)
	mc.RecordSend(false, 20*time.Millisecond)

	snap := mc.GetSnapshot()
	if snap.SendAttempts != 2 {
		t.Fatalf("SendAttempts = %d, want 2", snap.SendAttempts)
	}
	if snap.SendSuccesses != 1 || snap.SendFailures != 1 {
		t.Fatalf("unexpected success/failure split: %+v", snap)
	}
	if rate := snap.SendSuccessRate(); rate != 0.5 {
		t.Fatalf("SendSuccessRate = %v, want 0.5", rate)
	}
}

func TestMetricsCollectorRecordHandshake(t *testing.T) {
	mc := NewMetricsCollector()
	mc.RecordHandshake(true, 5*time.Millisecond)
	mc.RecordHandshake(true, 15*time.Millisecond)
	mc.RecordHandshake(false, 50*time.Millisecond)

	snap := mc.GetSnapshot()
	if snap.HandshakeCount != 3 || snap.HandshakeSuccess != 2 {
		t.Fatalf("unexpected handshake counts: %+v", snap)
	}
	if snap.AvgHandshakeLatency <= 0 {
		t.Fatalf("AvgHandshakeLatency = %v, want > 0", snap.AvgHandshakeLatency)
	}
}

func TestMetricsCollectorReconnectAndCircuitTrip(t *testing.T) {
	mc := NewMetricsCollector()
	mc.RecordReconnect()
	mc.RecordReconnect()
	mc.RecordCircuitTrip()

	snap := mc.GetSnapshot()
	if snap.ReconnectCount != 2 {
		t.Fatalf("ReconnectCount = %d, want 2", snap.ReconnectCount)
	}
	if snap.CircuitTrips != 1 {
		t.Fatalf("CircuitTrips = %d, want 1", snap.CircuitTrips)
	}
}

func TestMetricsCollectorResetClearsState(t *testing.T) {
	mc := NewMetricsCollector()
	mc.RecordSend(true, time.Millisecond)
	mc.RecordHandshake(true, time.Millisecond)
	mc.Reset()

	snap := mc.GetSnapshot()
	if snap.SendAttempts != 0 || snap.HandshakeCount != 0 {
		t.Fatalf("Reset did not clear counters: %+v", snap)
	}
}

func TestGetGlobalCollectorIsSingleton(t *testing.T) {
	if GetGlobalCollector() != GetGlobalCollector() {
		t.Fatal("GetGlobalCollector should return the same instance every call")
	}
}
