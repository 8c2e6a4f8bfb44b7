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

// Package metrics instruments the transport core with Prometheus
// counters, gauges and histograms, grouped one file per subsystem.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "meshtransport"

// Registry is the collector registry every metric in this package is
// registered against. A standalone binary wires this into an HTTP
// /metrics endpoint via Handler(); a library caller can instead use
// promauto.With(Registry).... to add its own collectors to the same set.
var Registry = prometheus.NewRegistry()
