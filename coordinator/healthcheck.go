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
	"context"
	"time"

	"github.com/duskmesh/transport-core/health"
	"github.com/duskmesh/transport-core/transport"
)

// HealthChecker builds a health.HealthChecker with one
// TransportHealthCheck registered per transport this coordinator
// currently has registered. Operators mount the returned checker
// behind whatever status endpoint they expose; this package has no
// HTTP surface of its own.
func (c *Coordinator) HealthChecker(timeout time.Duration) *health.HealthChecker {
	checker := health.NewHealthChecker(timeout)

	c.mu.RLock()
	names := make([]string, 0, len(c.transports))
	for _, rt := range c.transports {
		names = append(names, string(rt.name))
	}
	c.mu.RUnlock()

	for _, n := range names {
		name := n
		checker.RegisterCheck(name, health.TransportHealthCheck(func(context.Context) (bool, error) {
			return c.hasActiveLink(name), nil
		}))
	}

	return checker
}

// hasActiveLink reports whether any peer currently has transport name
// among its reachable transports.
func (c *Coordinator) hasActiveLink(name string) bool {
	c.mu.RLock()
	links := make([]*peerLink, 0, len(c.links))
	for _, l := range c.links {
		links = append(links, l)
	}
	c.mu.RUnlock()

	tname := transport.Name(name)
	for _, l := range links {
		l.mu.Lock()
		_, ok := l.transports[tname]
		l.mu.Unlock()
		if ok {
			return true
		}
	}
	return false
}
