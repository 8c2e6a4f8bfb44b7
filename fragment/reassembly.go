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

package fragment

import (
	"sync"
	"time"

	"github.com/duskmesh/transport-core/identity"
	"github.com/duskmesh/transport-core/internal/metrics"
	"github.com/duskmesh/transport-core/transporterr"
)

// DefaultReassemblyTimeout is how long an incomplete reassembly slot
// is kept before being abandoned.
const DefaultReassemblyTimeout = 30 * time.Second

type slotKey struct {
	peer      identity.PeerID
	messageID uint16
}

// slot is one logical message's in-progress reassembly.
type slot struct {
	fragments [][]byte
	received  int
	total     int
	firstSeen time.Time
}

// Reassembler holds in-progress and recently-completed reassembly
// slots per (peer, message_id), tolerating out-of-order fragment
// delivery and silently dropping duplicates.
type Reassembler struct {
	mu      sync.Mutex
	slots   map[slotKey]*slot
	done    map[slotKey]time.Time // completed message ids, kept briefly to drop late dupes
	timeout time.Duration
}

// NewReassembler creates a reassembler that abandons slots after
// timeout (DefaultReassemblyTimeout if zero).
func NewReassembler(timeout time.Duration) *Reassembler {
	if timeout <= 0 {
		timeout = DefaultReassemblyTimeout
	}
	return &Reassembler{
		slots:   make(map[slotKey]*slot),
		done:    make(map[slotKey]time.Time),
		timeout: timeout,
	}
}

// Add feeds one fragment's plaintext (including its 6-byte
// sub-header) into the reassembler. It returns (nil, false, nil) while
// the message is incomplete, (full, true, nil) once the final
// fragment arrives, and a non-nil error only for a malformed or
// inconsistent sub-header — duplicates and late-arriving fragments of
// an already-completed message are dropped silently (returns (nil,
// false, nil)).
func (r *Reassembler) Add(peer identity.PeerID, plaintext []byte, now time.Time) ([]byte, bool, error) {
	h, err := decodeHeader(plaintext)
	if err != nil {
		return nil, false, err
	}
	payload := plaintext[HeaderSize:]
	key := slotKey{peer: peer, messageID: h.MessageID}

	r.mu.Lock()
	defer r.mu.Unlock()

	if doneAt, ok := r.done[key]; ok && now.Sub(doneAt) < r.timeout {
		return nil, false, nil
	}

	s, ok := r.slots[key]
	if !ok {
		s = &slot{
			fragments: make([][]byte, h.TotalFragments),
			total:     int(h.TotalFragments),
			firstSeen: now,
		}
		r.slots[key] = s
	}

	if s.total != int(h.TotalFragments) {
		return nil, false, transporterr.ErrFragmentTotalMismatch
	}
	if int(h.FragmentIndex) >= s.total {
		return nil, false, transporterr.ErrFragmentIndexRange
	}
	if s.fragments[h.FragmentIndex] != nil {
		// Duplicate fragment: drop silently.
		return nil, false, nil
	}

	s.fragments[h.FragmentIndex] = append([]byte(nil), payload...)
	s.received++

	if s.received < s.total {
		return nil, false, nil
	}

	full := make([]byte, 0, s.total*len(payload))
	for _, frag := range s.fragments {
		full = append(full, frag...)
	}

	delete(r.slots, key)
	r.done[key] = now
	metrics.ReassemblyCompleted.Inc()
	return full, true, nil
}

// Sweep abandons any slot whose first fragment arrived more than the
// configured timeout ago, and forgets completed-message markers older
// than the timeout so the done-set does not grow without bound.
func (r *Reassembler) Sweep(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, s := range r.slots {
		if now.Sub(s.firstSeen) > r.timeout {
			delete(r.slots, key)
			metrics.ReassemblyAbandoned.Inc()
		}
	}
	for key, doneAt := range r.done {
		if now.Sub(doneAt) > r.timeout {
			delete(r.done, key)
		}
	}
}
