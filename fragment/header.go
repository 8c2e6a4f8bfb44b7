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

// Package fragment adapts large ciphertext payloads to small,
// unreliable links: MTU discovery by binary-search probing, splitting
// a plaintext into independently-encrypted fragments, and reassembling
// them as they arrive (possibly out of order, possibly duplicated).
package fragment

import (
	"encoding/binary"

	"github.com/duskmesh/transport-core/transporterr"
)

// HeaderSize is the 6-byte sub-header prepended to the plaintext of
// every fragment belonging to a message with more than one fragment.
const HeaderSize = 6

// header is the 6-byte fragment sub-header: a message correlation id,
// this fragment's 0-based index, the total fragment count, and two
// reserved bytes.
type header struct {
	MessageID      uint16
	FragmentIndex  uint8
	TotalFragments uint8
	Reserved       uint16
}

func (h header) encode() []byte {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint16(buf[0:2], h.MessageID)
	buf[2] = h.FragmentIndex
	buf[3] = h.TotalFragments
	binary.BigEndian.PutUint16(buf[4:6], h.Reserved)
	return buf
}

// decodeHeader parses a fragment sub-header. A message with
// TotalFragments<=1 never carries a sub-header on the wire, so callers
// should only invoke this once a higher layer has decided the
// plaintext is a fragment (see LooksLikeFragment for the heuristic
// that makes that decision).
func decodeHeader(b []byte) (header, error) {
	if len(b) < HeaderSize {
		return header{}, transporterr.ErrFragmentIndexRange
	}
	h := header{
		MessageID:      binary.BigEndian.Uint16(b[0:2]),
		FragmentIndex:  b[2],
		TotalFragments: b[3],
		Reserved:       binary.BigEndian.Uint16(b[4:6]),
	}
	if h.TotalFragments <= 1 {
		return header{}, transporterr.ErrFragmentIndexRange
	}
	if h.FragmentIndex >= h.TotalFragments {
		return header{}, transporterr.ErrFragmentIndexRange
	}
	return h, nil
}

// LooksLikeFragment trial-parses the sub-header: it reports true when
// the leading bytes decode with total_fragments > 1 and
// fragment_index < total_fragments. A single-fragment message carries
// no sub-header, but its plaintext still passes this check when its
// leading bytes happen to fit that layout. Callers use this to decide
// whether to hand plaintext to the Reassembler at all.
func LooksLikeFragment(plaintext []byte) bool {
	_, err := decodeHeader(plaintext)
	return err == nil
}
