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
	"crypto/rand"
	"encoding/binary"

	"github.com/duskmesh/transport-core/internal/metrics"
	"github.com/duskmesh/transport-core/transporterr"
)

const (
	// FrameHeaderSize is the crypto session's 51-byte wire header.
	FrameHeaderSize = 51
	// AEADTagSize is the 16-byte tag appended inside every AEAD
	// ciphertext.
	AEADTagSize = 16
	// FixedOverhead is the total per-fragment overhead that does not
	// carry application payload: frame header, AEAD tag, and fragment
	// sub-header.
	FixedOverhead = FrameHeaderSize + AEADTagSize + HeaderSize

	// MaxFragments is the largest representable TotalFragments (it is
	// encoded in a single byte).
	MaxFragments = 255
)

// Split breaks plaintext into one or more inner plaintexts, each
// carrying a fragment sub-header, sized so that
// len(fragment)+FixedOverhead-HeaderSize fits within maxFrameSize (the
// peer's effective MTU). Each returned slice is an independent inner
// plaintext to be AEAD-sealed by the caller with its own frame and
// send counter. If plaintext alone fits in one frame
// (len(plaintext)+FrameHeaderSize+AEADTagSize <= maxFrameSize), Split
// returns it unmodified as the sole element with no sub-header: a
// single-fragment message never carries one.
func Split(plaintext []byte, maxFrameSize int) ([][]byte, error) {
	singleFrameBudget := maxFrameSize - FrameHeaderSize - AEADTagSize
	if singleFrameBudget >= len(plaintext) {
		return [][]byte{plaintext}, nil
	}

	payloadPerFragment := maxFrameSize - FixedOverhead
	if payloadPerFragment <= 0 {
		return nil, transporterr.ErrFragmentIndexRange
	}

	total := (len(plaintext) + payloadPerFragment - 1) / payloadPerFragment
	if total > MaxFragments {
		return nil, transporterr.ErrTooManyFragments
	}

	messageID, err := randomMessageID()
	if err != nil {
		return nil, err
	}

	fragments := make([][]byte, 0, total)
	for i := 0; i < total; i++ {
		start := i * payloadPerFragment
		end := start + payloadPerFragment
		if end > len(plaintext) {
			end = len(plaintext)
		}

		h := header{
			MessageID:      messageID,
			FragmentIndex:  uint8(i),
			TotalFragments: uint8(total),
		}
		inner := make([]byte, 0, HeaderSize+(end-start))
		inner = append(inner, h.encode()...)
		inner = append(inner, plaintext[start:end]...)
		fragments = append(fragments, inner)
		metrics.FragmentsSent.Inc()
	}

	return fragments, nil
}

func randomMessageID() (uint16, error) {
	var buf [2]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(buf[:]), nil
}
