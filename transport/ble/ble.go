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

// Package ble documents the GATT service contract a platform BLE
// driver must expose to satisfy transport.Driver: a fixed service
// UUID and three characteristics. It holds no cgo or OS Bluetooth
// bindings — platform code calls into the framing helpers here and
// supplies its own central/peripheral role handling.
package ble

import "fmt"

// ServiceUUID is the fixed 128-bit GATT service UUID mesh peers
// advertise.
const ServiceUUID = "8f2c1a40-2e3b-4f5a-9c1e-7b6d4a0e9f21"

// Characteristic UUIDs for the RX, TX, and KeyExchange GATT
// characteristics a platform driver registers under ServiceUUID.
const (
	CharacteristicRX          = "8f2c1a41-2e3b-4f5a-9c1e-7b6d4a0e9f21"
	CharacteristicTX          = "8f2c1a42-2e3b-4f5a-9c1e-7b6d4a0e9f21"
	CharacteristicKeyExchange = "8f2c1a43-2e3b-4f5a-9c1e-7b6d4a0e9f21"
)

// Role distinguishes the GATT central (initiator, writes RX/reads TX)
// from the peripheral (advertiser, notifies TX/accepts RX writes).
type Role int

const (
	RoleCentral Role = iota
	RolePeripheral
)

// MinMTU is the smallest link MTU a conforming platform driver may
// report; BLE 4.0 ATT_MTU default minus the 3-byte ATT header.
const MinMTU = 20

// MaxCharacteristicValueLength bounds a single GATT write/notify
// payload under the 512-byte ATT maximum, leaving headroom for
// ATT/L2CAP framing the platform stack adds.
const MaxCharacteristicValueLength = 500

// FrameForCharacteristic validates that frame fits within one GATT
// write/notify, as a platform driver must before calling its native
// write API. Frames larger than this must already have been split by
// the fragmenter (fragment.Split) using the MTU this link negotiated.
func FrameForCharacteristic(frame []byte) error {
	if len(frame) > MaxCharacteristicValueLength {
		return fmt.Errorf("ble: frame of %d bytes exceeds characteristic value limit %d", len(frame), MaxCharacteristicValueLength)
	}
	return nil
}

// KeyExchangePayload is the public-key material written to or read
// from CharacteristicKeyExchange during the session handshake
// (cryptosession's EphemeralKeyPair.Public, 32 bytes for X25519).
type KeyExchangePayload struct {
	Provider byte
	Public   [32]byte
}

// Encode serializes a KeyExchangePayload for the KeyExchange
// characteristic: 1 provider byte followed by the 32-byte public key.
func (p KeyExchangePayload) Encode() []byte {
	out := make([]byte, 1+len(p.Public))
	out[0] = p.Provider
	copy(out[1:], p.Public[:])
	return out
}

// DecodeKeyExchangePayload parses bytes written to or read from the
// KeyExchange characteristic.
func DecodeKeyExchangePayload(data []byte) (KeyExchangePayload, error) {
	var p KeyExchangePayload
	if len(data) != 1+len(p.Public) {
		return p, fmt.Errorf("ble: key exchange payload has wrong length %d", len(data))
	}
	p.Provider = data[0]
	copy(p.Public[:], data[1:])
	return p, nil
}
