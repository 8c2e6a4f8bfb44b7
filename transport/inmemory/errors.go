// SPDX-License-Identifier: LGPL-3.0-or-later

package inmemory

import (
	"fmt"

	"github.com/duskmesh/transport-core/identity"
)

func transportNoListener(address string) error {
	return fmt.Errorf("inmemory: no listener at %q", address)
}

func transportNotConnected(peer identity.PeerID) error {
	return fmt.Errorf("inmemory: not connected to peer")
}

func transportClosed() error {
	return fmt.Errorf("inmemory: driver closed")
}
