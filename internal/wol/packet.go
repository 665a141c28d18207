/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package wol

import (
	"bytes"

	"github.com/gpillon/pve-wol/internal/mac"
)

const (
	// DefaultWOLPort is the standard Wake-on-LAN UDP port
	DefaultWOLPort = 9
	// EchoWOLPort is the legacy echo port some senders still use
	EchoWOLPort = 7
	// MagicPacketSize is the minimum size of a WOL magic packet (6 + 6*16 = 102 bytes)
	MagicPacketSize = 6 + 16*6
	// MaxDatagramSize bounds a single read; valid packets are at most 108 bytes
	MaxDatagramSize = 2048

	syncLen = 6
	macLen  = 6
	macReps = 16
)

// ParseMagicPacket validates and extracts the MAC address from a WOL magic packet.
// A valid magic packet contains:
// - 6 bytes of 0xFF
// - 16 repetitions of the target MAC address (6 bytes each)
// - optionally a 4 or 6 byte password, which is not inspected
//
// Arbitrary UDP traffic is expected, so malformed input yields ok == false
// rather than an error.
func ParseMagicPacket(packet []byte) (string, bool) {
	if len(packet) < MagicPacketSize {
		return "", false
	}

	for i := 0; i < syncLen; i++ {
		if packet[i] != 0xFF {
			return "", false
		}
	}

	target := packet[syncLen : syncLen+macLen]
	for i := 1; i < macReps; i++ {
		offset := syncLen + i*macLen
		if !bytes.Equal(packet[offset:offset+macLen], target) {
			return "", false
		}
	}

	addr, err := mac.FromBytes(target)
	if err != nil {
		return "", false
	}
	return addr, true
}
