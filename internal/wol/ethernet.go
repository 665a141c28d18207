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
	"encoding/binary"
	"fmt"
	"net"
	"sort"
	"strings"

	"github.com/go-logr/logr"
)

const (
	etherTypeWOL  = 0x0842
	etherTypeVLAN = 0x8100
	ethHeaderLen  = 14
)

// decodeEthernetFrame returns the payload of a broadcast L2 WOL frame
func decodeEthernetFrame(frame []byte) ([]byte, bool) {
	if len(frame) <= ethHeaderLen {
		return nil, false
	}

	dstMAC := frame[0:6]
	etherType := binary.BigEndian.Uint16(frame[12:14])
	payload := frame[ethHeaderLen:]

	// VLAN 802.1Q tag: skip 4 bytes and read the inner EtherType
	if etherType == etherTypeVLAN {
		if len(payload) < 4 {
			return nil, false
		}
		etherType = binary.BigEndian.Uint16(payload[2:4])
		payload = payload[4:]
	}

	if etherType != etherTypeWOL || !isBroadcastMAC(dstMAC) {
		return nil, false
	}
	return payload, true
}

func isBroadcastMAC(b []byte) bool {
	if len(b) != 6 {
		return false
	}
	for i := 0; i < 6; i++ {
		if b[i] != 0xFF {
			return false
		}
	}
	return true
}

// htons converts uint16 from host to network byte order (big-endian)
func htons(v uint16) uint16 { return (v << 8) | (v >> 8) }

// GetCandidateInterfaces lists host interfaces worth listening on for L2 WOL:
// up, broadcast-capable physical NICs and Proxmox bridges, without the
// per-VM tap and firewall interfaces. Interfaces sharing a MAC collapse to
// the bridge.
func GetCandidateInterfaces(log logr.Logger) ([]net.Interface, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	return selectCandidateInterfaces(interfaces, log)
}

func selectCandidateInterfaces(interfaces []net.Interface, log logr.Logger) ([]net.Interface, error) {
	var result []net.Interface
	for _, iface := range interfaces {
		name := iface.Name

		if (iface.Flags&net.FlagLoopback) != 0 || (iface.Flags&net.FlagUp) == 0 {
			continue
		}
		if (iface.Flags & net.FlagBroadcast) == 0 {
			continue
		}

		// Per-VM interfaces created by qemu-server and the PVE firewall
		if strings.HasPrefix(name, "tap") ||
			strings.HasPrefix(name, "fwbr") ||
			strings.HasPrefix(name, "fwpr") ||
			strings.HasPrefix(name, "fwln") ||
			strings.HasPrefix(name, "veth") ||
			strings.Contains(name, "@if") {
			continue
		}

		if strings.HasPrefix(name, "en") ||
			strings.HasPrefix(name, "eth") ||
			strings.HasPrefix(name, "vmbr") {
			result = append(result, iface)
		}
	}

	if len(result) == 0 {
		return nil, fmt.Errorf("no suitable interfaces found")
	}

	// A bridge usually inherits the MAC of its first port; keep the bridge
	deduped := make(map[string]net.Interface)
	for _, iface := range result {
		key := iface.HardwareAddr.String()
		if key == "" {
			key = iface.Name
		}
		if existing, ok := deduped[key]; ok {
			if isBridge(existing.Name) || !isBridge(iface.Name) {
				log.V(1).Info("Skipping duplicate MAC", "iface", iface.Name, "mac", key, "kept", existing.Name)
				continue
			}
			log.V(1).Info("Replacing physical interface with bridge (same MAC)",
				"iface", iface.Name, "mac", key, "replaced", existing.Name)
		}
		deduped[key] = iface
	}

	final := make([]net.Interface, 0, len(deduped))
	for _, iface := range deduped {
		log.Info("Selected WOL interface candidate", "interface", iface.Name, "mac", iface.HardwareAddr.String())
		final = append(final, iface)
	}
	sort.Slice(final, func(i, j int) bool {
		return final[i].Name < final[j].Name
	})
	return final, nil
}

func isBridge(name string) bool {
	return strings.HasPrefix(name, "vmbr")
}
