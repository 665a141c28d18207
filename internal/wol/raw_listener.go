//go:build linux

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
	"fmt"
	"net"

	"github.com/go-logr/logr"
	"golang.org/x/sys/unix"
)

// openRawEndpoint opens an AF_PACKET socket on the named interface that only
// accepts EtherType 0x0842 frames (L2 Wake-on-LAN). Requires CAP_NET_RAW.
func openRawEndpoint(interfaceName string, log logr.Logger) (*endpoint, error) {
	ifi, err := net.InterfaceByName(interfaceName)
	if err != nil {
		return nil, fmt.Errorf("failed to get interface %s: %w", interfaceName, err)
	}

	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, int(htons(unix.ETH_P_ALL)))
	if err != nil {
		return nil, fmt.Errorf("failed to create raw socket: %w (requires CAP_NET_RAW)", err)
	}
	unix.CloseOnExec(fd)

	// Attach the filter before binding so no unrelated frame is queued.
	// Classic BPF: load half at [12] (EtherType), accept if == 0x0842, else drop
	bpf := []unix.SockFilter{
		{Code: 0x28, Jt: 0, Jf: 0, K: 12},
		{Code: 0x15, Jt: 0, Jf: 1, K: etherTypeWOL},
		{Code: 0x6, Jt: 0, Jf: 0, K: 0x00040000},
		{Code: 0x6, Jt: 0, Jf: 0, K: 0x00000000},
	}
	fprog := unix.SockFprog{
		Len:    uint16(len(bpf)),
		Filter: &bpf[0],
	}
	if err := unix.SetsockoptSockFprog(fd, unix.SOL_SOCKET, unix.SO_ATTACH_FILTER, &fprog); err != nil {
		log.V(1).Info("Failed to attach BPF filter (continuing)", "error", err.Error())
	}

	addr := &unix.SockaddrLinklayer{
		Protocol: htons(unix.ETH_P_ALL),
		Ifindex:  ifi.Index,
	}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to bind to interface %s: %w", ifi.Name, err)
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to set non-blocking mode on %s: %w", ifi.Name, err)
	}

	name := ifi.Name
	return &endpoint{
		fd:     fd,
		name:   "raw",
		addr:   name,
		decode: decodeEthernetFrame,
		source: func(frame []byte, _ unix.Sockaddr) string {
			if len(frame) < 12 {
				return name
			}
			return name + "/" + net.HardwareAddr(frame[6:12]).String()
		},
	}, nil
}
