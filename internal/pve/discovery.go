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

// Package pve integrates with a Proxmox VE host: it discovers VM NIC MACs
// from qemu-server configuration and starts VMs with qm.
package pve

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/go-logr/logr"

	"github.com/gpillon/pve-wol/internal/mac"
	"github.com/gpillon/pve-wol/internal/mapping"
)

// DefaultConfDir is where Proxmox keeps the local node's VM configs
const DefaultConfDir = "/etc/pve/qemu-server"

var (
	// net0: virtio=AA:BB:CC:DD:EE:FF,bridge=vmbr0 (and the other emulated NIC models)
	nicModelRe = regexp.MustCompile(`(?:virtio|e1000e|e1000|rtl8139|vmxnet3|ne2k_pci|ne2k_isa|i82551|i82557b|i82559er|pcnet)\s*=\s*([0-9A-Fa-f:]{17})`)
	// net0: bridge=vmbr0,macaddr=AA:BB:CC:DD:EE:FF
	macAddrRe = regexp.MustCompile(`macaddr=([0-9A-Fa-f:]{17})`)
)

// Scanner discovers MAC -> VMID pairs from <vmid>.conf files
type Scanner struct {
	dir string
	log logr.Logger
}

// NewScanner creates a scanner for dir, defaulting to DefaultConfDir
func NewScanner(dir string, log logr.Logger) *Scanner {
	if dir == "" {
		dir = DefaultConfDir
	}
	return &Scanner{dir: dir, log: log}
}

// Discover implements mapping.Discoverer. A missing directory yields an
// empty result; files that cannot be read are skipped.
func (s *Scanner) Discover(ctx context.Context) ([]mapping.Entry, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.log.Info("VM config directory does not exist, skipping discovery", "dir", s.dir)
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read VM config directory %s: %w", s.dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".conf" {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	// Later files overwrite earlier ones for a duplicated MAC
	found := make(map[string]int)
	order := make([]string, 0)
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		vmid, err := strconv.Atoi(strings.TrimSuffix(name, ".conf"))
		if err != nil || vmid <= 0 {
			continue
		}

		path := filepath.Join(s.dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			s.log.V(1).Info("Failed to read VM config", "path", path, "error", err.Error())
			continue
		}

		for _, addr := range s.scanConfig(data) {
			if _, seen := found[addr]; !seen {
				order = append(order, addr)
			}
			found[addr] = vmid
			s.log.V(1).Info("Discovered VM MAC", "mac", addr, "vmid", vmid)
		}
	}

	result := make([]mapping.Entry, 0, len(order))
	for _, addr := range order {
		result = append(result, mapping.Entry{MAC: addr, VMID: found[addr]})
	}
	return result, nil
}

// scanConfig extracts canonical MACs from the netN lines of a VM config
func (s *Scanner) scanConfig(data []byte) []string {
	var macs []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "net") {
			continue
		}

		m := nicModelRe.FindStringSubmatch(line)
		if m == nil {
			m = macAddrRe.FindStringSubmatch(line)
		}
		if m == nil {
			continue
		}

		addr, err := mac.Canonicalize(m[1])
		if err != nil {
			s.log.V(1).Info("Ignoring config line", "line", line, "reason", err.Error())
			continue
		}
		macs = append(macs, addr)
	}
	return macs
}
