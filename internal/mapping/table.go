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

// Package mapping resolves MAC addresses to Proxmox VM ids.
package mapping

import (
	"context"
	"fmt"
	"sort"

	"github.com/go-logr/logr"

	"github.com/gpillon/pve-wol/internal/mac"
)

// Entry is a single MAC -> VMID pair
type Entry struct {
	MAC  string
	VMID int
}

// Source yields operator-supplied entries. Keys are raw text and are
// canonicalized by Build.
type Source interface {
	Load(ctx context.Context) ([]RawEntry, error)
}

// Discoverer yields entries derived from VM configuration.
type Discoverer interface {
	Discover(ctx context.Context) ([]Entry, error)
}

// Table is the immutable MAC -> VMID mapping used by the listener.
// It is never mutated after Build returns, so lookups need no locking.
type Table struct {
	mapping map[string]int // canonical MAC -> VMID
}

// NewTable builds a table from already canonical entries. Later entries do
// not replace earlier ones.
func NewTable(entries ...Entry) *Table {
	t := &Table{mapping: make(map[string]int, len(entries))}
	for _, e := range entries {
		if _, exists := t.mapping[e.MAC]; !exists {
			t.mapping[e.MAC] = e.VMID
		}
	}
	return t
}

// Lookup returns the VMID for a MAC address in any accepted textual form
func (t *Table) Lookup(macAddress string) (int, bool) {
	addr, err := mac.Canonicalize(macAddress)
	if err != nil {
		return 0, false
	}
	vmid, found := t.mapping[addr]
	return vmid, found
}

// Len returns the number of MAC addresses in the table
func (t *Table) Len() int {
	return len(t.mapping)
}

// Entries returns a copy of the table sorted by MAC
func (t *Table) Entries() []Entry {
	out := make([]Entry, 0, len(t.mapping))
	for m, id := range t.mapping {
		out = append(out, Entry{MAC: m, VMID: id})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MAC < out[j].MAC })
	return out
}

// Summary describes how a table was assembled
type Summary struct {
	ExplicitLoaded     int
	ExplicitInvalid    int
	Discovered         int
	DiscoveredShadowed int
	Total              int
}

// Build assembles the table. Explicit entries always win; discovered entries
// only fill MACs the explicit source did not name. explicit may be nil.
// When explicit keys name the same MAC, the first one in source order is kept.
//
// An entry whose key or value is unusable is dropped with a warning. Errors
// from the explicit source are returned only when it reports them as
// required (see FileSource); discovery errors are always returned.
func Build(ctx context.Context, explicit Source, discovery Discoverer, log logr.Logger) (*Table, Summary, error) {
	var summary Summary
	table := &Table{mapping: make(map[string]int)}

	if explicit != nil {
		raw, err := explicit.Load(ctx)
		if err != nil {
			return nil, summary, fmt.Errorf("failed to load explicit mapping: %w", err)
		}
		for _, r := range raw {
			entry, err := r.resolve()
			if err != nil {
				summary.ExplicitInvalid++
				log.Info("Ignoring mapping entry", "key", r.Key, "value", r.Value, "reason", err.Error())
				continue
			}
			if kept, dup := table.mapping[entry.MAC]; dup {
				summary.ExplicitInvalid++
				log.Info("Ignoring duplicate mapping entry", "key", r.Key, "mac", entry.MAC,
					"vmid", entry.VMID, "keptVMID", kept)
				continue
			}
			table.mapping[entry.MAC] = entry.VMID
			summary.ExplicitLoaded++
		}
	}

	if discovery != nil {
		discovered, err := discovery.Discover(ctx)
		if err != nil {
			return nil, summary, fmt.Errorf("failed to discover VM MACs: %w", err)
		}
		for _, e := range discovered {
			addr, err := mac.Canonicalize(e.MAC)
			if err != nil {
				log.Info("Ignoring discovered entry", "mac", e.MAC, "vmid", e.VMID, "reason", err.Error())
				continue
			}
			e.MAC = addr
			summary.Discovered++
			if existing, exists := table.mapping[e.MAC]; exists {
				summary.DiscoveredShadowed++
				log.V(1).Info("Explicit mapping overrides discovered MAC",
					"mac", e.MAC, "vmid", existing, "discoveredVMID", e.VMID)
				continue
			}
			table.mapping[e.MAC] = e.VMID
		}
	}

	summary.Total = len(table.mapping)
	return table, summary, nil
}
