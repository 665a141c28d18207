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
	"context"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	"github.com/gpillon/pve-wol/internal/mac"
	"github.com/gpillon/pve-wol/internal/mapping"
)

// Invoker starts a VM. dryRun must follow the same path without side effects.
type Invoker interface {
	StartVM(ctx context.Context, vmid int, dryRun bool) error
}

// Outcome is the result of handling one datagram
type Outcome int

const (
	// OutcomeNotMagic means the payload was not a magic packet
	OutcomeNotMagic Outcome = iota
	// OutcomeNoMatch means no VM is mapped to the target MAC
	OutcomeNoMatch
	// OutcomeSuppressed means the VM was triggered inside the debounce window
	OutcomeSuppressed
	// OutcomeStarted means the invoker succeeded and the trigger was recorded
	OutcomeStarted
	// OutcomeFailed means the invoker failed; the VM stays eligible
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNotMagic:
		return "NotMagic"
	case OutcomeNoMatch:
		return "NoMatch"
	case OutcomeSuppressed:
		return "Suppressed"
	case OutcomeStarted:
		return "Started"
	case OutcomeFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// DispatcherOptions configures a Dispatcher
type DispatcherOptions struct {
	DebounceWindow time.Duration
	DryRun         bool
	// Clock defaults to the real clock
	Clock clock.PassiveClock
}

// Dispatcher routes a datagram through parse, lookup, debounce and start.
// It is driven by a single goroutine and holds no locks.
type Dispatcher struct {
	table   *mapping.Table
	gate    *DebounceGate
	invoker Invoker
	window  time.Duration
	dryRun  bool
	clock   clock.PassiveClock
	log     logr.Logger
}

// NewDispatcher creates a dispatcher. gate may be nil for a fresh one.
func NewDispatcher(table *mapping.Table, gate *DebounceGate, invoker Invoker, opts DispatcherOptions, log logr.Logger) *Dispatcher {
	if table == nil {
		table = mapping.NewTable()
	}
	if gate == nil {
		gate = NewDebounceGate()
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	return &Dispatcher{
		table:   table,
		gate:    gate,
		invoker: invoker,
		window:  opts.DebounceWindow,
		dryRun:  opts.DryRun,
		clock:   opts.Clock,
		log:     log,
	}
}

// Handle processes a single datagram received from the given sender.
// Nothing that happens here is fatal to the listener.
func (d *Dispatcher) Handle(ctx context.Context, payload []byte, from string) Outcome {
	PacketsTotal.Inc()

	target, valid := ParseMagicPacket(payload)
	if !valid {
		d.log.V(1).Info("Not a magic packet, ignoring", "from", from, "size", len(payload))
		return OutcomeNotMagic
	}
	MagicPacketsTotal.Inc()
	d.log.V(1).Info("Valid WOL packet received", "mac", target, "from", from)

	addr, err := mac.Canonicalize(target)
	if err != nil {
		// ParseMagicPacket already returns canonical text
		d.log.Error(err, "Unexpected non-canonical MAC from parser", "mac", target)
		ErrorsTotal.Inc()
		return OutcomeNotMagic
	}

	vmid, found := d.table.Lookup(addr)
	if !found {
		d.log.Info("No VM matches MAC, ignoring", "mac", addr, "from", from)
		UnmatchedTotal.Inc()
		return OutcomeNoMatch
	}

	now := d.clock.Now()
	if !d.gate.Allow(vmid, now, d.window) {
		last, _ := d.gate.LastTrigger(vmid)
		d.log.V(1).Info("Debounced WOL trigger", "vmid", vmid, "mac", addr,
			"sinceLast", now.Sub(last).String(), "window", d.window.String())
		DebouncedTotal.Inc()
		return OutcomeSuppressed
	}

	d.log.Info("Starting VM for WOL request", "vmid", vmid, "mac", addr, "from", from, "dryRun", d.dryRun)
	if err := d.invoker.StartVM(ctx, vmid, d.dryRun); err != nil {
		d.log.Error(err, "Failed to start VM", "vmid", vmid, "mac", addr)
		ErrorsTotal.Inc()
		return OutcomeFailed
	}

	d.gate.Record(vmid, now)
	VMStartedTotal.Inc()
	return OutcomeStarted
}
