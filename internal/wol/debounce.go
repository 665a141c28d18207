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

import "time"

// DebounceGate tracks the last successful trigger per VM and suppresses
// re-triggering inside a cooldown window.
//
// A DebounceGate is not safe for concurrent use. The dispatcher is its only
// caller and runs on the listener goroutine.
type DebounceGate struct {
	lastTrigger map[int]time.Time
}

// NewDebounceGate creates an empty gate
func NewDebounceGate() *DebounceGate {
	return &DebounceGate{
		lastTrigger: make(map[int]time.Time),
	}
}

// Allow reports whether vmid may be triggered at now: true if it was never
// recorded, or if at least window has elapsed since the last record.
func (g *DebounceGate) Allow(vmid int, now time.Time, window time.Duration) bool {
	last, exists := g.lastTrigger[vmid]
	if !exists {
		return true
	}
	return now.Sub(last) >= window
}

// Record stores now as the last trigger time for vmid, overwriting any previous value.
func (g *DebounceGate) Record(vmid int, now time.Time) {
	g.lastTrigger[vmid] = now
}

// LastTrigger returns the last recorded trigger time for vmid
func (g *DebounceGate) LastTrigger(vmid int) (time.Time, bool) {
	t, ok := g.lastTrigger[vmid]
	return t, ok
}
