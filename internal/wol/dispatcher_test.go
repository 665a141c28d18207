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
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/gpillon/pve-wol/internal/mapping"
)

// fakeInvoker records StartVM calls; it is shared with the listener suite
type fakeInvoker struct {
	mu     sync.Mutex
	calls  []int
	dryRun []bool
	err    error
}

func (f *fakeInvoker) StartVM(_ context.Context, vmid int, dryRun bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, vmid)
	f.dryRun = append(f.dryRun, dryRun)
	return f.err
}

func (f *fakeInvoker) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeInvoker) Calls() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.calls...)
}

func newTestDispatcher(invoker Invoker, clk *testingclock.FakeClock, dryRun bool) *Dispatcher {
	table := mapping.NewTable(
		mapping.Entry{MAC: "52:54:00:12:34:56", VMID: 100},
		mapping.Entry{MAC: "52:54:00:12:34:57", VMID: 100},
		mapping.Entry{MAC: "9e:fa:01:02:03:04", VMID: 101},
	)
	return NewDispatcher(table, nil, invoker, DispatcherOptions{
		DebounceWindow: 5 * time.Second,
		DryRun:         dryRun,
		Clock:          clk,
	}, logr.Discard())
}

var (
	vm100MAC = []byte{0x52, 0x54, 0x00, 0x12, 0x34, 0x56}
	vm100NIC = []byte{0x52, 0x54, 0x00, 0x12, 0x34, 0x57}
	vm101MAC = []byte{0x9e, 0xfa, 0x01, 0x02, 0x03, 0x04}
	unknown  = []byte{0xde, 0xad, 0xbe, 0xef, 0x00, 0x01}
)

func TestDispatcher_Handle(t *testing.T) {
	clk := testingclock.NewFakeClock(time.Unix(0, 0))
	invoker := &fakeInvoker{}
	d := newTestDispatcher(invoker, clk, false)
	ctx := context.Background()

	if got := d.Handle(ctx, []byte("hello"), "10.0.0.1:1234"); got != OutcomeNotMagic {
		t.Errorf("garbage: got %v, want NotMagic", got)
	}
	if got := d.Handle(ctx, createValidMagicPacket(unknown), "10.0.0.1:1234"); got != OutcomeNoMatch {
		t.Errorf("unknown MAC: got %v, want NoMatch", got)
	}
	if got := d.Handle(ctx, createValidMagicPacket(vm100MAC), "10.0.0.1:1234"); got != OutcomeStarted {
		t.Errorf("first trigger: got %v, want Started", got)
	}

	clk.Step(time.Second)
	if got := d.Handle(ctx, createValidMagicPacket(vm100MAC), "10.0.0.1:1234"); got != OutcomeSuppressed {
		t.Errorf("repeat inside window: got %v, want Suppressed", got)
	}
	// A second NIC of the same VM shares its debounce state
	if got := d.Handle(ctx, createValidMagicPacket(vm100NIC), "10.0.0.1:1234"); got != OutcomeSuppressed {
		t.Errorf("second NIC inside window: got %v, want Suppressed", got)
	}
	if got := d.Handle(ctx, createValidMagicPacket(vm101MAC), "10.0.0.1:1234"); got != OutcomeStarted {
		t.Errorf("other VM: got %v, want Started", got)
	}

	clk.Step(9 * time.Second)
	if got := d.Handle(ctx, createValidMagicPacket(vm100MAC), "10.0.0.1:1234"); got != OutcomeStarted {
		t.Errorf("after window: got %v, want Started", got)
	}

	want := []int{100, 101, 100}
	if got := invoker.Calls(); len(got) != len(want) || got[0] != 100 || got[1] != 101 || got[2] != 100 {
		t.Errorf("invocations = %v, want %v", got, want)
	}
}

func TestDispatcher_FailureNotDebounced(t *testing.T) {
	clk := testingclock.NewFakeClock(time.Unix(0, 0))
	invoker := &fakeInvoker{err: errors.New("qm: VM is locked")}
	d := newTestDispatcher(invoker, clk, false)
	ctx := context.Background()

	if got := d.Handle(ctx, createValidMagicPacket(vm100MAC), "10.0.0.1:9"); got != OutcomeFailed {
		t.Fatalf("got %v, want Failed", got)
	}

	invoker.setErr(nil)
	clk.Step(time.Second)
	if got := d.Handle(ctx, createValidMagicPacket(vm100MAC), "10.0.0.1:9"); got != OutcomeStarted {
		t.Errorf("retry after failure: got %v, want Started", got)
	}
	if n := len(invoker.Calls()); n != 2 {
		t.Errorf("Expected 2 invocations, got %d", n)
	}
}

func TestDispatcher_DryRunPassedThrough(t *testing.T) {
	invoker := &fakeInvoker{}
	d := newTestDispatcher(invoker, testingclock.NewFakeClock(time.Unix(0, 0)), true)

	if got := d.Handle(context.Background(), createValidMagicPacket(vm101MAC), "10.0.0.1:9"); got != OutcomeStarted {
		t.Fatalf("got %v, want Started", got)
	}
	if len(invoker.dryRun) != 1 || !invoker.dryRun[0] {
		t.Errorf("Expected dryRun=true to reach the invoker, got %v", invoker.dryRun)
	}
}

func TestDispatcher_EmptyTable(t *testing.T) {
	invoker := &fakeInvoker{}
	d := NewDispatcher(nil, nil, invoker, DispatcherOptions{}, logr.Discard())

	for i := 0; i < 3; i++ {
		if got := d.Handle(context.Background(), createValidMagicPacket(vm100MAC), "10.0.0.1:9"); got != OutcomeNoMatch {
			t.Errorf("got %v, want NoMatch", got)
		}
	}
	if len(invoker.Calls()) != 0 {
		t.Error("Expected no invocations with an empty table")
	}
}

func TestOutcome_String(t *testing.T) {
	if OutcomeSuppressed.String() != "Suppressed" || Outcome(42).String() != "Unknown" {
		t.Error("unexpected Outcome.String")
	}
}
