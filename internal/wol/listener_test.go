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
	"net"
	"time"

	"github.com/go-logr/logr"
	wolclient "github.com/mdlayher/wol"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/gpillon/pve-wol/internal/mapping"
)

// freePort returns a UDP port that was free a moment ago
func freePort() int {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	Expect(err).NotTo(HaveOccurred())
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).Port
}

func sendRaw(addr string, payload []byte) {
	conn, err := net.Dial("udp4", addr)
	Expect(err).NotTo(HaveOccurred())
	defer conn.Close()
	_, err = conn.Write(payload)
	Expect(err).NotTo(HaveOccurred())
}

// countingHandler wraps a Dispatcher and keeps the outcomes it produced
type countingHandler struct {
	*Dispatcher
	outcomes chan Outcome
}

func (h *countingHandler) Handle(ctx context.Context, payload []byte, from string) Outcome {
	o := h.Dispatcher.Handle(ctx, payload, from)
	h.outcomes <- o
	return o
}

var _ = Describe("Listener", func() {
	const (
		timeout  = time.Second * 5
		interval = time.Millisecond * 20
	)

	var (
		ctx      context.Context
		cancel   context.CancelFunc
		clk      *testingclock.FakeClock
		invoker  *fakeInvoker
		handler  *countingHandler
		listener *Listener
		served   chan error
		client   *wolclient.Client
	)

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
		clk = testingclock.NewFakeClock(time.Unix(1_700_000_000, 0))
		invoker = &fakeInvoker{}

		table := mapping.NewTable(mapping.Entry{MAC: "52:54:00:12:34:56", VMID: 100})
		dispatcher := NewDispatcher(table, NewDebounceGate(), invoker, DispatcherOptions{
			DebounceWindow: 5 * time.Second,
			Clock:          clk,
		}, logr.Discard())
		handler = &countingHandler{Dispatcher: dispatcher, outcomes: make(chan Outcome, 64)}

		listener = NewListener(ListenerOptions{
			BindAddress:  "127.0.0.1",
			Ports:        []int{freePort(), freePort()},
			PollInterval: 50 * time.Millisecond,
		}, handler, logr.Discard())
		Expect(listener.Bind()).To(Succeed())

		served = make(chan error, 1)
		go func() {
			defer GinkgoRecover()
			served <- listener.Serve(ctx)
		}()
		Eventually(listener.Ready, timeout, interval).Should(BeTrue())

		var err error
		client, err = wolclient.NewClient()
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		_ = client.Close()
		cancel()
		Eventually(served, timeout).Should(Receive(BeNil()))
		listener.Close()
	})

	wake := func(addr string) {
		Expect(client.Wake(addr, net.HardwareAddr(vm100MAC))).To(Succeed())
	}

	It("binds every requested port", func() {
		Expect(listener.LocalAddrs()).To(HaveLen(2))
	})

	It("starts a mapped VM once for two packets inside the debounce window", func() {
		addr := listener.LocalAddrs()[0]

		By("sending the first packet")
		wake(addr)
		Eventually(handler.outcomes, timeout).Should(Receive(Equal(OutcomeStarted)))

		By("sending the same packet one second later")
		clk.Step(time.Second)
		wake(addr)
		Eventually(handler.outcomes, timeout).Should(Receive(Equal(OutcomeSuppressed)))

		Expect(invoker.Calls()).To(Equal([]int{100}))
	})

	It("starts a mapped VM twice for packets ten seconds apart", func() {
		addr := listener.LocalAddrs()[0]

		wake(addr)
		Eventually(handler.outcomes, timeout).Should(Receive(Equal(OutcomeStarted)))

		clk.Step(10 * time.Second)
		wake(addr)
		Eventually(handler.outcomes, timeout).Should(Receive(Equal(OutcomeStarted)))

		Expect(invoker.Calls()).To(Equal([]int{100, 100}))
	})

	It("serves all ports from the same loop", func() {
		addrs := listener.LocalAddrs()

		wake(addrs[1])
		Eventually(handler.outcomes, timeout).Should(Receive(Equal(OutcomeStarted)))

		clk.Step(time.Second)
		wake(addrs[0])
		Eventually(handler.outcomes, timeout).Should(Receive(Equal(OutcomeSuppressed)))
	})

	It("ignores unmatched MACs and keeps serving", func() {
		addr := listener.LocalAddrs()[0]

		Expect(client.Wake(addr, net.HardwareAddr(unknown))).To(Succeed())
		Eventually(handler.outcomes, timeout).Should(Receive(Equal(OutcomeNoMatch)))

		sendRaw(addr, []byte("definitely not a magic packet"))
		Eventually(handler.outcomes, timeout).Should(Receive(Equal(OutcomeNotMagic)))

		wake(addr)
		Eventually(handler.outcomes, timeout).Should(Receive(Equal(OutcomeStarted)))
		Expect(invoker.Calls()).To(Equal([]int{100}))
	})

	It("accepts magic packets with a password trailer", func() {
		Expect(client.WakePassword(listener.LocalAddrs()[0], net.HardwareAddr(vm100MAC), []byte{1, 2, 3, 4, 5, 6})).To(Succeed())
		Eventually(handler.outcomes, timeout).Should(Receive(Equal(OutcomeStarted)))
	})

	It("keeps a failed start eligible for the next packet", func() {
		addr := listener.LocalAddrs()[0]
		invoker.setErr(context.DeadlineExceeded)

		wake(addr)
		Eventually(handler.outcomes, timeout).Should(Receive(Equal(OutcomeFailed)))

		invoker.setErr(nil)
		wake(addr)
		Eventually(handler.outcomes, timeout).Should(Receive(Equal(OutcomeStarted)))
		Expect(invoker.Calls()).To(HaveLen(2))
	})
})

var _ = Describe("Listener startup", func() {
	It("fails when a requested port is already in use", func() {
		busy, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
		Expect(err).NotTo(HaveOccurred())
		defer busy.Close()

		port := busy.LocalAddr().(*net.UDPAddr).Port
		l := NewListener(ListenerOptions{
			BindAddress: "127.0.0.1",
			Ports:       []int{freePort(), port},
		}, &countingHandler{outcomes: make(chan Outcome, 1)}, logr.Discard())

		err = l.Run(context.Background())
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("failed to listen on UDP"))
		Expect(l.LocalAddrs()).To(BeEmpty())
	})

	It("fails when another listener already holds the port", func() {
		port := freePort()
		opts := ListenerOptions{BindAddress: "127.0.0.1", Ports: []int{port}}

		first := NewListener(opts, nil, logr.Discard())
		Expect(first.Bind()).To(Succeed())
		defer first.Close()

		second := NewListener(opts, nil, logr.Discard())
		err := second.Bind()
		Expect(err).To(MatchError(ContainSubstring("failed to listen on UDP")))
		Expect(second.LocalAddrs()).To(BeEmpty())
	})

	It("rejects a non-IPv4 bind address", func() {
		l := NewListener(ListenerOptions{BindAddress: "::1", Ports: []int{0}}, nil, logr.Discard())
		Expect(l.Bind()).To(MatchError(ContainSubstring("not an IPv4 address")))
	})

	It("rejects an empty port set", func() {
		l := NewListener(ListenerOptions{BindAddress: "127.0.0.1", Ports: []int{}}, nil, logr.Discard())
		Expect(l.Bind()).To(MatchError(ContainSubstring("no ports")))
	})

	It("releases its sockets when cancelled", func() {
		port := freePort()
		opts := ListenerOptions{BindAddress: "127.0.0.1", Ports: []int{port}, PollInterval: 20 * time.Millisecond}
		l := NewListener(opts, &countingHandler{outcomes: make(chan Outcome, 1)}, logr.Discard())

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- l.Run(ctx) }()
		Eventually(l.Ready, 5*time.Second).Should(BeTrue())

		cancel()
		Eventually(done, 5*time.Second).Should(Receive(BeNil()))

		again := NewListener(opts, nil, logr.Discard())
		Expect(again.Bind()).To(Succeed())
		again.Close()
	})

	It("defaults to the conventional WOL ports on all interfaces", func() {
		l := NewListener(ListenerOptions{}, nil, logr.Discard())
		Expect(l.opts.BindAddress).To(Equal("0.0.0.0"))
		Expect(l.opts.Ports).To(ConsistOf(9, 7))
	})
})
