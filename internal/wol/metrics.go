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
	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	// PacketsTotal counts every datagram read from a listening socket
	PacketsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wol_packets_total",
			Help: "Number of datagrams received on WOL sockets",
		},
	)

	// MagicPacketsTotal counts datagrams that parsed as magic packets
	MagicPacketsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wol_magic_packets_total",
			Help: "Number of valid Wake-on-LAN magic packets received",
		},
	)

	// UnmatchedTotal counts magic packets for MACs without a VM
	UnmatchedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wol_unmatched_total",
			Help: "Number of magic packets whose MAC matched no VM",
		},
	)

	// DebouncedTotal counts triggers suppressed by the debounce window
	DebouncedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wol_debounced_total",
			Help: "Number of VM triggers suppressed by debounce",
		},
	)

	// VMStartedTotal counts the number of VMs started via WOL
	VMStartedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wol_vm_started_total",
			Help: "Number of VMs started via WOL",
		},
	)

	// ErrorsTotal counts the number of errors during WOL handling
	ErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wol_errors_total",
			Help: "Number of errors during WOL handling",
		},
	)

	// ManagedVMs is a gauge for the number of MACs in the mapping table
	ManagedVMs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "wol_managed_vms",
			Help: "Number of MAC addresses mapped to VMs",
		},
	)
)

func init() {
	// Register metrics with controller-runtime's registry
	metrics.Registry.MustRegister(
		PacketsTotal,
		MagicPacketsTotal,
		UnmatchedTotal,
		DebouncedTotal,
		VMStartedTotal,
		ErrorsTotal,
		ManagedVMs,
	)
}
