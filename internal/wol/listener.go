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
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sys/unix"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/apimachinery/pkg/util/sets"
)

const (
	// DefaultPollInterval bounds each readiness wait so cancellation is noticed
	DefaultPollInterval = time.Second
	// DefaultReadBuffer is the SO_RCVBUF requested for each socket
	DefaultReadBuffer = 64 * 1024
)

// DefaultPorts are the conventional WOL ports
var DefaultPorts = []int{DefaultWOLPort, EchoWOLPort}

// PacketHandler processes one datagram. It must not block indefinitely.
type PacketHandler interface {
	Handle(ctx context.Context, payload []byte, from string) Outcome
}

// ListenerOptions configures the sockets a Listener binds
type ListenerOptions struct {
	// BindAddress is an IPv4 address, empty for all interfaces
	BindAddress string
	// Ports are deduplicated; 0 binds an ephemeral port
	Ports []int
	// RawInterfaces additionally receive L2 WOL frames (EtherType 0x0842).
	// "auto" selects candidate host interfaces.
	RawInterfaces []string
	PollInterval  time.Duration
	ReadBuffer    int
}

// endpoint is one bound socket in the poll set
type endpoint struct {
	fd   int
	name string
	addr string
	// decode extracts the magic packet payload from what the socket returns;
	// nil means the datagram is the payload
	decode func(frame []byte) ([]byte, bool)
	// source describes the sender for logging
	source func(frame []byte, from unix.Sockaddr) string
	// disabled endpoints stay open but are left out of the poll set
	disabled bool
}

// Listener multiplexes WOL sockets on a single goroutine and hands each
// datagram to a PacketHandler synchronously.
type Listener struct {
	opts      ListenerOptions
	handler   PacketHandler
	log       logr.Logger
	endpoints []*endpoint
	ready     atomic.Bool
}

// NewListener creates a new WOL listener
func NewListener(opts ListenerOptions, handler PacketHandler, log logr.Logger) *Listener {
	if opts.BindAddress == "" {
		opts.BindAddress = net.IPv4zero.String()
	}
	if opts.Ports == nil {
		opts.Ports = DefaultPorts
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.ReadBuffer <= 0 {
		opts.ReadBuffer = DefaultReadBuffer
	}
	return &Listener{
		opts:    opts,
		handler: handler,
		log:     log,
	}
}

// Run binds every socket, serves until ctx is cancelled and releases the
// sockets. Only startup failures are returned.
func (l *Listener) Run(ctx context.Context) error {
	if err := l.Bind(); err != nil {
		return err
	}
	defer l.Close()
	return l.Serve(ctx)
}

// Bind opens all configured sockets. If any of them fails, the ones already
// opened are closed and the aggregated error is returned.
func (l *Listener) Bind() error {
	ip := net.ParseIP(l.opts.BindAddress).To4()
	if ip == nil {
		return fmt.Errorf("bind address %q is not an IPv4 address", l.opts.BindAddress)
	}

	ports := sets.List(sets.New(l.opts.Ports...))
	if len(ports) == 0 && len(l.opts.RawInterfaces) == 0 {
		return errors.New("no ports to listen on")
	}

	var errs []error
	for _, port := range ports {
		ep, err := l.bindUDP(ip, port)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		l.endpoints = append(l.endpoints, ep)
	}

	ifaces, err := l.rawInterfaceNames()
	if err != nil {
		errs = append(errs, err)
	}
	for _, name := range ifaces {
		ep, err := openRawEndpoint(name, l.log.WithValues("iface", name))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		l.endpoints = append(l.endpoints, ep)
	}

	if len(errs) > 0 {
		l.Close()
		return utilerrors.NewAggregate(errs)
	}

	for _, ep := range l.endpoints {
		l.log.Info("WOL listener bound", "endpoint", ep.name, "address", ep.addr)
	}
	return nil
}

func (l *Listener) rawInterfaceNames() ([]string, error) {
	names := sets.New[string]()
	for _, name := range l.opts.RawInterfaces {
		if name != "auto" {
			names.Insert(name)
			continue
		}
		candidates, err := GetCandidateInterfaces(l.log)
		if err != nil {
			return sets.List(names), fmt.Errorf("failed to select raw interfaces: %w", err)
		}
		for _, iface := range candidates {
			names.Insert(iface.Name)
		}
	}
	return sets.List(names), nil
}

// bindUDP opens a broadcast-capable, non-blocking UDP socket for exclusive use
func (l *Listener) bindUDP(ip net.IP, port int) (*endpoint, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, unix.IPPROTO_UDP)
	if err != nil {
		return nil, fmt.Errorf("failed to create UDP socket for port %d: %w", port, err)
	}
	unix.CloseOnExec(fd)

	// No SO_REUSEADDR or SO_REUSEPORT: a port held by another socket must fail the bind
	// Enable SO_BROADCAST (essential for WOL)
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_BROADCAST, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("SO_BROADCAST on port %d: %w", port, err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, l.opts.ReadBuffer); err != nil {
		l.log.Error(err, "Failed to set read buffer size", "port", port)
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to set non-blocking mode on port %d: %w", port, err)
	}

	sa := &unix.SockaddrInet4{Port: port}
	copy(sa.Addr[:], ip)
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to listen on UDP %s: %w", net.JoinHostPort(ip.String(), strconv.Itoa(port)), err)
	}

	// Resolve the actual port when 0 was requested
	addr := net.JoinHostPort(ip.String(), strconv.Itoa(port))
	if local, err := unix.Getsockname(fd); err == nil {
		if in4, ok := local.(*unix.SockaddrInet4); ok {
			addr = net.JoinHostPort(net.IP(in4.Addr[:]).String(), strconv.Itoa(in4.Port))
		}
	}

	return &endpoint{
		fd:   fd,
		name: "udp",
		addr: addr,
		source: func(_ []byte, from unix.Sockaddr) string {
			return sockaddrString(from)
		},
	}, nil
}

// Serve runs the readiness loop over the bound sockets until ctx is cancelled.
// Transient poll failures are logged and retried; only a broken fd set
// (EBADF, EINVAL) ends the loop with an error.
func (l *Listener) Serve(ctx context.Context) error {
	if len(l.endpoints) == 0 {
		return errors.New("listener has no bound sockets")
	}

	l.ready.Store(true)
	defer l.ready.Store(false)

	fds := make([]unix.PollFd, len(l.endpoints))
	buffer := make([]byte, MaxDatagramSize)
	timeout := int(l.opts.PollInterval / time.Millisecond)

	l.log.Info("WOL listener loop started, waiting for packets...", "sockets", len(l.endpoints))

	for {
		if ctx.Err() != nil {
			l.log.Info("Listener context done, exiting")
			return nil
		}

		for i, ep := range l.endpoints {
			fd := int32(ep.fd)
			if ep.disabled {
				// poll ignores negative descriptors
				fd = -1
			}
			fds[i] = unix.PollFd{Fd: fd, Events: unix.POLLIN}
		}

		n, err := unix.Poll(fds, timeout)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if pollErrorFatal(err) {
				return fmt.Errorf("poll error: %w", err)
			}
			l.log.Error(err, "Poll failed, retrying")
			ErrorsTotal.Inc()
			select {
			case <-ctx.Done():
			case <-time.After(l.opts.PollInterval):
			}
			continue
		}
		if n == 0 {
			continue
		}

		// Drain one datagram from every ready socket per iteration so a busy
		// socket cannot starve the others
		for i := range fds {
			revents := fds[i].Revents
			if revents&unix.POLLIN != 0 {
				l.readOne(ctx, l.endpoints[i], buffer)
				continue
			}
			if revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
				l.handlePollError(l.endpoints[i], revents)
			}
		}
	}
}

// pollErrorFatal reports whether a poll failure means the fd set itself is broken
func pollErrorFatal(err error) bool {
	return errors.Is(err, unix.EBADF) || errors.Is(err, unix.EINVAL)
}

// handlePollError clears a pending socket error so poll stops reporting it.
// An endpoint that hung up or whose fd is invalid is removed from the poll set.
func (l *Listener) handlePollError(ep *endpoint, revents int16) {
	if revents&(unix.POLLHUP|unix.POLLNVAL) != 0 {
		l.log.Error(nil, "Socket hung up, no longer polling it", "endpoint", ep.name, "address", ep.addr,
			"revents", fmt.Sprintf("%#x", revents))
		ErrorsTotal.Inc()
		ep.disabled = true
		return
	}

	soErr, err := unix.GetsockoptInt(ep.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		l.log.Error(err, "Failed to read socket error", "endpoint", ep.name, "address", ep.addr)
		ErrorsTotal.Inc()
		ep.disabled = true
		return
	}
	if soErr == 0 {
		l.log.V(1).Info("Poll reported an error with none pending", "endpoint", ep.name, "address", ep.addr)
		return
	}
	l.log.Error(unix.Errno(soErr), "Socket error", "endpoint", ep.name, "address", ep.addr)
	ErrorsTotal.Inc()
}

func (l *Listener) readOne(ctx context.Context, ep *endpoint, buffer []byte) {
	n, from, err := unix.Recvfrom(ep.fd, buffer, 0)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
			return
		}
		l.log.Error(err, "Error reading packet", "endpoint", ep.name, "address", ep.addr)
		ErrorsTotal.Inc()
		return
	}

	payload := buffer[:n]
	source := ep.source(payload, from)
	if ep.decode != nil {
		var ok bool
		if payload, ok = ep.decode(payload); !ok {
			return
		}
	}

	l.log.V(2).Info("Packet received", "from", source, "size", len(payload), "endpoint", ep.name)
	l.handler.Handle(ctx, payload, source)
}

// Close releases all sockets
func (l *Listener) Close() {
	for _, ep := range l.endpoints {
		if err := unix.Close(ep.fd); err != nil {
			l.log.Error(err, "Failed to close socket", "endpoint", ep.name, "address", ep.addr)
		}
	}
	if len(l.endpoints) > 0 {
		l.log.Info("WOL listener stopped")
	}
	l.endpoints = nil
}

// LocalAddrs returns the bound UDP addresses
func (l *Listener) LocalAddrs() []string {
	var addrs []string
	for _, ep := range l.endpoints {
		if ep.name == "udp" {
			addrs = append(addrs, ep.addr)
		}
	}
	return addrs
}

// Ready reports whether the loop is serving
func (l *Listener) Ready() bool {
	return l.ready.Load()
}

func sockaddrString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	default:
		return "unknown"
	}
}
