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

package health

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

const shutdownTimeout = 5 * time.Second

// ReadinessSource reports whether the packet loop is serving
type ReadinessSource interface {
	Ready() bool
}

// Server exposes liveness, readiness and Prometheus metrics over HTTP
type Server struct {
	addr  string
	ready ReadinessSource
	log   logr.Logger
}

// NewServer creates a health server listening on addr
func NewServer(addr string, ready ReadinessSource, log logr.Logger) *Server {
	return &Server{addr: addr, ready: ready, log: log}
}

// Handler returns the mux serving /healthz, /readyz and /metrics
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	live := &healthz.Handler{Checks: map[string]healthz.Checker{"ping": healthz.Ping}}
	ready := &healthz.Handler{Checks: map[string]healthz.Checker{"listener": s.listenerCheck}}

	mount(mux, "/healthz", live)
	mount(mux, "/readyz", ready)
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{
		ErrorLog: promLogger{s.log},
	}))
	return mux
}

func mount(mux *http.ServeMux, path string, h http.Handler) {
	mux.Handle(path, http.StripPrefix(path, h))
	mux.Handle(path+"/", http.StripPrefix(path, h))
}

func (s *Server) listenerCheck(_ *http.Request) error {
	if s.ready == nil || !s.ready.Ready() {
		return errors.New("WOL listener not serving")
	}
	return nil
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run over an existing listener
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.log.Info("Starting health check server", "address", ln.Addr().String())

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.log.Error(err, "Failed to shutdown health check server")
		}
	}()

	if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("health check server failed: %w", err)
	}
	return nil
}

// promLogger adapts logr to promhttp's error logger
type promLogger struct {
	log logr.Logger
}

func (p promLogger) Println(v ...interface{}) {
	p.log.Error(fmt.Errorf("%s", fmt.Sprintln(v...)), "Metrics handler error")
}
