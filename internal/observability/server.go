// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 UnitHost Contributors

// Package observability provides HTTP endpoints for metrics and health
// probes, plus the package-level collectors the host records into.
package observability

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/oops"
)

// ReadinessChecker reports whether the host is ready to serve.
type ReadinessChecker func() bool

// Package-level collectors so the bus and supervisor can record without
// holding a Server reference.
var (
	eventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unithost_events_published_total",
			Help: "Total number of events accepted by the signal bus, by kind",
		},
		[]string{"kind"},
	)
	eventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "unithost_events_dropped_total",
			Help: "Total number of output events shed by the signal bus under backpressure",
		},
	)
	unitStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unithost_unit_starts_total",
			Help: "Total number of unit launches, by unit id",
		},
		[]string{"unit"},
	)
	unitFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unithost_unit_failures_total",
			Help: "Total number of unit runs that ended in error, by reason",
		},
		[]string{"reason"},
	)
	runningUnits = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "unithost_running_units",
			Help: "Number of units currently in the running state",
		},
	)
	zombieUnits = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "unithost_zombie_units",
			Help: "Number of abandoned unit goroutines that have not exited yet",
		},
	)
)

// RecordEventPublished counts one event accepted by the signal bus.
func RecordEventPublished(kind string) {
	eventsPublished.WithLabelValues(kind).Inc()
}

// RecordEventDropped counts one output event shed by the signal bus.
func RecordEventDropped() {
	eventsDropped.Inc()
}

// RecordUnitStart counts one launch of the named unit.
func RecordUnitStart(id string) {
	unitStarts.WithLabelValues(id).Inc()
}

// RecordUnitFailure counts a unit run that ended in error. The reason is
// "error" for a failed return and "panic" for a recovered panic.
func RecordUnitFailure(reason string) {
	unitFailures.WithLabelValues(reason).Inc()
}

// IncRunningUnits bumps the running-units gauge.
func IncRunningUnits() { runningUnits.Inc() }

// DecRunningUnits lowers the running-units gauge.
func DecRunningUnits() { runningUnits.Dec() }

// IncZombieUnits bumps the zombie-units gauge.
func IncZombieUnits() { zombieUnits.Inc() }

// DecZombieUnits lowers the zombie-units gauge when an abandoned run exits.
func DecZombieUnits() { zombieUnits.Dec() }

// Server exposes /metrics and Kubernetes-style health probes.
type Server struct {
	addr       string
	listener   net.Listener
	httpServer *http.Server
	registry   *prometheus.Registry
	isReady    ReadinessChecker
	running    atomic.Bool
}

// NewServer creates an observability server listening on addr
// ("host:port"; use port 0 to pick a free one). A nil readiness checker
// means always ready.
func NewServer(addr string, readiness ReadinessChecker) *Server {
	// A private registry keeps the global one clean.
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	registry.MustRegister(
		eventsPublished,
		eventsDropped,
		unitStarts,
		unitFailures,
		runningUnits,
		zombieUnits,
	)

	return &Server{
		addr:     addr,
		registry: registry,
		isReady:  readiness,
	}
}

// Start begins serving. It returns a channel that reports errors the
// HTTP server hits after startup; the channel closes on graceful stop.
func (s *Server) Start() (<-chan error, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, oops.Errorf("observability server already running")
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.running.Store(false)
		return nil, oops.With("addr", s.addr).Wrap(err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("/healthz/liveness", s.handleLiveness)
	mux.HandleFunc("/healthz/readiness", s.handleReadiness)

	httpSrv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.httpServer = httpSrv

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if serveErr := httpSrv.Serve(listener); serveErr != nil && serveErr != http.ErrServerClosed {
			slog.Error("observability server error", "error", serveErr)
			errCh <- serveErr
		}
	}()

	slog.Info("observability server started", "addr", listener.Addr().String())
	return errCh, nil
}

// Stop gracefully shuts the server down. Stopping a stopped server is a
// no-op.
func (s *Server) Stop(ctx context.Context) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			// Leave the server stoppable again.
			s.running.Store(true)
			return oops.With("operation", "shutdown_observability_server").Wrap(err)
		}
	}

	slog.Info("observability server stopped")
	return nil
}

// Addr returns the bound listen address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

func (s *Server) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	//nolint:errcheck // probe write failures are the client's problem
	w.Write([]byte("ok\n"))
}

func (s *Server) handleReadiness(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	if s.isReady == nil || s.isReady() {
		w.WriteHeader(http.StatusOK)
		//nolint:errcheck // probe write failures are the client's problem
		w.Write([]byte("ok\n"))
		return
	}

	w.WriteHeader(http.StatusServiceUnavailable)
	//nolint:errcheck // probe write failures are the client's problem
	w.Write([]byte("not ready\n"))
}
