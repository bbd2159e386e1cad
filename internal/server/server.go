// Package server adapts froz-husain-PairDB/storage-node's
// internal/server/metrics_server.go into the tablet node's HTTP surface:
// a federated /metrics endpoint that gathers the manager-scoped registry
// alongside every tablet's private registry, plus the liveness/readiness
// probes served by internal/health.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/devrev/pairdb/tablet-node/internal/health"
	"github.com/devrev/pairdb/tablet-node/internal/tablet"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"go.uber.org/zap"
)

// Server serves Prometheus metrics and health probes via HTTP.
type Server struct {
	httpServer *http.Server
	logger     *zap.Logger
}

// Config configures a new Server.
type Config struct {
	Port int

	// Manager supplies the set of live tablets whose private registries
	// get federated into /metrics on every scrape, since tablets are
	// created and deleted after the server has already started.
	Manager *tablet.Manager

	// ManagerRegistry is the node-wide registry passed to
	// metrics.NewManagerMetrics. It is gathered unconditionally.
	ManagerRegistry prometheus.Gatherer

	Checker *health.Checker
}

// NewServer creates a new metrics-and-health HTTP server.
func NewServer(cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	mux := http.NewServeMux()

	s := &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}

	gatherer := federatedGatherer{manager: cfg.Manager, managerRegistry: cfg.ManagerRegistry}
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{ErrorHandling: promhttp.ContinueOnError}))

	if cfg.Checker != nil {
		mux.HandleFunc("/health/live", cfg.Checker.LivenessHandler)
		mux.HandleFunc("/health/ready", cfg.Checker.ReadinessHandler)
	}

	return s
}

// federatedGatherer gathers the manager-scoped registry together with
// every currently-registered tablet's private registry. Tablets come and
// go between scrapes, so the tablet list is re-read from the manager on
// every Gather call rather than fixed at construction time.
type federatedGatherer struct {
	manager         *tablet.Manager
	managerRegistry prometheus.Gatherer
}

func (g federatedGatherer) Gather() ([]*dto.MetricFamily, error) {
	gatherers := prometheus.Gatherers{}
	if g.managerRegistry != nil {
		gatherers = append(gatherers, g.managerRegistry)
	}
	if g.manager != nil {
		for _, reg := range tabletRegistries(g.manager) {
			gatherers = append(gatherers, reg)
		}
	}
	return gatherers.Gather()
}

// tabletRegistries collects the private prometheus.Registry of every
// replica that has had StartInstrumentation called on it.
func tabletRegistries(manager *tablet.Manager) []prometheus.Gatherer {
	var out []prometheus.Gatherer
	for _, r := range manager.GetTabletPeers() {
		if reg := r.MetricsRegistry(); reg != nil {
			out = append(out, reg)
		}
	}
	return out
}

// Handler returns the server's HTTP handler, for tests that want to drive
// requests directly without binding a real listener.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start starts the HTTP server in the background.
func (s *Server) Start() error {
	s.logger.Info("starting metrics server", zap.String("addr", s.httpServer.Addr))
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	return nil
}

// Stop gracefully shuts the HTTP server down.
func (s *Server) Stop() error {
	s.logger.Info("stopping metrics server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("metrics server shutdown failed: %w", err)
	}
	return nil
}
