// Package server provides the operational HTTP surface: /metrics, /health,
// /ready, /config, /status and the change-event webhook.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/estatedesk/estatesync/internal/config"
)

// Options carries the optional pieces the server exposes.
type Options struct {
	// Collectors are registered next to the process-wide default registry.
	Collectors []prometheus.Collector
	// Status returns the document served at /status.
	Status func() any
	// Webhook, if set, is mounted at WebhookPath.
	Webhook http.Handler
}

// WebhookPath is where change events are accepted.
const WebhookPath = "/webhook/changes"

// Server is the HTTP server that exposes Prometheus metrics and operational endpoints.
type Server struct {
	httpServer *http.Server
	config     *config.Config
	status     func() any
	ready      atomic.Bool
	logger     *logrus.Entry
}

// NewServer creates a new HTTP server configured from cfg.
func NewServer(cfg *config.Config, opts Options, logger *logrus.Entry) *Server {
	s := &Server{
		config: cfg,
		status: opts.Status,
		logger: logger.WithField("component", "server"),
	}
	s.httpServer = &http.Server{
		Addr:         cfg.Server.ListenAddress,
		Handler:      s.routes(opts),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the root handler, for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) routes(opts Options) http.Handler {
	mux := http.NewServeMux()

	// --- Prometheus metrics ---
	// Package-level metrics register on the default registry, which already
	// carries the Go and process collectors.
	extra := prometheus.NewRegistry()
	for _, c := range opts.Collectors {
		extra.MustRegister(c)
	}
	mux.Handle("/metrics", promhttp.HandlerFor(prometheus.Gatherers{prometheus.DefaultGatherer, extra}, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))

	// --- Health / readiness ---
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)

	// --- Config (redacted) and store status ---
	mux.HandleFunc("/config", s.handleConfig)
	mux.HandleFunc("/status", s.handleStatus)

	if opts.Webhook != nil {
		mux.Handle(WebhookPath, opts.Webhook)
		s.logger.WithField("path", WebhookPath).Info("change webhook enabled")
	}

	// --- pprof ---
	if s.config.Server.EnablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		s.logger.Info("pprof endpoints enabled under /debug/pprof/")
	}
	return mux
}

// Start binds the listener and serves in a background goroutine. Bind
// errors are returned; later serve errors are logged.
func (s *Server) Start(_ context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("server failed to start: %w", err)
	}
	s.logger.WithField("addr", ln.Addr().String()).Info("starting HTTP server")

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.WithError(err).Error("HTTP server error")
		}
	}()
	return nil
}

// Stop performs a graceful shutdown of the HTTP server. The provided context
// controls the maximum time to wait for in-flight requests to complete.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// SetReady updates the readiness state exposed by the /ready endpoint.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

// --- HTTP handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.ready.Load() {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	data, err := s.config.RedactedJSON()
	if err != nil {
		s.logger.WithError(err).Error("failed to encode config")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	if s.status == nil {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	writeJSON(w, http.StatusOK, s.status())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
