// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package api serves the admin surface: service status, live flow
// inspection, filter reloads, the event feed (recent and live over
// websocket), health, and Prometheus metrics. The API is read-mostly;
// the only mutating operation is the filter reload.
package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"grimm.is/flytrap/internal/config"
	"grimm.is/flytrap/internal/errors"
	"grimm.is/flytrap/internal/events"
	"grimm.is/flytrap/internal/filter"
	"grimm.is/flytrap/internal/flow"
	"grimm.is/flytrap/internal/logging"
	"grimm.is/flytrap/internal/monitor"
)

// Server timeouts. The websocket endpoint survives WriteTimeout because
// the upgrade hijacks the connection and clears its deadlines.
const (
	readHeaderTimeout = 10 * time.Second
	readTimeout       = 15 * time.Second
	writeTimeout      = 30 * time.Second
	idleTimeout       = 60 * time.Second
	maxHeaderBytes    = 1 << 16
)

// Options wires the admin API to the rest of the process. Monitor and
// Registry may be nil; everything else must be set.
type Options struct {
	Listen   string
	Services []*config.Service
	Manager  *flow.Manager
	Engines  []*filter.Engine
	Monitor  *monitor.Service
	Hub      *events.Hub
	Registry *prometheus.Registry
}

// Server is the admin HTTP server.
type Server struct {
	opts    Options
	log     *logging.Logger
	router  *mux.Router
	httpSrv *http.Server
	ln      net.Listener
	started time.Time
}

// NewServer builds the admin server and its routes. Call Start to bind.
func NewServer(opts Options, log *logging.Logger) *Server {
	s := &Server{
		opts:    opts,
		log:     log.WithComponent("api"),
		started: time.Now(),
	}

	r := mux.NewRouter()
	r.HandleFunc("/api/v1/status", s.handleStatus).Methods("GET")
	r.HandleFunc("/api/v1/flows", s.handleFlows).Methods("GET")
	r.HandleFunc("/api/v1/flows/{id:[0-9]+}", s.handleFlow).Methods("GET")
	r.HandleFunc("/api/v1/filters/reload", s.handleFilterReload).Methods("POST")
	r.HandleFunc("/api/v1/events", s.handleEvents).Methods("GET")
	r.HandleFunc("/api/v1/events/ws", s.handleEventsWS).Methods("GET")
	r.HandleFunc("/healthz", s.handleHealthz).Methods("GET")
	if opts.Registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Registry, promhttp.HandlerOpts{})).Methods("GET")
	}
	s.router = r

	s.httpSrv = &http.Server{
		Handler:           r,
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		MaxHeaderBytes:    maxHeaderBytes,
	}

	return s
}

// Handler returns the route handler. Exposed for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Addr returns the bound listen address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Start binds the listen address and serves in the background. The bind
// itself is synchronous so a bad address fails startup.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.opts.Listen)
	if err != nil {
		return errors.Wrapf(err, errors.KindConfig, "api listen on %s", s.opts.Listen)
	}
	s.ln = ln
	s.log.Info("admin api listening", "addr", ln.Addr().String())

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("admin api server stopped")
		}
	}()
	return nil
}

// Shutdown stops the server, waiting for in-flight requests until ctx
// expires. Live websocket streams are hijacked connections and end with
// their clients, not with Shutdown.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	body, err := json.Marshal(data)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to encode response")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

func respondError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
