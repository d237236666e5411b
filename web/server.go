// Copyright 2020 Nokia
// Licensed under the BSD 3-Clause License.
// SPDX-License-Identifier: BSD-3-Clause

// Package web exposes the read-only JSON API over the orchestration state:
// cluster topology, certificate status, trust validation results and the
// operator log. Everything is served from in-memory snapshots, no handler
// mutates the ledger.
package web

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/certfleet/certfleet/app"
	"github.com/certfleet/certfleet/discovery"
	"github.com/certfleet/certfleet/metrics"
)

// DefaultAddress is where serve listens unless overridden.
const DefaultAddress = "0.0.0.0:3000"

const shutdownTimeout = 5 * time.Second

// Server wires the HTTP surface to the manager and the optional background
// stores. Absent stores degrade their endpoints instead of failing startup.
type Server struct {
	mgr       *app.Manager
	cache     *discovery.ConnCache
	trust     *discovery.TrustStore
	collector *metrics.Collector
	oplog     *app.OpLog

	addr string
	srv  *http.Server
}

type Option func(s *Server)

func WithAddress(addr string) Option {
	return func(s *Server) {
		s.addr = addr
	}
}

func WithConnCache(cache *discovery.ConnCache) Option {
	return func(s *Server) {
		s.cache = cache
	}
}

func WithTrustStore(ts *discovery.TrustStore) Option {
	return func(s *Server) {
		s.trust = ts
	}
}

func WithCollector(c *metrics.Collector) Option {
	return func(s *Server) {
		s.collector = c
	}
}

func WithOpLog(o *app.OpLog) Option {
	return func(s *Server) {
		s.oplog = o
	}
}

// NewServer builds the API server around mgr.
func NewServer(mgr *app.Manager, opts ...Option) *Server {
	s := &Server{
		mgr:  mgr,
		addr: DefaultAddress,
	}

	for _, o := range opts {
		o(s)
	}

	s.srv = &http.Server{
		Addr:         s.addr,
		Handler:      s.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	return s
}

// Router returns the mux with every endpoint registered. Exposed so tests
// can drive handlers without a listener.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(corsMiddleware)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/cluster", s.handleCluster).Methods(http.MethodGet)
	api.HandleFunc("/control-plane", s.handleControlPlane).Methods(http.MethodGet)
	api.HandleFunc("/worker-nodes", s.handleWorkerNodes).Methods(http.MethodGet)
	api.HandleFunc("/certificates", s.handleCertificates).Methods(http.MethodGet)
	api.HandleFunc("/debug/certificates", s.handleDebugCertificates).Methods(http.MethodGet)
	api.HandleFunc("/trust-validate", s.handleTrustValidate).Methods(http.MethodGet)
	api.HandleFunc("/logs", s.handleLogs).Methods(http.MethodGet)

	return r
}

// Serve runs the listener until ctx is cancelled, then drains in-flight
// requests before returning.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		log.Infof("web server listening on %s", s.addr)
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	log.Info("shutting down web server")

	return s.srv.Shutdown(shutCtx)
}

// The API is consumed by browser dashboards on other origins; only reads
// are offered, so a blanket allow is safe.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", http.MethodGet)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeData(w http.ResponseWriter, v interface{}) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": v})
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("failed to encode response: %v", err)
	}
}
