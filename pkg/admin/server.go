// Copyright 2024-2026 Aiku AI

// Package admin serves the operator HTTP API: route reloads, correlation
// lookups, engine statistics and Prometheus metrics.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/aiku/chatmirror/pkg/relay"
	"github.com/aiku/chatmirror/pkg/store"
)

// Engine is the part of the relay engine the API reads from.
type Engine interface {
	Stats() relay.Stats
	Store() *store.Store
}

// ReloadFunc re-reads the configuration and installs a new routing table.
// It returns the number of route bindings now active.
type ReloadFunc func(ctx context.Context) (int, error)

// Server is the admin HTTP listener.
type Server struct {
	engine Engine
	reload ReloadFunc
	log    zerolog.Logger
	server *http.Server
}

// New creates an admin server listening on addr.
func New(addr string, engine Engine, reload ReloadFunc, log zerolog.Logger) *Server {
	s := &Server{
		engine: engine,
		reload: reload,
		log:    log.With().Str("component", "admin").Logger(),
	}
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/reload-routes", s.handleReload)
	mux.HandleFunc("GET /api/lookup", s.handleLookup)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Run serves until ctx is done and then shuts the listener down.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.server.Addr).Msg("Admin API listening")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type reloadResponse struct {
	Routes int `json:"routes"`
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	s.log.Info().Str("remote_addr", r.RemoteAddr).Msg("Route reload requested")
	routes, err := s.reload(r.Context())
	if err != nil {
		s.log.Err(err).Msg("Route reload failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	s.log.Info().Int("routes", routes).Msg("Route reload complete")
	writeJSON(w, http.StatusOK, reloadResponse{Routes: routes})
}

// lookupResponse holds the copies of a source message, or the source of a
// copy when the ids name a mirrored message instead.
type lookupResponse struct {
	Copies []store.Record `json:"copies,omitempty"`
	Source *store.Record  `json:"source,omitempty"`
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	chat := r.URL.Query().Get("chat")
	msg := r.URL.Query().Get("msg")
	if chat == "" || msg == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "chat and msg are required"})
		return
	}
	st := s.engine.Store()
	if copies := st.Lookup(chat, msg); len(copies) > 0 {
		writeJSON(w, http.StatusOK, lookupResponse{Copies: copies})
		return
	}
	if rec, ok := st.LookupSource(chat, msg); ok {
		writeJSON(w, http.StatusOK, lookupResponse{Source: &rec})
		return
	}
	writeJSON(w, http.StatusNotFound, errorResponse{Error: "no correlation found"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Stats())
}
