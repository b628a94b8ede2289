// Package server exposes the inbound HTTP edge: platform adapters push
// messages here, and operators hit the admin endpoints. Wire protocols
// stay on the far side of this boundary.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/duynguyen-ops/chatloom/internal/bus"
	"github.com/duynguyen-ops/chatloom/internal/thread"
)

// Server is the ingest + admin HTTP listener.
type Server struct {
	addr    string
	token   string
	msgBus  *bus.MessageBus
	tracker *thread.Tracker
	reset   func() // hard reset: buffers, queues, thread state

	httpSrv *http.Server
}

func New(addr, token string, msgBus *bus.MessageBus, tracker *thread.Tracker, reset func()) *Server {
	return &Server{
		addr:    addr,
		token:   token,
		msgBus:  msgBus,
		tracker: tracker,
		reset:   reset,
	}
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/ingest", s.auth(s.handleIngest))
	mux.HandleFunc("POST /v1/reset", s.auth(s.handleReset))
	mux.HandleFunc("GET /v1/state", s.auth(s.handleState))
	mux.HandleFunc("GET /v1/healthz", s.handleHealth)
	return mux
}

// Start begins serving. Non-blocking; errors after startup are logged.
func (s *Server) Start() error {
	mux := s.routes()

	s.httpSrv = &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln := s.httpSrv
	go func() {
		if err := ln.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server failed", "error", err)
		}
	}()

	slog.Info("ingest server listening", "addr", s.addr)
	return nil
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if got != s.token {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}
		}
		next(w, r)
	}
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var msg bus.InboundMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}
	if msg.ConversationKey == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "conversation_key is required"})
		return
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	s.msgBus.PublishInbound(msg)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.reset()
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	threads, pending := s.tracker.Stats()
	writeJSON(w, http.StatusOK, map[string]int{
		"threads": threads,
		"pending": pending,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintln(w, "ok")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("write response failed", "error", err)
	}
}
