// Package api serves the HTTP health and call inspection endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	types "github.com/svv2602/call-center-sub002/api/types/v1"
)

// CallProvider lists calls in progress.
// Implemented by CallRegistry.
type CallProvider interface {
	Calls() []types.Call
	Call(callID string) (types.CallDetail, bool)
}

// ConnectionCounter reports open audio sockets.
// Implemented by audiosocket.Listener.
type ConnectionCounter interface {
	ActiveConnections() int
}

// Server provides the HTTP API (headless, API only)
type Server struct {
	addr       string
	httpServer *http.Server
	listener   net.Listener
	calls      CallProvider
	conns      ConnectionCounter
	maxCalls   int
	startTime  time.Time
}

// NewServer creates a new API server
func NewServer(addr string, calls CallProvider, conns ConnectionCounter, maxCalls int) *Server {
	s := &Server{
		addr:      addr,
		calls:     calls,
		conns:     conns,
		maxCalls:  maxCalls,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	mux.HandleFunc("GET /api/v1/calls", s.handleCalls)
	mux.HandleFunc("GET /api/v1/calls/{id}", s.handleCallByID)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the routes, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for HTTP requests
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = ln
	slog.Info("[API] Starting HTTP API server", "addr", ln.Addr().String())

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("[API] Server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop gracefully shuts down the server
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	active := 0
	if s.conns != nil {
		active = s.conns.ActiveConnections()
	}
	s.writeJSON(w, http.StatusOK, types.HealthResponse{
		Status:      "ok",
		Uptime:      int64(time.Since(s.startTime).Seconds()),
		ActiveCalls: active,
		MaxCalls:    s.maxCalls,
	})
}

func (s *Server) handleCalls(w http.ResponseWriter, r *http.Request) {
	calls := s.calls.Calls()
	if calls == nil {
		calls = []types.Call{}
	}
	s.writeJSON(w, http.StatusOK, types.CallsResponse{Count: len(calls), Calls: calls})
}

func (s *Server) handleCallByID(w http.ResponseWriter, r *http.Request) {
	call, ok := s.calls.Call(r.PathValue("id"))
	if !ok {
		s.writeJSON(w, http.StatusNotFound, types.ErrorResponse{Error: "call not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, call)
}

// --- Helpers ---

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("[API] Failed to encode JSON", "error", err)
	}
}
