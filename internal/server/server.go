// Package server is the HTTP transport: change admission on POST /sync,
// live resolutions on GET /ws, plus /health and /metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roach88/changesync/internal/auth"
	"github.com/roach88/changesync/internal/config"
	"github.com/roach88/changesync/internal/engine"
	"github.com/roach88/changesync/internal/ir"
	"github.com/roach88/changesync/internal/store"
)

// Status reports the server's lifecycle state.
type Status string

const (
	StatusStarting Status = "starting"
	StatusReady    Status = "ready"
	StatusDraining Status = "draining"
)

// Admitter is the admission logic behind POST /sync.
type Admitter interface {
	Admit(ctx context.Context, actor string, req engine.SyncRequest) (engine.SyncResponse, error)
}

// Streamer serves an authenticated websocket connection.
type Streamer interface {
	Serve(w http.ResponseWriter, r *http.Request, actor string)
}

// Server wraps the HTTP listener and handlers.
type Server struct {
	settings config.Server
	admitter Admitter
	verifier *auth.Verifier
	hub      Streamer
	ledger   *store.Store
	clock    func() time.Time

	mu        sync.RWMutex
	server    *http.Server
	listener  net.Listener
	status    Status
	startTime time.Time
}

// Option customizes a Server.
type Option func(*Server)

// WithHub enables GET /ws.
func WithHub(h Streamer) Option {
	return func(s *Server) { s.hub = h }
}

// WithLedger adds ledger progress to /health.
func WithLedger(st *store.Store) Option {
	return func(s *Server) { s.ledger = st }
}

// WithClock lets tests control timestamps.
func WithClock(clock func() time.Time) Option {
	return func(s *Server) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// New prepares a server. verifier authenticates every /sync and /ws call.
func New(settings config.Server, admitter Admitter, verifier *auth.Verifier, opts ...Option) *Server {
	s := &Server{
		settings: settings,
		admitter: admitter,
		verifier: verifier,
		clock:    func() time.Time { return time.Now().UTC() },
		status:   StatusStarting,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routes without binding a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/sync", s.handleSync)
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Start binds the listener and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return errors.New("server already started")
	}
	addr := s.settings.Address()
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	s.listener = listener
	s.startTime = s.clock()
	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.settings.ReadTimeout,
		WriteTimeout: s.settings.WriteTimeout,
		IdleTimeout:  s.settings.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	s.status = StatusReady

	server := s.server
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("serve", "error", err)
		}
	}()
	slog.Info("listening", "addr", listener.Addr().String())
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
// Websocket connections are hijacked and must be closed through the hub.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return nil
	}
	s.status = StatusDraining
	if err := s.server.Shutdown(ctx); err != nil {
		return err
	}
	s.server = nil
	s.listener = nil
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// BaseURL returns the HTTP base URL of the running server.
func (s *Server) BaseURL() string {
	addr := s.Addr()
	if addr == "" {
		addr = s.settings.Address()
	}
	return "http://" + addr
}

// Status reports the lifecycle state.
func (s *Server) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

type healthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	ResolvedSeq   *int64 `json:"resolved_seq,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{Code: "METHOD_NOT_ALLOWED", Error: "method not allowed"})
		return
	}

	s.mu.RLock()
	resp := healthResponse{Status: string(s.status), Version: ir.EngineVersion}
	if !s.startTime.IsZero() {
		resp.UptimeSeconds = int64(s.clock().Sub(s.startTime).Seconds())
	}
	s.mu.RUnlock()

	if s.ledger != nil {
		seq, err := s.ledger.LatestResolvedSeq(r.Context())
		if err != nil {
			slog.Error("health: ledger unavailable", "error", err)
			resp.Status = "degraded"
			writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
		resp.ResolvedSeq = &seq
	}
	writeJSON(w, http.StatusOK, resp)
}

type errorBody struct {
	Code     string `json:"code"`
	Error    string `json:"error"`
	ChangeID string `json:"change_id,omitempty"`
	Scope    string `json:"scope,omitempty"`
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{Code: "METHOD_NOT_ALLOWED", Error: "method not allowed"})
		return
	}
	actor, err := s.verifier.FromRequest(r)
	if err != nil {
		writeError(w, &engine.SyncError{Code: engine.CodeUnauthenticated, Message: err.Error(), Err: err})
		return
	}

	reader := http.MaxBytesReader(w, r.Body, s.settings.MaxBodyBytes)
	defer reader.Close()
	body, err := io.ReadAll(reader)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{
				Code:  string(engine.CodeInvalidRequest),
				Error: fmt.Sprintf("body exceeds %d bytes", maxErr.Limit),
			})
			return
		}
		writeError(w, &engine.SyncError{Code: engine.CodeInvalidRequest, Message: "unable to read body", Err: err})
		return
	}

	var req engine.SyncRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, &engine.SyncError{Code: engine.CodeInvalidRequest, Message: "invalid JSON: " + err.Error(), Err: err})
		return
	}

	resp, err := s.admitter.Admit(r.Context(), actor, req)
	if err != nil {
		if !engine.IsClientError(err) {
			slog.Error("admission failed", "actor", actor, "changes", len(req.Changes), "error", err)
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		http.NotFound(w, r)
		return
	}
	actor, err := s.verifier.FromRequest(r)
	if err != nil {
		writeError(w, &engine.SyncError{Code: engine.CodeUnauthenticated, Message: err.Error(), Err: err})
		return
	}
	s.hub.Serve(w, r, actor)
}

// statusFor maps the error taxonomy onto HTTP.
func statusFor(err error) int {
	switch engine.CodeOf(err) {
	case engine.CodeUnauthenticated:
		return http.StatusUnauthorized
	case engine.CodeUnauthorized:
		return http.StatusForbidden
	case "":
		if engine.IsTransient(err) {
			return http.StatusServiceUnavailable
		}
		return http.StatusInternalServerError
	case engine.CodeAllocationFailed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	body := errorBody{Code: "INTERNAL", Error: "internal error"}
	var se *engine.SyncError
	if errors.As(err, &se) {
		body = errorBody{Code: string(se.Code), Error: se.Message, ChangeID: se.ChangeID, Scope: se.Scope}
	} else if status == http.StatusServiceUnavailable {
		body = errorBody{Code: string(engine.CodeAllocationFailed), Error: "ledger busy, retry"}
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
