// Package api is the orchestrator's external surface: a REST API under
// /api/v1 and a WebSocket stream at /ws, sharing one HTTP server.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/ppezzull/1balancer-sub000/internal/bus"
	"github.com/ppezzull/1balancer-sub000/internal/chain"
	"github.com/ppezzull/1balancer-sub000/internal/config"
	"github.com/ppezzull/1balancer-sub000/internal/fault"
	"github.com/ppezzull/1balancer-sub000/internal/quote"
	"github.com/ppezzull/1balancer-sub000/internal/session"
	"github.com/ppezzull/1balancer-sub000/pkg/logging"
)

// ChainStatus reports per-side chain connectivity.
type ChainStatus interface {
	Connected() map[chain.Side]bool
}

// Server hosts the REST and WebSocket endpoints.
type Server struct {
	cfg      *config.Config
	sessions *session.Manager
	quotes   *quote.Engine
	prices   quote.PriceSource
	status   ChainStatus
	bus      *bus.Bus
	hub      *wsHub
	log      *logging.Logger

	server   *http.Server
	listener net.Listener
	draining atomic.Bool
}

// NewServer wires the API surface.
func NewServer(cfg *config.Config, sessions *session.Manager, quotes *quote.Engine,
	prices quote.PriceSource, status ChainStatus, eventBus *bus.Bus, logger *logging.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		sessions: sessions,
		quotes:   quotes,
		prices:   prices,
		status:   status,
		bus:      eventBus,
		log:      logger.Component("api"),
	}
	s.hub = newWSHub(s)
	return s
}

// Start begins serving on the configured port.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("HTTP server error", "error", err)
		}
	}()

	s.log.Info("API server started", "addr", addr, "ws", "ws://localhost"+addr+"/ws")
	return nil
}

// Handler builds the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	mux.HandleFunc("POST /api/v1/sessions", s.auth(s.handleCreateSession))
	mux.HandleFunc("GET /api/v1/sessions", s.auth(s.handleListSessions))
	mux.HandleFunc("GET /api/v1/sessions/{id}", s.auth(s.handleGetSession))
	mux.HandleFunc("POST /api/v1/sessions/{id}/execute", s.auth(s.handleExecute))
	mux.HandleFunc("GET /api/v1/sessions/{id}/secret", s.auth(s.handleSecret))
	mux.HandleFunc("POST /api/v1/sessions/{id}/check-timeout", s.auth(s.handleCheckTimeout))
	mux.HandleFunc("GET /api/v1/sessions/{id}/execution-steps", s.auth(s.handleExecutionSteps))
	mux.HandleFunc("POST /api/v1/quote", s.auth(s.handleQuote))
	mux.HandleFunc("GET /ws", s.handleWS)

	return corsMiddleware(mux)
}

// Drain makes authenticated endpoints answer 503 while the rest of the
// process quiesces. Health stays up so load balancers see the drain.
func (s *Server) Drain() {
	s.draining.Store(true)
}

// Stop drains connections and shuts the server down.
func (s *Server) Stop() error {
	s.hub.closeAll()
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(ctx)
	}
	return nil
}

// auth enforces the X-API-Key header.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.draining.Load() {
			s.writeError(w, fault.New(fault.ChainUnavailable, "orchestrator is shutting down"))
			return
		}
		if !s.validKey(r.Header.Get("X-API-Key")) {
			s.writeError(w, fault.New(fault.Unauthorized, "missing or invalid API key"))
			return
		}
		next(w, r)
	}
}

func (s *Server) validKey(key string) bool {
	if key == "" {
		return false
	}
	for _, k := range s.cfg.APIKeys {
		if key == k {
			return true
		}
	}
	return false
}

// corsMiddleware mirrors the usual browser-client allowances.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// errorBody is the REST error envelope.
type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := fault.KindOf(err)
	if kind == fault.Internal {
		s.log.Error("request failed", "error", err)
	}

	var body errorBody
	body.Error.Code = string(kind)
	body.Error.Message = fault.MessageOf(err)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(fault.HTTPStatus(kind))
	json.NewEncoder(w).Encode(body)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("response encode failed", "error", err)
	}
}
