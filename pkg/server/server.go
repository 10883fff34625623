// Package server exposes the operational HTTP endpoint: liveness, a stats
// snapshot, and maintenance triggers. It serves operators and probes; the
// reasoning surface is the wire protocol.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/nranjan2code/sutra-engine-sub007/pkg/storage"
)

// ErrServerClosed is returned by Start after Stop.
var ErrServerClosed = errors.New("server closed")

// maxBodySize bounds maintenance request bodies.
const maxBodySize = 1 << 20

// Config holds HTTP server configuration.
type Config struct {
	// Addr to bind, host:port.
	Addr string
	// ReadTimeout for requests.
	ReadTimeout time.Duration
	// WriteTimeout for responses.
	WriteTimeout time.Duration
	// IdleTimeout for keep-alive connections.
	IdleTimeout time.Duration
	// Prune is the default criteria for /maintenance/prune; request bodies
	// may override individual fields.
	Prune storage.PruneCriteria

	Logger *zap.Logger
}

// DefaultConfig returns production defaults.
func DefaultConfig() *Config {
	return &Config{
		Addr:         ":7172",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
		Prune: storage.PruneCriteria{
			MaxEffectiveStrength: 0.05,
			MaxConfidence:        0.25,
			MinIdle:              720 * time.Hour,
		},
	}
}

// Server is the operational HTTP server.
type Server struct {
	config *Config
	store  *storage.Store
	logger *zap.Logger

	httpServer *http.Server

	mu       sync.RWMutex
	listener net.Listener
	closed   atomic.Bool
}

// New builds a Server. A nil config gets DefaultConfig.
func New(store *storage.Store, config *Config) (*Server, error) {
	if store == nil {
		return nil, errors.New("server: store is required")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	return &Server{
		config: config,
		store:  store,
		logger: config.Logger,
	}, nil
}

// Start binds the configured address and serves in the background. It
// returns once the listener is bound.
func (s *Server) Start() error {
	if s.closed.Load() {
		return ErrServerClosed
	}
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.config.Addr, err)
	}

	s.mu.Lock()
	s.listener = listener
	s.httpServer = &http.Server{
		Handler:      s.router(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
	server := s.httpServer
	s.mu.Unlock()

	s.logger.Info("ops server listening", zap.String("addr", listener.Addr().String()))
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("ops server failed", zap.Error(err))
		}
	}()
	return nil
}

// Stop shuts the server down, letting in-flight requests drain until the
// context expires. Safe to call more than once.
func (s *Server) Stop(ctx context.Context) error {
	if s.closed.Swap(true) {
		return nil
	}
	s.mu.RLock()
	server := s.httpServer
	s.mu.RUnlock()
	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}

// Addr returns the bound listen address, empty before Start.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/stats", s.handleStats)
	r.Route("/maintenance", func(r chi.Router) {
		r.Post("/prune", s.handlePrune)
		r.Post("/checkpoint", s.handleCheckpoint)
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"shards": s.store.ShardCount(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Stats())
}

// pruneRequest overrides the configured criteria field by field. Idle time
// is given in hours; operators think in days and hours, not nanoseconds.
type pruneRequest struct {
	MaxEffectiveStrength *float64 `json:"max_effective_strength"`
	MaxConfidence        *float64 `json:"max_confidence"`
	MinIdleHours         *float64 `json:"min_idle_hours"`
}

func (s *Server) handlePrune(w http.ResponseWriter, r *http.Request) {
	criteria := s.config.Prune

	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	var req pruneRequest
	if err := decoder.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid prune request: %v", err))
		return
	}
	if req.MaxEffectiveStrength != nil {
		criteria.MaxEffectiveStrength = *req.MaxEffectiveStrength
	}
	if req.MaxConfidence != nil {
		criteria.MaxConfidence = *req.MaxConfidence
	}
	if req.MinIdleHours != nil {
		criteria.MinIdle = time.Duration(*req.MinIdleHours * float64(time.Hour))
	}

	result, err := s.store.Prune(r.Context(), criteria)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	s.logger.Info("prune pass finished",
		zap.Int("scanned", result.Scanned),
		zap.Int("pruned", result.Pruned),
		zap.Int("archived", result.Archived))
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	if err := s.store.CheckpointAll(r.Context()); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, storage.ErrStoreClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
