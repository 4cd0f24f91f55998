// Package api provides the admin HTTP endpoints: health, cache status,
// invalidation and Prometheus metrics.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	cacheerrors "github.com/realtycrm/unicache/pkg/errors"
	"github.com/realtycrm/unicache/pkg/health"
	"github.com/realtycrm/unicache/pkg/types"
	"github.com/realtycrm/unicache/pkg/utils"
)

// Cache is the part of the unified cache the admin API reads and drives
type Cache interface {
	GetMetrics() types.Metrics
	GetSyncStatus() types.SyncStatus
	IsLeader() bool
	IsOnline() bool
	TransportName() string
	Invalidate(ctx context.Context, pattern string) (int, error)
}

// Server provides HTTP API endpoints for monitoring
type Server struct {
	httpServer    *http.Server
	handler       http.Handler
	cache         Cache
	healthTracker *health.Tracker
	metrics       http.Handler
	config        ServerConfig
	logger        *zap.Logger
	now           func() time.Time
}

// ServerConfig configures the API server
type ServerConfig struct {
	// Address to bind the server to (e.g., "localhost:9464")
	Address string `yaml:"address" json:"address"`

	// ReadTimeout is the maximum duration for reading the entire request
	ReadTimeout time.Duration `yaml:"read_timeout" json:"read_timeout"`

	// WriteTimeout is the maximum duration for writing the response
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`

	// IdleTimeout is the maximum duration to wait for the next request
	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout"`

	// EnableCORS enables Cross-Origin Resource Sharing
	EnableCORS bool `yaml:"enable_cors" json:"enable_cors"`
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:      "localhost:9464",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
		EnableCORS:   false,
	}
}

// Dependencies are the collaborators behind the endpoints. Any may be nil;
// the matching endpoints then report that they are not configured.
type Dependencies struct {
	Cache   Cache
	Health  *health.Tracker
	Metrics http.Handler
	Logger  *zap.Logger
}

// NewServer creates a new API server
func NewServer(config ServerConfig, deps Dependencies) *Server {
	s := &Server{
		cache:         deps.Cache,
		healthTracker: deps.Health,
		metrics:       deps.Metrics,
		config:        config,
		logger:        utils.OrNop(deps.Logger).Named("api"),
		now:           time.Now,
	}

	mux := http.NewServeMux()

	// Health endpoints
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/health/components", s.handleHealthComponents)
	mux.HandleFunc("/health/live", s.handleLiveness)
	mux.HandleFunc("/health/ready", s.handleReadiness)

	// Cache endpoints
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/invalidate", s.handleInvalidate)

	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}

	var handler http.Handler = mux
	handler = s.loggingMiddleware(handler)
	if config.EnableCORS {
		handler = s.corsMiddleware(handler)
	}
	s.handler = handler

	s.httpServer = &http.Server{
		Addr:              config.Address,
		Handler:           handler,
		ReadHeaderTimeout: config.ReadTimeout,
		ReadTimeout:       config.ReadTimeout,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
	}

	return s
}

// Handler returns the routed handler with middleware applied
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start starts the HTTP server and blocks until it stops
func (s *Server) Start() error {
	s.logger.Info("Starting API server", zap.String("address", s.config.Address))
	return s.httpServer.ListenAndServe()
}

// StartBackground starts the server in a background goroutine
func (s *Server) StartBackground() {
	go func() {
		if err := s.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", zap.Error(err))
		}
	}()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server")
	return s.httpServer.Shutdown(ctx)
}

// Health endpoint handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	if s.healthTracker == nil {
		s.respondJSON(w, http.StatusOK, map[string]interface{}{
			"status": "healthy",
			"note":   "Health tracking not configured",
		})
		return
	}

	overallHealth := s.healthTracker.Overall()
	components := s.healthTracker.Snapshot()

	response := map[string]interface{}{
		"status":     overallHealth.String(),
		"timestamp":  s.now(),
		"components": len(components),
	}

	// The cache keeps serving from memory whatever the infrastructure state,
	// so only a fully unavailable component is reported as an outage
	statusCode := http.StatusOK
	switch overallHealth {
	case health.StateUnavailable:
		statusCode = http.StatusServiceUnavailable
	case health.StateDegraded, health.StateReadOnly:
		statusCode = http.StatusPartialContent
	}

	s.respondJSON(w, statusCode, response)
}

func (s *Server) handleHealthComponents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	if s.healthTracker == nil {
		s.respondError(w, http.StatusServiceUnavailable, "Health tracking not configured")
		return
	}

	s.respondJSON(w, http.StatusOK, s.healthTracker.Snapshot())
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"alive":     true,
		"timestamp": s.now(),
	})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	if s.healthTracker == nil {
		s.respondJSON(w, http.StatusOK, map[string]interface{}{
			"ready":     true,
			"timestamp": s.now(),
			"note":      "Health tracking not configured",
		})
		return
	}

	overallHealth := s.healthTracker.Overall()
	ready := overallHealth != health.StateUnavailable

	statusCode := http.StatusOK
	if !ready {
		statusCode = http.StatusServiceUnavailable
	}

	s.respondJSON(w, statusCode, map[string]interface{}{
		"ready":     ready,
		"status":    overallHealth.String(),
		"timestamp": s.now(),
	})
}

// Cache endpoint handlers

// statusResponse is the body of GET /status
type statusResponse struct {
	Metrics   types.Metrics    `json:"metrics"`
	Sync      types.SyncStatus `json:"sync"`
	Leader    bool             `json:"leader"`
	Online    bool             `json:"online"`
	Transport string           `json:"transport"`
	Timestamp time.Time        `json:"timestamp"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	if s.cache == nil {
		s.respondError(w, http.StatusServiceUnavailable, "Cache not configured")
		return
	}

	s.respondJSON(w, http.StatusOK, statusResponse{
		Metrics:   s.cache.GetMetrics(),
		Sync:      s.cache.GetSyncStatus(),
		Leader:    s.cache.IsLeader(),
		Online:    s.cache.IsOnline(),
		Transport: s.cache.TransportName(),
		Timestamp: s.now(),
	})
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	if s.cache == nil {
		s.respondError(w, http.StatusServiceUnavailable, "Cache not configured")
		return
	}

	pattern := r.URL.Query().Get("pattern")
	if pattern == "" {
		s.respondError(w, http.StatusBadRequest, "pattern query parameter required")
		return
	}

	removed, err := s.cache.Invalidate(r.Context(), pattern)
	if err != nil {
		status := http.StatusInternalServerError
		if cacheerrors.HasCode(err, cacheerrors.ErrCodeInvalidPattern) {
			status = http.StatusBadRequest
		}
		s.respondError(w, status, err.Error())
		return
	}

	s.logger.Info("Invalidated keys", zap.String("pattern", pattern), zap.Int("removed", removed))
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"pattern":   pattern,
		"removed":   removed,
		"timestamp": s.now(),
	})
}

// Middleware

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("Handled request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("duration", time.Since(start)))
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Helper methods

func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("Error encoding JSON response", zap.Error(err))
	}
}

func (s *Server) respondError(w http.ResponseWriter, statusCode int, message string) {
	s.respondJSON(w, statusCode, map[string]interface{}{
		"error":     message,
		"timestamp": s.now(),
	})
}
