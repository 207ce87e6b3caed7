// Package dashboard is the operator surface: a token-authenticated JSON API
// for engine lifecycle control, positions, alerts, and feed health.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/dunder_scalper/internal/engine"
	"github.com/eddiefleurent/dunder_scalper/internal/storage"
)

// Config holds the HTTP server settings.
type Config struct {
	Addr      string
	AuthToken string
	// DefaultConfigID is used when a request names no configuration.
	DefaultConfigID string
}

// Server serves the ops API.
type Server struct {
	router   *chi.Mux
	server   *http.Server
	registry *engine.Registry
	storage  storage.Interface
	logger   *logrus.Logger
	cfg      Config
}

// NewServer builds the server and its routes.
func NewServer(cfg Config, registry *engine.Registry, store storage.Interface, logger *logrus.Logger) *Server {
	if cfg.DefaultConfigID == "" {
		cfg.DefaultConfigID = "default"
	}
	s := &Server{
		router:   chi.NewRouter(),
		registry: registry,
		storage:  store,
		logger:   logger,
		cfg:      cfg,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))

	if s.cfg.AuthToken != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/api/status", s.handleStatus)
	s.router.Get("/api/positions", s.handlePositions)
	s.router.Get("/api/alerts", s.handleAlerts)

	s.router.Post("/api/engine/start", s.handleStart)
	s.router.Post("/api/engine/stop", s.handleStop)
	s.router.Post("/api/engine/pause", s.handlePause)
	s.router.Post("/api/engine/resume", s.handleResume)
	s.router.Post("/api/engine/reconcile", s.handleReconcile)
	s.router.Post("/api/engine/suspend", s.handleSuspend)
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if token != s.cfg.AuthToken {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start blocks serving HTTP until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Infof("dashboard listening on %s", s.cfg.Addr)
	return s.server.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) configID(r *http.Request) string {
	if id := r.URL.Query().Get("config"); id != "" {
		return id
	}
	return s.cfg.DefaultConfigID
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"engines":   s.registry.ConfigIDs(),
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	configID := s.configID(r)
	if e, ok := s.registry.Get(configID); ok {
		s.writeJSON(w, http.StatusOK, e.Status())
		return
	}
	// No live engine: fall back to the stored state so a stopped bot is
	// still inspectable.
	state, err := s.storage.GetEngineState(r.Context(), configID)
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "unknown configuration", http.StatusNotFound)
		return
	}
	if err != nil {
		s.serverError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, engine.Status{State: state})
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	configID := s.configID(r)
	var (
		positions any
		err       error
	)
	if r.URL.Query().Get("active") == "true" {
		positions, err = s.storage.GetActivePositions(r.Context(), configID)
	} else {
		positions, err = s.storage.GetPositions(r.Context(), configID)
	}
	if err != nil {
		s.serverError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, positions)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	alerts, err := s.storage.GetAlerts(r.Context(), s.configID(r), limit)
	if err != nil {
		s.serverError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, alerts)
}

type startRequest struct {
	// Expiry filters entries to one contract expiry, "2006-01-02".
	Expiry string `json:"expiry,omitempty"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var expiry *time.Time
	if req.Expiry != "" {
		parsed, err := time.Parse("2006-01-02", req.Expiry)
		if err != nil {
			http.Error(w, "expiry must be formatted 2006-01-02", http.StatusBadRequest)
			return
		}
		expiry = &parsed
	}

	configID := s.configID(r)
	if err := s.registry.Start(r.Context(), configID, expiry); err != nil {
		s.engineError(w, err)
		return
	}
	s.logger.WithField("config", configID).Info("engine started")
	s.statusOf(w, r, configID)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	configID := s.configID(r)
	if err := s.registry.Stop(r.Context(), configID); err != nil {
		s.engineError(w, err)
		return
	}
	s.logger.WithField("config", configID).Info("engine stopped")
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.withEngine(w, r, func(e *engine.Engine) error { return e.Pause(r.Context()) })
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.withEngine(w, r, func(e *engine.Engine) error { return e.Resume(r.Context()) })
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	configID := s.configID(r)
	e, ok := s.registry.Get(configID)
	if !ok {
		s.engineError(w, engine.ErrNotRunning)
		return
	}
	report, err := e.Reconcile(r.Context())
	if err != nil {
		s.serverError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

type suspendRequest struct {
	Side      string `json:"side"`
	Suspended bool   `json:"suspended"`
}

func (s *Server) handleSuspend(w http.ResponseWriter, r *http.Request) {
	var req suspendRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	configID := s.configID(r)
	e, ok := s.registry.Get(configID)
	if !ok {
		s.engineError(w, engine.ErrNotRunning)
		return
	}
	if err := e.SetEntrySuspension(r.Context(), req.Side, req.Suspended); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.statusOf(w, r, configID)
}

func (s *Server) withEngine(w http.ResponseWriter, r *http.Request, fn func(*engine.Engine) error) {
	configID := s.configID(r)
	e, ok := s.registry.Get(configID)
	if !ok {
		s.engineError(w, engine.ErrNotRunning)
		return
	}
	if err := fn(e); err != nil {
		s.engineError(w, err)
		return
	}
	s.statusOf(w, r, configID)
}

func (s *Server) statusOf(w http.ResponseWriter, _ *http.Request, configID string) {
	if e, ok := s.registry.Get(configID); ok {
		s.writeJSON(w, http.StatusOK, e.Status())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

// engineError maps lifecycle sentinels to HTTP statuses: no-ops are
// conflicts, a closed market is unprocessable, everything else is a 500.
func (s *Server) engineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrAlreadyRunning),
		errors.Is(err, engine.ErrAlreadyPaused),
		errors.Is(err, engine.ErrNotRunning),
		errors.Is(err, engine.ErrStopping):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, engine.ErrMarketClosed):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	default:
		s.serverError(w, err)
	}
}

func (s *Server) serverError(w http.ResponseWriter, err error) {
	s.logger.WithError(err).Error("dashboard request failed")
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("encoding response failed")
	}
}

func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
