package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"Rigger/internal/config"
	"Rigger/internal/fleet"
	"Rigger/internal/provider"
	"Rigger/internal/registry"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server exposes the controller's read-only operational surface: health,
// metrics, and the registry's view of pools, runners, and scaling events.
type Server struct {
	config     *config.Config
	reg        *registry.Registry
	driver     provider.Driver
	promReg    *prometheus.Registry
	logger     *slog.Logger
	httpServer *http.Server
}

func New(
	cfg *config.Config,
	reg *registry.Registry,
	driver provider.Driver,
	promReg *prometheus.Registry,
	logger *slog.Logger,
) *Server {
	return &Server{
		config:  cfg,
		reg:     reg,
		driver:  driver,
		promReg: promReg,
		logger:  logger.With("component", "api-server"),
	}
}

// Start runs the HTTP server until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/readyz", s.handleReadiness)
	mux.Handle("/metrics", promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{}))

	mux.HandleFunc("/api/v1/status", s.authMiddleware(s.handleStatus))
	mux.HandleFunc("/api/v1/pools", s.authMiddleware(s.handlePools))
	mux.HandleFunc("/api/v1/runners", s.authMiddleware(s.handleRunners))
	mux.HandleFunc("/api/v1/events", s.authMiddleware(s.handleEvents))

	addr := fmt.Sprintf("%s:%d", s.config.Server.Address, s.config.Server.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.loggingMiddleware(mux),
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
	}

	s.logger.Info("starting API server", "address", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("server shutdown error", "error", err)
		}
	}()

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := s.driver.HealthCheck(ctx); err != nil {
		s.logger.Error("readiness check failed", "error", err)
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"error":  err.Error(),
		})
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	pools := s.reg.Pools()

	total := 0
	byState := make(map[fleet.State]int)
	for _, pool := range pools {
		instances, err := s.reg.ListInstances(pool.Repo)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, "failed to list runners", err)
			return
		}
		total += len(instances)
		for _, inst := range instances {
			byState[inst.State]++
		}
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"timestamp":    time.Now().Format(time.RFC3339),
		"provider":     s.driver.Name(),
		"pool_count":   len(pools),
		"runner_count": total,
		"by_state":     byState,
	})
}

func (s *Server) handlePools(w http.ResponseWriter, r *http.Request) {
	pools := s.reg.Pools()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"timestamp": time.Now().Format(time.RFC3339),
		"count":     len(pools),
		"pools":     pools,
	})
}

func (s *Server) handleRunners(w http.ResponseWriter, r *http.Request) {
	repo := r.URL.Query().Get("repo")

	var runners []fleet.Instance
	if repo != "" {
		instances, err := s.reg.ListInstances(repo)
		if errors.Is(err, fleet.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "unknown repository", err)
			return
		}
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, "failed to list runners", err)
			return
		}
		runners = instances
	} else {
		for _, pool := range s.reg.Pools() {
			instances, err := s.reg.ListInstances(pool.Repo)
			if err != nil {
				s.writeError(w, http.StatusInternalServerError, "failed to list runners", err)
				return
			}
			runners = append(runners, instances...)
		}
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"timestamp": time.Now().Format(time.RFC3339),
		"count":     len(runners),
		"runners":   runners,
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	repo := r.URL.Query().Get("repo")
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "invalid limit", err)
			return
		}
		limit = n
	}

	events, err := s.reg.Events(repo, limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to read events", err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"timestamp": time.Now().Format(time.RFC3339),
		"count":     len(events),
		"events":    events,
	})
}

func (s *Server) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.config.Server.EnableAuth {
			next(w, r)
			return
		}

		apiKey := r.Header.Get("X-API-Key")
		if apiKey == "" {
			apiKey = r.Header.Get("Authorization")
			if len(apiKey) > 7 && apiKey[:7] == "Bearer " {
				apiKey = apiKey[7:]
			}
		}

		if apiKey != s.config.Server.APIKey {
			s.writeError(w, http.StatusUnauthorized, "unauthorized", nil)
			return
		}

		next(w, r)
	}
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		next.ServeHTTP(w, r)

		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode JSON", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string, err error) {
	response := map[string]string{
		"error": message,
	}
	if err != nil {
		response["details"] = err.Error()
	}
	s.writeJSON(w, statusCode, response)
}
