package healthcheck

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/pkg/utils"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// SessionCounter reports live and ready automation handles.
type SessionCounter interface {
	ReadyCounts() (live, ready int)
}

// Server represents a health check HTTP server
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	db         Pinger
	sessions   SessionCounter
	logger     *zap.Logger
}

// HealthResponse is the response structure for health check endpoints
type HealthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// NewServer creates a new health check server. db and sessions may be nil.
func NewServer(port string, db Pinger, sessions SessionCounter, logger *zap.Logger) *Server {
	mux := http.NewServeMux()

	server := &Server{
		httpServer: &http.Server{
			Addr:              ":" + port,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		mux:      mux,
		db:       db,
		sessions: sessions,
		logger:   logger,
	}

	mux.HandleFunc("/health", server.handleHealth)
	mux.HandleFunc("/ready", server.handleReady)

	return server
}

// RegisterMetricsHandler adds the /metrics endpoint handler.
// Should only be called if metrics are enabled.
func (s *Server) RegisterMetricsHandler(handler http.Handler) {
	s.logger.Info("Registering /metrics endpoint")
	s.mux.Handle("/metrics", handler)
}

// Handler exposes the routes, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start begins the HTTP server
func (s *Server) Start() {
	go func() {
		s.logger.Info("Starting health check server", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Health check server error", zap.Error(err))
		}
	}()
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping health check server")
	return s.httpServer.Shutdown(ctx)
}

// handleHealth handles the /health endpoint for liveness probes
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	utils.WriteJSONResponse(w, http.StatusOK, HealthResponse{
		Status:  "UP",
		Version: "1.0.0",
	})
}

// handleReady pings the database and reports session counts. Only a failed ping makes the
// service unready; zero live sessions is a normal state.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	details := map[string]string{
		"timestamp": utils.FormatISO8601(utils.Now()),
	}
	if s.sessions != nil {
		live, ready := s.sessions.ReadyCounts()
		details["sessions_live"] = strconv.Itoa(live)
		details["sessions_ready"] = strconv.Itoa(ready)
	}

	if s.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.db.Ping(ctx); err != nil {
			s.logger.Warn("Readiness check failed", zap.Error(err))
			details["database"] = "unreachable"
			utils.WriteJSONResponse(w, http.StatusServiceUnavailable, HealthResponse{Status: "NOT_READY", Details: details})
			return
		}
		details["database"] = "ok"
	}

	utils.WriteJSONResponse(w, http.StatusOK, HealthResponse{Status: "READY", Details: details})
}
