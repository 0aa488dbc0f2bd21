// Package api exposes the orchestrator over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/FairForge/drkeeper/internal/alerting"
	"github.com/FairForge/drkeeper/internal/backup"
	"github.com/FairForge/drkeeper/internal/ha"
	"github.com/FairForge/drkeeper/internal/model"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// Orchestrator is the programmatic surface the API serves.
// *ha.Orchestrator satisfies it.
type Orchestrator interface {
	GetCurrentTopology() model.Topology
	GetFailoverHistory(ctx context.Context, limit int) ([]*model.FailoverEvent, error)
	TriggerBackupCycle(ctx context.Context) (*backup.CycleReport, error)
	TriggerDisasterRecoveryTest(ctx context.Context) *ha.TestReport
	RecoverableArtifacts(ctx context.Context) ([]*model.BackupArtifact, error)
	ReadmitRegion(ctx context.Context, regionID string) (model.RegionEndpoint, error)
	SetPipelineValue(v float64)
}

// AlertHistory returns recently dispatched alerts. *alerting.Dispatcher
// satisfies it.
type AlertHistory interface {
	History(limit int) []alerting.Alert
}

// Options configures a Server.
type Options struct {
	Port   int
	APIKey string
	// Metrics serves /metrics. Nil leaves the route out.
	Metrics http.Handler
	// MutationsPerSecond limits POST and PUT requests per client.
	MutationsPerSecond float64
	MutationBurst      int
}

type Server struct {
	orch       Orchestrator
	alerts     AlertHistory
	options    Options
	logger     *zap.Logger
	router     chi.Router
	httpServer *http.Server
	startTime  time.Time
}

func NewServer(orch Orchestrator, alerts AlertHistory, options Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if options.MutationsPerSecond <= 0 {
		options.MutationsPerSecond = 1
	}
	if options.MutationBurst <= 0 {
		options.MutationBurst = 5
	}
	s := &Server{
		orch:      orch,
		alerts:    alerts,
		options:   options,
		logger:    logger,
		router:    chi.NewRouter(),
		startTime: time.Now(),
	}

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", options.Port),
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(RequestLogger(s.logger))
	s.router.Use(middleware.Recoverer)

	s.router.Get("/health", s.handleHealth)
	if s.options.Metrics != nil {
		s.router.Method(http.MethodGet, "/metrics", s.options.Metrics)
	}

	s.router.Route("/v1", func(r chi.Router) {
		r.Get("/topology", s.handleTopology)
		r.Get("/failovers", s.handleFailovers)
		r.Get("/alerts", s.handleAlerts)
		r.Get("/artifacts/recoverable", s.handleRecoverable)

		r.Group(func(r chi.Router) {
			r.Use(RequireAPIKey(s.options.APIKey))
			r.Use(RateLimitMiddleware(NewRateLimiter(s.options.MutationsPerSecond, s.options.MutationBurst)))
			r.Post("/backups", s.handleTriggerBackup)
			r.Post("/dr-tests", s.handleTriggerDrill)
			r.Post("/regions/{id}/readmit", s.handleReadmit)
			r.Put("/pipeline-value", s.handlePipelineValue)
		})
	})
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.logger.Info("starting API server", zap.Int("port", s.options.Port))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, map[string]string{"error": err.Error()})
}
