package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/FairForge/drkeeper/internal/ha"
	"github.com/FairForge/drkeeper/internal/model"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const defaultListLimit = 50

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"primary": s.orch.GetCurrentTopology().Primary.ID,
		"uptime":  time.Since(s.startTime).Seconds(),
	})
}

func (s *Server) handleTopology(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.orch.GetCurrentTopology())
}

func (s *Server) handleFailovers(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	events, err := s.orch.GetFailoverHistory(r.Context(), limit)
	if err != nil {
		s.logger.Error("list failover history", zap.Error(err))
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	if events == nil {
		events = []*model.FailoverEvent{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	alerts := s.alerts.History(limit)
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

func (s *Server) handleRecoverable(w http.ResponseWriter, r *http.Request) {
	artifacts, err := s.orch.RecoverableArtifacts(r.Context())
	if err != nil {
		s.logger.Error("list recoverable artifacts", zap.Error(err))
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	if artifacts == nil {
		artifacts = []*model.BackupArtifact{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"artifacts": artifacts,
		"count":     len(artifacts),
	})
}

func (s *Server) handleTriggerBackup(w http.ResponseWriter, r *http.Request) {
	report, err := s.orch.TriggerBackupCycle(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	status := http.StatusOK
	if !report.Succeeded() {
		status = http.StatusMultiStatus
	}
	respondJSON(w, status, report)
}

func (s *Server) handleTriggerDrill(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.orch.TriggerDisasterRecoveryTest(r.Context()))
}

func (s *Server) handleReadmit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	region, err := s.orch.ReadmitRegion(r.Context(), id)
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, region)
	case errors.Is(err, ha.ErrUnknownRegion):
		respondError(w, http.StatusNotFound, err)
	case errors.Is(err, ha.ErrNotQuarantined),
		errors.Is(err, ha.ErrRegionUnhealthy),
		errors.Is(err, model.ErrConcurrentFailover):
		respondError(w, http.StatusConflict, err)
	default:
		respondError(w, http.StatusInternalServerError, err)
	}
}

type pipelineValueRequest struct {
	Value *float64 `json:"value"`
}

func (s *Server) handlePipelineValue(w http.ResponseWriter, r *http.Request) {
	var req pipelineValueRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<10)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("invalid body: %w", err))
		return
	}
	if req.Value == nil || *req.Value < 0 {
		respondError(w, http.StatusBadRequest, errors.New("value must be a non-negative number"))
		return
	}
	s.orch.SetPipelineValue(*req.Value)
	s.logger.Info("pipeline value updated", zap.Float64("value", *req.Value))
	w.WriteHeader(http.StatusNoContent)
}

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	return n, nil
}
