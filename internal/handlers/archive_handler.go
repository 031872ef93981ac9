package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/tracearchive/internal/services/errortracking"
	"github.com/ternarybob/tracearchive/internal/services/features"
	"github.com/ternarybob/tracearchive/internal/services/metrics"
	"github.com/ternarybob/tracearchive/internal/services/scheduler"
)

// ArchiveHandler exposes the sweeper and archival observability
type ArchiveHandler struct {
	scheduler *scheduler.Service
	metrics   *metrics.Service
	tracker   *errortracking.Tracker
	features  *features.Service
	logger    arbor.ILogger
}

// NewArchiveHandler creates a new archive handler
func NewArchiveHandler(schedulerService *scheduler.Service, metricsService *metrics.Service, tracker *errortracking.Tracker, featureService *features.Service, logger arbor.ILogger) *ArchiveHandler {
	return &ArchiveHandler{
		scheduler: schedulerService,
		metrics:   metricsService,
		tracker:   tracker,
		features:  featureService,
		logger:    logger,
	}
}

// SweepHandler runs one sweep synchronously and returns its result
// POST /api/archive/sweep
func (h *ArchiveHandler) SweepHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	h.logger.Info().Msg("Manual archive sweep requested")

	result, err := h.scheduler.Sweep(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Manual archive sweep failed")
		WriteError(w, http.StatusInternalServerError, "Sweep failed")
		return
	}

	WriteJSON(w, http.StatusOK, result)
}

// LastSweepHandler returns the result of the most recent sweep
// GET /api/archive/sweep
func (h *ArchiveHandler) LastSweepHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"running":    h.scheduler.IsRunning(),
		"last_sweep": h.scheduler.LastSweep(),
	})
}

// MetricsHandler writes the metrics registry as JSON
// GET /api/metrics
func (h *ArchiveHandler) MetricsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	h.metrics.WriteJSON(w)
}

// ErrorsHandler returns recently tracked errors, newest first
// GET /api/errors
func (h *ArchiveHandler) ErrorsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"total":  h.tracker.Total(),
		"errors": h.tracker.Recent(),
	})
}

type setFeatureRequest struct {
	Name      string `json:"name" validate:"required"`
	ProjectID string `json:"project_id"`
	Enabled   bool   `json:"enabled"`
}

// ListFeaturesHandler returns every stored feature flag value
// GET /api/features
func (h *ArchiveHandler) ListFeaturesHandler(w http.ResponseWriter, r *http.Request) {
	flags, err := h.features.List(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list feature flags")
		WriteError(w, http.StatusInternalServerError, "Failed to list feature flags")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"features": flags,
	})
}

// SetFeatureHandler sets a feature flag globally or for one project
// PUT /api/features
func (h *ArchiveHandler) SetFeatureHandler(w http.ResponseWriter, r *http.Request) {
	var req setFeatureRequest
	if !DecodeAndValidate(w, r, &req) {
		return
	}

	if err := h.features.Set(r.Context(), req.Name, req.ProjectID, req.Enabled); err != nil {
		WriteError(w, http.StatusInternalServerError, "Failed to set feature flag")
		return
	}

	WriteJSON(w, http.StatusOK, features.Flag{Name: req.Name, ProjectID: req.ProjectID, Enabled: req.Enabled})
}
