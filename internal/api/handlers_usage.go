package api

import (
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/mycelian/mycelian-memory/companion/internal/api/respond"
	"github.com/mycelian/mycelian-memory/companion/internal/auth"
	"github.com/mycelian/mycelian-memory/companion/internal/model"
	"github.com/mycelian/mycelian-memory/companion/internal/services"
	"github.com/mycelian/mycelian-memory/companion/internal/usage"
)

type UsageHandler struct {
	svc        *services.UsageService
	authorizer auth.Authorizer
	log        zerolog.Logger
}

func NewUsageHandler(svc *services.UsageService, authorizer auth.Authorizer, log zerolog.Logger) *UsageHandler {
	return &UsageHandler{svc: svc, authorizer: authorizer, log: log}
}

// GetUsage GET /api/usage
func (h *UsageHandler) GetUsage(w http.ResponseWriter, r *http.Request) {
	user, ok := authenticate(w, r, h.authorizer)
	if !ok {
		return
	}
	sum, err := h.svc.Summary(r.Context(), user)
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	respond.WriteJSON(w, http.StatusOK, sum)
}

// SyncUsage POST /api/usage/sync
func (h *UsageHandler) SyncUsage(w http.ResponseWriter, r *http.Request) {
	user, ok := authenticate(w, r, h.authorizer)
	if !ok {
		return
	}
	res, err := h.svc.Sync(r.Context(), user)
	if errors.Is(err, usage.ErrNoAuthority) {
		respond.WriteJSON(w, http.StatusServiceUnavailable, map[string]any{
			"success": false,
			"message": "Usage sources unavailable; counters unchanged",
			"skipped": res.Skipped,
		})
		return
	}
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	respond.WriteJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Usage synchronized",
		"applied": res.Applied,
		"skipped": res.Skipped,
		"counts":  res.Counts,
	})
}

// RecordUsage POST /api/usage/record
func (h *UsageHandler) RecordUsage(w http.ResponseWriter, r *http.Request) {
	user, ok := authenticate(w, r, h.authorizer)
	if !ok {
		return
	}
	var req struct {
		Metric string `json:"metric"`
	}
	if err := decodeJSON(r, &req, false); err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	metric, err := model.ParseMetric(req.Metric)
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	d, err := h.svc.Record(r.Context(), user, metric)
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	respond.WriteJSON(w, http.StatusOK, map[string]any{
		"metric": d.Metric,
		"count":  d.Count,
		"limit":  d.Limit,
		"planId": d.PlanID,
	})
}
