package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/agent-safety-plane/internal/domain"
	"github.com/xela07ax/agent-safety-plane/internal/threat"
)

type ThreatHandler struct {
	service *threat.Service
}

func NewThreatHandler(s *threat.Service) *ThreatHandler {
	return &ThreatHandler{service: s}
}

func (h *ThreatHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/detect", h.Detect)
	r.Get("/patterns", h.Patterns)
	r.Post("/patterns", h.AddPattern)
	r.Get("/reports", h.Reports)
	r.Post("/reports", h.Report)
	r.Get("/feed", h.Feed)
	return r
}

// Detect считает скор без записи в ленту.
// POST /v1/threats/detect
func (h *ThreatHandler) Detect(w http.ResponseWriter, r *http.Request) {
	var m domain.TradingMetrics
	if err := decode(r, &m, false); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	writeJSON(w, http.StatusOK, h.service.DetectAnomaly(m))
}

func (h *ThreatHandler) AddPattern(w http.ResponseWriter, r *http.Request) {
	var req threat.PatternRequest
	if err := decode(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.VolumeThreshold == nil && req.PriceChangeThreshold == nil {
		writeError(w, http.StatusBadRequest, "at least one threshold is required")
		return
	}
	writeJSON(w, http.StatusCreated, h.service.AddPattern(req))
}

func (h *ThreatHandler) Patterns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.Patterns())
}

func (h *ThreatHandler) Report(w http.ResponseWriter, r *http.Request) {
	var req threat.ReportRequest
	if err := decode(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	writeJSON(w, http.StatusCreated, h.service.ReportThreat(req))
}

func (h *ThreatHandler) Reports(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.Reports())
}

// Feed — свежие записи ленты, ?limit=N (по умолчанию 50).
// GET /v1/threats/feed
func (h *ThreatHandler) Feed(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, h.service.Feed(limit))
}
