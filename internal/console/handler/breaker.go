package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/agent-safety-plane/internal/breaker"
	"github.com/xela07ax/agent-safety-plane/internal/domain"
)

type BreakerHandler struct {
	service  *breaker.Service
	defaults domain.BreakerConfig
}

// NewBreakerHandler — defaults применяются, если при инициализации не передан конфиг.
func NewBreakerHandler(s *breaker.Service, defaults domain.BreakerConfig) *BreakerHandler {
	return &BreakerHandler{service: s, defaults: defaults}
}

func (h *BreakerHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.List)
	r.Route("/{agentID}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Post("/", h.Initialize)
		r.Post("/check", h.Check)
		r.Post("/trip", h.Trip)
		r.Post("/reset", h.Reset)
	})
	return r
}

// Initialize ставит агента под надзор.
// POST /v1/breakers/{agentID}
func (h *BreakerHandler) Initialize(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	cfg := h.defaults
	if err := decode(r, &cfg, true); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	writeJSON(w, http.StatusCreated, h.service.Initialize(agentID, cfg))
}

// Check — гейт действия по метрикам. Отказ — это 200 с allowed=false.
// POST /v1/breakers/{agentID}/check
func (h *BreakerHandler) Check(w http.ResponseWriter, r *http.Request) {
	var m domain.TradingMetrics
	if err := decode(r, &m, false); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	writeJSON(w, http.StatusOK, h.service.Check(chi.URLParam(r, "agentID"), m))
}

type tripRequest struct {
	Reason string `json:"reason"`
}

func (h *BreakerHandler) Trip(w http.ResponseWriter, r *http.Request) {
	req := tripRequest{Reason: "Manual trip"}
	if err := decode(r, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	writeJSON(w, http.StatusOK, Result{Success: h.service.Trip(chi.URLParam(r, "agentID"), req.Reason)})
}

func (h *BreakerHandler) Reset(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Result{Success: h.service.Reset(chi.URLParam(r, "agentID"))})
}

func (h *BreakerHandler) Get(w http.ResponseWriter, r *http.Request) {
	st, ok := h.service.State(chi.URLParam(r, "agentID"))
	if !ok {
		writeError(w, http.StatusNotFound, "Breaker not found")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *BreakerHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.States())
}
