package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/agent-safety-plane/internal/timelock"
)

type TimeLockHandler struct {
	service *timelock.Service
}

func NewTimeLockHandler(s *timelock.Service) *TimeLockHandler {
	return &TimeLockHandler{service: s}
}

func (h *TimeLockHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Get("/executable", h.Executable)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Post("/cancel", h.Cancel)
		r.Post("/execute", h.Execute)
	})
	return r
}

type createTimeLockRequest struct {
	AgentID             string          `json:"agent_id"`
	Type                string          `json:"type"`
	TransactionData     json.RawMessage `json:"transaction_data"`
	ExecuteAt           time.Time       `json:"execute_at"`
	CancelWindowSeconds int64           `json:"cancel_window_seconds"`
}

// Create ставит транзакцию в очередь.
// POST /v1/timelocks
func (h *TimeLockHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createTimeLockRequest
	if err := decode(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.AgentID == "" || req.ExecuteAt.IsZero() {
		writeError(w, http.StatusBadRequest, "agent_id and execute_at are required")
		return
	}

	tx := h.service.Create(timelock.CreateRequest{
		AgentID:         req.AgentID,
		Type:            req.Type,
		TransactionData: req.TransactionData,
		ExecuteAt:       req.ExecuteAt,
		CancelWindow:    time.Duration(req.CancelWindowSeconds) * time.Second,
	})
	writeJSON(w, http.StatusCreated, tx)
}

func (h *TimeLockHandler) Get(w http.ResponseWriter, r *http.Request) {
	tx, ok := h.service.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "Time-lock not found")
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (h *TimeLockHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Result{Success: h.service.Cancel(chi.URLParam(r, "id"))})
}

func (h *TimeLockHandler) Execute(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Result{Success: h.service.Execute(chi.URLParam(r, "id"))})
}

// Executable — созревшие транзакции, состояние не меняется.
// GET /v1/timelocks/executable
func (h *TimeLockHandler) Executable(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.Executable())
}

// Pending — ожидающие транзакции агента.
// GET /v1/agents/{agentID}/timelocks
func (h *TimeLockHandler) Pending(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.Pending(chi.URLParam(r, "agentID")))
}
