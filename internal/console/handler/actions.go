package handler

import (
	"net/http"

	"github.com/xela07ax/agent-safety-plane/internal/engine"
)

type ActionHandler struct {
	core *engine.Core
}

func NewActionHandler(core *engine.Core) *ActionHandler {
	return &ActionHandler{core: core}
}

// Evaluate — полный гейт действия агента (предохранитель, аномалии, журнал, доказательство).
// POST /v1/actions/evaluate
func (h *ActionHandler) Evaluate(w http.ResponseWriter, r *http.Request) {
	var req engine.EvaluateRequest
	if err := decode(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.AgentID == "" {
		writeError(w, http.StatusBadRequest, "agent_id is required")
		return
	}
	writeJSON(w, http.StatusOK, h.core.EvaluateAction(r.Context(), req))
}
