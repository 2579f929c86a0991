package handler

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/agent-safety-plane/internal/domain"
	"github.com/xela07ax/agent-safety-plane/internal/governance"
)

type GovernanceHandler struct {
	service *governance.Service
}

func NewGovernanceHandler(s *governance.Service) *GovernanceHandler {
	return &GovernanceHandler{service: s}
}

func (h *GovernanceHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.ListActive)
	r.Post("/", h.Create)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Get("/votes", h.Votes)
		r.Post("/votes", h.Vote)
		r.Post("/execute", h.Execute)
	})
	return r
}

func (h *GovernanceHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req governance.ProposalRequest
	if err := decode(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	p, err := h.service.CreateProposal(req)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidQuorum) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (h *GovernanceHandler) Get(w http.ResponseWriter, r *http.Request) {
	p, ok := h.service.Proposal(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "Proposal not found")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *GovernanceHandler) ListActive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.ActiveProposals())
}

// Vote — дубликат голоса, закрытое или неизвестное предложение дают success=false.
// POST /v1/proposals/{id}/votes
func (h *GovernanceHandler) Vote(w http.ResponseWriter, r *http.Request) {
	var req governance.VoteRequest
	if err := decode(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	writeJSON(w, http.StatusOK, Result{Success: h.service.Vote(chi.URLParam(r, "id"), req)})
}

func (h *GovernanceHandler) Votes(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := h.service.Proposal(id); !ok {
		writeError(w, http.StatusNotFound, "Proposal not found")
		return
	}
	writeJSON(w, http.StatusOK, h.service.Votes(id))
}

func (h *GovernanceHandler) Execute(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Result{Success: h.service.Execute(chi.URLParam(r, "id"))})
}
