// Package governance ведет жизненный цикл предложений по изменению параметров безопасности
// и взвешенное голосование по ним.
package governance

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/xela07ax/agent-safety-plane/internal/audit"
	"github.com/xela07ax/agent-safety-plane/internal/clock"
	"github.com/xela07ax/agent-safety-plane/internal/domain"
	"go.uber.org/zap"
)

type ProposalRequest struct {
	Title         string          `json:"title"`
	Description   string          `json:"description"`
	Type          string          `json:"type"`
	TargetRule    string          `json:"target_rule,omitempty"`
	ProposedValue json.RawMessage `json:"proposed_value,omitempty"`
	Quorum        int             `json:"quorum"`
}

type VoteRequest struct {
	Voter   string  `json:"voter"`
	Support bool    `json:"support"`
	Weight  float64 `json:"weight"`
}

// Service хранит предложения и книгу голосов под одним мьютексом:
// проверка повторного голоса и обновление сумм наблюдаются вместе.
type Service struct {
	mu        sync.Mutex
	proposals map[string]*domain.GovernanceProposal
	votes     map[string]map[string]domain.GovernanceVote // proposalID -> voter -> vote

	clock   clock.Clock
	auditor audit.Auditor
	logger  *zap.Logger
}

type Option func(*Service)

func WithClock(c clock.Clock) Option     { return func(s *Service) { s.clock = c } }
func WithAuditor(a audit.Auditor) Option { return func(s *Service) { s.auditor = a } }
func WithLogger(l *zap.Logger) Option    { return func(s *Service) { s.logger = l } }

func New(opts ...Option) *Service {
	s := &Service{
		proposals: make(map[string]*domain.GovernanceProposal),
		votes:     make(map[string]map[string]domain.GovernanceVote),
		clock:     clock.Real{},
		auditor:   audit.Discard{},
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("governance")
	return s
}

// CreateProposal открывает предложение в статусе active с пустой книгой голосов.
func (s *Service) CreateProposal(req ProposalRequest) (domain.GovernanceProposal, error) {
	if req.Quorum <= 0 {
		return domain.GovernanceProposal{}, fmt.Errorf("create proposal %q: %w", req.Title, domain.ErrInvalidQuorum)
	}

	s.mu.Lock()
	p := &domain.GovernanceProposal{
		ID:            uuid.NewString(),
		Title:         req.Title,
		Description:   req.Description,
		Type:          req.Type,
		TargetRule:    req.TargetRule,
		ProposedValue: append(json.RawMessage(nil), req.ProposedValue...),
		Quorum:        req.Quorum,
		Status:        domain.ProposalActive,
		CreatedAt:     s.clock.Now(),
	}
	if len(req.ProposedValue) == 0 {
		p.ProposedValue = nil
	}
	s.proposals[p.ID] = p
	s.votes[p.ID] = make(map[string]domain.GovernanceVote)
	snap := p.Clone()
	s.emit(audit.KindProposalCreated, snap)
	s.mu.Unlock()

	s.logger.Info("proposal created",
		zap.String("proposal_id", snap.ID),
		zap.String("title", snap.Title),
		zap.String("target_rule", snap.TargetRule),
		zap.Int("quorum", snap.Quorum))
	return snap, nil
}

// Vote учитывает голос и сразу применяет правила перехода.
// false без изменений: нет предложения, оно не active, голос уже был, вес не положителен.
func (s *Service) Vote(proposalID string, req VoteRequest) bool {
	if req.Voter == "" || req.Weight <= 0 {
		return false
	}

	s.mu.Lock()
	p, ok := s.proposals[proposalID]
	if !ok || p.Status != domain.ProposalActive {
		s.mu.Unlock()
		return false
	}
	ledger := s.votes[proposalID]
	if _, voted := ledger[req.Voter]; voted {
		s.mu.Unlock()
		s.logger.Warn("duplicate vote rejected",
			zap.String("proposal_id", proposalID), zap.String("voter", req.Voter))
		return false
	}

	v := domain.GovernanceVote{
		ID:         uuid.NewString(),
		ProposalID: proposalID,
		Voter:      req.Voter,
		Support:    req.Support,
		Weight:     req.Weight,
		Timestamp:  s.clock.Now(),
	}
	ledger[req.Voter] = v
	if v.Support {
		p.VotesFor += v.Weight
	} else {
		p.VotesAgainst += v.Weight
	}

	quorum := float64(p.Quorum)
	switch {
	case p.VotesFor >= quorum:
		p.Status = domain.ProposalPassed
	case p.VotesAgainst > p.VotesFor && p.VotesAgainst >= quorum:
		p.Status = domain.ProposalRejected
	}
	snap := p.Clone()
	s.auditor.Log(audit.AuditEvent{
		Kind:      audit.KindVoteCast,
		EntityID:  snap.ID,
		Status:    string(snap.Status),
		Records:   []any{v, snap},
		Timestamp: v.Timestamp,
	})
	s.mu.Unlock()

	if snap.Status != domain.ProposalActive {
		s.logger.Info("proposal decided",
			zap.String("proposal_id", snap.ID),
			zap.String("status", string(snap.Status)),
			zap.Float64("votes_for", snap.VotesFor),
			zap.Float64("votes_against", snap.VotesAgainst))
	}
	return true
}

func (s *Service) Proposal(id string) (domain.GovernanceProposal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.proposals[id]
	if !ok {
		return domain.GovernanceProposal{}, false
	}
	return p.Clone(), true
}

// ActiveProposals — открытые предложения, новые первыми.
func (s *Service) ActiveProposals() []domain.GovernanceProposal {
	s.mu.Lock()
	out := make([]domain.GovernanceProposal, 0)
	for _, p := range s.proposals {
		if p.Status == domain.ProposalActive {
			out = append(out, p.Clone())
		}
	}
	s.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Votes возвращает книгу голосов предложения в порядке подачи.
func (s *Service) Votes(proposalID string) []domain.GovernanceVote {
	s.mu.Lock()
	out := make([]domain.GovernanceVote, 0, len(s.votes[proposalID]))
	for _, v := range s.votes[proposalID] {
		out = append(out, v)
	}
	s.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Voter < out[j].Voter
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// Execute фиксирует исполнение принятого предложения. Применение ProposedValue к живым
// порогам делает внешний потребитель события KindProposalExecuted.
func (s *Service) Execute(id string) bool {
	s.mu.Lock()
	p, ok := s.proposals[id]
	if !ok || p.CanTransitionTo(domain.ProposalExecuted) != nil {
		s.mu.Unlock()
		return false
	}
	now := s.clock.Now()
	p.Status = domain.ProposalExecuted
	p.ExecutedAt = &now
	snap := p.Clone()
	s.emit(audit.KindProposalExecuted, snap)
	s.mu.Unlock()

	s.logger.Info("proposal executed",
		zap.String("proposal_id", snap.ID), zap.String("target_rule", snap.TargetRule))
	return true
}

// Restore загружает предложения и голоса из хранилища. Голоса без предложения отбрасываются.
func (s *Service) Restore(proposals []domain.GovernanceProposal, votes []domain.GovernanceVote) {
	nextP := make(map[string]*domain.GovernanceProposal, len(proposals))
	nextV := make(map[string]map[string]domain.GovernanceVote, len(proposals))
	for i := range proposals {
		p := proposals[i].Clone()
		nextP[p.ID] = &p
		nextV[p.ID] = make(map[string]domain.GovernanceVote)
	}
	for _, v := range votes {
		if ledger, ok := nextV[v.ProposalID]; ok {
			ledger[v.Voter] = v
		}
	}

	s.mu.Lock()
	s.proposals = nextP
	s.votes = nextV
	s.mu.Unlock()
	s.logger.Info("governance state restored", zap.Int("proposals", len(nextP)), zap.Int("votes", len(votes)))
}

// emit вызывается под s.mu: журнал видит изменения в том же порядке, что и память.
func (s *Service) emit(kind audit.Kind, p domain.GovernanceProposal) {
	s.auditor.Log(audit.AuditEvent{
		Kind:      kind,
		EntityID:  p.ID,
		Status:    string(p.Status),
		Records:   []any{p},
		Timestamp: s.clock.Now(),
	})
}
