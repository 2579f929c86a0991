package domain

import (
	"encoding/json"
	"errors"
	"time"
)

// ProposalStatus — жизненный цикл предложения по изменению параметров безопасности.
type ProposalStatus string

const (
	ProposalActive   ProposalStatus = "active"
	ProposalPassed   ProposalStatus = "passed"
	ProposalRejected ProposalStatus = "rejected"
	ProposalExecuted ProposalStatus = "executed"
)

var ErrInvalidQuorum = errors.New("quorum must be a positive integer")

// GovernanceProposal — предложение, по которому голосуют стейкхолдеры.
// VotesFor/VotesAgainst — производные суммы весов и меняются только через голосование.
type GovernanceProposal struct {
	ID            string          `json:"id"`
	Title         string          `json:"title"`
	Description   string          `json:"description"`
	Type          string          `json:"type"`
	TargetRule    string          `json:"target_rule,omitempty"`    // например "breaker.max_volume"
	ProposedValue json.RawMessage `json:"proposed_value,omitempty"` // применяется внешним потребителем
	Quorum        int             `json:"quorum"`
	Status        ProposalStatus  `json:"status"`
	VotesFor      float64         `json:"votes_for"`
	VotesAgainst  float64         `json:"votes_against"`
	CreatedAt     time.Time       `json:"created_at"`
	ExecutedAt    *time.Time      `json:"executed_at,omitempty"`
}

// CanTransitionTo: active -> passed|rejected, passed -> executed. Остальное запрещено.
func (p *GovernanceProposal) CanTransitionTo(next ProposalStatus) error {
	switch p.Status {
	case ProposalActive:
		if next == ProposalPassed || next == ProposalRejected {
			return nil
		}
	case ProposalPassed:
		if next == ProposalExecuted {
			return nil
		}
	default:
		return ErrAlreadyProcessed
	}
	return ErrInvalidTransition
}

func (p *GovernanceProposal) Clone() GovernanceProposal {
	c := *p
	if p.ProposedValue != nil {
		c.ProposedValue = append(json.RawMessage(nil), p.ProposedValue...)
	}
	if p.ExecutedAt != nil {
		at := *p.ExecutedAt
		c.ExecutedAt = &at
	}
	return c
}

// GovernanceVote — голос одного участника. Не более одного голоса на пару (ProposalID, Voter).
type GovernanceVote struct {
	ID         string    `json:"id"`
	ProposalID string    `json:"proposal_id"`
	Voter      string    `json:"voter"`
	Support    bool      `json:"support"`
	Weight     float64   `json:"weight"`
	Timestamp  time.Time `json:"timestamp"`
}
