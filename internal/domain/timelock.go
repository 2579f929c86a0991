package domain

import (
	"encoding/json"
	"errors"
	"time"
)

// TimeLockStatus — статусы отложенной транзакции.
type TimeLockStatus string

const (
	TimeLockPending   TimeLockStatus = "pending"
	TimeLockCancelled TimeLockStatus = "cancelled"
	TimeLockExecuted  TimeLockStatus = "executed"
)

var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrAlreadyProcessed  = errors.New("record already in terminal state")
)

// TimeLockedTransaction — чувствительная операция, исполнение которой отложено до ExecuteAt.
type TimeLockedTransaction struct {
	ID              string          `json:"id"`
	AgentID         string          `json:"agent_id"`
	Type            string          `json:"type"`             // например "withdrawal"
	TransactionData json.RawMessage `json:"transaction_data"` // непрозрачные данные для торгового движка
	ExecuteAt       time.Time       `json:"execute_at"`
	CancelWindow    time.Duration   `json:"cancel_window"`
	Status          TimeLockStatus  `json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
	ExecutedAt      *time.Time      `json:"executed_at,omitempty"`
}

// CancelDeadline — последний момент (не включительно), когда отмена ещё возможна.
func (t *TimeLockedTransaction) CancelDeadline() time.Time {
	return t.ExecuteAt.Add(-t.CancelWindow)
}

// CanTransitionTo проверяет правила конечного автомата: переходы только из pending.
func (t *TimeLockedTransaction) CanTransitionTo(next TimeLockStatus) error {
	if t.Status != TimeLockPending {
		return ErrAlreadyProcessed
	}
	if next == TimeLockPending {
		return ErrInvalidTransition
	}
	return nil
}

// Clone копирует запись вместе с данными транзакции.
func (t *TimeLockedTransaction) Clone() TimeLockedTransaction {
	c := *t
	if t.TransactionData != nil {
		c.TransactionData = append(json.RawMessage(nil), t.TransactionData...)
	}
	if t.ExecutedAt != nil {
		at := *t.ExecutedAt
		c.ExecutedAt = &at
	}
	return c
}
