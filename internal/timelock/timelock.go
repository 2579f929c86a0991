// Package timelock откладывает чувствительные транзакции агента и дает ограниченное окно на их отмену.
package timelock

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/agent-safety-plane/internal/audit"
	"github.com/xela07ax/agent-safety-plane/internal/clock"
	"github.com/xela07ax/agent-safety-plane/internal/domain"
	"go.uber.org/zap"
)

// CreateRequest — то, что присылает вызывающая сторона. Порядок ExecuteAt/CancelWindow не проверяется.
type CreateRequest struct {
	AgentID         string          `json:"agent_id"`
	Type            string          `json:"type"`
	TransactionData json.RawMessage `json:"transaction_data"`
	ExecuteAt       time.Time       `json:"execute_at"`
	CancelWindow    time.Duration   `json:"cancel_window"`
}

type Service struct {
	mu    sync.Mutex
	locks map[string]*domain.TimeLockedTransaction

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
		locks:   make(map[string]*domain.TimeLockedTransaction),
		clock:   clock.Real{},
		auditor: audit.Discard{},
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("timelock")
	return s
}

func (s *Service) Create(req CreateRequest) domain.TimeLockedTransaction {
	s.mu.Lock()
	tx := &domain.TimeLockedTransaction{
		ID:              uuid.NewString(),
		AgentID:         req.AgentID,
		Type:            req.Type,
		TransactionData: append(json.RawMessage(nil), req.TransactionData...),
		ExecuteAt:       req.ExecuteAt,
		CancelWindow:    req.CancelWindow,
		Status:          domain.TimeLockPending,
		CreatedAt:       s.clock.Now(),
	}
	s.locks[tx.ID] = tx
	snap := tx.Clone()
	s.emit(audit.KindTimeLockCreated, snap)
	s.mu.Unlock()

	s.logger.Info("time-lock created",
		zap.String("id", snap.ID),
		zap.String("agent_id", snap.AgentID),
		zap.String("type", snap.Type),
		zap.Time("execute_at", snap.ExecuteAt))
	return snap
}

// Cancel отменяет транзакцию, только если до исполнения больше, чем CancelWindow.
// Внутри окна блокировки (и после ExecuteAt) возвращает false без изменений.
func (s *Service) Cancel(id string) bool {
	s.mu.Lock()
	tx, ok := s.locks[id]
	if !ok || tx.CanTransitionTo(domain.TimeLockCancelled) != nil {
		s.mu.Unlock()
		return false
	}
	if !s.clock.Now().Before(tx.CancelDeadline()) {
		s.mu.Unlock()
		s.logger.Warn("time-lock cancel rejected: inside blackout window", zap.String("id", id))
		return false
	}
	tx.Status = domain.TimeLockCancelled
	snap := tx.Clone()
	s.emit(audit.KindTimeLockCancelled, snap)
	s.mu.Unlock()

	s.logger.Info("time-lock cancelled", zap.String("id", id), zap.String("agent_id", snap.AgentID))
	return true
}

// Executable возвращает pending-записи, время исполнения которых наступило. Статусы не меняет.
func (s *Service) Executable() []domain.TimeLockedTransaction {
	s.mu.Lock()
	now := s.clock.Now()
	out := make([]domain.TimeLockedTransaction, 0)
	for _, tx := range s.locks {
		if tx.Status == domain.TimeLockPending && !tx.ExecuteAt.After(now) {
			out = append(out, tx.Clone())
		}
	}
	s.mu.Unlock()

	sortByExecuteAt(out)
	return out
}

// Execute помечает транзакцию исполненной. Само исполнение — забота торгового движка.
func (s *Service) Execute(id string) bool {
	s.mu.Lock()
	tx, ok := s.locks[id]
	if !ok || tx.CanTransitionTo(domain.TimeLockExecuted) != nil {
		s.mu.Unlock()
		return false
	}
	now := s.clock.Now()
	if tx.ExecuteAt.After(now) {
		s.mu.Unlock()
		return false
	}
	tx.Status = domain.TimeLockExecuted
	tx.ExecutedAt = &now
	snap := tx.Clone()
	s.emit(audit.KindTimeLockExecuted, snap)
	s.mu.Unlock()

	s.logger.Info("time-lock executed", zap.String("id", id), zap.String("agent_id", snap.AgentID))
	return true
}

// Pending — ожидающие транзакции агента, ближайшие первыми.
func (s *Service) Pending(agentID string) []domain.TimeLockedTransaction {
	s.mu.Lock()
	out := make([]domain.TimeLockedTransaction, 0)
	for _, tx := range s.locks {
		if tx.AgentID == agentID && tx.Status == domain.TimeLockPending {
			out = append(out, tx.Clone())
		}
	}
	s.mu.Unlock()

	sortByExecuteAt(out)
	return out
}

func (s *Service) Get(id string) (domain.TimeLockedTransaction, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.locks[id]
	if !ok {
		return domain.TimeLockedTransaction{}, false
	}
	return tx.Clone(), true
}

// Restore загружает записи из хранилища при старте.
func (s *Service) Restore(records []domain.TimeLockedTransaction) {
	next := make(map[string]*domain.TimeLockedTransaction, len(records))
	for i := range records {
		tx := records[i].Clone()
		next[tx.ID] = &tx
	}
	s.mu.Lock()
	s.locks = next
	s.mu.Unlock()
	s.logger.Info("time-locks restored", zap.Int("count", len(next)))
}

// emit вызывается под s.mu, Log не блокируется.
func (s *Service) emit(kind audit.Kind, tx domain.TimeLockedTransaction) {
	s.auditor.Log(audit.AuditEvent{
		Kind:      kind,
		AgentID:   tx.AgentID,
		EntityID:  tx.ID,
		Status:    string(tx.Status),
		Records:   []any{tx},
		Timestamp: s.clock.Now(),
	})
}

func sortByExecuteAt(txs []domain.TimeLockedTransaction) {
	sort.SliceStable(txs, func(i, j int) bool {
		if txs[i].ExecuteAt.Equal(txs[j].ExecuteAt) {
			return txs[i].CreatedAt.Before(txs[j].CreatedAt)
		}
		return txs[i].ExecuteAt.Before(txs[j].ExecuteAt)
	})
}
