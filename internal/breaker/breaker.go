// Package breaker реализует предохранитель на уровне агента: автомат closed/half-open/open,
// который останавливает торговлю при аномальных метриках.
package breaker

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/xela07ax/agent-safety-plane/internal/audit"
	"github.com/xela07ax/agent-safety-plane/internal/clock"
	"github.com/xela07ax/agent-safety-plane/internal/domain"
	"go.uber.org/zap"
)

// Причины отказа. Торговый движок и консоль сравнивают их как строки.
const (
	ReasonOpen            = "Circuit breaker is open"
	ReasonVolume          = "Volume threshold exceeded"
	ReasonPriceChange     = "Price change threshold exceeded"
	ReasonTradeCount      = "Trade count threshold exceeded"
	reasonPausedUntilTmpl = "Circuit breaker is open - paused until %s"
)

// StateChangeFunc вызывается после снятия блокировки при каждой смене статуса.
type StateChangeFunc func(agentID string, from, to domain.BreakerStatus)

type Service struct {
	mu     sync.Mutex
	states map[string]*domain.BreakerState

	clock    clock.Clock
	auditor  audit.Auditor
	logger   *zap.Logger
	onChange StateChangeFunc
}

type Option func(*Service)

func WithClock(c clock.Clock) Option           { return func(s *Service) { s.clock = c } }
func WithAuditor(a audit.Auditor) Option       { return func(s *Service) { s.auditor = a } }
func WithLogger(l *zap.Logger) Option          { return func(s *Service) { s.logger = l } }
func WithStateChange(f StateChangeFunc) Option { return func(s *Service) { s.onChange = f } }

func New(opts ...Option) *Service {
	s := &Service{
		states:  make(map[string]*domain.BreakerState),
		clock:   clock.Real{},
		auditor: audit.Discard{},
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("breaker")
	return s
}

// transition — изменение состояния. В журнал уходит под s.mu, чтобы порядок событий
// совпадал с порядком изменений; логи и onChange вызываются после Unlock.
type transition struct {
	kind     audit.Kind
	from, to domain.BreakerStatus
	reason   string
	snapshot domain.BreakerState
}

// Initialize создает или заменяет состояние агента в статусе closed.
func (s *Service) Initialize(agentID string, cfg domain.BreakerConfig) domain.BreakerState {
	s.mu.Lock()
	now := s.clock.Now()
	from := domain.BreakerClosed
	if prev, ok := s.states[agentID]; ok {
		from = prev.Status
	}
	st := &domain.BreakerState{
		AgentID:       agentID,
		Config:        cfg,
		Status:        domain.BreakerClosed,
		LastResetTime: now,
	}
	s.states[agentID] = st
	t := transition{kind: audit.KindBreakerInitialized, from: from, to: domain.BreakerClosed, snapshot: st.Clone()}
	s.journal(t)
	s.mu.Unlock()

	s.logger.Info("circuit breaker initialized",
		zap.String("agent_id", agentID),
		zap.Float64("max_volume", cfg.MaxVolume),
		zap.Float64("max_price_change", cfg.MaxPriceChange),
		zap.Int("max_trades", cfg.MaxTradesPerPeriod))
	s.notify(t)
	return t.snapshot
}

// Check — гейт на каждое действие агента.
// Неинициализированный агент пропускается (fail-open: агент еще не под надзором).
func (s *Service) Check(agentID string, m domain.TradingMetrics) domain.Decision {
	s.mu.Lock()
	st, ok := s.states[agentID]
	if !ok {
		s.mu.Unlock()
		return domain.Allow()
	}

	now := s.clock.Now()
	var pending []transition

	if st.Status == domain.BreakerOpen {
		if st.PausedUntil != nil && now.Before(*st.PausedUntil) {
			reason := fmt.Sprintf(reasonPausedUntilTmpl, st.PausedUntil.UTC().Format(time.RFC3339))
			s.mu.Unlock()
			s.logger.Warn("action denied: breaker paused", zap.String("agent_id", agentID))
			return domain.Deny(reason)
		}
		if now.Sub(st.LastResetTime) <= st.Config.ResetTimeout {
			s.mu.Unlock()
			s.logger.Warn("action denied: breaker open", zap.String("agent_id", agentID))
			return domain.Deny(ReasonOpen)
		}
		st.Status = domain.BreakerHalfOpen
		st.LastResetTime = now
		pending = append(pending, transition{
			kind: audit.KindBreakerHalfOpen, from: domain.BreakerOpen, to: domain.BreakerHalfOpen, snapshot: st.Clone(),
		})
	}

	// Half-open закрывается безусловно, без пробного запроса (см. DESIGN.md, открытый вопрос).
	if st.Status == domain.BreakerHalfOpen {
		st.Status = domain.BreakerClosed
		st.FailureCount = 0
		pending = append(pending, transition{
			kind: audit.KindBreakerClosed, from: domain.BreakerHalfOpen, to: domain.BreakerClosed, snapshot: st.Clone(),
		})
	}

	decision := domain.Allow()
	if reason := exceeded(st.Config, m); reason != "" {
		s.trip(st, now)
		pending = append(pending, transition{
			kind: audit.KindBreakerTripped, from: domain.BreakerClosed, to: domain.BreakerOpen, reason: reason, snapshot: st.Clone(),
		})
		decision = domain.Deny(reason)
	}
	s.journal(pending...)
	s.mu.Unlock()

	s.notify(pending...)
	return decision
}

// exceeded проверяет пороги по порядку и возвращает первую сработавшую причину.
func exceeded(cfg domain.BreakerConfig, m domain.TradingMetrics) string {
	switch {
	case m.Volume > cfg.MaxVolume:
		return ReasonVolume
	case math.Abs(m.PriceChange) > cfg.MaxPriceChange:
		return ReasonPriceChange
	case m.TradeCount > cfg.MaxTradesPerPeriod:
		return ReasonTradeCount
	}
	return ""
}

// trip переводит состояние в open. Вызывается только под s.mu.
func (s *Service) trip(st *domain.BreakerState, now time.Time) {
	st.Status = domain.BreakerOpen
	st.FailureCount++
	failedAt := now
	st.LastFailureTime = &failedAt
	pausedUntil := now.Add(st.Config.PauseDuration)
	st.PausedUntil = &pausedUntil
}

// Trip размыкает предохранитель вручную (команда оператора или внешний детектор).
// Возвращает false, если агент не инициализирован.
func (s *Service) Trip(agentID, reason string) bool {
	s.mu.Lock()
	st, ok := s.states[agentID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	from := st.Status
	s.trip(st, s.clock.Now())
	t := transition{kind: audit.KindBreakerTripped, from: from, to: domain.BreakerOpen, reason: reason, snapshot: st.Clone()}
	s.journal(t)
	s.mu.Unlock()

	s.notify(t)
	return true
}

// Reset — ручное восстановление. Для неизвестного агента ничего не делает и состояние не создает.
func (s *Service) Reset(agentID string) bool {
	s.mu.Lock()
	st, ok := s.states[agentID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	from := st.Status
	st.Status = domain.BreakerClosed
	st.FailureCount = 0
	st.LastResetTime = s.clock.Now()
	st.PausedUntil = nil
	t := transition{kind: audit.KindBreakerReset, from: from, to: domain.BreakerClosed, snapshot: st.Clone()}
	s.journal(t)
	s.mu.Unlock()

	s.notify(t)
	return true
}

// State — чистое чтение, возвращает копию.
func (s *Service) State(agentID string) (domain.BreakerState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[agentID]
	if !ok {
		return domain.BreakerState{}, false
	}
	return st.Clone(), true
}

// States возвращает снимок всех состояний, отсортированный по agent_id.
func (s *Service) States() []domain.BreakerState {
	s.mu.Lock()
	out := make([]domain.BreakerState, 0, len(s.states))
	for _, st := range s.states {
		out = append(out, st.Clone())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// Restore заменяет состояние данными из хранилища (холодный старт).
func (s *Service) Restore(states []domain.BreakerState) {
	next := make(map[string]*domain.BreakerState, len(states))
	for i := range states {
		st := states[i].Clone()
		next[st.AgentID] = &st
	}
	s.mu.Lock()
	s.states = next
	s.mu.Unlock()
	s.logger.Info("breaker states restored", zap.Int("count", len(next)))
}

// journal пишет события в аудитор. Вызывается только под s.mu: Log не блокируется.
func (s *Service) journal(ts ...transition) {
	for _, t := range ts {
		s.auditor.Log(audit.AuditEvent{
			Kind:      t.kind,
			AgentID:   t.snapshot.AgentID,
			EntityID:  t.snapshot.AgentID,
			Status:    string(t.to),
			Reason:    t.reason,
			Records:   []any{t.snapshot},
			Timestamp: s.clock.Now(),
		})
	}
}

func (s *Service) notify(ts ...transition) {
	for _, t := range ts {
		if t.kind == audit.KindBreakerTripped {
			s.logger.Info("circuit breaker tripped",
				zap.String("agent_id", t.snapshot.AgentID),
				zap.String("reason", t.reason),
				zap.Int("failure_count", t.snapshot.FailureCount))
		} else if t.from != t.to {
			s.logger.Info("circuit breaker state changed",
				zap.String("agent_id", t.snapshot.AgentID),
				zap.String("from", string(t.from)),
				zap.String("to", string(t.to)))
		}
		if s.onChange != nil && t.from != t.to {
			s.onChange(t.snapshot.AgentID, t.from, t.to)
		}
	}
}
