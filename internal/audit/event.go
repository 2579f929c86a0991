package audit

import "time"

// Kind — тип изменения состояния в контуре безопасности.
type Kind string

const (
	KindBreakerInitialized Kind = "breaker.initialized"
	KindBreakerTripped     Kind = "breaker.tripped"
	KindBreakerHalfOpen    Kind = "breaker.half_open"
	KindBreakerClosed      Kind = "breaker.closed"
	KindBreakerReset       Kind = "breaker.reset"

	KindTimeLockCreated   Kind = "timelock.created"
	KindTimeLockCancelled Kind = "timelock.cancelled"
	KindTimeLockExecuted  Kind = "timelock.executed"

	KindProposalCreated  Kind = "governance.proposal_created"
	KindVoteCast         Kind = "governance.vote_cast"
	KindProposalExecuted Kind = "governance.proposal_executed"

	KindPatternAdded   Kind = "threat.pattern_added"
	KindThreatReported Kind = "threat.reported"
	KindIntelRecorded  Kind = "threat.intel_recorded"

	KindActionEvaluated Kind = "engine.action_evaluated"
)

// AuditEvent — запись журнала. Records содержит снимки сущностей (domain.*) после изменения,
// по ним хранилище восстанавливает состояние каждого стора независимо.
type AuditEvent struct {
	ID        string    `json:"id"`       // UUID события
	TraceID   string    `json:"trace_id"` // Сквозной ID запроса
	Kind      Kind      `json:"kind"`
	AgentID   string    `json:"agent_id,omitempty"`
	EntityID  string    `json:"entity_id,omitempty"` // ID таймлока, предложения, записи ленты
	Status    string    `json:"status,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Records   []any     `json:"records,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
