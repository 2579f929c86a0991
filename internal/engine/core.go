package engine

import (
	"context"
	"strings"
	"time"

	"github.com/xela07ax/agent-safety-plane/internal/audit"
	"github.com/xela07ax/agent-safety-plane/internal/breaker"
	"github.com/xela07ax/agent-safety-plane/internal/clock"
	"github.com/xela07ax/agent-safety-plane/internal/domain"
	"github.com/xela07ax/agent-safety-plane/internal/governance"
	"github.com/xela07ax/agent-safety-plane/internal/proof"
	"github.com/xela07ax/agent-safety-plane/internal/threat"
	"github.com/xela07ax/agent-safety-plane/internal/timelock"
	"go.uber.org/zap"
)

// ReasonCriticalAnomaly — префикс причины, когда предохранитель выбит аномалией.
const ReasonCriticalAnomaly = "Critical anomaly detected"

// Core — фасад контура: четыре сервиса плюс сквозные действия поверх них.
type Core struct {
	Breakers   *breaker.Service
	TimeLocks  *timelock.Service
	Governance *governance.Service
	Threats    *threat.Service

	auditor audit.Auditor
	metrics *Metrics
	prover  proof.Provider
	clock   clock.Clock
	logger  *zap.Logger
	tripAt  int // 0 - аномалии не выбивают предохранитель
}

type CoreOption func(*Core)

func WithAuditor(a audit.Auditor) CoreOption    { return func(c *Core) { c.auditor = a } }
func WithMetrics(m *Metrics) CoreOption         { return func(c *Core) { c.metrics = m } }
func WithProver(p proof.Provider) CoreOption    { return func(c *Core) { c.prover = p } }
func WithClock(cl clock.Clock) CoreOption       { return func(c *Core) { c.clock = cl } }
func WithLogger(l *zap.Logger) CoreOption       { return func(c *Core) { c.logger = l } }
func WithAnomalyTripScore(score int) CoreOption { return func(c *Core) { c.tripAt = score } }

func NewCore(b *breaker.Service, tl *timelock.Service, gov *governance.Service, th *threat.Service, opts ...CoreOption) *Core {
	c := &Core{
		Breakers:   b,
		TimeLocks:  tl,
		Governance: gov,
		Threats:    th,
		auditor:    audit.Discard{},
		clock:      clock.Real{},
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = NewMetrics(nil)
	}
	c.logger = c.logger.Named("engine")
	return c
}

func (c *Core) Metrics() *Metrics { return c.metrics }

type EvaluateRequest struct {
	AgentID      string                `json:"agent_id"`
	TokenAddress string                `json:"token_address,omitempty"`
	Metrics      domain.TradingMetrics `json:"metrics"`
}

type Evaluation struct {
	TraceID    string               `json:"trace_id"`
	Allowed    bool                 `json:"allowed"`
	Reason     string               `json:"reason,omitempty"`
	Anomaly    domain.AnomalyResult `json:"anomaly"`
	IntelID    string               `json:"intel_id,omitempty"`
	Proof      string               `json:"proof,omitempty"`
	ProofError string               `json:"proof_error,omitempty"`
}

// EvaluateAction — гейт для действия агента: проверка предохранителя, детектор аномалий,
// запись аномалии в ленту, журнал и доказательство. Каждый сервис берет и отпускает свой
// мьютекс сам; запрос доказательства идет уже без блокировок.
func (c *Core) EvaluateAction(ctx context.Context, req EvaluateRequest) Evaluation {
	start := time.Now()
	ev := Evaluation{TraceID: TraceIDFromContext(ctx)}

	ev.Anomaly = c.Threats.DetectAnomaly(req.Metrics)
	if ev.Anomaly.IsAnomaly {
		intel, ok := c.Threats.RecordDetection(req.TokenAddress, ev.Anomaly, map[string]any{
			"agent_id": req.AgentID,
			"trace_id": ev.TraceID,
		})
		if ok {
			ev.IntelID = intel.ID
			c.metrics.Anomalies.WithLabelValues(string(intel.Type)).Inc()
		}
		c.metrics.ThreatFeedSize.Set(float64(c.Threats.FeedSize()))
	}

	decision := c.Breakers.Check(req.AgentID, req.Metrics)
	if decision.Allowed && c.tripAt > 0 && ev.Anomaly.Score >= c.tripAt {
		reason := ReasonCriticalAnomaly + ": " + ev.Anomaly.Reason
		// Неинициализированный агент не отслеживается: Trip вернет false, решение остается allow
		if c.Breakers.Trip(req.AgentID, reason) {
			decision = domain.Deny(reason)
		}
	}
	ev.Allowed, ev.Reason = decision.Allowed, decision.Reason

	outcome := "allowed"
	if !ev.Allowed {
		outcome = "denied"
		c.metrics.Denials.WithLabelValues(denialType(ev.Reason)).Inc()
		c.logger.Warn("action denied",
			zap.String("trace_id", ev.TraceID),
			zap.String("agent_id", req.AgentID),
			zap.String("reason", ev.Reason))
	}
	c.metrics.Evaluations.WithLabelValues(outcome).Inc()

	c.auditor.Log(audit.AuditEvent{
		TraceID:   ev.TraceID,
		Kind:      audit.KindActionEvaluated,
		AgentID:   req.AgentID,
		EntityID:  ev.IntelID,
		Status:    outcome,
		Reason:    ev.Reason,
		Timestamp: c.clock.Now(),
	})

	if c.prover != nil {
		c.attest(ctx, req, &ev)
	}

	c.metrics.EvaluationDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	return ev
}

func (c *Core) attest(ctx context.Context, req EvaluateRequest, ev *Evaluation) {
	record := map[string]any{
		"kind":          string(audit.KindActionEvaluated),
		"trace_id":      ev.TraceID,
		"agent_id":      req.AgentID,
		"allowed":       ev.Allowed,
		"reason":        ev.Reason,
		"anomaly_score": ev.Anomaly.Score,
		"timestamp":     c.clock.Now().UTC().Format(time.RFC3339Nano),
	}
	p, err := c.prover.Attest(ctx, record)
	if err != nil {
		c.metrics.ProofRequests.WithLabelValues("failed").Inc()
		c.logger.Warn("proof attestation failed", zap.String("trace_id", ev.TraceID), zap.Error(err))
		ev.ProofError = err.Error()
		return
	}
	c.metrics.ProofRequests.WithLabelValues("ok").Inc()
	ev.Proof = p
}

func denialType(reason string) string {
	switch {
	case strings.HasPrefix(reason, ReasonCriticalAnomaly):
		return "anomaly"
	case strings.HasPrefix(reason, breaker.ReasonOpen+" - paused"):
		return "paused"
	case reason == breaker.ReasonOpen:
		return "open"
	case reason == breaker.ReasonVolume:
		return "volume"
	case reason == breaker.ReasonPriceChange:
		return "price_change"
	case reason == breaker.ReasonTradeCount:
		return "trade_count"
	default:
		return "other"
	}
}
