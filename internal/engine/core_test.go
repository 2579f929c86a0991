package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/agent-safety-plane/internal/audit"
	"github.com/xela07ax/agent-safety-plane/internal/breaker"
	"github.com/xela07ax/agent-safety-plane/internal/clock"
	"github.com/xela07ax/agent-safety-plane/internal/domain"
	"github.com/xela07ax/agent-safety-plane/internal/governance"
	"github.com/xela07ax/agent-safety-plane/internal/proof"
	"github.com/xela07ax/agent-safety-plane/internal/threat"
	"github.com/xela07ax/agent-safety-plane/internal/timelock"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type recorder struct {
	mu     sync.Mutex
	events []audit.AuditEvent
}

func (r *recorder) Log(e audit.AuditEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) byKind(kind audit.Kind) []audit.AuditEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []audit.AuditEvent
	for _, e := range r.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	core  *Core
	clk   *clock.Fake
	rec   *recorder
	reg   *prometheus.Registry
	proof *proof.Mock
}

func newFixture(t *testing.T, opts ...CoreOption) *fixture {
	t.Helper()
	f := &fixture{
		clk:   clock.NewFake(t0),
		rec:   &recorder{},
		reg:   prometheus.NewRegistry(),
		proof: &proof.Mock{},
	}
	m := NewMetrics(f.reg)
	f.core = NewCore(
		breaker.New(breaker.WithClock(f.clk), breaker.WithAuditor(f.rec), breaker.WithStateChange(m.ObserveBreaker)),
		timelock.New(timelock.WithClock(f.clk), timelock.WithAuditor(f.rec)),
		governance.New(governance.WithClock(f.clk), governance.WithAuditor(f.rec)),
		threat.New(threat.WithClock(f.clk), threat.WithAuditor(f.rec)),
		append([]CoreOption{WithClock(f.clk), WithAuditor(f.rec), WithMetrics(m)}, opts...)...,
	)
	return f
}

func breakerConfig() domain.BreakerConfig {
	return domain.BreakerConfig{
		MaxVolume:          5_000_000,
		MaxPriceChange:     80,
		MaxTradesPerPeriod: 500,
		ResetTimeout:       10 * time.Minute,
		PauseDuration:      5 * time.Minute,
	}
}

var (
	calm    = domain.TradingMetrics{Volume: 1000, PriceChange: 1, TradeCount: 3}
	extreme = domain.TradingMetrics{Volume: 2e6, PriceChange: 60, TradeCount: 150}
)

func TestEvaluateAction_UnsupervisedAgentIsAllowed(t *testing.T) {
	f := newFixture(t)

	ev := f.core.EvaluateAction(WithTraceID(context.Background(), "trace-1"), EvaluateRequest{AgentID: "ghost", Metrics: calm})
	assert.True(t, ev.Allowed)
	assert.Empty(t, ev.Reason)
	assert.Equal(t, "trace-1", ev.TraceID)
	assert.False(t, ev.Anomaly.IsAnomaly)
	assert.Empty(t, ev.IntelID)

	_, ok := f.core.Breakers.State("ghost")
	assert.False(t, ok)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.core.Metrics().Evaluations.WithLabelValues("allowed")))

	events := f.rec.byKind(audit.KindActionEvaluated)
	require.Len(t, events, 1)
	assert.Equal(t, "allowed", events[0].Status)
	assert.Equal(t, "trace-1", events[0].TraceID)
}

func TestEvaluateAction_BreachDeniesAndCountsType(t *testing.T) {
	f := newFixture(t)
	f.core.Breakers.Initialize("agent-1", breakerConfig())

	ev := f.core.EvaluateAction(context.Background(), EvaluateRequest{
		AgentID: "agent-1",
		Metrics: domain.TradingMetrics{Volume: 6e6},
	})
	assert.False(t, ev.Allowed)
	assert.Equal(t, breaker.ReasonVolume, ev.Reason)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.core.Metrics().Denials.WithLabelValues("volume")))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.core.Metrics().BreakerState.WithLabelValues("agent-1")))

	ev = f.core.EvaluateAction(context.Background(), EvaluateRequest{AgentID: "agent-1", Metrics: calm})
	assert.False(t, ev.Allowed)
	assert.Contains(t, ev.Reason, "paused until")
	assert.Equal(t, 1.0, testutil.ToFloat64(f.core.Metrics().Denials.WithLabelValues("paused")))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.core.Metrics().Evaluations.WithLabelValues("denied")))
}

func TestEvaluateAction_RecordsAnomalyWithoutDenying(t *testing.T) {
	f := newFixture(t)
	f.core.Breakers.Initialize("agent-1", breakerConfig())

	ev := f.core.EvaluateAction(context.Background(), EvaluateRequest{
		AgentID:      "agent-1",
		TokenAddress: "0xfeed",
		Metrics:      extreme,
	})
	assert.True(t, ev.Allowed, "без порога anomaly trip аномалия только пишется в ленту")
	assert.True(t, ev.Anomaly.IsAnomaly)
	assert.Equal(t, 90, ev.Anomaly.Score)
	require.NotEmpty(t, ev.IntelID)

	feed := f.core.Threats.Feed(1)
	require.Len(t, feed, 1)
	assert.Equal(t, ev.IntelID, feed[0].ID)
	assert.Equal(t, "0xfeed", feed[0].TokenAddress)
	assert.Equal(t, "agent-1", feed[0].Metadata["agent_id"])
	assert.Equal(t, 1.0, testutil.ToFloat64(f.core.Metrics().Anomalies.WithLabelValues(string(domain.IntelAnomaly))))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.core.Metrics().ThreatFeedSize))
}

func TestEvaluateAction_CriticalAnomalyTripsBreaker(t *testing.T) {
	f := newFixture(t, WithAnomalyTripScore(90))
	f.core.Breakers.Initialize("agent-1", breakerConfig())

	ev := f.core.EvaluateAction(context.Background(), EvaluateRequest{AgentID: "agent-1", Metrics: extreme})
	assert.False(t, ev.Allowed)
	assert.Equal(t, ReasonCriticalAnomaly+": "+ev.Anomaly.Reason, ev.Reason)

	st, ok := f.core.Breakers.State("agent-1")
	require.True(t, ok)
	assert.Equal(t, domain.BreakerOpen, st.Status)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.core.Metrics().Denials.WithLabelValues("anomaly")))

	// Неотслеживаемый агент не выбивается и пропускается
	ev = f.core.EvaluateAction(context.Background(), EvaluateRequest{AgentID: "ghost", Metrics: extreme})
	assert.True(t, ev.Allowed)
}

func TestEvaluateAction_Proof(t *testing.T) {
	f := newFixture(t)
	f.core = NewCore(f.core.Breakers, f.core.TimeLocks, f.core.Governance, f.core.Threats,
		WithClock(f.clk), WithProver(f.proof), WithMetrics(NewMetrics(nil)))

	ev := f.core.EvaluateAction(context.Background(), EvaluateRequest{AgentID: "agent-1", Metrics: calm})
	assert.NotEmpty(t, ev.Proof)
	assert.Empty(t, ev.ProofError)
	assert.Equal(t, 1, f.proof.Calls())

	f.proof.Fail = errors.New("ledger offline")
	ev = f.core.EvaluateAction(context.Background(), EvaluateRequest{AgentID: "agent-1", Metrics: calm})
	assert.True(t, ev.Allowed, "сбой доказательства не меняет решение")
	assert.Empty(t, ev.Proof)
	assert.Equal(t, "ledger offline", ev.ProofError)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.core.Metrics().ProofRequests.WithLabelValues("failed")))
}

func TestApplyCommand(t *testing.T) {
	f := newFixture(t)
	f.core.Breakers.Initialize("agent-1", breakerConfig())

	assert.True(t, f.core.ApplyCommand("agent-1", CommandTrip))
	st, _ := f.core.Breakers.State("agent-1")
	assert.Equal(t, domain.BreakerOpen, st.Status)

	assert.True(t, f.core.ApplyCommand("agent-1", CommandReset))
	st, _ = f.core.Breakers.State("agent-1")
	assert.Equal(t, domain.BreakerClosed, st.Status)

	assert.False(t, f.core.ApplyCommand("agent-1", "explode"))
	assert.False(t, f.core.ApplyCommand("ghost", CommandReset))
	_, ok := f.core.Breakers.State("ghost")
	assert.False(t, ok)
}

func TestTraceIDFromContext(t *testing.T) {
	assert.Equal(t, "00000000-0000-0000-0000-000000000000", TraceIDFromContext(context.Background()))
	assert.NotEmpty(t, TraceIDFromContext(WithTraceID(context.Background(), "")))
	assert.Equal(t, "abc", TraceIDFromContext(WithTraceID(context.Background(), "abc")))
}
