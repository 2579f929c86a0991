package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/xela07ax/agent-safety-plane/internal/domain"
)

type Metrics struct {
	// Latency: сколько заняла оценка действия (включая запрос доказательства)
	EvaluationDuration *prometheus.HistogramVec

	// Traffic: решения по действиям агентов
	Evaluations *prometheus.CounterVec

	// Отказы по типу: paused, open, volume, price_change, trade_count, anomaly
	Denials *prometheus.CounterVec

	// Аномалии, попавшие в ленту
	Anomalies *prometheus.CounterVec

	// Состояние предохранителя агента (0 - closed, 1 - half-open, 2 - open)
	BreakerState *prometheus.GaugeVec

	// Исполнение таймлоков свипером: executed, dispatch_failed
	TimeLockSweeps *prometheus.CounterVec

	// Запросы доказательств: ok, failed
	ProofRequests *prometheus.CounterVec

	ThreatFeedSize prometheus.Gauge

	// Journal: заполненность буфера (backpressure)
	JournalBufferFill prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		EvaluationDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "safety_evaluation_duration_seconds",
			Help:    "Histogram of action evaluation latencies.",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"outcome"}),

		Evaluations: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "safety_evaluations_total",
			Help: "Total number of evaluated agent actions.",
		}, []string{"outcome"}),

		Denials: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "safety_denials_total",
			Help: "Denied actions by type.",
		}, []string{"type"}),

		Anomalies: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "safety_anomalies_total",
			Help: "Anomalies recorded in the threat feed.",
		}, []string{"type"}),

		BreakerState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "safety_circuit_breaker_state",
			Help: "Current state of the agent circuit breaker (0=closed, 1=half-open, 2=open).",
		}, []string{"agent_id"}),

		TimeLockSweeps: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "safety_timelock_sweeps_total",
			Help: "Time-locked transactions handled by the sweeper.",
		}, []string{"result"}),

		ProofRequests: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "safety_proof_requests_total",
			Help: "Proof attestation requests by result.",
		}, []string{"result"}),

		ThreatFeedSize: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "safety_threat_feed_size",
			Help: "Current number of entries in the threat feed.",
		}),

		JournalBufferFill: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "safety_journal_buffer_utilization",
			Help: "Current number of events in journal buffer.",
		}),
	}
}

// ObserveBreaker подходит как breaker.StateChangeFunc.
func (m *Metrics) ObserveBreaker(agentID string, _, to domain.BreakerStatus) {
	var v float64
	switch to {
	case domain.BreakerHalfOpen:
		v = 1
	case domain.BreakerOpen:
		v = 2
	}
	m.BreakerState.WithLabelValues(agentID).Set(v)
}
