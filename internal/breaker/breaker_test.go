package breaker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/agent-safety-plane/internal/audit"
	"github.com/xela07ax/agent-safety-plane/internal/clock"
	"github.com/xela07ax/agent-safety-plane/internal/domain"
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

func (r *recorder) kinds() []audit.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]audit.Kind, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Kind)
	}
	return out
}

func testConfig() domain.BreakerConfig {
	return domain.BreakerConfig{
		MaxVolume:          1000,
		MaxPriceChange:     10,
		MaxTradesPerPeriod: 50,
		ResetTimeout:       10 * time.Minute,
		PauseDuration:      5 * time.Minute,
	}
}

func newTestService(t *testing.T) (*Service, *clock.Fake, *recorder) {
	t.Helper()
	clk := clock.NewFake(t0)
	rec := &recorder{}
	return New(WithClock(clk), WithAuditor(rec)), clk, rec
}

var calm = domain.TradingMetrics{Volume: 100, PriceChange: 1, TradeCount: 5}

// ---------------------------------------------------------------------------
// Initialize / State
// ---------------------------------------------------------------------------

func TestService_Initialize(t *testing.T) {
	svc, _, rec := newTestService(t)

	st := svc.Initialize("agent-1", testConfig())
	assert.Equal(t, domain.BreakerClosed, st.Status)
	assert.Equal(t, 0, st.FailureCount)
	assert.Equal(t, t0, st.LastResetTime)
	assert.Nil(t, st.PausedUntil)
	assert.Nil(t, st.LastFailureTime)

	got, ok := svc.State("agent-1")
	require.True(t, ok)
	assert.Equal(t, st, got)
	assert.Equal(t, []audit.Kind{audit.KindBreakerInitialized}, rec.kinds())
}

func TestService_InitializeReplacesState(t *testing.T) {
	svc, _, _ := newTestService(t)
	svc.Initialize("agent-1", testConfig())
	svc.Check("agent-1", domain.TradingMetrics{Volume: 5000})

	cfg := testConfig()
	cfg.MaxVolume = 10_000
	st := svc.Initialize("agent-1", cfg)

	assert.Equal(t, domain.BreakerClosed, st.Status)
	assert.Equal(t, 0, st.FailureCount)
	assert.Equal(t, 10_000.0, st.Config.MaxVolume)
	assert.True(t, svc.Check("agent-1", domain.TradingMetrics{Volume: 5000}).Allowed)
}

func TestService_StateReturnsCopy(t *testing.T) {
	svc, _, _ := newTestService(t)
	svc.Initialize("agent-1", testConfig())
	svc.Check("agent-1", domain.TradingMetrics{Volume: 5000})

	st, ok := svc.State("agent-1")
	require.True(t, ok)
	*st.PausedUntil = time.Time{}
	st.FailureCount = 42

	again, _ := svc.State("agent-1")
	assert.Equal(t, 1, again.FailureCount)
	assert.Equal(t, t0.Add(5*time.Minute), *again.PausedUntil)
}

// ---------------------------------------------------------------------------
// Check: fail-open и пороги
// ---------------------------------------------------------------------------

func TestService_CheckUninitializedIsAllowed(t *testing.T) {
	svc, _, rec := newTestService(t)

	d := svc.Check("ghost", domain.TradingMetrics{Volume: 1e12, PriceChange: 99, TradeCount: 1e6})
	assert.True(t, d.Allowed)
	assert.Empty(t, d.Reason)

	_, ok := svc.State("ghost")
	assert.False(t, ok)
	assert.Empty(t, rec.kinds())
}

func TestService_CheckThresholds(t *testing.T) {
	tests := []struct {
		name    string
		metrics domain.TradingMetrics
		allowed bool
		reason  string
	}{
		{"calm metrics", calm, true, ""},
		{"exactly at limits", domain.TradingMetrics{Volume: 1000, PriceChange: 10, TradeCount: 50}, true, ""},
		{"volume", domain.TradingMetrics{Volume: 1001}, false, ReasonVolume},
		{"positive price change", domain.TradingMetrics{PriceChange: 10.5}, false, ReasonPriceChange},
		{"negative price change uses magnitude", domain.TradingMetrics{PriceChange: -15}, false, ReasonPriceChange},
		{"trade count", domain.TradingMetrics{TradeCount: 51}, false, ReasonTradeCount},
		{"volume wins over price and trades", domain.TradingMetrics{Volume: 2000, PriceChange: 50, TradeCount: 500}, false, ReasonVolume},
		{"price wins over trades", domain.TradingMetrics{PriceChange: -50, TradeCount: 500}, false, ReasonPriceChange},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _, _ := newTestService(t)
			svc.Initialize("agent-1", testConfig())

			d := svc.Check("agent-1", tt.metrics)
			assert.Equal(t, tt.allowed, d.Allowed)
			assert.Equal(t, tt.reason, d.Reason)

			st, _ := svc.State("agent-1")
			if tt.allowed {
				assert.Equal(t, domain.BreakerClosed, st.Status)
				assert.Equal(t, 0, st.FailureCount)
			} else {
				assert.Equal(t, domain.BreakerOpen, st.Status)
				assert.Equal(t, 1, st.FailureCount)
				require.NotNil(t, st.PausedUntil)
				assert.Equal(t, t0.Add(5*time.Minute), *st.PausedUntil)
				require.NotNil(t, st.LastFailureTime)
				assert.Equal(t, t0, *st.LastFailureTime)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Open -> Half-open -> Closed
// ---------------------------------------------------------------------------

func TestService_PauseIsRespected(t *testing.T) {
	svc, clk, _ := newTestService(t)
	svc.Initialize("agent-1", testConfig())
	require.False(t, svc.Check("agent-1", domain.TradingMetrics{Volume: 5000}).Allowed)

	for i := 0; i < 4; i++ {
		clk.Advance(time.Minute)
		d := svc.Check("agent-1", calm)
		assert.False(t, d.Allowed)
		assert.Equal(t, "Circuit breaker is open - paused until 2026-03-01T12:05:00Z", d.Reason)
	}

	st, _ := svc.State("agent-1")
	assert.Equal(t, 1, st.FailureCount)
	assert.Equal(t, domain.BreakerOpen, st.Status)
}

func TestService_OpenAfterPauseUntilResetTimeout(t *testing.T) {
	svc, clk, _ := newTestService(t)
	svc.Initialize("agent-1", testConfig())
	svc.Check("agent-1", domain.TradingMetrics{Volume: 5000})

	// Пауза (5м) прошла, но resetTimeout (10м) отсчитывается от lastResetTime = t0
	clk.Set(t0.Add(7 * time.Minute))
	d := svc.Check("agent-1", calm)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonOpen, d.Reason)

	// Ровно resetTimeout — еще не "больше"
	clk.Set(t0.Add(10 * time.Minute))
	assert.Equal(t, ReasonOpen, svc.Check("agent-1", calm).Reason)
}

func TestService_HalfOpenAutoCloses(t *testing.T) {
	svc, clk, rec := newTestService(t)
	var changes []string
	svc.onChange = func(_ string, from, to domain.BreakerStatus) {
		changes = append(changes, string(from)+"->"+string(to))
	}
	svc.Initialize("agent-1", testConfig())
	svc.Check("agent-1", domain.TradingMetrics{TradeCount: 500})

	clk.Set(t0.Add(11 * time.Minute))
	d := svc.Check("agent-1", calm)
	assert.True(t, d.Allowed)

	st, _ := svc.State("agent-1")
	assert.Equal(t, domain.BreakerClosed, st.Status)
	assert.Equal(t, 0, st.FailureCount)
	assert.Equal(t, t0.Add(11*time.Minute), st.LastResetTime)

	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, changes)
	assert.Equal(t, []audit.Kind{
		audit.KindBreakerInitialized,
		audit.KindBreakerTripped,
		audit.KindBreakerHalfOpen,
		audit.KindBreakerClosed,
	}, rec.kinds())
}

func TestService_HalfOpenRetripsOnFreshBreach(t *testing.T) {
	svc, clk, _ := newTestService(t)
	svc.Initialize("agent-1", testConfig())
	svc.Check("agent-1", domain.TradingMetrics{Volume: 5000})

	clk.Set(t0.Add(11 * time.Minute))
	d := svc.Check("agent-1", domain.TradingMetrics{PriceChange: 30})
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonPriceChange, d.Reason)

	st, _ := svc.State("agent-1")
	assert.Equal(t, domain.BreakerOpen, st.Status)
	// Счетчик обнулился при half-open -> closed, затем новая сработка
	assert.Equal(t, 1, st.FailureCount)
	assert.Equal(t, t0.Add(16*time.Minute), *st.PausedUntil)
}

// ---------------------------------------------------------------------------
// Trip / Reset
// ---------------------------------------------------------------------------

func TestService_ManualTrip(t *testing.T) {
	svc, _, rec := newTestService(t)
	assert.False(t, svc.Trip("ghost", "operator"))

	svc.Initialize("agent-1", testConfig())
	require.True(t, svc.Trip("agent-1", "operator"))
	require.True(t, svc.Trip("agent-1", "operator"))

	st, _ := svc.State("agent-1")
	assert.Equal(t, domain.BreakerOpen, st.Status)
	assert.Equal(t, 2, st.FailureCount)

	last := rec.events[len(rec.events)-1]
	assert.Equal(t, audit.KindBreakerTripped, last.Kind)
	assert.Equal(t, "operator", last.Reason)
}

func TestService_Reset(t *testing.T) {
	svc, clk, _ := newTestService(t)
	svc.Initialize("agent-1", testConfig())
	svc.Check("agent-1", domain.TradingMetrics{Volume: 5000})

	clk.Advance(time.Minute)
	require.True(t, svc.Reset("agent-1"))

	st, _ := svc.State("agent-1")
	assert.Equal(t, domain.BreakerClosed, st.Status)
	assert.Equal(t, 0, st.FailureCount)
	assert.Nil(t, st.PausedUntil)
	assert.Equal(t, t0.Add(time.Minute), st.LastResetTime)
	assert.True(t, svc.Check("agent-1", calm).Allowed)
}

func TestService_ResetUnknownIsNoop(t *testing.T) {
	svc, _, rec := newTestService(t)

	assert.False(t, svc.Reset("ghost"))
	_, ok := svc.State("ghost")
	assert.False(t, ok)
	assert.Empty(t, svc.States())
	assert.Empty(t, rec.kinds())
}

// ---------------------------------------------------------------------------
// States / Restore
// ---------------------------------------------------------------------------

func TestService_StatesAndRestore(t *testing.T) {
	svc, _, _ := newTestService(t)
	svc.Initialize("b", testConfig())
	svc.Initialize("a", testConfig())
	svc.Check("b", domain.TradingMetrics{Volume: 5000})

	snapshot := svc.States()
	require.Len(t, snapshot, 2)
	assert.Equal(t, "a", snapshot[0].AgentID)
	assert.Equal(t, domain.BreakerOpen, snapshot[1].Status)

	restored, _, _ := newTestService(t)
	restored.Restore(snapshot)
	st, ok := restored.State("b")
	require.True(t, ok)
	assert.Equal(t, snapshot[1], st)
	assert.False(t, restored.Check("b", calm).Allowed)
}

// ---------------------------------------------------------------------------
// Concurrency
// ---------------------------------------------------------------------------

func TestService_ConcurrentChecksTripOnce(t *testing.T) {
	svc, _, _ := newTestService(t)
	svc.Initialize("agent-1", testConfig())

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			svc.Check("agent-1", domain.TradingMetrics{Volume: 5000})
		}()
	}
	wg.Wait()

	// Первый вызов размыкает, остальные упираются в паузу и счетчик не трогают
	st, _ := svc.State("agent-1")
	assert.Equal(t, 1, st.FailureCount)
}

// lockObserver проверяет, что событие попадает в журнал, пока мьютекс сервиса занят.
type lockObserver struct {
	recorder
	svc      *Service
	unlocked int
}

func (o *lockObserver) Log(e audit.AuditEvent) {
	if o.svc.mu.TryLock() {
		o.svc.mu.Unlock()
		o.unlocked++
	}
	o.recorder.Log(e)
}

func TestService_JournalWrittenUnderLock(t *testing.T) {
	obs := &lockObserver{}
	svc := New(WithClock(clock.NewFake(t0)), WithAuditor(obs))
	obs.svc = svc

	svc.Initialize("agent-1", testConfig())
	svc.Check("agent-1", domain.TradingMetrics{Volume: 5000})
	svc.Reset("agent-1")
	svc.Trip("agent-1", "manual")

	assert.Len(t, obs.kinds(), 4)
	assert.Zero(t, obs.unlocked)
}

func TestService_ConcurrentTripResetJournalMatchesState(t *testing.T) {
	for i := 0; i < 200; i++ {
		svc, _, rec := newTestService(t)
		svc.Initialize("agent-1", testConfig())

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			svc.Trip("agent-1", "manual")
		}()
		go func() {
			defer wg.Done()
			svc.Reset("agent-1")
		}()
		wg.Wait()

		rec.mu.Lock()
		lastEv := rec.events[len(rec.events)-1]
		rec.mu.Unlock()

		st, _ := svc.State("agent-1")
		require.Equal(t, st.Status, lastEv.Records[0].(domain.BreakerState).Status, "iteration %d", i)
		require.Equal(t, string(st.Status), lastEv.Status, "iteration %d", i)
	}
}
