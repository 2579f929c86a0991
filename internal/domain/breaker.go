package domain

import "time"

// BreakerStatus — состояние конечного автомата предохранителя.
type BreakerStatus string

const (
	BreakerClosed   BreakerStatus = "closed"    // Торговля разрешена
	BreakerHalfOpen BreakerStatus = "half-open" // Пробное восстановление
	BreakerOpen     BreakerStatus = "open"      // Торговля остановлена
)

// BreakerConfig — политика предохранителя для конкретного агента.
// Неизменяема после InitializeBreaker, замена означает повторную инициализацию.
type BreakerConfig struct {
	MaxVolume          float64       `json:"max_volume" mapstructure:"max_volume"`
	MaxPriceChange     float64       `json:"max_price_change" mapstructure:"max_price_change"`
	MaxTradesPerPeriod int           `json:"max_trades_per_period" mapstructure:"max_trades_per_period"`
	ResetTimeout       time.Duration `json:"reset_timeout" mapstructure:"reset_timeout"`
	PauseDuration      time.Duration `json:"pause_duration" mapstructure:"pause_duration"`
}

// BreakerState — единственная запись состояния на каждого инициализированного агента.
type BreakerState struct {
	AgentID         string        `json:"agent_id"`
	Config          BreakerConfig `json:"config"`
	Status          BreakerStatus `json:"status"`
	FailureCount    int           `json:"failure_count"`
	LastFailureTime *time.Time    `json:"last_failure_time,omitempty"`
	LastResetTime   time.Time     `json:"last_reset_time"`
	PausedUntil     *time.Time    `json:"paused_until,omitempty"`
}

// Clone возвращает глубокую копию, чтобы наружу не утекали указатели на хранилище.
func (s *BreakerState) Clone() BreakerState {
	c := *s
	if s.LastFailureTime != nil {
		t := *s.LastFailureTime
		c.LastFailureTime = &t
	}
	if s.PausedUntil != nil {
		t := *s.PausedUntil
		c.PausedUntil = &t
	}
	return c
}
