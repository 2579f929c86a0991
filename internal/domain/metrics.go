package domain

// TradingMetrics — снимок метрик агента за окно оценки, который присылает торговый движок.
type TradingMetrics struct {
	Volume      float64 `json:"volume"`
	PriceChange float64 `json:"price_change"` // в процентах, знак учитывается через модуль
	TradeCount  int     `json:"trade_count"`
}

// Decision — ответ гейта на предлагаемое действие агента.
// Ожидаемые отказы передаются через Allowed=false и Reason, а не через error.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Allow возвращает положительное решение без причины.
func Allow() Decision { return Decision{Allowed: true} }

// Deny возвращает отказ с причиной.
func Deny(reason string) Decision { return Decision{Allowed: false, Reason: reason} }
