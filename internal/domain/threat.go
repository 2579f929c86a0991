package domain

import "time"

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Confidence переводит серьезность community-отчета в уверенность 0-100.
func (s Severity) Confidence() int {
	switch s {
	case SeverityCritical:
		return 95
	case SeverityHigh:
		return 80
	case SeverityMedium:
		return 60
	case SeverityLow:
		return 40
	default:
		return 50
	}
}

// IntelType — источник записи в ленте угроз.
type IntelType string

const (
	IntelAnomaly         IntelType = "anomaly"
	IntelPatternMatch    IntelType = "pattern_match"
	IntelCommunityReport IntelType = "community_report"
)

// ThreatPattern — известный шаблон угрозы. Срабатывает, если хотя бы один порог превышен.
type ThreatPattern struct {
	ID                   string    `json:"id"`
	VolumeThreshold      *float64  `json:"volume_threshold,omitempty"`
	PriceChangeThreshold *float64  `json:"price_change_threshold,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
}

func (p *ThreatPattern) Clone() ThreatPattern {
	c := *p
	if p.VolumeThreshold != nil {
		v := *p.VolumeThreshold
		c.VolumeThreshold = &v
	}
	if p.PriceChangeThreshold != nil {
		v := *p.PriceChangeThreshold
		c.PriceChangeThreshold = &v
	}
	return c
}

const ReportStatusPending = "pending"

// ThreatReport — сообщение об угрозе от сообщества.
type ThreatReport struct {
	ID           string    `json:"id"`
	TokenAddress string    `json:"token_address"`
	Severity     Severity  `json:"severity"`
	Description  string    `json:"description"`
	Reporter     string    `json:"reporter"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
}

// ThreatIntel — запись ленты угроз.
type ThreatIntel struct {
	ID           string         `json:"id"`
	Type         IntelType      `json:"type"`
	TokenAddress string         `json:"token_address,omitempty"`
	Severity     Severity       `json:"severity"`
	Description  string         `json:"description"`
	Confidence   int            `json:"confidence"` // 0-100
	Timestamp    time.Time      `json:"timestamp"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Clone копирует запись вместе с Metadata: копия не делит карту с лентой.
func (i *ThreatIntel) Clone() ThreatIntel {
	c := *i
	if i.Metadata != nil {
		c.Metadata = make(map[string]any, len(i.Metadata))
		for k, v := range i.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}

// AnomalyResult — результат аддитивного скоринга метрик.
type AnomalyResult struct {
	IsAnomaly      bool   `json:"is_anomaly"`
	Confidence     int    `json:"confidence"`
	Score          int    `json:"score"`
	Reason         string `json:"reason"`
	PatternMatches int    `json:"pattern_matches,omitempty"`
}
