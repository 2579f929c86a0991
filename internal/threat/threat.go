// Package threat считает аддитивный скор аномалий по метрикам и ведет ограниченную ленту угроз,
// которую наполняют автоматическое обнаружение и отчеты сообщества.
package threat

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/xela07ax/agent-safety-plane/internal/audit"
	"github.com/xela07ax/agent-safety-plane/internal/clock"
	"github.com/xela07ax/agent-safety-plane/internal/domain"
	"go.uber.org/zap"
)

// Сигналы скоринга.
const (
	volumeSpikeThreshold    = 1_000_000
	priceMoveThreshold      = 50
	tradeFrequencyThreshold = 100

	volumeSpikeScore    = 30
	priceMoveScore      = 40
	tradeFrequencyScore = 20
	patternMatchScore   = 30

	anomalyThreshold = 50
	maxConfidence    = 100

	NoAnomalyReason = "No anomalies detected"
)

// Лента и журнал отчетов: при превышении maxEntries обрезаются до keepEntries.
const (
	maxEntries  = 1000
	keepEntries = 500

	DefaultFeedLimit = 50
)

type PatternRequest struct {
	VolumeThreshold      *float64 `json:"volume_threshold,omitempty"`
	PriceChangeThreshold *float64 `json:"price_change_threshold,omitempty"`
}

type ReportRequest struct {
	TokenAddress string          `json:"token_address"`
	Severity     domain.Severity `json:"severity"`
	Description  string          `json:"description"`
	Reporter     string          `json:"reporter"`
}

// feedEntry хранит порядковый номер вставки, чтобы при равных timestamp новее была поздняя запись.
type feedEntry struct {
	intel domain.ThreatIntel
	seq   uint64
}

type Service struct {
	mu       sync.Mutex
	patterns []domain.ThreatPattern
	reports  []domain.ThreatReport // порядок вставки
	feed     []feedEntry
	seq      uint64

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
		clock:   clock.Real{},
		auditor: audit.Discard{},
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("threat")
	return s
}

// DetectAnomaly независимо складывает сигналы: несколько могут сработать одновременно.
// Совпадение с известными шаблонами дает +30 один раз, сколько бы шаблонов ни совпало.
func (s *Service) DetectAnomaly(m domain.TradingMetrics) domain.AnomalyResult {
	score := 0
	var reasons []string

	if m.Volume > volumeSpikeThreshold {
		score += volumeSpikeScore
		reasons = append(reasons, "Unusual volume spike")
	}
	if math.Abs(m.PriceChange) > priceMoveThreshold {
		score += priceMoveScore
		reasons = append(reasons, "Extreme price movement")
	}
	if m.TradeCount > tradeFrequencyThreshold {
		score += tradeFrequencyScore
		reasons = append(reasons, "High trade frequency")
	}

	s.mu.Lock()
	matches := 0
	for i := range s.patterns {
		if matchesPattern(&s.patterns[i], m) {
			matches++
		}
	}
	s.mu.Unlock()

	if matches > 0 {
		score += patternMatchScore
		reasons = append(reasons, fmt.Sprintf("Matches %d known threat pattern(s)", matches))
	}

	res := domain.AnomalyResult{
		IsAnomaly:      score >= anomalyThreshold,
		Confidence:     min(score, maxConfidence),
		Score:          score,
		Reason:         NoAnomalyReason,
		PatternMatches: matches,
	}
	if len(reasons) > 0 {
		res.Reason = strings.Join(reasons, "; ")
	}
	return res
}

func matchesPattern(p *domain.ThreatPattern, m domain.TradingMetrics) bool {
	if p.VolumeThreshold != nil && m.Volume > *p.VolumeThreshold {
		return true
	}
	return p.PriceChangeThreshold != nil && math.Abs(m.PriceChange) > *p.PriceChangeThreshold
}

// AddPattern регистрирует шаблон. Шаблоны этим сервисом не удаляются.
func (s *Service) AddPattern(req PatternRequest) domain.ThreatPattern {
	p := domain.ThreatPattern{
		ID:                   uuid.NewString(),
		VolumeThreshold:      req.VolumeThreshold,
		PriceChangeThreshold: req.PriceChangeThreshold,
	}
	p = p.Clone()

	s.mu.Lock()
	p.CreatedAt = s.clock.Now()
	s.patterns = append(s.patterns, p)
	s.auditor.Log(audit.AuditEvent{
		Kind:      audit.KindPatternAdded,
		EntityID:  p.ID,
		Records:   []any{p.Clone()},
		Timestamp: p.CreatedAt,
	})
	s.mu.Unlock()

	s.logger.Info("threat pattern added", zap.String("pattern_id", p.ID))
	return p.Clone()
}

// Patterns возвращает копию всех шаблонов.
func (s *Service) Patterns() []domain.ThreatPattern {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ThreatPattern, 0, len(s.patterns))
	for i := range s.patterns {
		out = append(out, s.patterns[i].Clone())
	}
	return out
}

// ReportThreat сохраняет отчет и синтезирует по нему запись community_report в ленте.
func (s *Service) ReportThreat(req ReportRequest) domain.ThreatReport {
	s.mu.Lock()
	now := s.clock.Now()
	report := domain.ThreatReport{
		ID:           uuid.NewString(),
		TokenAddress: req.TokenAddress,
		Severity:     req.Severity,
		Description:  req.Description,
		Reporter:     req.Reporter,
		Status:       domain.ReportStatusPending,
		CreatedAt:    now,
	}
	s.reports = append(s.reports, report)
	if len(s.reports) > maxEntries {
		// Журнал отчетов режется по порядку вставки, в отличие от ленты
		s.reports = append([]domain.ThreatReport(nil), s.reports[len(s.reports)-keepEntries:]...)
	}

	intel := domain.ThreatIntel{
		ID:           uuid.NewString(),
		Type:         domain.IntelCommunityReport,
		TokenAddress: req.TokenAddress,
		Severity:     req.Severity,
		Description:  req.Description,
		Confidence:   req.Severity.Confidence(),
		Timestamp:    now,
		Metadata: map[string]any{
			"report_id": report.ID,
			"reporter":  req.Reporter,
		},
	}
	s.insertLocked(intel)
	s.auditor.Log(audit.AuditEvent{
		Kind:      audit.KindThreatReported,
		EntityID:  report.ID,
		Status:    report.Status,
		Records:   []any{report, intel.Clone()},
		Timestamp: now,
	})
	s.mu.Unlock()

	s.logger.Info("threat reported",
		zap.String("report_id", report.ID),
		zap.String("token", report.TokenAddress),
		zap.String("severity", string(report.Severity)))
	return report
}

// RecordDetection кладет в ленту результат автоматического обнаружения.
// Не-аномалии не записываются.
func (s *Service) RecordDetection(tokenAddress string, res domain.AnomalyResult, metadata map[string]any) (domain.ThreatIntel, bool) {
	if !res.IsAnomaly {
		return domain.ThreatIntel{}, false
	}

	kind := domain.IntelAnomaly
	if res.PatternMatches > 0 {
		kind = domain.IntelPatternMatch
	}
	meta := map[string]any{"score": res.Score, "pattern_matches": res.PatternMatches}
	for k, v := range metadata {
		meta[k] = v
	}

	s.mu.Lock()
	intel := domain.ThreatIntel{
		ID:           uuid.NewString(),
		Type:         kind,
		TokenAddress: tokenAddress,
		Severity:     severityForScore(res.Score),
		Description:  res.Reason,
		Confidence:   res.Confidence,
		Timestamp:    s.clock.Now(),
		Metadata:     meta,
	}
	s.insertLocked(intel)
	s.auditor.Log(audit.AuditEvent{
		Kind:      audit.KindIntelRecorded,
		EntityID:  intel.ID,
		Reason:    res.Reason,
		Records:   []any{intel.Clone()},
		Timestamp: intel.Timestamp,
	})
	s.mu.Unlock()

	s.logger.Warn("anomaly recorded",
		zap.String("intel_id", intel.ID),
		zap.String("type", string(intel.Type)),
		zap.Int("score", res.Score),
		zap.String("reason", res.Reason))
	return intel.Clone(), true
}

func severityForScore(score int) domain.Severity {
	switch {
	case score >= 90:
		return domain.SeverityCritical
	case score >= 70:
		return domain.SeverityHigh
	case score >= 50:
		return domain.SeverityMedium
	default:
		return domain.SeverityLow
	}
}

// insertLocked добавляет копию записи и при переполнении оставляет keepEntries самых свежих по timestamp.
func (s *Service) insertLocked(intel domain.ThreatIntel) {
	s.seq++
	s.feed = append(s.feed, feedEntry{intel: intel.Clone(), seq: s.seq})
	if len(s.feed) > maxEntries {
		sortNewestFirst(s.feed)
		s.feed = append([]feedEntry(nil), s.feed[:keepEntries]...)
	}
}

// Feed возвращает limit самых свежих записей. limit <= 0 означает DefaultFeedLimit.
func (s *Service) Feed(limit int) []domain.ThreatIntel {
	if limit <= 0 {
		limit = DefaultFeedLimit
	}

	s.mu.Lock()
	entries := make([]feedEntry, 0, len(s.feed))
	for _, e := range s.feed {
		entries = append(entries, feedEntry{intel: e.intel.Clone(), seq: e.seq})
	}
	s.mu.Unlock()

	sortNewestFirst(entries)
	if len(entries) > limit {
		entries = entries[:limit]
	}
	out := make([]domain.ThreatIntel, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.intel)
	}
	return out
}

// FeedSize — текущий размер ленты (для метрик).
func (s *Service) FeedSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.feed)
}

// Reports возвращает журнал отчетов в порядке вставки.
func (s *Service) Reports() []domain.ThreatReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.ThreatReport(nil), s.reports...)
}

// Restore загружает шаблоны, отчеты (в порядке вставки) и ленту из хранилища.
// Инварианты размеров применяются и к загруженным данным.
func (s *Service) Restore(patterns []domain.ThreatPattern, reports []domain.ThreatReport, feed []domain.ThreatIntel) {
	ps := make([]domain.ThreatPattern, 0, len(patterns))
	for i := range patterns {
		ps = append(ps, patterns[i].Clone())
	}
	if len(reports) > maxEntries {
		reports = reports[len(reports)-keepEntries:]
	}

	s.mu.Lock()
	s.patterns = ps
	s.reports = append([]domain.ThreatReport(nil), reports...)
	s.feed = nil
	s.seq = 0
	// Вставляем от старых к новым, чтобы seq соответствовал порядку времени
	ordered := append([]domain.ThreatIntel(nil), feed...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Timestamp.Before(ordered[j].Timestamp) })
	for _, intel := range ordered {
		s.insertLocked(intel)
	}
	s.mu.Unlock()

	s.logger.Info("threat state restored",
		zap.Int("patterns", len(ps)), zap.Int("reports", len(reports)), zap.Int("feed", len(feed)))
}

func sortNewestFirst(entries []feedEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		ti, tj := entries[i].intel.Timestamp, entries[j].intel.Timestamp
		if ti.Equal(tj) {
			return entries[i].seq > entries[j].seq
		}
		return ti.After(tj)
	})
}
