package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/xela07ax/agent-safety-plane/internal/domain"
)

// Snapshot — состояние всех сторов для восстановления сервисов при старте.
type Snapshot struct {
	Breakers  []domain.BreakerState
	TimeLocks []domain.TimeLockedTransaction
	Proposals []domain.GovernanceProposal
	Votes     []domain.GovernanceVote
	Patterns  []domain.ThreatPattern
	Reports   []domain.ThreatReport
	Feed      []domain.ThreatIntel
}

func (s *Store) Load(ctx context.Context) (*Snapshot, error) {
	var (
		snap Snapshot
		err  error
	)
	if snap.Breakers, err = s.LoadBreakers(ctx); err != nil {
		return nil, err
	}
	if snap.TimeLocks, err = s.LoadTimeLocks(ctx); err != nil {
		return nil, err
	}
	if snap.Proposals, err = s.LoadProposals(ctx); err != nil {
		return nil, err
	}
	if snap.Votes, err = s.LoadVotes(ctx); err != nil {
		return nil, err
	}
	if snap.Patterns, err = s.LoadPatterns(ctx); err != nil {
		return nil, err
	}
	if snap.Reports, err = s.LoadReports(ctx); err != nil {
		return nil, err
	}
	if snap.Feed, err = s.LoadFeed(ctx); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *Store) LoadBreakers(ctx context.Context) ([]domain.BreakerState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT agent_id, max_volume, max_price_change, max_trades_per_period,
		reset_timeout_ms, pause_duration_ms, status, failure_count, last_failure_time, last_reset_time, paused_until
		FROM breaker_states ORDER BY agent_id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query breakers: %w", err)
	}
	defer rows.Close()

	out := make([]domain.BreakerState, 0)
	for rows.Next() {
		var (
			st                  domain.BreakerState
			resetMs, pauseMs    int64
			status              string
			lastFailure, paused sql.NullTime
		)
		if err := rows.Scan(&st.AgentID, &st.Config.MaxVolume, &st.Config.MaxPriceChange, &st.Config.MaxTradesPerPeriod,
			&resetMs, &pauseMs, &status, &st.FailureCount, &lastFailure, &st.LastResetTime, &paused); err != nil {
			return nil, fmt.Errorf("postgres: scan breaker: %w", err)
		}
		st.Config.ResetTimeout = time.Duration(resetMs) * time.Millisecond
		st.Config.PauseDuration = time.Duration(pauseMs) * time.Millisecond
		st.Status = domain.BreakerStatus(status)
		st.LastFailureTime = timePtr(lastFailure)
		st.PausedUntil = timePtr(paused)
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *Store) LoadTimeLocks(ctx context.Context) ([]domain.TimeLockedTransaction, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, agent_id, type, transaction_data, execute_at, cancel_window_ms,
		status, created_at, executed_at FROM timelocks ORDER BY execute_at`)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query time-locks: %w", err)
	}
	defer rows.Close()

	out := make([]domain.TimeLockedTransaction, 0)
	for rows.Next() {
		var (
			t        domain.TimeLockedTransaction
			data     []byte
			windowMs int64
			status   string
			executed sql.NullTime
		)
		if err := rows.Scan(&t.ID, &t.AgentID, &t.Type, &data, &t.ExecuteAt, &windowMs,
			&status, &t.CreatedAt, &executed); err != nil {
			return nil, fmt.Errorf("postgres: scan time-lock: %w", err)
		}
		if len(data) > 0 {
			t.TransactionData = json.RawMessage(data)
		}
		t.CancelWindow = time.Duration(windowMs) * time.Millisecond
		t.Status = domain.TimeLockStatus(status)
		t.ExecutedAt = timePtr(executed)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) LoadProposals(ctx context.Context) ([]domain.GovernanceProposal, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, title, description, type, target_rule, proposed_value, quorum,
		status, votes_for, votes_against, created_at, executed_at FROM proposals ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query proposals: %w", err)
	}
	defer rows.Close()

	out := make([]domain.GovernanceProposal, 0)
	for rows.Next() {
		var (
			p        domain.GovernanceProposal
			value    []byte
			status   string
			executed sql.NullTime
		)
		if err := rows.Scan(&p.ID, &p.Title, &p.Description, &p.Type, &p.TargetRule, &value, &p.Quorum,
			&status, &p.VotesFor, &p.VotesAgainst, &p.CreatedAt, &executed); err != nil {
			return nil, fmt.Errorf("postgres: scan proposal: %w", err)
		}
		if len(value) > 0 {
			p.ProposedValue = json.RawMessage(value)
		}
		p.Status = domain.ProposalStatus(status)
		p.ExecutedAt = timePtr(executed)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) LoadVotes(ctx context.Context) ([]domain.GovernanceVote, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, proposal_id, voter, support, weight, ts FROM votes ORDER BY ts`)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query votes: %w", err)
	}
	defer rows.Close()

	out := make([]domain.GovernanceVote, 0)
	for rows.Next() {
		var v domain.GovernanceVote
		if err := rows.Scan(&v.ID, &v.ProposalID, &v.Voter, &v.Support, &v.Weight, &v.Timestamp); err != nil {
			return nil, fmt.Errorf("postgres: scan vote: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *Store) LoadPatterns(ctx context.Context) ([]domain.ThreatPattern, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, volume_threshold, price_change_threshold, created_at
		FROM threat_patterns ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query patterns: %w", err)
	}
	defer rows.Close()

	out := make([]domain.ThreatPattern, 0)
	for rows.Next() {
		var (
			p             domain.ThreatPattern
			volume, price sql.NullFloat64
		)
		if err := rows.Scan(&p.ID, &volume, &price, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan pattern: %w", err)
		}
		p.VolumeThreshold = floatPtr(volume)
		p.PriceChangeThreshold = floatPtr(price)
		out = append(out, p)
	}
	return out, rows.Err()
}

// LoadReports возвращает отчеты в порядке вставки.
func (s *Store) LoadReports(ctx context.Context) ([]domain.ThreatReport, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, token_address, severity, description, reporter, status, created_at
		FROM threat_reports ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query reports: %w", err)
	}
	defer rows.Close()

	out := make([]domain.ThreatReport, 0)
	for rows.Next() {
		var (
			r        domain.ThreatReport
			severity string
		)
		if err := rows.Scan(&r.ID, &r.TokenAddress, &severity, &r.Description, &r.Reporter, &r.Status, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan report: %w", err)
		}
		r.Severity = domain.Severity(severity)
		out = append(out, r)
	}
	return out, rows.Err()
}

// LoadFeed возвращает ленту от старых записей к новым.
func (s *Store) LoadFeed(ctx context.Context) ([]domain.ThreatIntel, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, type, token_address, severity, description, confidence, metadata, ts
		FROM threat_feed ORDER BY ts, seq`)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query feed: %w", err)
	}
	defer rows.Close()

	out := make([]domain.ThreatIntel, 0)
	for rows.Next() {
		var (
			i              domain.ThreatIntel
			kind, severity string
			meta           []byte
		)
		if err := rows.Scan(&i.ID, &kind, &i.TokenAddress, &severity, &i.Description, &i.Confidence, &meta, &i.Timestamp); err != nil {
			return nil, fmt.Errorf("postgres: scan intel: %w", err)
		}
		i.Type = domain.IntelType(kind)
		i.Severity = domain.Severity(severity)
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &i.Metadata); err != nil {
				return nil, fmt.Errorf("postgres: decode metadata of %s: %w", i.ID, err)
			}
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func floatPtr(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Float64
	return &v
}
