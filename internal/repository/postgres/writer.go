package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/xela07ax/agent-safety-plane/internal/audit"
	"github.com/xela07ax/agent-safety-plane/internal/domain"
	"go.uber.org/zap"
)

// WriteBatch реализует audit.StorageInterface: пишет события в журнал и применяет
// снимки сущностей к таблицам сторов одной транзакцией. Ошибка отдельного снимка
// изолирована точкой сохранения; ошибка транзакции возвращается, и журнал повторяет пачку.
func (s *Store) WriteBatch(ctx context.Context, events []audit.AuditEvent) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // после Commit вернет ErrTxDone

	if err := insertEvents(ctx, tx, events); err != nil {
		return err
	}

	var reportsTouched, feedTouched bool
	for _, e := range events {
		for _, rec := range e.Records {
			switch rec.(type) {
			case domain.ThreatReport:
				reportsTouched = true
			case domain.ThreatIntel:
				feedTouched = true
			}
			if err := s.applyRecord(ctx, tx, e, rec); err != nil {
				return err
			}
		}
	}

	if reportsTouched {
		if _, err := tx.ExecContext(ctx, pruneReportsQuery, maxEntries, keepEntries); err != nil {
			return fmt.Errorf("postgres: prune reports: %w", err)
		}
	}
	if feedTouched {
		if _, err := tx.ExecContext(ctx, pruneFeedQuery, maxEntries, keepEntries); err != nil {
			return fmt.Errorf("postgres: prune feed: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

// applyRecord применяет один снимок внутри точки сохранения: ошибка записи откатывает только
// ее, остальная пачка коммитится. Ошибка самого отката означает сломанную транзакцию.
func (s *Store) applyRecord(ctx context.Context, tx *sql.Tx, e audit.AuditEvent, rec any) error {
	if _, err := tx.ExecContext(ctx, savepointQuery); err != nil {
		return fmt.Errorf("postgres: savepoint: %w", err)
	}

	var err error
	switch r := rec.(type) {
	case domain.BreakerState:
		err = upsertBreaker(ctx, tx, r)
	case domain.TimeLockedTransaction:
		err = upsertTimeLock(ctx, tx, r)
	case domain.GovernanceProposal:
		err = upsertProposal(ctx, tx, r)
	case domain.GovernanceVote:
		err = insertVote(ctx, tx, r)
	case domain.ThreatPattern:
		err = insertPattern(ctx, tx, r)
	case domain.ThreatReport:
		err = insertReport(ctx, tx, r)
	case domain.ThreatIntel:
		err = insertIntel(ctx, tx, r)
	default:
		s.logger.Warn("unknown record type in journal event", zap.String("kind", string(e.Kind)))
	}

	if err != nil {
		if _, rbErr := tx.ExecContext(ctx, rollbackToSavepointQuery); rbErr != nil {
			return fmt.Errorf("postgres: apply %s %s: %w", e.Kind, e.EntityID, errors.Join(err, rbErr))
		}
		s.logger.Error("journal record skipped",
			zap.String("event_id", e.ID),
			zap.String("kind", string(e.Kind)),
			zap.String("entity_id", e.EntityID),
			zap.Error(err))
		return nil
	}
	if _, err := tx.ExecContext(ctx, releaseSavepointQuery); err != nil {
		return fmt.Errorf("postgres: release savepoint: %w", err)
	}
	return nil
}

const (
	savepointQuery           = "SAVEPOINT record"
	rollbackToSavepointQuery = "ROLLBACK TO SAVEPOINT record"
	releaseSavepointQuery    = "RELEASE SAVEPOINT record"
)

const eventFields = 9

// insertEvents строит один многострочный INSERT для всей пачки.
func insertEvents(ctx context.Context, tx *sql.Tx, events []audit.AuditEvent) error {
	var sb strings.Builder
	vals := make([]any, 0, len(events)*eventFields)

	for i, e := range events {
		if i > 0 {
			sb.WriteString(",")
		}
		p := i * eventFields
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			p+1, p+2, p+3, p+4, p+5, p+6, p+7, p+8, p+9)

		records, err := json.Marshal(e.Records)
		if err != nil {
			return fmt.Errorf("postgres: marshal records of %s: %w", e.ID, err)
		}
		vals = append(vals,
			e.ID, e.TraceID, string(e.Kind), e.AgentID, e.EntityID,
			e.Status, e.Reason, records, e.Timestamp,
		)
	}

	query := "INSERT INTO safety_events (id, trace_id, kind, agent_id, entity_id, status, reason, records, ts) VALUES " +
		sb.String() + " ON CONFLICT (id) DO NOTHING"
	if _, err := tx.ExecContext(ctx, query, vals...); err != nil {
		return fmt.Errorf("postgres: insert events: %w", err)
	}
	return nil
}

const upsertBreakerQuery = `
INSERT INTO breaker_states (agent_id, max_volume, max_price_change, max_trades_per_period,
    reset_timeout_ms, pause_duration_ms, status, failure_count, last_failure_time, last_reset_time, paused_until)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (agent_id) DO UPDATE SET
    max_volume = EXCLUDED.max_volume,
    max_price_change = EXCLUDED.max_price_change,
    max_trades_per_period = EXCLUDED.max_trades_per_period,
    reset_timeout_ms = EXCLUDED.reset_timeout_ms,
    pause_duration_ms = EXCLUDED.pause_duration_ms,
    status = EXCLUDED.status,
    failure_count = EXCLUDED.failure_count,
    last_failure_time = EXCLUDED.last_failure_time,
    last_reset_time = EXCLUDED.last_reset_time,
    paused_until = EXCLUDED.paused_until`

func upsertBreaker(ctx context.Context, tx *sql.Tx, st domain.BreakerState) error {
	_, err := tx.ExecContext(ctx, upsertBreakerQuery,
		st.AgentID, st.Config.MaxVolume, st.Config.MaxPriceChange, st.Config.MaxTradesPerPeriod,
		st.Config.ResetTimeout.Milliseconds(), st.Config.PauseDuration.Milliseconds(),
		string(st.Status), st.FailureCount, st.LastFailureTime, st.LastResetTime, st.PausedUntil,
	)
	return err
}

// Терминальный таймлок не переписывается: обновление проходит только из pending.
const upsertTimeLockQuery = `
INSERT INTO timelocks (id, agent_id, type, transaction_data, execute_at, cancel_window_ms, status, created_at, executed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (id) DO UPDATE SET
    status = EXCLUDED.status,
    executed_at = EXCLUDED.executed_at
WHERE timelocks.status = 'pending'`

func upsertTimeLock(ctx context.Context, tx *sql.Tx, t domain.TimeLockedTransaction) error {
	_, err := tx.ExecContext(ctx, upsertTimeLockQuery,
		t.ID, t.AgentID, t.Type, nullJSON(t.TransactionData), t.ExecuteAt,
		t.CancelWindow.Milliseconds(), string(t.Status), t.CreatedAt, t.ExecutedAt,
	)
	return err
}

// Решенное предложение меняется только passed -> executed.
const upsertProposalQuery = `
INSERT INTO proposals (id, title, description, type, target_rule, proposed_value, quorum, status,
    votes_for, votes_against, created_at, executed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (id) DO UPDATE SET
    status = EXCLUDED.status,
    votes_for = EXCLUDED.votes_for,
    votes_against = EXCLUDED.votes_against,
    executed_at = EXCLUDED.executed_at
WHERE proposals.status = 'active'
   OR (proposals.status = 'passed' AND EXCLUDED.status = 'executed')`

func upsertProposal(ctx context.Context, tx *sql.Tx, p domain.GovernanceProposal) error {
	_, err := tx.ExecContext(ctx, upsertProposalQuery,
		p.ID, p.Title, p.Description, p.Type, p.TargetRule, nullJSON(p.ProposedValue), p.Quorum,
		string(p.Status), p.VotesFor, p.VotesAgainst, p.CreatedAt, p.ExecutedAt,
	)
	return err
}

// Один голос на участника: UNIQUE (proposal_id, voter), повтор игнорируется.
const insertVoteQuery = `
INSERT INTO votes (id, proposal_id, voter, support, weight, ts)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (proposal_id, voter) DO NOTHING`

func insertVote(ctx context.Context, tx *sql.Tx, v domain.GovernanceVote) error {
	_, err := tx.ExecContext(ctx, insertVoteQuery, v.ID, v.ProposalID, v.Voter, v.Support, v.Weight, v.Timestamp)
	return err
}

const insertPatternQuery = `
INSERT INTO threat_patterns (id, volume_threshold, price_change_threshold, created_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO NOTHING`

func insertPattern(ctx context.Context, tx *sql.Tx, p domain.ThreatPattern) error {
	_, err := tx.ExecContext(ctx, insertPatternQuery, p.ID, p.VolumeThreshold, p.PriceChangeThreshold, p.CreatedAt)
	return err
}

const insertReportQuery = `
INSERT INTO threat_reports (id, token_address, severity, description, reporter, status, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (id) DO NOTHING`

func insertReport(ctx context.Context, tx *sql.Tx, r domain.ThreatReport) error {
	_, err := tx.ExecContext(ctx, insertReportQuery,
		r.ID, r.TokenAddress, string(r.Severity), r.Description, r.Reporter, r.Status, r.CreatedAt)
	return err
}

const insertIntelQuery = `
INSERT INTO threat_feed (id, type, token_address, severity, description, confidence, metadata, ts)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (id) DO NOTHING`

func insertIntel(ctx context.Context, tx *sql.Tx, i domain.ThreatIntel) error {
	var meta []byte
	if len(i.Metadata) > 0 {
		var err error
		if meta, err = json.Marshal(i.Metadata); err != nil {
			return err
		}
	}
	_, err := tx.ExecContext(ctx, insertIntelQuery,
		i.ID, string(i.Type), i.TokenAddress, string(i.Severity), i.Description, i.Confidence, meta, i.Timestamp)
	return err
}

// Отчеты режутся по порядку вставки (seq), лента — по времени записи.
const (
	pruneReportsQuery = `
DELETE FROM threat_reports
WHERE (SELECT count(*) FROM threat_reports) > $1
  AND seq NOT IN (SELECT seq FROM threat_reports ORDER BY seq DESC LIMIT $2)`

	pruneFeedQuery = `
DELETE FROM threat_feed
WHERE (SELECT count(*) FROM threat_feed) > $1
  AND seq NOT IN (SELECT seq FROM threat_feed ORDER BY ts DESC, seq DESC LIMIT $2)`
)

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
