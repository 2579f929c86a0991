// Package postgres хранит четыре стора контура (предохранители, таймлоки, governance, угрозы)
// и журнал событий. Запись идет только из журнала AgentFS: каждое событие несет снимки
// сущностей, которые upsert-ятся в свои таблицы с проверкой инвариантов на границе хранилища.
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Драйвер Postgres
	"github.com/xela07ax/agent-safety-plane/internal/infra"
	"go.uber.org/zap"
)

//go:embed schema.sql
var schema string

// Пороговые размеры ленты угроз и журнала отчетов.
const (
	maxEntries  = 1000
	keepEntries = 500
)

type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open открывает пул через pgx stdlib. Соединение проверяется отдельно через Ping.
func Open(cfg infra.DatabaseConfig, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = 15
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(max(cfg.MinConns, 1))
	db.SetConnMaxLifetime(5 * time.Minute)
	return NewStore(db, logger), nil
}

func NewStore(db *sql.DB, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger.With(zap.String("mod", "postgres"))}
}

// Ping проверяет доступность базы при старте
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate создает таблицы, если их нет.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
