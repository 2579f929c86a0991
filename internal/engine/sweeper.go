package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/agent-safety-plane/internal/domain"
	"github.com/xela07ax/agent-safety-plane/internal/infra"
	"github.com/xela07ax/agent-safety-plane/internal/timelock"
	"go.uber.org/zap"
)

// Dispatcher передает созревшую транзакцию торговому движку.
type Dispatcher interface {
	Dispatch(ctx context.Context, tx domain.TimeLockedTransaction) error
}

type DispatcherFunc func(ctx context.Context, tx domain.TimeLockedTransaction) error

func (f DispatcherFunc) Dispatch(ctx context.Context, tx domain.TimeLockedTransaction) error {
	return f(ctx, tx)
}

// RedisDispatcher публикует транзакцию в канал, который слушает торговый движок.
type RedisDispatcher struct {
	rdb     *redis.Client
	channel string
}

func NewRedisDispatcher(rdb *redis.Client) *RedisDispatcher {
	return &RedisDispatcher{rdb: rdb, channel: infra.RedisChanTimeLockDispatch}
}

func (d *RedisDispatcher) Dispatch(ctx context.Context, tx domain.TimeLockedTransaction) error {
	payload, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("marshal time-lock %s: %w", tx.ID, err)
	}
	if err := d.rdb.Publish(ctx, d.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish time-lock %s: %w", tx.ID, err)
	}
	return nil
}

// Sweeper периодически забирает созревшие таймлоки, отдает их Dispatcher и помечает исполненными.
// Ошибка доставки оставляет транзакцию в pending до следующего прохода.
type Sweeper struct {
	locks      *timelock.Service
	dispatcher Dispatcher
	interval   time.Duration
	metrics    *Metrics
	logger     *zap.Logger
}

func NewSweeper(locks *timelock.Service, d Dispatcher, interval time.Duration, m *Metrics, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Second
	}
	if m == nil {
		m = NewMetrics(nil)
	}
	return &Sweeper{
		locks:      locks,
		dispatcher: d,
		interval:   interval,
		metrics:    m,
		logger:     logger.Named("sweeper"),
	}
}

// Run блокируется до отмены ctx.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("time-lock sweeper started", zap.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("time-lock sweeper stopping")
			return nil
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce делает один проход и возвращает число исполненных транзакций.
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	executed := 0
	for _, tx := range s.locks.Executable() {
		if ctx.Err() != nil {
			break
		}
		if err := s.dispatcher.Dispatch(ctx, tx); err != nil {
			s.metrics.TimeLockSweeps.WithLabelValues("dispatch_failed").Inc()
			s.logger.Warn("time-lock dispatch failed",
				zap.String("timelock_id", tx.ID), zap.String("agent_id", tx.AgentID), zap.Error(err))
			continue
		}
		if s.locks.Execute(tx.ID) {
			executed++
			s.metrics.TimeLockSweeps.WithLabelValues("executed").Inc()
		}
	}
	return executed
}
