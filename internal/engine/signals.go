package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/agent-safety-plane/internal/audit"
	"github.com/xela07ax/agent-safety-plane/internal/domain"
	"github.com/xela07ax/agent-safety-plane/internal/infra"
	"go.uber.org/zap"
)

// SignalPublisher — хранилище журнала, которое транслирует события в Redis:
// состояние предохранителей в канал "agent_id:open|closed" и в множество открытых,
// исполненные предложения в канал governance.
type SignalPublisher struct {
	rdb    *redis.Client
	logger *zap.Logger
}

func NewSignalPublisher(rdb *redis.Client, logger *zap.Logger) *SignalPublisher {
	return &SignalPublisher{rdb: rdb, logger: logger.With(zap.String("mod", "signals"))}
}

func (p *SignalPublisher) WriteBatch(ctx context.Context, events []audit.AuditEvent) error {
	pipe := p.rdb.Pipeline()
	queued := 0

	for _, e := range events {
		switch e.Kind {
		case audit.KindBreakerInitialized, audit.KindBreakerTripped, audit.KindBreakerHalfOpen,
			audit.KindBreakerClosed, audit.KindBreakerReset:
			signal := "closed"
			if e.Status == string(domain.BreakerOpen) {
				signal = "open"
				pipe.SAdd(ctx, infra.RedisKeyOpenBreakers, e.AgentID)
			} else {
				pipe.SRem(ctx, infra.RedisKeyOpenBreakers, e.AgentID)
			}
			pipe.Publish(ctx, infra.RedisChanBreakerState, e.AgentID+":"+signal)
			queued += 2

		case audit.KindProposalExecuted:
			if len(e.Records) == 0 {
				continue
			}
			payload, err := json.Marshal(e.Records[0])
			if err != nil {
				p.logger.Error("failed to marshal executed proposal", zap.String("proposal_id", e.EntityID), zap.Error(err))
				continue
			}
			pipe.Publish(ctx, infra.RedisChanGovernanceExecuted, payload)
			queued++
		}
	}

	if queued == 0 {
		return nil
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis signals: %w", err)
	}
	return nil
}
