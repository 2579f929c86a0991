package engine

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/agent-safety-plane/internal/domain"
	"github.com/xela07ax/agent-safety-plane/internal/infra"
	"go.uber.org/zap"
)

// Команды оператора, приходящие через Redis.
const (
	CommandReset = "reset"
	CommandTrip  = "trip"

	ReasonRemoteTrip = "Manual trip via operator command"
)

// ApplyCommand применяет команду к предохранителю агента. Неизвестная команда — false.
func (c *Core) ApplyCommand(agentID, command string) bool {
	var ok bool
	switch command {
	case CommandReset:
		ok = c.Breakers.Reset(agentID)
	case CommandTrip:
		ok = c.Breakers.Trip(agentID, ReasonRemoteTrip)
	default:
		c.logger.Warn("unknown breaker command", zap.String("agent_id", agentID), zap.String("command", command))
		return false
	}
	c.logger.Info("breaker command applied",
		zap.String("agent_id", agentID), zap.String("command", command), zap.Bool("changed", ok))
	return ok
}

// SyncOpenBreakers зеркалит открытые предохранители в Redis-множество.
func (c *Core) SyncOpenBreakers(ctx context.Context, rdb *redis.Client) error {
	var open []string
	for _, st := range c.Breakers.States() {
		if st.Status == domain.BreakerOpen {
			open = append(open, st.AgentID)
		}
	}
	_, err := WarmupState(ctx, rdb, c.logger, open, infra.RedisKeyOpenBreakers, infra.RedisKeyLockOpenBreakers)
	return err
}

// ListenCommands слушает канал команд до отмены ctx и при каждом переподключении
// синхронизирует множество открытых предохранителей.
func (c *Core) ListenCommands(ctx context.Context, rdb *redis.Client) {
	c.logger.Info("breaker command listener started", zap.String("chan", infra.RedisChanBreakerCommands))
	ListenStateResilient(ctx, rdb, c.logger, infra.RedisChanBreakerCommands,
		func() error { return c.SyncOpenBreakers(ctx, rdb) },
		func(agentID, command string) { c.ApplyCommand(agentID, command) },
	)
}
