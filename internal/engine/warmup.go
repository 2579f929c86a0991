package engine

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const warmupLockTTL = 30 * time.Second

// WarmupState перезаливает множество redisKey списком ids из локального состояния.
// Распределенная блокировка (SetNX) гарантирует, что одновременно это делает один инстанс.
// Возвращает false, если блокировку держит кто-то другой.
func WarmupState(ctx context.Context, rdb *redis.Client, logger *zap.Logger, ids []string, redisKey, lockKey string) (bool, error) {
	ok, err := rdb.SetNX(ctx, lockKey, "processing", warmupLockTTL).Result()
	if err != nil {
		return false, err
	}
	if !ok {
		logger.Debug("warm-up is held by another instance", zap.String("key", redisKey))
		return false, nil
	}
	defer rdb.Del(context.WithoutCancel(ctx), lockKey)

	count, err := rdb.SCard(ctx, redisKey).Result()
	if err != nil {
		logger.Warn("could not check Redis set size, proceeding with warm-up",
			zap.String("key", redisKey), zap.Error(err))
	}
	logger.Info("syncing Redis set from local state",
		zap.String("key", redisKey), zap.Int64("redis_count", count), zap.Int("local_count", len(ids)))

	_, err = rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, redisKey)
		for _, id := range ids {
			pipe.SAdd(ctx, redisKey, id)
		}
		return nil
	})
	return true, err
}
