package infra

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "safety"
)

// Ключи для Sets (состояние)
const (
	RedisKeyOpenBreakers     = RedisNamespace + ":breaker:open_set"
	RedisKeyLockOpenBreakers = RedisNamespace + ":lock:warmup:open_breakers"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanBreakerState — переходы предохранителей, формат "agent_id:open|closed".
	RedisChanBreakerState = RedisNamespace + ":breaker:state-signal"
	// RedisChanBreakerCommands — команды оператора, формат "agent_id:reset|trip".
	RedisChanBreakerCommands = RedisNamespace + ":breaker:commands"
	// RedisChanGovernanceExecuted — JSON исполненного предложения для внешнего применения.
	RedisChanGovernanceExecuted = RedisNamespace + ":governance:executed"
	// RedisChanTimeLockDispatch — созревшие таймлоки для торгового движка.
	RedisChanTimeLockDispatch = RedisNamespace + ":timelock:dispatch"
)
