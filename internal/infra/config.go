package infra

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/xela07ax/agent-safety-plane/internal/domain"
)

// Config — корневая структура конфигурации контура безопасности.
type Config struct {
	Server   ServerConfig         `mapstructure:"server"`
	Metrics  MetricsConfig        `mapstructure:"metrics"`
	Database DatabaseConfig       `mapstructure:"database"`
	Redis    RedisConfig          `mapstructure:"redis"`
	Proof    ProofConfig          `mapstructure:"proof"`
	Engine   EngineConfig         `mapstructure:"engine"`
	Breaker  domain.BreakerConfig `mapstructure:"breaker"`
	Logger   LoggerConfig         `mapstructure:"logger"`
}

// ServerConfig описывает настройки HTTP-сервера консоли.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

func (s ServerConfig) Addr() string { return fmt.Sprintf("%s:%d", s.Host, s.Port) }

// MetricsConfig — отдельный листенер для Prometheus. Пустой addr отключает его.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// DatabaseConfig описывает подключение к PostgreSQL. Пустой URL — состояние только в памяти.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int    `mapstructure:"max_conns"`
	MinConns int    `mapstructure:"min_conns"`
}

// RedisConfig описывает подключение к Redis (Pub/Sub сигналы). Пустой addr отключает Redis.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// ProofConfig — сервис on-chain доказательств.
type ProofConfig struct {
	Addr          string        `mapstructure:"addr"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RatePerSecond float64       `mapstructure:"rate_per_second"`
	Burst         int           `mapstructure:"burst"`
	Attempts      uint          `mapstructure:"attempts"`
	MaxFailures   uint32        `mapstructure:"max_failures"`
	OpenTimeout   time.Duration `mapstructure:"open_timeout"`
}

// EngineConfig содержит настройки фоновых процессов ядра.
type EngineConfig struct {
	AuditBufferSize    int           `mapstructure:"audit_buffer_size"`
	AuditBatchSize     int           `mapstructure:"audit_batch_size"`
	AuditFlushInterval time.Duration `mapstructure:"audit_flush_interval"`
	AuditFlushAttempts uint          `mapstructure:"audit_flush_attempts"`
	AuditFlushDelay    time.Duration `mapstructure:"audit_flush_delay"`
	SweepInterval      time.Duration `mapstructure:"sweep_interval"`
	// Скор аномалии, при котором предохранитель агента выбивается. 0 — выключено.
	AnomalyTripScore int `mapstructure:"anomaly_trip_score"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
// path, если задан, указывает файл явно.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	// SERVER_PORT=9000 перекроет server.port
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Если файла нет — работаем на ENV и дефолтах
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.shutdown_timeout", 5*time.Second)

	v.SetDefault("metrics.addr", ":9090")

	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 5)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("proof.addr", "")
	v.SetDefault("proof.timeout", 15*time.Second)
	v.SetDefault("proof.rate_per_second", 100)
	v.SetDefault("proof.burst", 20)
	v.SetDefault("proof.attempts", 3)
	v.SetDefault("proof.max_failures", 5)
	v.SetDefault("proof.open_timeout", 30*time.Second)

	v.SetDefault("engine.audit_buffer_size", 10000)
	v.SetDefault("engine.audit_batch_size", 100)
	v.SetDefault("engine.audit_flush_interval", 500*time.Millisecond)
	v.SetDefault("engine.audit_flush_attempts", 3)
	v.SetDefault("engine.audit_flush_delay", 100*time.Millisecond)
	v.SetDefault("engine.sweep_interval", time.Second)
	v.SetDefault("engine.anomaly_trip_score", 0)

	// Политика по умолчанию для агентов, которых включают под надзор без явных порогов
	v.SetDefault("breaker.max_volume", 1_000_000)
	v.SetDefault("breaker.max_price_change", 20)
	v.SetDefault("breaker.max_trades_per_period", 100)
	v.SetDefault("breaker.reset_timeout", 10*time.Minute)
	v.SetDefault("breaker.pause_duration", 5*time.Minute)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
}
