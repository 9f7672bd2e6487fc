package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	base "github.com/andt14111999/test-exchange-sub001/libs/config"
)

type DBConfig struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
	MaxConns int
}

func (c DBConfig) DSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     c.Host + ":" + strconv.Itoa(c.Port),
		Path:     c.Name,
		RawQuery: "sslmode=" + url.QueryEscape(c.SSLMode),
	}
	if c.MaxConns > 0 {
		u.RawQuery += "&pool_max_conns=" + strconv.Itoa(c.MaxConns)
	}
	return u.String()
}

type KafkaTopics struct {
	Events      string
	Completions string
	DeadLetter  string
}

type KafkaConfig struct {
	Enabled       bool
	Brokers       []string
	ConsumerGroup string
	ClientID      string
	Topics        KafkaTopics
	MaxAttempts   int
	RetryBackoff  time.Duration
}

type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

type BreakerConfig struct {
	MaxRequests         uint32
	Interval            time.Duration
	Timeout             time.Duration
	ConsecutiveFailures uint32
}

type RelayConfig struct {
	Workers       int
	MaxAttempts   int
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
	JobTimeout    time.Duration
	PollInterval  time.Duration
	Lease         time.Duration
	SweepInterval time.Duration
	Endpoint      string
	Breaker       BreakerConfig
}

type WithdrawalConfig struct {
	FiatMaxRetries int
}

type Config struct {
	App        base.AppConfig
	DB         DBConfig
	Kafka      KafkaConfig
	Redis      RedisConfig
	Relay      RelayConfig
	Withdrawal WithdrawalConfig
	OTLP       string
}

func Load() (*Config, error) {
	path := os.Getenv("CUSTODY_CONFIG")
	appCfg, err := base.Load(path)
	if err != nil {
		return nil, err
	}
	v, err := base.NewViper(path)
	if err != nil {
		return nil, err
	}

	v.SetDefault("db.max_conns", 10)
	v.SetDefault("kafka.enabled", true)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.consumer_group", "custody-service")
	v.SetDefault("kafka.client_id", "custody-service")
	v.SetDefault("kafka.topics.events", "custody.events")
	v.SetDefault("kafka.topics.completions", "custody.relay.completions")
	v.SetDefault("kafka.topics.dead_letter", "custody.events.dlq")
	v.SetDefault("kafka.max_attempts", 3)
	v.SetDefault("kafka.retry_backoff", "500ms")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "custody:relay:")
	v.SetDefault("relay.workers", 4)
	v.SetDefault("relay.max_attempts", 5)
	v.SetDefault("relay.base_backoff", "1s")
	v.SetDefault("relay.max_backoff", "5m")
	v.SetDefault("relay.job_timeout", "30s")
	v.SetDefault("relay.poll_interval", "500ms")
	v.SetDefault("relay.lease", "2m")
	v.SetDefault("relay.sweep_interval", "1m")
	v.SetDefault("relay.endpoint", "")
	v.SetDefault("relay.breaker.max_requests", 1)
	v.SetDefault("relay.breaker.interval", "1m")
	v.SetDefault("relay.breaker.timeout", "30s")
	v.SetDefault("relay.breaker.consecutive_failures", 5)
	v.SetDefault("withdrawal.fiat_max_retries", 3)
	v.SetDefault("otlp.endpoint", "")

	cfg := &Config{
		App: *appCfg,
		DB: DBConfig{
			Host:     envString("POSTGRES_HOST", "localhost"),
			Port:     envInt("POSTGRES_PORT", 5432),
			Name:     envString("POSTGRES_DB", "custody"),
			User:     envString("POSTGRES_USER", "custody"),
			Password: envString("POSTGRES_PASSWORD", "custody"),
			SSLMode:  envString("POSTGRES_SSLMODE", "disable"),
			MaxConns: v.GetInt("db.max_conns"),
		},
		Kafka: KafkaConfig{
			Enabled:       v.GetBool("kafka.enabled"),
			Brokers:       envCSV("KAFKA_BROKERS", v.GetStringSlice("kafka.brokers")),
			ConsumerGroup: envString("KAFKA_CONSUMER_GROUP", v.GetString("kafka.consumer_group")),
			ClientID:      v.GetString("kafka.client_id"),
			Topics: KafkaTopics{
				Events:      envString("KAFKA_EVENTS_TOPIC", v.GetString("kafka.topics.events")),
				Completions: envString("KAFKA_COMPLETIONS_TOPIC", v.GetString("kafka.topics.completions")),
				DeadLetter:  envString("KAFKA_DLQ_TOPIC", v.GetString("kafka.topics.dead_letter")),
			},
			MaxAttempts:  v.GetInt("kafka.max_attempts"),
			RetryBackoff: v.GetDuration("kafka.retry_backoff"),
		},
		Redis: RedisConfig{
			Addr:      envString("REDIS_ADDR", v.GetString("redis.addr")),
			Password:  envString("REDIS_PASSWORD", v.GetString("redis.password")),
			DB:        v.GetInt("redis.db"),
			KeyPrefix: v.GetString("redis.key_prefix"),
		},
		Relay: RelayConfig{
			Workers:       v.GetInt("relay.workers"),
			MaxAttempts:   v.GetInt("relay.max_attempts"),
			BaseBackoff:   v.GetDuration("relay.base_backoff"),
			MaxBackoff:    v.GetDuration("relay.max_backoff"),
			JobTimeout:    v.GetDuration("relay.job_timeout"),
			PollInterval:  v.GetDuration("relay.poll_interval"),
			Lease:         v.GetDuration("relay.lease"),
			SweepInterval: v.GetDuration("relay.sweep_interval"),
			Endpoint:      envString("RELAY_ENDPOINT", v.GetString("relay.endpoint")),
			Breaker: BreakerConfig{
				MaxRequests:         v.GetUint32("relay.breaker.max_requests"),
				Interval:            v.GetDuration("relay.breaker.interval"),
				Timeout:             v.GetDuration("relay.breaker.timeout"),
				ConsecutiveFailures: v.GetUint32("relay.breaker.consecutive_failures"),
			},
		},
		Withdrawal: WithdrawalConfig{
			FiatMaxRetries: v.GetInt("withdrawal.fiat_max_retries"),
		},
		OTLP: envString("OTEL_EXPORTER_OTLP_ENDPOINT", v.GetString("otlp.endpoint")),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka brokers required")
		}
		if c.Kafka.ConsumerGroup == "" {
			return fmt.Errorf("kafka consumer group required")
		}
		if c.Kafka.Topics.Events == "" || c.Kafka.Topics.DeadLetter == "" {
			return fmt.Errorf("kafka events and dead letter topics required")
		}
	}
	if c.Relay.Workers <= 0 {
		return fmt.Errorf("relay.workers must be positive")
	}
	if c.Relay.BaseBackoff <= 0 || c.Relay.MaxBackoff < c.Relay.BaseBackoff {
		return fmt.Errorf("relay backoff must satisfy 0 < base_backoff <= max_backoff")
	}
	if c.Withdrawal.FiatMaxRetries < 0 {
		return fmt.Errorf("withdrawal.fiat_max_retries must not be negative")
	}
	return nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envCSV(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, part := range parts {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return def
}
