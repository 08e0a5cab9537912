package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store drivers.
const (
	StoreDriverMemory   = "memory"
	StoreDriverPostgres = "postgres"
)

// Config aggregates runtime configuration for the service.
type Config struct {
	App      AppConfig
	Store    StoreConfig
	Postgres PostgresConfig
	Redis    RedisConfig
	Logger   LoggerConfig
	Auth     AuthConfig
	Listener ListenerConfig
	Session  SessionConfig
	Queue    QueueConfig
	Kafka    KafkaConfig
}

// AppConfig controls server level behavior.
type AppConfig struct {
	Name                  string
	Env                   string
	Host                  string
	Port                  string
	Version               string
	RequestTimeoutSeconds int
	DebugIntrospection    bool
}

// StoreConfig selects the remote store adapter.
type StoreConfig struct {
	Driver string
}

// PostgresConfig holds DB connection values.
type PostgresConfig struct {
	DSN            string
	MaxConns       int32
	MinConns       int32
	RunMigrations  bool
	ConnMaxIdleSec int32
	ConnMaxLifeSec int32
}

// RedisConfig holds Redis connection values. An empty Addr disables the
// change feed and the durable session tier.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// LoggerConfig configures logging behavior.
type LoggerConfig struct {
	Level string
}

// AuthConfig defines authentication parameters.
type AuthConfig struct {
	JWTSecret                string
	AccessTokenTTLMinutes    int
	AnonymousTokenTTLMinutes int
	BcryptCost               int
}

// ListenerConfig tunes reconnection backoff of real-time subscriptions.
type ListenerConfig struct {
	BackoffBaseMillis int
	BackoffCapMillis  int
	MaxAttempts       int
}

// SessionConfig configures client session persistence.
type SessionConfig struct {
	TTLMinutes int
	KeyPrefix  string
}

// QueueConfig configures claiming and releasing queue entries.
type QueueConfig struct {
	DefaultSector         string
	ClaimRetryAttempts    int
	ClaimRetryDelayMillis int
	ReleaseReasonMinLen   int
}

// KafkaConfig configures the audit event sink. No brokers disables it.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// Load reads configuration from environment variables, applying defaults where possible.
func Load() (*Config, error) {
	_ = godotenv.Load()

	redisDB, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	maxConns := int32(getEnvAsInt("POSTGRES_MAX_CONNS", 10))
	minConns := int32(getEnvAsInt("POSTGRES_MIN_CONNS", 2))
	runMigrations := getEnvAsBool("POSTGRES_RUN_MIGRATIONS", true)
	connMaxIdle := int32(getEnvAsInt("POSTGRES_CONN_MAX_IDLE_SECONDS", 30))
	connMaxLife := int32(getEnvAsInt("POSTGRES_CONN_MAX_LIFE_SECONDS", 300))

	cfg := &Config{
		App: AppConfig{
			Name:                  getEnv("APP_NAME", "live-desk"),
			Env:                   getEnv("APP_ENV", "development"),
			Host:                  getEnv("APP_HOST", "0.0.0.0"),
			Port:                  getEnv("APP_PORT", "8080"),
			Version:               getEnv("APP_VERSION", "dev"),
			RequestTimeoutSeconds: getEnvAsInt("HTTP_REQUEST_TIMEOUT_SECONDS", 30),
			DebugIntrospection:    getEnvAsBool("DEBUG_INTROSPECTION", false),
		},
		Store: StoreConfig{
			Driver: strings.ToLower(getEnv("STORE_DRIVER", StoreDriverMemory)),
		},
		Postgres: PostgresConfig{
			DSN:            os.Getenv("POSTGRES_DSN"),
			MaxConns:       maxConns,
			MinConns:       minConns,
			RunMigrations:  runMigrations,
			ConnMaxIdleSec: connMaxIdle,
			ConnMaxLifeSec: connMaxLife,
		},
		Redis: RedisConfig{
			Addr:     os.Getenv("REDIS_ADDR"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       redisDB,
		},
		Logger: LoggerConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Auth: AuthConfig{
			JWTSecret:                getEnv("AUTH_JWT_SECRET", "dev-secret"),
			AccessTokenTTLMinutes:    getEnvAsInt("AUTH_ACCESS_TOKEN_TTL_MINUTES", 60),
			AnonymousTokenTTLMinutes: getEnvAsInt("AUTH_ANONYMOUS_TOKEN_TTL_MINUTES", 30),
			BcryptCost:               getEnvAsInt("AUTH_BCRYPT_COST", 12),
		},
		Listener: ListenerConfig{
			BackoffBaseMillis: getEnvAsInt("LISTENER_BACKOFF_BASE_MS", 1000),
			BackoffCapMillis:  getEnvAsInt("LISTENER_BACKOFF_CAP_MS", 30000),
			MaxAttempts:       getEnvAsInt("LISTENER_MAX_ATTEMPTS", 5),
		},
		Session: SessionConfig{
			TTLMinutes: getEnvAsInt("SESSION_TTL_MINUTES", 30),
			KeyPrefix:  getEnv("SESSION_KEY_PREFIX", "desk:session"),
		},
		Queue: QueueConfig{
			DefaultSector:         getEnv("QUEUE_DEFAULT_SECTOR", "general"),
			ClaimRetryAttempts:    getEnvAsInt("QUEUE_CLAIM_RETRY_ATTEMPTS", 3),
			ClaimRetryDelayMillis: getEnvAsInt("QUEUE_CLAIM_RETRY_DELAY_MS", 50),
			ReleaseReasonMinLen:   getEnvAsInt("QUEUE_RELEASE_REASON_MIN_LEN", 10),
		},
		Kafka: KafkaConfig{
			Brokers: splitList(os.Getenv("KAFKA_BROKERS")),
			Topic:   getEnv("KAFKA_TOPIC_AUDIT", "desk.ticket.events"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field invariants.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case StoreDriverMemory:
	case StoreDriverPostgres:
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			errs = append(errs, errors.New("POSTGRES_DSN is required when STORE_DRIVER=postgres"))
		}
		if strings.TrimSpace(c.Redis.Addr) == "" {
			errs = append(errs, errors.New("REDIS_ADDR is required when STORE_DRIVER=postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_DRIVER %q", c.Store.Driver))
	}
	if c.Listener.BackoffBaseMillis <= 0 {
		errs = append(errs, errors.New("LISTENER_BACKOFF_BASE_MS must be positive"))
	}
	if c.Listener.BackoffCapMillis < c.Listener.BackoffBaseMillis {
		errs = append(errs, errors.New("LISTENER_BACKOFF_CAP_MS must not be below the base"))
	}
	if c.Listener.MaxAttempts <= 0 {
		errs = append(errs, errors.New("LISTENER_MAX_ATTEMPTS must be positive"))
	}
	if c.Session.TTLMinutes <= 0 {
		errs = append(errs, errors.New("SESSION_TTL_MINUTES must be positive"))
	}
	if strings.TrimSpace(c.Session.KeyPrefix) == "" {
		errs = append(errs, errors.New("SESSION_KEY_PREFIX must not be empty"))
	}
	if c.Queue.ClaimRetryAttempts < 0 {
		errs = append(errs, errors.New("QUEUE_CLAIM_RETRY_ATTEMPTS must not be negative"))
	}
	if c.Queue.ReleaseReasonMinLen < 1 {
		errs = append(errs, errors.New("QUEUE_RELEASE_REASON_MIN_LEN must be at least 1"))
	}
	if len(c.Kafka.Brokers) > 0 && strings.TrimSpace(c.Kafka.Topic) == "" {
		errs = append(errs, errors.New("KAFKA_TOPIC_AUDIT is required when KAFKA_BROKERS is set"))
	}
	return errors.Join(errs...)
}

// Addr returns the HTTP bind address.
func (a AppConfig) Addr() string {
	return fmt.Sprintf("%s:%s", a.Host, a.Port)
}

// RequestTimeout returns the configured request timeout duration.
func (a AppConfig) RequestTimeout() time.Duration {
	if a.RequestTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(a.RequestTimeoutSeconds) * time.Second
}

// AccessTokenTTL returns the operator token lifetime.
func (a AuthConfig) AccessTokenTTL() time.Duration {
	return time.Duration(a.AccessTokenTTLMinutes) * time.Minute
}

// AnonymousTokenTTL returns the anonymous client token lifetime.
func (a AuthConfig) AnonymousTokenTTL() time.Duration {
	return time.Duration(a.AnonymousTokenTTLMinutes) * time.Minute
}

// BackoffBase returns the first reconnect delay.
func (l ListenerConfig) BackoffBase() time.Duration {
	return time.Duration(l.BackoffBaseMillis) * time.Millisecond
}

// BackoffCap returns the largest reconnect delay.
func (l ListenerConfig) BackoffCap() time.Duration {
	return time.Duration(l.BackoffCapMillis) * time.Millisecond
}

// TTL returns how long a saved session stays valid.
func (s SessionConfig) TTL() time.Duration {
	return time.Duration(s.TTLMinutes) * time.Minute
}

// ClaimRetryDelay returns the pause between claim retries.
func (q QueueConfig) ClaimRetryDelay() time.Duration {
	return time.Duration(q.ClaimRetryDelayMillis) * time.Millisecond
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsBool(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
