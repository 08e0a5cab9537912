package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("STORE_DRIVER", "")
	t.Setenv("KAFKA_BROKERS", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store.Driver != StoreDriverMemory {
		t.Fatalf("expected memory driver, got %q", cfg.Store.Driver)
	}
	if cfg.Session.TTL() != 30*time.Minute {
		t.Fatalf("expected 30m session ttl, got %s", cfg.Session.TTL())
	}
	if cfg.Listener.BackoffBase() != time.Second || cfg.Listener.BackoffCap() != 30*time.Second {
		t.Fatalf("unexpected backoff %s/%s", cfg.Listener.BackoffBase(), cfg.Listener.BackoffCap())
	}
	if cfg.Listener.MaxAttempts != 5 || cfg.Queue.ReleaseReasonMinLen != 10 {
		t.Fatalf("unexpected defaults %+v %+v", cfg.Listener, cfg.Queue)
	}
}

func TestLoadParsesKafkaBrokers(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "k2:9092" {
		t.Fatalf("unexpected brokers %v", cfg.Kafka.Brokers)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"postgres without dsn", func(c *Config) { c.Store.Driver = StoreDriverPostgres }, "POSTGRES_DSN"},
		{"postgres without feed", func(c *Config) {
			c.Store.Driver = StoreDriverPostgres
			c.Postgres.DSN = "postgres://desk@localhost/desk"
		}, "REDIS_ADDR"},
		{"unknown driver", func(c *Config) { c.Store.Driver = "mongo" }, "STORE_DRIVER"},
		{"cap below base", func(c *Config) { c.Listener.BackoffCapMillis = 10 }, "LISTENER_BACKOFF_CAP_MS"},
		{"zero ttl", func(c *Config) { c.Session.TTLMinutes = 0 }, "SESSION_TTL_MINUTES"},
		{"kafka without topic", func(c *Config) {
			c.Kafka.Brokers = []string{"k:9092"}
			c.Kafka.Topic = ""
		}, "KAFKA_TOPIC_AUDIT"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %s, got %v", tc.want, err)
			}
		})
	}
}

func validConfig() *Config {
	return &Config{
		Store:    StoreConfig{Driver: StoreDriverMemory},
		Listener: ListenerConfig{BackoffBaseMillis: 1000, BackoffCapMillis: 30000, MaxAttempts: 5},
		Session:  SessionConfig{TTLMinutes: 30, KeyPrefix: "desk:session"},
		Queue:    QueueConfig{ClaimRetryAttempts: 3, ReleaseReasonMinLen: 10},
		Kafka:    KafkaConfig{Topic: "desk.ticket.events"},
	}
}
