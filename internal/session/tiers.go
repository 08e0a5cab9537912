package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/spec-kit/live-desk/internal/domain"
)

// Tier is one storage layer for client sessions. Get returns nil, nil when
// nothing is stored under key.
type Tier interface {
	Get(ctx context.Context, key string) (*domain.ClientSession, error)
	Set(ctx context.Context, key string, s domain.ClientSession, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// MemoryTier keeps sessions for the lifetime of the process.
type MemoryTier struct {
	mu    sync.Mutex
	items map[string]domain.ClientSession
}

// NewMemoryTier creates an empty tier.
func NewMemoryTier() *MemoryTier {
	return &MemoryTier{items: make(map[string]domain.ClientSession)}
}

func (t *MemoryTier) Get(_ context.Context, key string) (*domain.ClientSession, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.items[key]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (t *MemoryTier) Set(_ context.Context, key string, s domain.ClientSession, _ time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.items[key] = s
	return nil
}

func (t *MemoryTier) Delete(_ context.Context, key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.items, key)
	return nil
}

// Len returns the number of stored sessions.
func (t *MemoryTier) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.items)
}

// RedisTier stores sessions as JSON under "<prefix>:<key>" with key expiry.
// Records written by older clients under "<prefix>:legacy:<key>" are read
// as a fallback and removed on Delete.
type RedisTier struct {
	client redis.Cmdable
	prefix string
}

// NewRedisTier creates a tier over client.
func NewRedisTier(client redis.Cmdable, prefix string) *RedisTier {
	return &RedisTier{client: client, prefix: prefix}
}

// Key returns the Redis key for a session key.
func (t *RedisTier) Key(key string) string {
	return fmt.Sprintf("%s:%s", t.prefix, key)
}

// LegacyKey returns the single-key record location used by older clients.
func (t *RedisTier) LegacyKey(key string) string {
	return fmt.Sprintf("%s:legacy:%s", t.prefix, key)
}

func (t *RedisTier) Get(ctx context.Context, key string) (*domain.ClientSession, error) {
	for _, k := range []string{t.Key(key), t.LegacyKey(key)} {
		raw, err := t.client.Get(ctx, k).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var s domain.ClientSession
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("decode session %s: %w", k, err)
		}
		return &s, nil
	}
	return nil, nil
}

func (t *RedisTier) Set(ctx context.Context, key string, s domain.ClientSession, ttl time.Duration) error {
	body, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return t.client.Set(ctx, t.Key(key), body, ttl).Err()
}

func (t *RedisTier) Delete(ctx context.Context, key string) error {
	return t.client.Del(ctx, t.Key(key), t.LegacyKey(key)).Err()
}
