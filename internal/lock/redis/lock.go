// Package redis guards sync runs across replicas with a Redis TTL lock.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/mgnrega-tracker/internal/district"
)

// releaseScript deletes the key only while it still holds our token, so an
// expired lock re-acquired by another replica is left alone.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Config captures connection and key settings.
type Config struct {
	Addr     string
	Password string
	DB       int
	Key      string
}

// Locker implements district.Locker on a single Redis key.
type Locker struct {
	client goredis.UniversalClient
	key    string
	owned  bool
}

// Open dials Redis and verifies connectivity.
func Open(ctx context.Context, cfg Config) (*Locker, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, errors.New("redis addr is required")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	l, err := New(client, cfg.Key)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	l.owned = true
	return l, nil
}

// New wraps an existing client.
func New(client goredis.UniversalClient, key string) (*Locker, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if strings.TrimSpace(key) == "" {
		key = "mgnrega:sync-lock"
	}
	return &Locker{client: client, key: key}, nil
}

// TryLock acquires the lock for ttl or returns district.ErrSyncInProgress.
// The returned func releases it if this holder still owns it.
func (l *Locker) TryLock(ctx context.Context, ttl time.Duration) (func(context.Context) error, error) {
	if ttl <= 0 {
		return nil, errors.New("lock ttl must be > 0")
	}
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", l.key, err)
	}
	if !ok {
		return nil, district.ErrSyncInProgress
	}
	return func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, l.client, []string{l.key}, token).Err(); err != nil {
			return fmt.Errorf("release lock %s: %w", l.key, err)
		}
		return nil
	}, nil
}

// Ping checks connectivity.
func (l *Locker) Ping(ctx context.Context) error {
	if err := l.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Close releases the client when Open created it.
func (l *Locker) Close() error {
	if l == nil || !l.owned {
		return nil
	}
	if err := l.client.Close(); err != nil {
		return fmt.Errorf("close redis client: %w", err)
	}
	return nil
}
