package workers

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const leaseKeyPrefix = "farming-ledger:lease:"

// RedisTickLease lets exactly one replica run a scheduled job per interval.
// The lease is never released; it simply expires.
type RedisTickLease struct {
	client *redis.Client
	holder string
}

// NewRedisTickLease accepts either a redis:// URL or a bare host:port.
func NewRedisTickLease(addr string) (*RedisTickLease, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, fmt.Errorf("redis lease: address is required")
	}
	opts := &redis.Options{Addr: addr}
	if strings.Contains(addr, "://") {
		parsed, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("redis lease: %w", err)
		}
		opts = parsed
	}
	host, _ := os.Hostname()
	return &RedisTickLease{
		client: redis.NewClient(opts),
		holder: fmt.Sprintf("%s/%s", host, uuid.NewString()),
	}, nil
}

func leaseKey(name string) string {
	return leaseKeyPrefix + name
}

func (l *RedisTickLease) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, leaseKey(name), l.holder, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis lease %s: %w", name, err)
	}
	return ok, nil
}

func (l *RedisTickLease) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

func (l *RedisTickLease) Close() error {
	return l.client.Close()
}
