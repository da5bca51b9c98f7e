package otp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Verifier throttles challenge dispatch per phone. A protocol builds
// one lazily on first use and keeps it for its whole lifetime; Close
// releases its resources.
type Verifier interface {
	Check(ctx context.Context, phone string) error
	Close() error
}

// RedisVerifier counts dispatches per phone in a rolling Redis window.
type RedisVerifier struct {
	client *redis.Client
	prefix string
	limit  int64
	window time.Duration
}

func NewRedisVerifier(addr, password string) (*RedisVerifier, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("verifier redis addr is required")
	}
	return &RedisVerifier{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
		prefix: "securedocs:otp:abuse",
		limit:  10,
		window: time.Hour,
	}, nil
}

func (v *RedisVerifier) Check(ctx context.Context, phone string) error {
	key := fmt.Sprintf("%s:%s", v.prefix, phone)
	count, err := v.client.Incr(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("count dispatches: %w", err)
	}
	if count == 1 {
		_ = v.client.Expire(ctx, key, v.window).Err()
	}
	if count > v.limit {
		return ErrTooManyAttempts
	}
	return nil
}

func (v *RedisVerifier) Close() error {
	return v.client.Close()
}

// NopVerifier admits every dispatch. Test and development use.
type NopVerifier struct{}

func (NopVerifier) Check(context.Context, string) error { return nil }
func (NopVerifier) Close() error                        { return nil }
