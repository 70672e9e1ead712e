package support

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisPingTimeout = 5 * time.Second

var (
	ErrRedisNotConfigured = errors.New("support: redis url is not configured")

	redisMu     sync.Mutex
	redisClient *redis.Client
)

// RedisConfigured reports whether PACGEN_REDIS_URL (or the legacy redisUrl) is set.
func RedisConfigured() bool {
	return redisURL() != ""
}

func redisURL() string {
	return strings.TrimSpace(GetEnv("PACGEN_REDIS_URL", GetEnv("redisUrl", "")))
}

// GetRedisClient returns the shared client, connecting on first use.
func GetRedisClient() (*redis.Client, error) {
	redisMu.Lock()
	defer redisMu.Unlock()

	if redisClient != nil {
		return redisClient, nil
	}

	url := redisURL()
	if url == "" {
		return nil, ErrRedisNotConfigured
	}

	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("support: parse redis url %q: %w", url, err)
	}

	client := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), redisPingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("support: connect to redis: %w", err)
	}

	redisClient = client
	return redisClient, nil
}

func CloseRedisClient() error {
	redisMu.Lock()
	defer redisMu.Unlock()

	if redisClient == nil {
		return nil
	}

	err := redisClient.Close()
	redisClient = nil
	return err
}
