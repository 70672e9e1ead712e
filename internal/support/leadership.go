package support

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultLeadershipTTL = 45 * time.Second
	leadershipRetryDelay = time.Second
	lockOpTimeout        = 5 * time.Second
)

var (
	ErrLockLost = errors.New("support: leader lock lost")

	lockCounter atomic.Uint64

	// Both scripts only touch the key while it still holds our token.
	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// LeaderLock is a single-holder lock on a redis key with a TTL.
type LeaderLock struct {
	client lockClient
	key    string
	token  string
	ttl    time.Duration
}

type lockClient interface {
	redis.Scripter
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

func NewLeaderLock(client lockClient, key string, ttl time.Duration) *LeaderLock {
	if ttl <= 0 {
		ttl = DefaultLeadershipTTL
	}
	host, _ := os.Hostname()
	return &LeaderLock{
		client: client,
		key:    key,
		token:  fmt.Sprintf("%s-%d-%d-%d", host, os.Getpid(), time.Now().UnixNano(), lockCounter.Add(1)),
		ttl:    ttl,
	}
}

func (l *LeaderLock) TryAcquire(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
}

func (l *LeaderLock) Renew(ctx context.Context) error {
	res, err := renewScript.Run(ctx, l.client, []string{l.key}, l.token, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if res == 0 {
		return ErrLockLost
	}
	return nil
}

func (l *LeaderLock) Release(ctx context.Context) error {
	err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	return nil
}

// RunWithLeader blocks until the lock on key is held, then runs run with a
// context that is cancelled when the lock cannot be renewed. After run returns
// the lock is released and acquisition starts over, until ctx is done.
func RunWithLeader(ctx context.Context, key string, ttl time.Duration, run func(context.Context)) error {
	if run == nil {
		return errors.New("support: leader run function cannot be nil")
	}

	client, err := GetRedisClient()
	if err != nil {
		return fmt.Errorf("support: leader lock redis client: %w", err)
	}

	lock := NewLeaderLock(client, key, ttl)
	for {
		if err := waitForLock(ctx, lock); err != nil {
			return err
		}

		log.Debug("leader lock: acquired", "key", key)
		holdLock(ctx, lock, run)
		log.Debug("leader lock: released", "key", key)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(leadershipRetryDelay):
		}
	}
}

func waitForLock(ctx context.Context, lock *LeaderLock) error {
	for {
		ok, err := lock.TryAcquire(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			log.Warn("leader lock: setnx failed", "key", lock.key, "error", err)
		}
		if ok {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(leadershipRetryDelay):
		}
	}
}

func holdLock(ctx context.Context, lock *LeaderLock, run func(context.Context)) {
	leaderCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(max(lock.ttl/3, time.Second))
		defer ticker.Stop()
		for {
			select {
			case <-leaderCtx.Done():
				return
			case <-ticker.C:
				opCtx, opCancel := context.WithTimeout(context.Background(), lockOpTimeout)
				err := lock.Renew(opCtx)
				opCancel()
				if err != nil {
					log.Warn("leader lock: renewal failed", "key", lock.key, "error", err)
					cancel()
					return
				}
			}
		}
	}()

	run(leaderCtx)
	cancel()
	<-done

	opCtx, opCancel := context.WithTimeout(context.Background(), lockOpTimeout)
	defer opCancel()
	if err := lock.Release(opCtx); err != nil {
		log.Warn("leader lock: release failed", "key", lock.key, "error", err)
	}
}
