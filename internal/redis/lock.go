package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// releaseScript deletes the lock only if the caller still owns it.
var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// RunLock is a SET NX lock with a TTL. Each acquisition writes a fresh
// owner value so a late release cannot drop someone else's lock.
type RunLock struct {
	client *Client
	key    string
	ttl    time.Duration
	logger *zap.Logger
}

func NewRunLock(client *Client, name string, ttl time.Duration, logger *zap.Logger) *RunLock {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RunLock{client: client, key: "lock:" + name, ttl: ttl, logger: logger}
}

// Acquire tries once. When acquired, release must be called to free the
// lock before its TTL.
func (l *RunLock) Acquire(ctx context.Context) (func(), bool, error) {
	owner := uuid.NewString()
	ok, err := l.client.rdb.SetNX(ctx, l.key, owner, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lock %s: %w", l.key, err)
	}
	if !ok {
		return nil, false, nil
	}

	release := func() {
		// The caller's context may already be cancelled.
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, l.client.rdb, []string{l.key}, owner).Err(); err != nil {
			l.logger.Warn("failed to release lock", zap.String("key", l.key), zap.Error(err))
		}
	}
	return release, true, nil
}
