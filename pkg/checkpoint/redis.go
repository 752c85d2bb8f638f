package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// KeyPrefix namespaces checkpoint lists in Redis.
const KeyPrefix = "openaq:checkpoint:"

// RedisLog stores entries in a Redis list, for runs resumed from another host.
type RedisLog struct {
	redis *redis.Client
	key   string
}

// NewRedisLog creates a log on the list openaq:checkpoint:<runID>. Close
// closes the client.
func NewRedisLog(redisClient *redis.Client, runID string) (*RedisLog, error) {
	if redisClient == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if runID == "" {
		return nil, fmt.Errorf("run id is required")
	}
	return &RedisLog{redis: redisClient, key: KeyPrefix + runID}, nil
}

// Append implements Log.
func (l *RedisLog) Append(ctx context.Context, e Entry) error {
	val, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding entry: %w", err)
	}
	if err := l.redis.RPush(ctx, l.key, val).Err(); err != nil {
		return fmt.Errorf("redis rpush: %w", err)
	}
	return nil
}

// Replay implements Log.
func (l *RedisLog) Replay(ctx context.Context, fn func(Entry) error) error {
	vals, err := l.redis.LRange(ctx, l.key, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("redis lrange: %w", err)
	}
	for i, v := range vals {
		var e Entry
		if err := json.Unmarshal([]byte(v), &e); err != nil {
			return fmt.Errorf("decoding entry %d: %w", i, err)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// Sync implements Log. RPUSH is acknowledged by the server, so there is
// nothing buffered client side; Sync only checks the connection.
func (l *RedisLog) Sync(ctx context.Context) error {
	if err := l.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Location implements Log.
func (l *RedisLog) Location() string {
	return "redis://" + l.redis.Options().Addr + "/" + l.key
}

// Close implements Log.
func (l *RedisLog) Close() error {
	return l.redis.Close()
}
