package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	reportsKey    = "ysl:reconcile:reports"
	pendingKey    = "ysl:reconcile:pending"
	leaderLockKey = "ysl:reconcile:leader"
)

// releaseScript deletes the lock only while owner still holds it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisBoard shares reports between shard operators through Redis.
type RedisBoard struct {
	client *redis.Client
}

// NewRedisBoard connects to a redis:// URL and checks the connection.
func NewRedisBoard(ctx context.Context, url string) (*RedisBoard, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &RedisBoard{client: client}, nil
}

func (b *RedisBoard) Publish(ctx context.Context, r ShardReport) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	return b.client.HSet(ctx, reportsKey, r.Shard, data).Err()
}

func (b *RedisBoard) Reports(ctx context.Context) ([]ShardReport, error) {
	raw, err := b.client.HGetAll(ctx, reportsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get reports from Redis: %w", err)
	}
	out := make([]ShardReport, 0, len(raw))
	for shard, data := range raw {
		var r ShardReport
		if err := json.Unmarshal([]byte(data), &r); err != nil {
			return nil, fmt.Errorf("failed to unmarshal report of %s: %w", shard, err)
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Shard < out[j].Shard })
	return out, nil
}

func (b *RedisBoard) Clear(ctx context.Context, shards ...string) error {
	if len(shards) == 0 {
		return nil
	}
	return b.client.HDel(ctx, reportsKey, shards...).Err()
}

func (b *RedisBoard) SavePlan(ctx context.Context, p Plan) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal plan: %w", err)
	}
	if err := b.client.Set(ctx, pendingKey, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save pending plan: %w", err)
	}
	return nil
}

func (b *RedisBoard) PendingPlan(ctx context.Context) (Plan, bool, error) {
	data, err := b.client.Get(ctx, pendingKey).Bytes()
	if err == redis.Nil {
		return Plan{}, false, nil
	}
	if err != nil {
		return Plan{}, false, fmt.Errorf("failed to get pending plan: %w", err)
	}
	var p Plan
	if err := json.Unmarshal(data, &p); err != nil {
		return Plan{}, false, fmt.Errorf("failed to unmarshal pending plan: %w", err)
	}
	return p, true, nil
}

func (b *RedisBoard) ClearPlan(ctx context.Context) error {
	return b.client.Del(ctx, pendingKey).Err()
}

func (b *RedisBoard) AcquireLeader(ctx context.Context, owner string, ttl time.Duration) (bool, error) {
	ok, err := b.client.SetNX(ctx, leaderLockKey, owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire leader lock: %w", err)
	}
	if ok {
		return true, nil
	}
	// re-entrant for the current holder
	current, err := b.client.Get(ctx, leaderLockKey).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check current leader: %w", err)
	}
	return current == owner, nil
}

func (b *RedisBoard) ReleaseLeader(ctx context.Context, owner string) error {
	if err := releaseScript.Run(ctx, b.client, []string{leaderLockKey}, owner).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("failed to release leader lock: %w", err)
	}
	return nil
}

func (b *RedisBoard) Close() error {
	return b.client.Close()
}
