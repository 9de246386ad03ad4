package usage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"gogenie/internal/model"

	"github.com/redis/go-redis/v9"
)

// reserveScript increments a hash field only while it is below the limit.
// KEYS[1] = counter hash, ARGV[1] = field, ARGV[2] = limit (negative disables), ARGV[3] = ttl seconds.
// Returns {used, reserved}.
var reserveScript = redis.NewScript(`
local used = tonumber(redis.call("HGET", KEYS[1], ARGV[1]) or "0")
local limit = tonumber(ARGV[2])
if limit >= 0 and used >= limit then
	return {used, 0}
end
used = redis.call("HINCRBY", KEYS[1], ARGV[1], 1)
if redis.call("TTL", KEYS[1]) < 0 then
	redis.call("EXPIRE", KEYS[1], ARGV[3])
end
return {used, 1}
`)

// RedisStore keeps counters in Redis hashes keyed by user and period.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore creates a store whose period hashes expire after ttl.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

// NewRedisStoreFromURL parses a redis:// URL and checks connectivity.
func NewRedisStoreFromURL(ctx context.Context, url string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedisStore(client, ttl), nil
}

func counterKey(userID, period string) string {
	return "usage:" + userID + ":" + period
}

// ReserveUsage implements Store.
func (s *RedisStore) ReserveUsage(ctx context.Context, userID, period string, kind model.UsageKind, limit int) (int, bool, error) {
	if !kind.Valid() {
		return 0, false, fmt.Errorf("unknown usage kind %q", kind)
	}
	ttl := int64(s.ttl / time.Second)
	if ttl <= 0 {
		ttl = 1
	}
	res, err := reserveScript.Run(ctx, s.client, []string{counterKey(userID, period)}, string(kind), limit, ttl).Int64Slice()
	if err != nil {
		return 0, false, fmt.Errorf("failed to reserve %s for user %s: %w", kind, userID, err)
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("unexpected reserve script reply: %v", res)
	}
	return int(res[0]), res[1] == 1, nil
}

// UsageCounts implements Store.
func (s *RedisStore) UsageCounts(ctx context.Context, userID, period string) (model.UsageCounter, error) {
	fields, err := s.client.HGetAll(ctx, counterKey(userID, period)).Result()
	if err != nil {
		return model.UsageCounter{}, fmt.Errorf("failed to read usage for user %s: %w", userID, err)
	}
	counter := model.UsageCounter{UserID: userID, PeriodKey: period}
	counter.ChatMessages = atoi(fields[string(model.UsageChatMessages)])
	counter.VideoSearches = atoi(fields[string(model.UsageVideoSearches)])
	counter.ContentGenerations = atoi(fields[string(model.UsageContentGenerations)])
	return counter, nil
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
