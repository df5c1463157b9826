package pausestate

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/notfolder/coding-agent-sub002/internal/task"
)

const redisKeyPrefix = "agent:pause:"

type redisClient interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
	Close() error
}

// RedisStore keeps one JSON record per task key with a TTL equal to the
// paused-task expiry: expired pause state simply vanishes, which is
// exactly the discard-rather-than-resume semantics the expiry calls for.
type RedisStore struct {
	client redisClient
	expiry time.Duration
	clock  func() time.Time
}

func NewRedisStore(address string, expiry time.Duration, clock func() time.Time) (*RedisStore, error) {
	if expiry <= 0 {
		return nil, fmt.Errorf("pause state expiry must be positive")
	}
	if address == "" {
		address = "redis://127.0.0.1:6379"
	}
	options, err := redis.ParseURL(address)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if clock == nil {
		clock = time.Now
	}
	return &RedisStore{
		client: redis.NewClient(options),
		expiry: expiry,
		clock:  func() time.Time { return clock().UTC() },
	}, nil
}

func (s *RedisStore) Save(ctx context.Context, record Record) error {
	if err := record.Key.Validate(); err != nil {
		return err
	}
	record.SavedAt = s.clock()
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal pause state: %w", err)
	}
	return s.client.Set(ctx, redisKeyPrefix+record.Key.String(), raw, s.expiry).Err()
}

func (s *RedisStore) Load(ctx context.Context, key task.Key) (Record, error) {
	raw, err := s.client.Get(ctx, redisKeyPrefix+key.String()).Bytes()
	if err != nil {
		if err == redis.Nil {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("load pause state: %w", err)
	}
	var record Record
	if err := json.Unmarshal(raw, &record); err != nil {
		return Record{}, fmt.Errorf("%w for %s: %v", ErrCorruptState, key, err)
	}
	if record.Key != key {
		return Record{}, fmt.Errorf("%w for %s: record names %s", ErrCorruptState, key, record.Key)
	}
	return record, nil
}

func (s *RedisStore) Delete(ctx context.Context, key task.Key) error {
	return s.client.Del(ctx, redisKeyPrefix+key.String()).Err()
}

func (s *RedisStore) List(ctx context.Context) ([]task.Key, error) {
	var keys []task.Key
	var cursor uint64
	for {
		page, next, err := s.client.Scan(ctx, cursor, redisKeyPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan pause state: %w", err)
		}
		for _, raw := range page {
			parsed, err := task.ParseKey(strings.TrimPrefix(raw, redisKeyPrefix))
			if err != nil {
				continue
			}
			keys = append(keys, parsed)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
