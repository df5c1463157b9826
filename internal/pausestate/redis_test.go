package pausestate

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/notfolder/coding-agent-sub002/internal/task"
)

type fakeRedis struct {
	values map[string][]byte
	ttls   map[string]time.Duration
	err    error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{values: map[string][]byte{}, ttls: map[string]time.Duration{}}
}

func (f *fakeRedis) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	if f.err != nil {
		return redis.NewStatusResult("", f.err)
	}
	raw, ok := value.([]byte)
	if !ok {
		return redis.NewStatusResult("", errors.New("unexpected value type"))
	}
	f.values[key] = append([]byte(nil), raw...)
	f.ttls[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	if f.err != nil {
		return redis.NewStringResult("", f.err)
	}
	raw, ok := f.values[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(string(raw), nil)
}

func (f *fakeRedis) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	var removed int64
	for _, key := range keys {
		if _, ok := f.values[key]; ok {
			delete(f.values, key)
			delete(f.ttls, key)
			removed++
		}
	}
	return redis.NewIntResult(removed, nil)
}

func (f *fakeRedis) Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd {
	if f.err != nil {
		return redis.NewScanCmdResult(nil, 0, f.err)
	}
	prefix := strings.TrimSuffix(match, "*")
	var page []string
	for key := range f.values {
		if strings.HasPrefix(key, prefix) {
			page = append(page, key)
		}
	}
	return redis.NewScanCmdResult(page, 0, nil)
}

func (f *fakeRedis) Close() error { return nil }

func newRedisStore(client redisClient, expiry time.Duration, now time.Time) *RedisStore {
	return &RedisStore{
		client: client,
		expiry: expiry,
		clock:  func() time.Time { return now },
	}
}

func TestRedisStoreSaveSetsTTL(t *testing.T) {
	client := newFakeRedis()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	store := newRedisStore(client, 24*time.Hour, now)
	key := testKey(t, 7)

	if err := store.Save(context.Background(), testRecord(key)); err != nil {
		t.Fatalf("save: %v", err)
	}

	stored := redisKeyPrefix + key.String()
	raw, ok := client.values[stored]
	if !ok {
		t.Fatalf("record not stored under %q, have %v", stored, client.values)
	}
	if client.ttls[stored] != 24*time.Hour {
		t.Fatalf("ttl = %v, want 24h", client.ttls[stored])
	}

	var record Record
	if err := json.Unmarshal(raw, &record); err != nil {
		t.Fatalf("stored payload not JSON: %v", err)
	}
	if record.Key != key || !record.SavedAt.Equal(now) {
		t.Fatalf("stored record = %+v", record)
	}
}

func TestRedisStoreLoadRoundTrip(t *testing.T) {
	client := newFakeRedis()
	store := newRedisStore(client, time.Hour, time.Now())
	ctx := context.Background()
	key := testKey(t, 7)

	if err := store.Save(ctx, testRecord(key)); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := store.Load(ctx, key)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Key != key || loaded.Mode != "planning" || loaded.Completed != 1 {
		t.Fatalf("loaded = %+v", loaded)
	}
}

func TestRedisStoreLoadMissingIsNotFound(t *testing.T) {
	store := newRedisStore(newFakeRedis(), time.Hour, time.Now())
	if _, err := store.Load(context.Background(), testKey(t, 1)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing record = %v, want ErrNotFound", err)
	}
}

func TestRedisStoreCorruptRecordIsSurfaced(t *testing.T) {
	client := newFakeRedis()
	store := newRedisStore(client, time.Hour, time.Now())
	key := testKey(t, 7)
	client.values[redisKeyPrefix+key.String()] = []byte("{not json")

	if _, err := store.Load(context.Background(), key); !errors.Is(err, ErrCorruptState) {
		t.Fatalf("corrupt record = %v, want ErrCorruptState", err)
	}
}

func TestRedisStoreRejectsRecordNamingAnotherKey(t *testing.T) {
	client := newFakeRedis()
	store := newRedisStore(client, time.Hour, time.Now())
	ctx := context.Background()

	if err := store.Save(ctx, testRecord(testKey(t, 1))); err != nil {
		t.Fatalf("save: %v", err)
	}
	misplaced := redisKeyPrefix + testKey(t, 2).String()
	client.values[misplaced] = client.values[redisKeyPrefix+testKey(t, 1).String()]

	if _, err := store.Load(ctx, testKey(t, 2)); !errors.Is(err, ErrCorruptState) {
		t.Fatalf("mismatched record = %v, want ErrCorruptState", err)
	}
}

func TestRedisStoreDeleteIsIdempotent(t *testing.T) {
	client := newFakeRedis()
	store := newRedisStore(client, time.Hour, time.Now())
	ctx := context.Background()
	key := testKey(t, 7)

	if err := store.Save(ctx, testRecord(key)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Delete(ctx, key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.Delete(ctx, key); err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if _, err := store.Load(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("deleted record = %v, want ErrNotFound", err)
	}
}

func TestRedisStoreListParsesKeysAndSkipsGarbage(t *testing.T) {
	client := newFakeRedis()
	store := newRedisStore(client, time.Hour, time.Now())
	ctx := context.Background()

	first := testKey(t, 1)
	second := testKey(t, 2)
	for _, key := range []task.Key{second, first} {
		if err := store.Save(ctx, testRecord(key)); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	client.values[redisKeyPrefix+"not/a/key"] = []byte("{}")

	keys, err := store.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 2 || keys[0] != first || keys[1] != second {
		t.Fatalf("list = %v, want [%v %v]", keys, first, second)
	}
}

func TestRedisStoreListPropagatesScanFailure(t *testing.T) {
	client := newFakeRedis()
	client.err = errors.New("connection refused")
	store := newRedisStore(client, time.Hour, time.Now())

	if _, err := store.List(context.Background()); err == nil {
		t.Fatalf("scan failure swallowed")
	}
}

func TestNewRedisStoreRejectsBadInput(t *testing.T) {
	if _, err := NewRedisStore("redis://127.0.0.1:6379", 0, nil); err == nil {
		t.Fatalf("zero expiry accepted")
	}
	if _, err := NewRedisStore("://bad", time.Hour, nil); err == nil {
		t.Fatalf("malformed url accepted")
	}
}
