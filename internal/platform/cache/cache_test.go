package cache

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestLRUHonoursEntryTTL(t *testing.T) {
	c := NewLRU(2, time.Hour)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	if err := c.Set(ctx, "price:1", []byte("a"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if got, ok, _ := c.Get(ctx, "price:1"); !ok || string(got) != "a" {
		t.Fatalf("expected hit, got %q %v", got, ok)
	}
	now = now.Add(2 * time.Minute)
	if _, ok, _ := c.Get(ctx, "price:1"); ok {
		t.Fatalf("expected entry to expire")
	}
}

func TestLRUIsBounded(t *testing.T) {
	c := NewLRU(2, time.Hour)
	ctx := context.Background()
	for _, key := range []string{"a", "b", "c"} {
		_ = c.Set(ctx, key, []byte(key), 0)
	}
	if c.Len() != 2 {
		t.Fatalf("len = %d", c.Len())
	}
	if _, ok, _ := c.Get(ctx, "a"); ok {
		t.Fatalf("expected oldest entry evicted")
	}
}

func TestJSONHelpers(t *testing.T) {
	c := NewLRU(4, time.Hour)
	ctx := context.Background()
	type product struct {
		ID string `json:"id"`
	}
	if err := SetJSON(ctx, c, "product:prod_1", product{ID: "prod_1"}, time.Minute); err != nil {
		t.Fatalf("SetJSON: %v", err)
	}
	var out product
	ok, err := GetJSON(ctx, c, "product:prod_1", &out)
	if err != nil || !ok || out.ID != "prod_1" {
		t.Fatalf("GetJSON = %+v %v %v", out, ok, err)
	}
}

type fakeRedis struct {
	values map[string]string
	ttls   map[string]time.Duration
}

func (f *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	value, ok := f.values[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(value, nil)
}

func (f *fakeRedis) Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd {
	f.values[key] = string(value.([]byte))
	f.ttls[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	for _, key := range keys {
		delete(f.values, key)
	}
	return redis.NewIntResult(int64(len(keys)), nil)
}

func (f *fakeRedis) Ping(ctx context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("PONG", nil)
}

func TestRedisPrefixesKeys(t *testing.T) {
	fake := &fakeRedis{values: map[string]string{}, ttls: map[string]time.Duration{}}
	c := NewRedisWithClient(fake, "test:")
	ctx := context.Background()

	if _, ok, err := c.Get(ctx, "missing"); ok || err != nil {
		t.Fatalf("expected clean miss, got %v %v", ok, err)
	}
	if err := c.Set(ctx, "price:1", []byte("x"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if fake.ttls["test:price:1"] != time.Minute {
		t.Fatalf("ttl not forwarded: %v", fake.ttls)
	}
	got, ok, err := c.Get(ctx, "price:1")
	if err != nil || !ok || string(got) != "x" {
		t.Fatalf("Get = %q %v %v", got, ok, err)
	}
	if err := c.Delete(ctx, "price:1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := c.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}
