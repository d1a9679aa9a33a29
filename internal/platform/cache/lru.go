package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

type lruEntry struct {
	value     []byte
	expiresAt time.Time
}

// LRU is an in-process cache bounded by entry count. maxTTL caps every entry;
// shorter per-call TTLs are honoured on read.
type LRU struct {
	entries *expirable.LRU[string, lruEntry]
	maxTTL  time.Duration
	now     func() time.Time
}

var _ Cache = (*LRU)(nil)

// NewLRU builds a cache holding at most size entries.
func NewLRU(size int, maxTTL time.Duration) *LRU {
	if size <= 0 {
		size = 1024
	}
	return &LRU{
		entries: expirable.NewLRU[string, lruEntry](size, nil, maxTTL),
		maxTTL:  maxTTL,
		now:     time.Now,
	}
}

func (c *LRU) Get(_ context.Context, key string) ([]byte, bool, error) {
	entry, ok := c.entries.Get(key)
	if !ok {
		return nil, false, nil
	}
	if !entry.expiresAt.IsZero() && !c.now().Before(entry.expiresAt) {
		c.entries.Remove(key)
		return nil, false, nil
	}
	return append([]byte(nil), entry.value...), true, nil
}

func (c *LRU) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 || (c.maxTTL > 0 && ttl > c.maxTTL) {
		ttl = c.maxTTL
	}
	entry := lruEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		entry.expiresAt = c.now().Add(ttl)
	}
	c.entries.Add(key, entry)
	return nil
}

func (c *LRU) Delete(_ context.Context, key string) error {
	c.entries.Remove(key)
	return nil
}

// Len reports the number of live entries.
func (c *LRU) Len() int {
	return c.entries.Len()
}
