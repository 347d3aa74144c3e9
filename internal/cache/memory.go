package cache

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// Memory is an in-process Cache bounded by an LRU. It is per-process, so
// throttle state is not shared between instances. Keys under a pinned prefix
// live outside the LRU and leave only by expiry or Delete.
type Memory struct {
	mu       sync.Mutex
	lru      *expirable.LRU[string, memoryEntry]
	pinned   map[string]memoryEntry
	prefixes []string
	now      func() time.Time
}

// MemoryOption configures a Memory cache
type MemoryOption func(*Memory)

// WithPinnedPrefixes keeps keys starting with any of prefixes out of LRU
// eviction. Pinned keys should carry a TTL.
func WithPinnedPrefixes(prefixes ...string) MemoryOption {
	return func(c *Memory) {
		c.prefixes = append(c.prefixes, prefixes...)
	}
}

// NewMemory creates an in-process Cache holding at most size unpinned keys
func NewMemory(size int, opts ...MemoryOption) *Memory {
	return NewMemoryWithClock(size, time.Now, opts...)
}

// NewMemoryWithClock creates an in-process Cache that reads time from now
func NewMemoryWithClock(size int, now func() time.Time, opts ...MemoryOption) *Memory {
	if size <= 0 {
		size = 10000
	}
	// Per-entry expiry is tracked against the injected clock; the LRU only bounds size.
	c := &Memory{
		lru:    expirable.NewLRU[string, memoryEntry](size, nil, 0),
		pinned: make(map[string]memoryEntry),
		now:    now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Memory) isPinned(key string) bool {
	for _, p := range c.prefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

func (c *Memory) expired(e memoryEntry) bool {
	return !e.expiresAt.IsZero() && !c.now().Before(e.expiresAt)
}

// lookup returns a live entry; callers hold mu
func (c *Memory) lookup(key string) (memoryEntry, bool) {
	var (
		e  memoryEntry
		ok bool
	)
	if c.isPinned(key) {
		e, ok = c.pinned[key]
	} else {
		e, ok = c.lru.Get(key)
	}
	if !ok {
		return memoryEntry{}, false
	}
	if c.expired(e) {
		c.remove(key)
		return memoryEntry{}, false
	}
	return e, true
}

// store writes an entry; callers hold mu
func (c *Memory) store(key string, e memoryEntry) {
	if !c.isPinned(key) {
		c.lru.Add(key, e)
		return
	}
	for k, old := range c.pinned {
		if c.expired(old) {
			delete(c.pinned, k)
		}
	}
	c.pinned[key] = e
}

func (c *Memory) remove(key string) {
	if c.isPinned(key) {
		delete(c.pinned, key)
		return
	}
	c.lru.Remove(key)
}

func (c *Memory) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return c.now().Add(ttl)
}

func (c *Memory) Get(_ context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lookup(key)
	if !ok {
		return "", ErrMiss
	}
	return e.value, nil
}

func (c *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store(key, memoryEntry{value: value, expiresAt: c.expiry(ttl)})
	return nil
}

func (c *Memory) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.lookup(key); ok {
		return false, nil
	}
	c.store(key, memoryEntry{value: value, expiresAt: c.expiry(ttl)})
	return true, nil
}

func (c *Memory) Delete(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		c.remove(k)
	}
	return nil
}

func (c *Memory) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int64
	if e, ok := c.lookup(key); ok {
		v, err := strconv.ParseInt(e.value, 10, 64)
		if err != nil {
			return 0, err
		}
		n = v
	}
	n++
	c.store(key, memoryEntry{value: strconv.FormatInt(n, 10), expiresAt: c.expiry(ttl)})
	return n, nil
}

func (c *Memory) TTL(_ context.Context, key string) (time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lookup(key)
	if !ok {
		return 0, ErrMiss
	}
	if e.expiresAt.IsZero() {
		return 0, nil
	}
	return e.expiresAt.Sub(c.now()), nil
}

var _ Cache = (*Memory)(nil)
