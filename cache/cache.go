// Package cache 进程内 LRU 缓存，条目按写入时间过期
package cache

import (
	"container/list"
	"sync"
	"time"
)

// Config 缓存配置
type Config struct {
	Name string `yaml:"name"`
	// MaxSize 最大条目数，超过时驱逐最久未使用的条目；0 表示不限
	MaxSize int `yaml:"max_size" validate:"gte=0"`
	// TTL 写入后的有效期，0 表示永不过期
	TTL time.Duration `yaml:"ttl"`
	// Clock 测试时替换
	Clock func() time.Time `yaml:"-"`
}

// Stats 统计信息
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Expires   int64
	Size      int
}

// HitRate 命中率
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

type entry[K comparable, V any] struct {
	key       K
	value     V
	expiresAt time.Time
}

// Cache 并发安全的泛型 LRU 缓存
type Cache[K comparable, V any] struct {
	cfg   Config
	clock func() time.Time

	mu    sync.Mutex
	items map[K]*list.Element
	lru   *list.List // 前端为最近使用
	stats Stats
}

// New 创建缓存
func New[K comparable, V any](cfg Config) *Cache[K, V] {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Cache[K, V]{
		cfg:   cfg,
		clock: clock,
		items: make(map[K]*list.Element),
		lru:   list.New(),
	}
}

// Name 缓存名称
func (c *Cache[K, V]) Name() string { return c.cfg.Name }

// Get 读取未过期的条目并刷新其 LRU 位置
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	el, ok := c.items[key]
	if !ok {
		c.stats.Misses++
		return zero, false
	}
	e := el.Value.(*entry[K, V])
	if c.expired(e) {
		c.remove(el)
		c.stats.Misses++
		c.stats.Expires++
		return zero, false
	}
	c.lru.MoveToFront(el)
	c.stats.Hits++
	return e.value, true
}

// Set 写入条目，重新计算过期时间
func (c *Cache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expiresAt time.Time
	if c.cfg.TTL > 0 {
		expiresAt = c.clock().Add(c.cfg.TTL)
	}
	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry[K, V])
		e.value, e.expiresAt = value, expiresAt
		c.lru.MoveToFront(el)
		return
	}
	if c.cfg.MaxSize > 0 && c.lru.Len() >= c.cfg.MaxSize {
		if oldest := c.lru.Back(); oldest != nil {
			c.remove(oldest)
			c.stats.Evictions++
		}
	}
	c.items[key] = c.lru.PushFront(&entry[K, V]{key: key, value: value, expiresAt: expiresAt})
}

// Delete 删除条目，返回是否存在
func (c *Cache[K, V]) Delete(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if ok {
		c.remove(el)
	}
	return ok
}

// CleanExpired 清理全部过期条目，返回清理数量
func (c *Cache[K, V]) CleanExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cfg.TTL <= 0 {
		return 0
	}
	n := 0
	for el := c.lru.Back(); el != nil; {
		prev := el.Prev()
		if c.expired(el.Value.(*entry[K, V])) {
			c.remove(el)
			n++
		}
		el = prev
	}
	c.stats.Expires += int64(n)
	return n
}

// Len 当前条目数（含尚未清理的过期条目）
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Stats 统计快照
func (c *Cache[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Size = c.lru.Len()
	return s
}

func (c *Cache[K, V]) expired(e *entry[K, V]) bool {
	return !e.expiresAt.IsZero() && !c.clock().Before(e.expiresAt)
}

func (c *Cache[K, V]) remove(el *list.Element) {
	c.lru.Remove(el)
	delete(c.items, el.Value.(*entry[K, V]).key)
}
