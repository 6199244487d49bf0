package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// LoaderCache 带加载函数的本地 TTL 缓存
//
// 特点：
// - 使用 sync.Map 实现无锁读取
// - 支持 TTL 过期
// - 缓存未命中时通过 singleflight 加载，同一 key 并发只触发一次加载
type LoaderCache struct {
	data  sync.Map
	group singleflight.Group
	ttl   time.Duration
}

type cacheEntry struct {
	value     []byte
	expiresAt time.Time
}

// NewLoaderCache 创建加载缓存
//
// 参数:
//   - ttl: 条目过期时间，0 表示永不过期
func NewLoaderCache(ttl time.Duration) *LoaderCache {
	return &LoaderCache{ttl: ttl}
}

// Get 获取缓存值
func (c *LoaderCache) Get(key string) ([]byte, bool) {
	val, ok := c.data.Load(key)
	if !ok {
		return nil, false
	}

	entry := val.(*cacheEntry)
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		c.data.Delete(key)
		return nil, false
	}

	return entry.value, true
}

// Set 设置缓存值
func (c *LoaderCache) Set(key string, value []byte) {
	entry := &cacheEntry{value: value}
	if c.ttl > 0 {
		entry.expiresAt = time.Now().Add(c.ttl)
	}
	c.data.Store(key, entry)
}

// GetOrLoad 命中则返回缓存值，否则调用 load 加载并缓存
//
// 进程内对同一 key 的并发加载会合并为一次调用。
func (c *LoaderCache) GetOrLoad(ctx context.Context, key string, load func(context.Context, string) ([]byte, error)) ([]byte, error) {
	if value, ok := c.Get(key); ok {
		return value, nil
	}

	result, err, _ := c.group.Do(key, func() (interface{}, error) {
		// 双重检查：等锁期间可能已有别的调用填充
		if value, ok := c.Get(key); ok {
			return value, nil
		}

		value, err := load(ctx, key)
		if err != nil {
			return nil, err
		}
		c.Set(key, value)
		return value, nil
	})
	if err != nil {
		return nil, err
	}

	return result.([]byte), nil
}

// Delete 删除缓存值
func (c *LoaderCache) Delete(key string) {
	c.data.Delete(key)
}
