package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoaderCache_GetOrLoad(t *testing.T) {
	c := NewLoaderCache(time.Minute)

	var loads int32
	load := func(ctx context.Context, key string) ([]byte, error) {
		atomic.AddInt32(&loads, 1)
		return []byte("pem-" + key), nil
	}

	t.Run("未命中时触发加载并缓存", func(t *testing.T) {
		value, err := c.GetOrLoad(context.Background(), "a", load)

		assert.NoError(t, err)
		assert.Equal(t, []byte("pem-a"), value)
		assert.Equal(t, int32(1), atomic.LoadInt32(&loads))
	})

	t.Run("命中时不再加载", func(t *testing.T) {
		value, err := c.GetOrLoad(context.Background(), "a", load)

		assert.NoError(t, err)
		assert.Equal(t, []byte("pem-a"), value)
		assert.Equal(t, int32(1), atomic.LoadInt32(&loads))
	})

	t.Run("加载失败不缓存错误", func(t *testing.T) {
		_, err := c.GetOrLoad(context.Background(), "bad", func(ctx context.Context, key string) ([]byte, error) {
			return nil, errors.New("fetch failed")
		})
		assert.Error(t, err)

		_, ok := c.Get("bad")
		assert.False(t, ok)
	})
}

func TestLoaderCache_SingleFlight(t *testing.T) {
	c := NewLoaderCache(time.Minute)

	var loads int32
	release := make(chan struct{})
	load := func(ctx context.Context, key string) ([]byte, error) {
		atomic.AddInt32(&loads, 1)
		<-release
		return []byte("cert"), nil
	}

	const goroutines = 8
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			value, err := c.GetOrLoad(context.Background(), "url", load)
			assert.NoError(t, err)
			assert.Equal(t, []byte("cert"), value)
		}()
	}

	// 留出并发调用合流的时间窗口再放行加载
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	// 同一 key 的并发加载必须合并为一次
	assert.Equal(t, int32(1), atomic.LoadInt32(&loads))
}

func TestLoaderCache_TTLExpiry(t *testing.T) {
	c := NewLoaderCache(10 * time.Millisecond)
	c.Set("k", []byte("v"))

	_, ok := c.Get("k")
	assert.True(t, ok)

	time.Sleep(20 * time.Millisecond)

	_, ok = c.Get("k")
	assert.False(t, ok)
}
