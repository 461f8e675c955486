package store

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Memory 进程内存储, 多实例部署时会话不共享
type Memory struct {
	c *gocache.Cache
}

// NewMemory cleanup 为过期条目的清理周期
func NewMemory(cleanup time.Duration) *Memory {
	if cleanup <= 0 {
		cleanup = time.Minute
	}
	return &Memory{c: gocache.New(gocache.NoExpiration, cleanup)}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := m.c.Get(key)
	if !ok {
		return nil, false, nil
	}
	return v.([]byte), true, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.c.Set(key, value, expiration(ttl))
	return nil
}

func (m *Memory) Touch(_ context.Context, key string, ttl time.Duration) (bool, error) {
	v, ok := m.c.Get(key)
	if !ok {
		return false, nil
	}
	// Replace 只在键仍存在时写入, 并发删除的会话不会被续回来
	if err := m.c.Replace(key, v, expiration(ttl)); err != nil {
		return false, nil
	}
	return true, nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.c.Delete(key)
	return nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error {
	m.c.Flush()
	return nil
}

func expiration(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return gocache.NoExpiration
	}
	return ttl
}
