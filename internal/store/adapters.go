package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/silenceper/wechat/v2/cache"
)

const sdkOpTimeout = 2 * time.Second

var _ cache.Cache = (*sdkCache)(nil)

// sdkCache 让 silenceper/wechat 的 access_token 等凭据落到同一个存储里.
// SDK 写入的都是字符串, 非字符串值按 JSON 保存, 读取时统一返回字符串.
type sdkCache struct {
	s Store
}

// SDKCache 将 Store 适配为 silenceper/wechat 的 cache.Cache
func SDKCache(s Store) cache.Cache {
	return &sdkCache{s: s}
}

func (c *sdkCache) Get(key string) interface{} {
	ctx, cancel := context.WithTimeout(context.Background(), sdkOpTimeout)
	defer cancel()

	v, ok, err := c.s.Get(ctx, key)
	if err != nil || !ok {
		return nil
	}
	return string(v)
}

func (c *sdkCache) Set(key string, val interface{}, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), sdkOpTimeout)
	defer cancel()

	var raw []byte
	switch v := val.(type) {
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("序列化缓存值失败: %w", err)
		}
		raw = b
	}
	return c.s.Set(ctx, key, raw, timeout)
}

func (c *sdkCache) IsExist(key string) bool {
	return c.Get(key) != nil
}

func (c *sdkCache) Delete(key string) error {
	ctx, cancel := context.WithTimeout(context.Background(), sdkOpTimeout)
	defer cancel()
	return c.s.Delete(ctx, key)
}

// TokenCache wxapi 客户端使用的字符串缓存
type TokenCache struct {
	Store Store
}

func (c TokenCache) Get(ctx context.Context, key string) (string, bool, error) {
	v, ok, err := c.Store.Get(ctx, key)
	if err != nil || !ok {
		return "", false, err
	}
	return string(v), true, nil
}

func (c TokenCache) SetWithTTL(ctx context.Context, key string, value string, ttl time.Duration) error {
	return c.Store.Set(ctx, key, []byte(value), ttl)
}
