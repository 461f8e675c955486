// Package store 提供令牌与会话绑定的键值存储, 支持内存、文件与 Redis 三种实现.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/johnqing-424/WeChat-Middleware/internal/config"
	"go.uber.org/zap"
)

// Store 带过期时间的键值存储
type Store interface {
	// Get 读取值, 不存在或已过期时返回 false
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set 写入值, ttl <= 0 表示不过期
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Touch 重置过期时间, 键不存在时返回 false
	Touch(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Close() error
}

// Sweeper 可定期清理过期数据的存储
type Sweeper interface {
	Sweep(ctx context.Context, maxAge time.Duration) (int, error)
}

// Open 根据配置创建存储
func Open(cfg config.StoreConfig, cleanup time.Duration, log *zap.Logger) (Store, error) {
	switch cfg.Driver {
	case config.StoreMemory:
		return NewMemory(cleanup), nil
	case config.StoreFile, "":
		return NewFile(cfg.Dir, log)
	case config.StoreRedis:
		return NewRedis(cfg.Redis, log)
	default:
		return nil, fmt.Errorf("不支持的存储类型: %s", cfg.Driver)
	}
}
