package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"
	"go.uber.org/zap"
)

// File 每个键对应目录下的一个文件, 写入通过临时文件原子替换
type File struct {
	dir string
	log *zap.Logger
	now func() time.Time
}

type fileEntry struct {
	Value     []byte `json:"value"`
	ExpiresAt int64  `json:"expires_at,omitempty"` // unix 毫秒, 0 表示不过期
}

var ErrInvalidKey = errors.New("store: 非法的键")

// NewFile 创建文件存储, 目录不存在时自动创建
func NewFile(dir string, log *zap.Logger) (*File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("创建令牌目录失败: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &File{dir: dir, log: log, now: time.Now}, nil
}

// Dir 返回存储目录
func (f *File) Dir() string { return f.dir }

func (f *File) path(key string) (string, error) {
	name := url.PathEscape(key)
	if name == "" || name == "." || name == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return filepath.Join(f.dir, name), nil
}

func (f *File) read(key string) (*fileEntry, string, error) {
	p, err := f.path(key)
	if err != nil {
		return nil, "", err
	}
	raw, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, p, nil
	}
	if err != nil {
		return nil, p, fmt.Errorf("读取令牌文件失败: %w", err)
	}
	var e fileEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		// 损坏的文件视为不存在
		f.log.Warn("令牌文件格式错误, 已删除", zap.String("path", p), zap.Error(err))
		_ = os.Remove(p)
		return nil, p, nil
	}
	if e.expired(f.now()) {
		_ = os.Remove(p)
		return nil, p, nil
	}
	return &e, p, nil
}

func (f *File) write(p string, e *fileEntry) error {
	pending, err := renameio.NewPendingFile(p, renameio.WithPermissions(0o600))
	if err != nil {
		return fmt.Errorf("创建令牌临时文件失败: %w", err)
	}
	defer func() {
		if err := pending.Cleanup(); err != nil {
			f.log.Debug("清理令牌临时文件", zap.Error(err))
		}
	}()
	if err := json.NewEncoder(pending).Encode(e); err != nil {
		return fmt.Errorf("写入令牌文件失败: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("替换令牌文件失败: %w", err)
	}
	return nil
}

func (f *File) Get(_ context.Context, key string) ([]byte, bool, error) {
	e, _, err := f.read(key)
	if err != nil || e == nil {
		return nil, false, err
	}
	return e.Value, true, nil
}

func (f *File) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	p, err := f.path(key)
	if err != nil {
		return err
	}
	return f.write(p, &fileEntry{Value: value, ExpiresAt: f.deadline(ttl)})
}

func (f *File) Touch(_ context.Context, key string, ttl time.Duration) (bool, error) {
	e, p, err := f.read(key)
	if err != nil || e == nil {
		return false, err
	}
	e.ExpiresAt = f.deadline(ttl)
	if err := f.write(p, e); err != nil {
		return false, err
	}
	return true, nil
}

func (f *File) Delete(_ context.Context, key string) error {
	p, err := f.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("删除令牌文件失败: %w", err)
	}
	return nil
}

func (f *File) Ping(context.Context) error {
	_, err := os.Stat(f.dir)
	return err
}

func (f *File) Close() error { return nil }

// Sweep 删除修改时间早于 maxAge 或已过期的文件, 返回删除数量
func (f *File) Sweep(ctx context.Context, maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return 0, fmt.Errorf("读取令牌目录失败: %w", err)
	}
	now := f.now()
	removed := 0
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			// 并发删除
			continue
		}
		p := filepath.Join(f.dir, entry.Name())
		stale := now.Sub(info.ModTime()) > maxAge
		if !stale {
			stale = f.expiredFile(p, now)
		}
		if !stale {
			continue
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			f.log.Warn("删除过期令牌文件失败", zap.String("path", p), zap.Error(err))
			continue
		}
		removed++
	}
	return removed, nil
}

func (f *File) expiredFile(p string, now time.Time) bool {
	raw, err := os.ReadFile(p)
	if err != nil {
		return false
	}
	var e fileEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return false
	}
	return e.expired(now)
}

func (f *File) deadline(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return f.now().Add(ttl).UnixMilli()
}

func (e *fileEntry) expired(now time.Time) bool {
	return e.ExpiresAt != 0 && now.UnixMilli() >= e.ExpiresAt
}
