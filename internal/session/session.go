// Package session 维护网页授权后的一次性会话标识到用户身份的映射.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/johnqing-424/WeChat-Middleware/internal/store"
)

const keyPrefix = "session:"

var ErrNotFound = errors.New("会话不存在或已过期")

// Identity 会话绑定的用户身份
type Identity struct {
	AppID   string `json:"appid"`
	AgentID string `json:"agentid,omitempty"`
	OpenID  string `json:"openid,omitempty"`
	UnionID string `json:"unionid,omitempty"`
	UserID  string `json:"userid,omitempty"`
}

// Manager 会话管理, 每次访问都会续期
type Manager struct {
	store store.Store
	ttl   time.Duration
}

func NewManager(s store.Store, ttl time.Duration) *Manager {
	return &Manager{store: s, ttl: ttl}
}

// TTL 返回会话有效期
func (m *Manager) TTL() time.Duration { return m.ttl }

// Issue 为身份生成新的会话标识
func (m *Manager) Issue(ctx context.Context, id Identity) (string, error) {
	u, err := uuid.NewUUID()
	if err != nil {
		return "", fmt.Errorf("生成会话标识失败: %w", err)
	}
	token := strings.ReplaceAll(u.String(), "-", "")

	raw, err := json.Marshal(id)
	if err != nil {
		return "", err
	}
	if err := m.store.Set(ctx, keyPrefix+token, raw, m.ttl); err != nil {
		return "", fmt.Errorf("保存会话失败: %w", err)
	}
	return token, nil
}

// Resolve 查询会话对应的身份并刷新有效期
func (m *Manager) Resolve(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	raw, ok, err := m.store.Get(ctx, keyPrefix+token)
	if err != nil {
		return nil, fmt.Errorf("读取会话失败: %w", err)
	}
	if !ok {
		return nil, ErrNotFound
	}
	var id Identity
	if err := json.Unmarshal(raw, &id); err != nil {
		_ = m.store.Delete(ctx, keyPrefix+token)
		return nil, ErrNotFound
	}
	if _, err := m.store.Touch(ctx, keyPrefix+token, m.ttl); err != nil {
		return nil, fmt.Errorf("会话续期失败: %w", err)
	}
	return &id, nil
}

// Revoke 删除会话
func (m *Manager) Revoke(ctx context.Context, token string) error {
	return m.store.Delete(ctx, keyPrefix+token)
}
