package wxapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

var _ Cache = (*mapCache)(nil)

type mapCache struct {
	mu   sync.Mutex
	data map[string]string
	ttl  map[string]time.Duration
}

func newMapCache() *mapCache {
	return &mapCache{data: map[string]string{}, ttl: map[string]time.Duration{}}
}

func (m *mapCache) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *mapCache) SetWithTTL(ctx context.Context, key string, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	m.ttl[key] = ttl
	return nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestClient_GetAccessToken_Work(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/cgi-bin/gettoken", r.URL.Path)
		assert.Equal(t, "ww1", r.URL.Query().Get("corpid"))
		assert.Equal(t, "secret", r.URL.Query().Get("corpsecret"))
		calls.Add(1)
		writeJSON(w, map[string]any{"errcode": 0, "access_token": "tok-1", "expires_in": 7200})
	}))
	defer srv.Close()

	cache := newMapCache()
	c := New(&Config{Platform: PlatformWork, AppID: "ww1", AppSecret: "secret", TokenKey: "wework:ww1-1000002", BaseURL: srv.URL}, cache)

	token, err := c.GetAccessToken(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", token)
	assert.Equal(t, 7198*time.Second, cache.ttl["wework:ww1-1000002"])

	// 命中缓存, 不再请求
	token, err = c.GetAccessToken(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", token)
	assert.EqualValues(t, 1, calls.Load())

	_, err = c.GetAccessToken(context.Background(), true)
	require.NoError(t, err)
	assert.EqualValues(t, 2, calls.Load())
}

func TestClient_GetAccessToken_Error(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/cgi-bin/token", r.URL.Path)
		writeJSON(w, map[string]any{"errcode": 40013, "errmsg": "invalid appid"})
	}))
	defer srv.Close()

	c := New(&Config{AppID: "wx1", AppSecret: "secret", BaseURL: srv.URL}, newMapCache())
	_, err := c.GetAccessToken(context.Background(), false)

	var apiErr ErrResponse
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 40013, apiErr.ErrCode)
}

type failingCache struct{ mapCache }

func (f *failingCache) SetWithTTL(ctx context.Context, key string, value string, ttl time.Duration) error {
	return errors.New("disk full")
}

func TestClient_GetAccessToken_ShortExpiry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, map[string]any{"access_token": "tok", "expires_in": 1})
	}))
	defer srv.Close()

	cache := newMapCache()
	c := New(&Config{AppID: "wx1", AppSecret: "secret", BaseURL: srv.URL}, cache)
	for i := 0; i < 2; i++ {
		token, err := c.GetAccessToken(context.Background(), false)
		require.NoError(t, err)
		assert.Equal(t, "tok", token)
	}
	// 不缓存, 每次都重新获取
	assert.EqualValues(t, 2, calls.Load())
	assert.Empty(t, cache.data)
}

func TestClient_GetAccessToken_CacheError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"access_token": "tok", "expires_in": 7200})
	}))
	defer srv.Close()

	core, logs := observer.New(zapcore.DebugLevel)
	cache := &failingCache{mapCache: mapCache{data: map[string]string{}, ttl: map[string]time.Duration{}}}
	c := New(&Config{AppID: "wx1", AppSecret: "secret", BaseURL: srv.URL, Logger: zap.New(core)}, cache)

	token, err := c.GetAccessToken(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "tok", token)
	require.Equal(t, 1, logs.FilterMessage("缓存 access_token 失败").Len())
}

func TestClient_SnsOauth2(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/sns/oauth2/access_token", r.URL.Path)
		switch r.URL.Query().Get("code") {
		case "good":
			writeJSON(w, map[string]any{"access_token": "user-tok", "expires_in": 7200, "openid": "o-1", "scope": "snsapi_base"})
		default:
			writeJSON(w, map[string]any{"errcode": 40029, "errmsg": "invalid code"})
		}
	}))
	defer srv.Close()

	c := New(&Config{AppID: "wx1", AppSecret: "secret", BaseURL: srv.URL}, newMapCache())

	res, err := c.SnsOauth2(context.Background(), "good")
	require.NoError(t, err)
	assert.Equal(t, "o-1", res.OpenID)
	assert.Equal(t, "user-tok", res.AccessToken)

	_, err = c.SnsOauth2(context.Background(), "bad")
	var apiErr ErrResponse
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 40029, apiErr.ErrCode)
}

func TestClient_SnsUserInfo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/sns/userinfo", r.URL.Path)
		assert.Equal(t, "zh_CN", r.URL.Query().Get("lang"))
		if r.URL.Query().Get("access_token") != "user-tok" {
			writeJSON(w, map[string]any{"errcode": 48001, "errmsg": "api unauthorized"})
			return
		}
		writeJSON(w, map[string]any{"openid": r.URL.Query().Get("openid"), "nickname": "张三", "unionid": "u-1"})
	}))
	defer srv.Close()

	c := New(&Config{AppID: "wx1", AppSecret: "secret", BaseURL: srv.URL}, newMapCache())
	info, err := c.SnsUserInfo(context.Background(), "user-tok", "o-1", "")
	require.NoError(t, err)
	assert.Equal(t, "o-1", info.OpenID)
	assert.Equal(t, "张三", info.Nickname)

	_, err = c.SnsUserInfo(context.Background(), "base-tok", "o-1", "zh_CN")
	var apiErr ErrResponse
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 48001, apiErr.ErrCode)
}

func TestClient_GetUserInfo_RetryOnExpiredToken(t *testing.T) {
	var tokenCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/cgi-bin/gettoken":
			tokenCalls.Add(1)
			writeJSON(w, map[string]any{"access_token": "fresh", "expires_in": 7200})
		case "/cgi-bin/user/getuserinfo":
			if r.URL.Query().Get("access_token") != "fresh" {
				writeJSON(w, map[string]any{"errcode": ErrCodeAccessTokenExpired, "errmsg": "access_token expired"})
				return
			}
			writeJSON(w, map[string]any{"errcode": 0, "errmsg": "ok", "UserId": "zhangsan", "DeviceId": "d"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	cache := newMapCache()
	cache.data["wework:ww1-1"] = "stale"
	c := New(&Config{Platform: PlatformWork, AppID: "ww1", AppSecret: "s", TokenKey: "wework:ww1-1", BaseURL: srv.URL}, cache)

	info, err := c.GetUserInfo(context.Background(), "code")
	require.NoError(t, err)
	assert.Equal(t, "zhangsan", info.UserID)
	assert.EqualValues(t, 1, tokenCalls.Load())
	assert.Equal(t, "fresh", cache.data["wework:ww1-1"])

	// 禁止重试时直接返回错误
	cache.data["wework:ww1-1"] = "stale"
	_, err = c.GetUserInfo(context.Background(), "code", WithRetryable(false))
	assert.ErrorIs(t, err, ErrorAccessTokenExpired)
}

func TestNew_Defaults(t *testing.T) {
	c := New(&Config{Platform: PlatformWork, AppID: "ww1"}, newMapCache())
	assert.Equal(t, WorkBaseURL, c.config.BaseURL)
	assert.Equal(t, "access_token:ww1", c.config.TokenKey)
	assert.Equal(t, "ww1", c.AppID())

	c = New(&Config{AppID: "wx1"}, newMapCache())
	assert.Equal(t, MPBaseURL, c.config.BaseURL)
}
