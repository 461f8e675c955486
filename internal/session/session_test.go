package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/johnqing-424/WeChat-Middleware/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestManager_IssueResolve(t *testing.T) {
	ctx := context.Background()
	m := NewManager(store.NewMemory(time.Minute), 20*time.Minute)

	token, err := m.Issue(ctx, Identity{AppID: "ww1", AgentID: "1000002", UserID: "zhangsan"})
	require.NoError(t, err)
	assert.Len(t, token, 32)
	assert.NotContains(t, token, "-")

	id, err := m.Resolve(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "zhangsan", id.UserID)
	assert.Equal(t, "1000002", id.AgentID)

	other, err := m.Issue(ctx, Identity{AppID: "wx1", OpenID: "o-1"})
	require.NoError(t, err)
	assert.NotEqual(t, token, other)

	require.NoError(t, m.Revoke(ctx, token))
	_, err = m.Resolve(ctx, token)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = m.Resolve(ctx, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManager_SlidingExpiry(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	m := NewManager(store.NewRedisWithClient(client, "", zap.NewNop()), 1200*time.Second)

	token, err := m.Issue(ctx, Identity{AppID: "ww1", UserID: "lisi"})
	require.NoError(t, err)

	// 每次访问都会续期
	for i := 0; i < 3; i++ {
		mr.FastForward(1000 * time.Second)
		_, err := m.Resolve(ctx, token)
		require.NoError(t, err)
	}

	mr.FastForward(1201 * time.Second)
	_, err = m.Resolve(ctx, token)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSigner(t *testing.T) {
	s := NewSigner([]string{"ZN2ouUeVyedPR14EEV4eifuU8vA40Kzh", "DreWsXA7IKH7LkrYZ7gSRJL8xiUUvQFF"})
	sig := s.Sign("m_userid=abc")
	assert.True(t, s.Verify("m_userid=abc", sig))
	assert.False(t, s.Verify("m_userid=abd", sig))

	// 旧 key 签名仍可验证
	rotated := NewSigner([]string{"new-key", "ZN2ouUeVyedPR14EEV4eifuU8vA40Kzh"})
	assert.True(t, rotated.Verify("m_userid=abc", sig))
	assert.NotEqual(t, sig, rotated.Sign("m_userid=abc"))

	disabled := NewSigner(nil)
	assert.False(t, disabled.Enabled())
	assert.True(t, disabled.Verify("anything", ""))
}

func TestBinder_RoundTrip(t *testing.T) {
	b := NewBinder(NewManager(store.NewMemory(time.Minute), time.Hour), NewSigner([]string{"k1"}), false)

	r := gin.New()
	r.GET("/login", func(c *gin.Context) {
		_, err := b.Bind(c, "m_userid", Identity{AppID: "ww1", UserID: "wangwu"})
		require.NoError(t, err)
		id, ok := FromContext(c)
		require.True(t, ok)
		c.String(http.StatusOK, id.UserID)
	})
	r.GET("/me", func(c *gin.Context) {
		id, err := b.Lookup(c, "m_userid")
		if err != nil {
			c.Status(http.StatusUnauthorized)
			return
		}
		c.String(http.StatusOK, id.UserID)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/login", nil))
	require.Equal(t, http.StatusOK, w.Code)
	cookies := w.Result().Cookies()
	require.Len(t, cookies, 2)
	for _, ck := range cookies {
		assert.True(t, ck.HttpOnly)
	}

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	for _, ck := range cookies {
		req.AddCookie(ck)
	}
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "wangwu", w.Body.String())

	// 篡改签名
	req = httptest.NewRequest(http.MethodGet, "/me", nil)
	req.AddCookie(&http.Cookie{Name: "m_userid", Value: cookies[0].Value})
	req.AddCookie(&http.Cookie{Name: "m_userid.sig", Value: "forged"})
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
