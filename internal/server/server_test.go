package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/johnqing-424/WeChat-Middleware/internal/config"
	"github.com/johnqing-424/WeChat-Middleware/internal/metrics"
	"github.com/johnqing-424/WeChat-Middleware/internal/store"
	"github.com/johnqing-424/WeChat-Middleware/internal/wechat"
	"github.com/johnqing-424/WeChat-Middleware/internal/wework"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type brokenStore struct {
	store.Store
}

func (brokenStore) Ping(context.Context) error { return errors.New("connection refused") }

func TestServer_Routes(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	wc, err := wechat.New([]wechat.Account{{WechatAccount: config.WechatAccount{AppID: "wx1", Secret: "s", Token: "t"}}})
	require.NoError(t, err)
	ww, err := wework.New([]wework.Corp{{AppID: "ww1", Agents: []wework.Agent{{WeworkAgent: config.WeworkAgent{AgentID: "1", Secret: "s"}}}}})
	require.NoError(t, err)

	s := New(config.ServerConfig{Addr: ":0"}, Options{
		Store:   store.NewMemory(time.Minute),
		Wechat:  wc,
		Wework:  ww,
		Metrics: metrics.New(),
		Logger:  zap.New(core),
	})
	s.Engine().GET("/ctx", func(c *gin.Context) {
		_, okWechat := wechat.FromContext(c)
		_, okWework := wework.FromContext(c)
		c.JSON(http.StatusOK, gin.H{"wechat": okWechat, "wework": okWework})
	})

	w := httptest.NewRecorder()
	s.Engine().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())

	w = httptest.NewRecorder()
	s.Engine().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	s.Engine().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ctx", nil))
	assert.JSONEq(t, `{"wechat":true,"wework":true}`, w.Body.String())

	w = httptest.NewRecorder()
	s.Engine().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/wechat/event/wx-unknown", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	s.Engine().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/wework/oauth/ww1/1", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	warned := logs.FilterLevelExact(zap.WarnLevel).All()
	require.Len(t, warned, 2)
	assert.Contains(t, warned[0].ContextMap()["errors"], wechat.ErrUnknownApp.Error())
}

func TestServer_HealthzStoreDown(t *testing.T) {
	s := New(config.ServerConfig{}, Options{Store: brokenStore{}})
	w := httptest.NewRecorder()
	s.Engine().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = httptest.NewRecorder()
	s.Engine().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_Run(t *testing.T) {
	s := New(config.ServerConfig{Addr: "127.0.0.1:0"}, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second * 6):
		t.Fatal("server did not stop")
	}
}
