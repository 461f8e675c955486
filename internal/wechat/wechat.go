// Package wechat 把公众号的消息推送与网页授权挂到 gin 上, 按 appid 分发.
package wechat

import (
	"errors"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	wechatsdk "github.com/silenceper/wechat/v2"
	"github.com/silenceper/wechat/v2/officialaccount"
	offConfig "github.com/silenceper/wechat/v2/officialaccount/config"
	"github.com/silenceper/wechat/v2/officialaccount/message"
	"go.uber.org/zap"

	"github.com/johnqing-424/WeChat-Middleware/internal/config"
	"github.com/johnqing-424/WeChat-Middleware/internal/metrics"
	"github.com/johnqing-424/WeChat-Middleware/internal/session"
	"github.com/johnqing-424/WeChat-Middleware/internal/store"
	"github.com/johnqing-424/WeChat-Middleware/internal/wxapi"
)

const (
	// ContextKey gin.Context 中保存 *Registry 的键
	ContextKey = "wechat"
	// OpenIDKey 会话有效时保存 openid 的键
	OpenIDKey = "openid"
)

var (
	ErrUnknownApp   = errors.New("appid对应的公众号信息不存在")
	ErrNoCallback   = errors.New("公众号未配置消息推送 token")
	ErrSignature    = errors.New("消息签名校验失败")
	ErrInvalidScope = errors.New("scope 只能是 snsapi_base 或 snsapi_userinfo")
	ErrNoUserToken  = errors.New("用户未授权或令牌已过期")
)

// Handler 处理公众号推送的消息, 返回 nil 表示不回复
type Handler func(c *gin.Context, msg *message.MixMessage) *message.Reply

// Account 一个公众号的配置
type Account struct {
	Name string
	config.WechatAccount
	Handler Handler
}

type options struct {
	store         store.Store
	binder        *session.Binder
	cookie        string
	redirectHosts []string
	baseURL       string
	log           *zap.Logger
	metrics       *metrics.Metrics
}

type Option func(*options)

// WithStore 用户令牌与接口 access_token 的存储
func WithStore(s store.Store) Option {
	return func(o *options) { o.store = s }
}

// WithSessions 网页授权后绑定会话
func WithSessions(b *session.Binder) Option {
	return func(o *options) { o.binder = b }
}

func WithCookie(name string) Option {
	return func(o *options) { o.cookie = name }
}

func WithRedirectHosts(hosts []string) Option {
	return func(o *options) { o.redirectHosts = hosts }
}

// WithBaseURL 覆盖网页授权接口地址, 用于测试
func WithBaseURL(u string) Option {
	return func(o *options) { o.baseURL = u }
}

func WithLogger(log *zap.Logger) Option {
	return func(o *options) { o.log = log }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

type app struct {
	account Account
	oa      *officialaccount.OfficialAccount
	oauth   *OAuth
}

// Registry 按 appid 保存公众号的消息服务, 网页授权客户端与接口客户端
type Registry struct {
	apps map[string]*app
	opts options
}

func New(accounts []Account, opts ...Option) (*Registry, error) {
	o := options{cookie: config.DefaultOpenIDCookie}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = zap.NewNop()
	}
	if o.store == nil {
		o.store = store.NewMemory(time.Minute)
	}
	if o.binder == nil {
		o.binder = session.NewBinder(session.NewManager(o.store, config.DefaultSessionTTL), nil, false)
	}

	sdk := wechatsdk.NewWechat()
	r := &Registry{apps: make(map[string]*app, len(accounts)), opts: o}
	for _, acc := range accounts {
		if acc.AppID == "" {
			return nil, fmt.Errorf("公众号 %q 缺少 appid", acc.Name)
		}
		if _, ok := r.apps[acc.AppID]; ok {
			return nil, fmt.Errorf("公众号 appid 重复: %s", acc.AppID)
		}
		if acc.Handler == nil {
			acc.Handler = func(*gin.Context, *message.MixMessage) *message.Reply { return nil }
		}
		oa := sdk.GetOfficialAccount(&offConfig.Config{
			AppID:          acc.AppID,
			AppSecret:      acc.Secret,
			Token:          acc.Token,
			EncodingAESKey: acc.EncodingAESKey,
			Cache:          store.SDKCache(o.store),
		})
		client := wxapi.New(&wxapi.Config{
			Platform:  wxapi.PlatformMP,
			AppID:     acc.AppID,
			AppSecret: acc.Secret,
			TokenKey:  "wechat:" + acc.AppID,
			BaseURL:   o.baseURL,
			Logger:    o.log,
		}, store.TokenCache{Store: o.store})
		r.apps[acc.AppID] = &app{
			account: acc,
			oa:      oa,
			oauth:   newOAuth(acc.AppID, client, oa.GetOauth(), o.store),
		}
		o.log.Info("公众号已加载", zap.String("name", acc.Name), zap.String("appid", acc.AppID))
	}
	return r, nil
}

// OAuth 返回 appid 对应的网页授权客户端
func (r *Registry) OAuth(appid string) (*OAuth, bool) {
	a, ok := r.apps[appid]
	if !ok {
		return nil, false
	}
	return a.oauth, true
}

// API 返回 appid 对应的公众号接口客户端, access_token 保存在存储中
func (r *Registry) API(appid string) (*officialaccount.OfficialAccount, bool) {
	a, ok := r.apps[appid]
	if !ok {
		return nil, false
	}
	return a.oa, true
}

// Close 释放网页授权客户端
func (r *Registry) Close() error {
	var errs []error
	for _, a := range r.apps {
		errs = append(errs, a.oauth.api.Close())
	}
	return errors.Join(errs...)
}

// Middleware 把 Registry 放入上下文, 会话有效时附加 openid
func (r *Registry) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(ContextKey, r)
		id, err := r.opts.binder.Lookup(c, r.opts.cookie)
		switch {
		case err == nil && id.OpenID != "":
			session.Attach(c, id)
			c.Set(OpenIDKey, id.OpenID)
		case err != nil && !errors.Is(err, session.ErrNotFound):
			r.opts.log.Warn("读取会话失败", zap.Error(err))
		}
		c.Next()
	}
}

// Register 注册消息推送与网页授权路由
func (r *Registry) Register(routes gin.IRoutes) {
	routes.Any("/wechat/event/:appid", r.handleEvent)
	routes.GET("/wechat/oauth/:appid", r.handleOAuth)
}

// Mount 挂载中间件并注册路由
func (r *Registry) Mount(router gin.IRouter) {
	router.Use(r.Middleware())
	r.Register(router)
}

// FromContext 取出中间件放入的 Registry
func FromContext(c *gin.Context) (*Registry, bool) {
	v, ok := c.Get(ContextKey)
	if !ok {
		return nil, false
	}
	r, ok := v.(*Registry)
	return r, ok
}

// TextReply 构造文本回复
func TextReply(content string) *message.Reply {
	return &message.Reply{MsgType: message.MsgTypeText, MsgData: message.NewText(content)}
}
