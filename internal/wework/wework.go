// Package wework 把企业微信应用的回调与网页授权挂到 gin 上, 按 appid-agentid 分发.
package wework

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-laoji/wxbizmsgcrypt"
	"github.com/silenceper/wechat/v2/work"
	workConfig "github.com/silenceper/wechat/v2/work/config"
	"go.uber.org/zap"

	"github.com/johnqing-424/WeChat-Middleware/internal/config"
	"github.com/johnqing-424/WeChat-Middleware/internal/metrics"
	"github.com/johnqing-424/WeChat-Middleware/internal/models"
	"github.com/johnqing-424/WeChat-Middleware/internal/session"
	"github.com/johnqing-424/WeChat-Middleware/internal/store"
	"github.com/johnqing-424/WeChat-Middleware/internal/wxapi"
)

const (
	// ContextKey gin.Context 中保存 *Registry 的键
	ContextKey = "wework"
	// UserIDKey 会话有效时保存成员 userid 的键
	UserIDKey = "userid"
)

var (
	ErrUnknownApp  = errors.New("appid对应的企业微信应用不存在")
	ErrNoCallback  = errors.New("企业微信应用未配置消息回调")
	ErrNotMember   = errors.New("非企业成员")
	ErrBadMessage  = errors.New("消息格式错误")
	ErrMethod      = errors.New("不支持的请求方法")
	ErrEmptyAgent  = errors.New("企业微信应用缺少 agentid")
	ErrEmptyCorpID = errors.New("企业微信缺少 appid")
)

// Handler 处理企业微信推送的消息, 返回 nil 表示不回复
type Handler func(c *gin.Context, msg *models.Message) *models.Reply

// Agent 企业微信应用
type Agent struct {
	config.WeworkAgent
	Handler Handler
}

// Corp 一个企业及其应用
type Corp struct {
	Name   string
	AppID  string
	Agents []Agent
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

// WithStore access_token 与会话的存储
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

// WithBaseURL 覆盖企业微信接口地址, 用于测试
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
	corpID string
	agent  Agent
	crypt  *wxbizmsgcrypt.WXBizMsgCrypt
	api    *wxapi.Client
	work   *work.Work
}

// accessToken 让 SDK 使用按应用缓存的 access_token, SDK 自带的实现只按 corpid 缓存,
// 同一企业下不同 secret 的应用会互相覆盖
type accessToken struct {
	api *wxapi.Client
}

func (t accessToken) GetAccessToken() (string, error) {
	return t.api.GetAccessToken(context.Background(), false)
}

// Registry 按 appid-agentid 保存企业微信应用
type Registry struct {
	apps map[string]*app
	opts options
}

func key(appid, agentid string) string {
	return appid + "-" + agentid
}

func New(corps []Corp, opts ...Option) (*Registry, error) {
	o := options{cookie: config.DefaultUserIDCookie}
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

	r := &Registry{apps: make(map[string]*app), opts: o}
	for _, corp := range corps {
		if corp.AppID == "" {
			return nil, fmt.Errorf("%w: %s", ErrEmptyCorpID, corp.Name)
		}
		for _, agent := range corp.Agents {
			if agent.AgentID == "" {
				return nil, fmt.Errorf("%w: %s", ErrEmptyAgent, corp.AppID)
			}
			k := key(corp.AppID, agent.AgentID)
			if _, ok := r.apps[k]; ok {
				return nil, fmt.Errorf("企业微信应用重复: %s", k)
			}
			a := &app{
				corpID: corp.AppID,
				agent:  agent,
				api: wxapi.New(&wxapi.Config{
					Platform:  wxapi.PlatformWork,
					AppID:     corp.AppID,
					AppSecret: agent.Secret,
					TokenKey:  "wework:" + k,
					BaseURL:   o.baseURL,
					Logger:    o.log,
				}, store.TokenCache{Store: o.store}),
			}
			a.work = work.NewWork(&workConfig.Config{
				CorpID:     corp.AppID,
				CorpSecret: agent.Secret,
				AgentID:    agent.AgentID,
				Cache:      store.SDKCache(o.store),
			})
			a.work.GetContext().AccessTokenHandle = accessToken{api: a.api}
			// 配置了 token 的应用才接收消息回调
			if agent.Token != "" {
				a.crypt = wxbizmsgcrypt.NewWXBizMsgCrypt(agent.Token, agent.EncodingAESKey, corp.AppID, wxbizmsgcrypt.XmlType)
				if a.agent.Handler == nil {
					a.agent.Handler = func(*gin.Context, *models.Message) *models.Reply { return nil }
				}
			}
			r.apps[k] = a
			o.log.Info("企业微信应用已加载",
				zap.String("corp", corp.Name),
				zap.String("appid", corp.AppID),
				zap.String("agentid", agent.AgentID),
				zap.String("name", agent.Name),
				zap.Bool("callback", a.crypt != nil),
			)
		}
	}
	return r, nil
}

// API 返回应用的企业微信接口, 与网页授权共用 access_token
func (r *Registry) API(appid, agentid string) (*work.Work, bool) {
	a, ok := r.apps[key(appid, agentid)]
	if !ok {
		return nil, false
	}
	return a.work, true
}

// Client 返回应用的网页授权客户端
func (r *Registry) Client(appid, agentid string) (*wxapi.Client, bool) {
	a, ok := r.apps[key(appid, agentid)]
	if !ok {
		return nil, false
	}
	return a.api, true
}

func (r *Registry) Close() error {
	var errs []error
	for _, a := range r.apps {
		errs = append(errs, a.api.Close())
	}
	return errors.Join(errs...)
}

// Middleware 把 Registry 放入上下文, 会话有效时附加 userid 并续期
func (r *Registry) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(ContextKey, r)
		id, err := r.opts.binder.Lookup(c, r.opts.cookie)
		switch {
		case err == nil && id.UserID != "":
			session.Attach(c, id)
			c.Set(UserIDKey, id.UserID)
		case err != nil && !errors.Is(err, session.ErrNotFound):
			r.opts.log.Warn("读取会话失败", zap.Error(err))
		}
		c.Next()
	}
}

// Register 注册消息回调与网页授权路由
func (r *Registry) Register(routes gin.IRoutes) {
	routes.Any("/wework/event/:appid/:agentid", r.handleEvent)
	routes.GET("/wework/oauth/:appid/:agentid", r.handleOAuth)
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

func (r *Registry) lookup(c *gin.Context) (*app, bool) {
	a, ok := r.apps[key(c.Param("appid"), c.Param("agentid"))]
	return a, ok
}
