// Package wxapi 是微信公众号与企业微信服务端接口的精简客户端,
// 只覆盖网页授权与 access_token 相关接口.
package wxapi

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"resty.dev/v3"
)

// Platform 接口所属平台
type Platform int

const (
	// PlatformMP 公众号
	PlatformMP Platform = iota
	// PlatformWork 企业微信
	PlatformWork
)

const (
	MPBaseURL   = "https://api.weixin.qq.com"
	WorkBaseURL = "https://qyapi.weixin.qq.com"
)

// Config 客户端配置
type Config struct {
	Platform  Platform
	AppID     string // 公众号 appid 或企业 corpid
	AppSecret string
	// TokenKey access_token 在缓存中的键
	TokenKey string
	BaseURL  string
	Proxy    string
	Timeout  time.Duration
	Logger   *zap.Logger
}

type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	SetWithTTL(ctx context.Context, key string, value string, ttl time.Duration) error
}

// Client 带 access_token 缓存的接口客户端, 并发安全
type Client struct {
	config *Config
	sf     singleflight.Group
	cache  Cache
	client *resty.Client
	log    *zap.Logger
}

// New 创建客户端, 未指定 BaseURL 时按平台选择正式地址
func New(config *Config, cache Cache) *Client {
	cfg := *config
	if cfg.BaseURL == "" {
		cfg.BaseURL = MPBaseURL
		if cfg.Platform == PlatformWork {
			cfg.BaseURL = WorkBaseURL
		}
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.TokenKey == "" {
		cfg.TokenKey = "access_token:" + cfg.AppID
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetBaseURL(cfg.BaseURL)
	if cfg.Proxy != "" {
		client = client.SetProxy(cfg.Proxy)
	}
	return &Client{
		config: &cfg,
		cache:  cache,
		client: client,
		log:    cfg.Logger,
	}
}

// AppID 返回公众号 appid 或企业 corpid
func (w *Client) AppID() string { return w.config.AppID }

// Close 释放底层 HTTP 客户端
func (w *Client) Close() error { return w.client.Close() }

// GetAccessToken 获取 access_token, 优先读缓存, reload 为 true 时强制刷新.
// 缓存提前 2 秒过期, 避免临界时刻请求失败.
func (w *Client) GetAccessToken(ctx context.Context, reload bool) (string, error) {
	key := w.config.TokenKey
	if !reload {
		token, exist, err := w.cache.Get(ctx, key)
		if err != nil {
			return "", err
		}
		if exist {
			return token, nil
		}
	}
	token, err, _ := w.sf.Do(key, func() (interface{}, error) {
		req := w.client.R().Clone(ctx)
		var path string
		switch w.config.Platform {
		case PlatformWork:
			path = "/cgi-bin/gettoken"
			req.SetQueryParams(map[string]string{
				"corpid":     w.config.AppID,
				"corpsecret": w.config.AppSecret,
			})
		default:
			path = "/cgi-bin/token"
			req.SetQueryParams(map[string]string{
				"grant_type": "client_credential",
				"appid":      w.config.AppID,
				"secret":     w.config.AppSecret,
			})
		}
		resp, err := req.Get(path)
		if err != nil {
			return "", err
		}
		result, err := loadSuccessResponse(resp, func(a *AccessTokenResponse) error {
			if err := checkResponseError(a.ErrCode, a.ErrMsg); err != nil {
				return err
			}
			if a.AccessToken == "" {
				return errors.New("empty access_token")
			}
			return nil
		})
		if err != nil {
			return "", err
		}
		// 有效期过短时不缓存, 否则零或负的 TTL 会被存储当作永不过期
		if ttl := time.Duration(result.ExpiresIn-2) * time.Second; ttl > 0 {
			if err := w.cache.SetWithTTL(ctx, key, result.AccessToken, ttl); err != nil {
				w.log.Debug("缓存 access_token 失败", zap.String("key", key), zap.Error(err))
			}
		}
		return result.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return token.(string), nil
}

// SnsOauth2 公众号网页授权, 用 code 换取用户 access_token 与 openid
func (w *Client) SnsOauth2(ctx context.Context, code string) (*SnsOauth2Response, error) {
	resp, err := w.client.R().
		Clone(ctx).
		SetHeader("Accept", "application/json").
		SetQueryParams(map[string]string{
			"appid":      w.config.AppID,
			"secret":     w.config.AppSecret,
			"code":       code,
			"grant_type": "authorization_code",
		}).
		Get("/sns/oauth2/access_token")
	if err != nil {
		return nil, err
	}
	return loadSuccessResponse(resp, func(a *SnsOauth2Response) error {
		return checkResponseError(a.ErrCode, a.ErrMsg)
	})
}

// SnsUserInfo 用网页授权的用户 access_token 拉取用户资料, 需要 snsapi_userinfo
func (w *Client) SnsUserInfo(ctx context.Context, accessToken, openid, lang string) (*SnsUserInfoResponse, error) {
	if lang == "" {
		lang = "zh_CN"
	}
	resp, err := w.client.R().
		Clone(ctx).
		SetHeader("Accept", "application/json").
		SetQueryParams(map[string]string{
			"access_token": accessToken,
			"openid":       openid,
			"lang":         lang,
		}).
		Get("/sns/userinfo")
	if err != nil {
		return nil, err
	}
	return loadSuccessResponse(resp, func(a *SnsUserInfoResponse) error {
		return checkResponseError(a.ErrCode, a.ErrMsg)
	})
}

// GetUserInfo 企业微信网页授权, 用 code 换取成员 UserId
func (w *Client) GetUserInfo(ctx context.Context, code string, options ...RequestOption) (*UserInfoResponse, error) {
	return withAccessToken(ctx, w, func(ctx context.Context, accessToken string) (*UserInfoResponse, error) {
		resp, err := w.client.R().
			Clone(ctx).
			SetQueryParams(map[string]string{
				"access_token": accessToken,
				"code":         code,
			}).
			Get("/cgi-bin/user/getuserinfo")
		if err != nil {
			return nil, err
		}
		return loadSuccessResponse(resp, func(a *UserInfoResponse) error {
			return checkResponseError(a.ErrCode, a.ErrMsg)
		})
	}, options...)
}

func withAccessToken[T any](ctx context.Context, w *Client, task func(ctx context.Context, accessToken string) (*T, error), options ...RequestOption) (*T, error) {
	opts := newRequestOptions(options...)
	token, err := w.GetAccessToken(ctx, opts.reloadAccessToken)
	if err != nil {
		return nil, err
	}
	resp, err := task(ctx, token)
	if err != nil {
		if opts.retryable && isNeedRetryError(err) {
			opts.retryable = false
			opts.reloadAccessToken = true
			return withAccessToken[T](ctx, w, task, WithClone(opts))
		}
		return nil, err
	}
	return resp, nil
}
