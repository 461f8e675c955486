package wechat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/silenceper/wechat/v2/officialaccount/oauth"
	"go.uber.org/zap"

	"github.com/johnqing-424/WeChat-Middleware/internal/httpx"
	"github.com/johnqing-424/WeChat-Middleware/internal/metrics"
	"github.com/johnqing-424/WeChat-Middleware/internal/session"
	"github.com/johnqing-424/WeChat-Middleware/internal/store"
	"github.com/johnqing-424/WeChat-Middleware/internal/wxapi"
)

const (
	ScopeBase     = "snsapi_base"
	ScopeUserInfo = "snsapi_userinfo"

	// State 授权回调携带的 state
	State = "m-scene"
)

// OAuth 公众号网页授权客户端, 用户令牌按 openid 保存
type OAuth struct {
	appid  string
	api    *wxapi.Client
	sdk    *oauth.Oauth
	tokens store.Store
}

func newOAuth(appid string, api *wxapi.Client, sdk *oauth.Oauth, tokens store.Store) *OAuth {
	return &OAuth{appid: appid, api: api, sdk: sdk, tokens: tokens}
}

func (o *OAuth) tokenKey(openid string) string {
	return "wechat:oauth:" + o.appid + ":" + openid
}

// AuthorizeURL 生成授权跳转地址
func (o *OAuth) AuthorizeURL(redirectURI, scope, state string) (string, error) {
	return o.sdk.GetRedirectURL(redirectURI, scope, state)
}

// Exchange 用 code 换取用户令牌并保存
func (o *OAuth) Exchange(ctx context.Context, code string) (*wxapi.SnsOauth2Response, error) {
	token, err := o.api.SnsOauth2(ctx, code)
	if err != nil {
		return nil, err
	}
	if token.OpenID == "" {
		return nil, errors.New("授权结果缺少 openid")
	}
	raw, err := json.Marshal(token)
	if err != nil {
		return nil, err
	}
	if err := o.tokens.Set(ctx, o.tokenKey(token.OpenID), raw, time.Duration(token.ExpiresIn)*time.Second); err != nil {
		return nil, fmt.Errorf("保存用户令牌失败: %w", err)
	}
	return token, nil
}

// UserToken 读取已保存的用户令牌, 不存在或已过期时返回 false
func (o *OAuth) UserToken(ctx context.Context, openid string) (*wxapi.SnsOauth2Response, bool, error) {
	raw, ok, err := o.tokens.Get(ctx, o.tokenKey(openid))
	if err != nil || !ok {
		return nil, false, err
	}
	var token wxapi.SnsOauth2Response
	if err := json.Unmarshal(raw, &token); err != nil {
		return nil, false, err
	}
	return &token, true, nil
}

// UserInfo 用已保存的用户令牌拉取用户资料, 只有 snsapi_userinfo 授权的用户可用
func (o *OAuth) UserInfo(ctx context.Context, openid string) (*wxapi.SnsUserInfoResponse, error) {
	token, ok, err := o.UserToken(ctx, openid)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoUserToken
	}
	if !strings.Contains(token.Scope, ScopeUserInfo) {
		return nil, ErrInvalidScope
	}
	return o.api.SnsUserInfo(ctx, token.AccessToken, openid, "")
}

// handleOAuth 公众号网页授权
//
//	GET /wechat/oauth/{appid}?redirect_uri=%2Findex.html&scope=snsapi_base
func (r *Registry) handleOAuth(c *gin.Context) {
	a, ok := r.apps[c.Param("appid")]
	if !ok {
		r.opts.metrics.OAuth(metrics.PlatformWechat, "unknown_app")
		httpx.Fail(c, http.StatusNotFound, ErrUnknownApp)
		return
	}
	redirect, err := httpx.RedirectTarget(c, r.opts.redirectHosts)
	if err != nil {
		r.opts.metrics.OAuth(metrics.PlatformWechat, "bad_request")
		httpx.Fail(c, http.StatusBadRequest, err)
		return
	}

	code := c.Query("code")
	if code == "" {
		scope := c.DefaultQuery("scope", ScopeBase)
		if scope != ScopeBase && scope != ScopeUserInfo {
			r.opts.metrics.OAuth(metrics.PlatformWechat, "bad_request")
			httpx.Fail(c, http.StatusBadRequest, ErrInvalidScope)
			return
		}
		target, err := a.oauth.AuthorizeURL(httpx.CurrentURL(c), scope, State)
		if err != nil {
			r.opts.metrics.OAuth(metrics.PlatformWechat, "error")
			httpx.Fail(c, http.StatusInternalServerError, err)
			return
		}
		r.opts.metrics.OAuth(metrics.PlatformWechat, "redirect")
		c.Redirect(http.StatusFound, target)
		return
	}

	// 得到用户授权, 建立会话后重定向
	token, err := a.oauth.Exchange(c.Request.Context(), code)
	if err != nil {
		r.opts.metrics.OAuth(metrics.PlatformWechat, "error")
		r.opts.log.Warn("网页授权换取令牌失败", zap.String("appid", a.account.AppID), zap.Error(err))
		httpx.Fail(c, http.StatusBadGateway, err)
		return
	}
	if _, err := r.opts.binder.Bind(c, r.opts.cookie, session.Identity{
		AppID:   a.account.AppID,
		OpenID:  token.OpenID,
		UnionID: token.UnionID,
	}); err != nil {
		r.opts.metrics.OAuth(metrics.PlatformWechat, "error")
		httpx.Fail(c, http.StatusInternalServerError, err)
		return
	}
	c.Set(OpenIDKey, token.OpenID)
	r.opts.metrics.SessionIssued(metrics.PlatformWechat)
	r.opts.metrics.OAuth(metrics.PlatformWechat, "ok")
	c.Redirect(http.StatusFound, redirect)
}
