package wework

import (
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/johnqing-424/WeChat-Middleware/internal/httpx"
	"github.com/johnqing-424/WeChat-Middleware/internal/metrics"
	"github.com/johnqing-424/WeChat-Middleware/internal/session"
)

const (
	authorizeURL = "https://open.weixin.qq.com/connect/oauth2/authorize"
	// State 授权回调携带的 state
	State = "m-scene"
)

// AuthorizeURL 生成企业微信网页授权地址, 只支持静默授权
func AuthorizeURL(corpID, agentID, redirectURI string) string {
	q := url.Values{}
	q.Set("appid", corpID)
	q.Set("redirect_uri", redirectURI)
	q.Set("response_type", "code")
	q.Set("scope", "snsapi_base")
	q.Set("agentid", agentID)
	q.Set("state", State)
	return authorizeURL + "?" + q.Encode() + "#wechat_redirect"
}

// handleOAuth 企业微信网页授权
//
//	GET /wework/oauth/{appid}/{agentid}?redirect_uri=%2Findex.html
func (r *Registry) handleOAuth(c *gin.Context) {
	a, ok := r.lookup(c)
	if !ok {
		r.opts.metrics.OAuth(metrics.PlatformWework, "unknown_app")
		httpx.Fail(c, http.StatusNotFound, ErrUnknownApp)
		return
	}
	redirect, err := httpx.RedirectTarget(c, r.opts.redirectHosts)
	if err != nil {
		r.opts.metrics.OAuth(metrics.PlatformWework, "bad_request")
		httpx.Fail(c, http.StatusBadRequest, err)
		return
	}

	code := c.Query("code")
	if code == "" {
		r.opts.metrics.OAuth(metrics.PlatformWework, "redirect")
		c.Redirect(http.StatusFound, AuthorizeURL(a.corpID, a.agent.AgentID, httpx.CurrentURL(c)))
		return
	}

	info, err := a.api.GetUserInfo(c.Request.Context(), code)
	if err != nil {
		r.opts.metrics.OAuth(metrics.PlatformWework, "error")
		r.opts.log.Warn("获取成员身份失败",
			zap.String("appid", a.corpID),
			zap.String("agentid", a.agent.AgentID),
			zap.Error(err),
		)
		httpx.Fail(c, http.StatusBadGateway, err)
		return
	}
	if info.UserID == "" {
		r.opts.metrics.OAuth(metrics.PlatformWework, "forbidden")
		httpx.Fail(c, http.StatusForbidden, ErrNotMember)
		return
	}
	if _, err := r.opts.binder.Bind(c, r.opts.cookie, session.Identity{
		AppID:   a.corpID,
		AgentID: a.agent.AgentID,
		UserID:  info.UserID,
	}); err != nil {
		r.opts.metrics.OAuth(metrics.PlatformWework, "error")
		httpx.Fail(c, http.StatusInternalServerError, err)
		return
	}
	c.Set(UserIDKey, info.UserID)
	r.opts.metrics.SessionIssued(metrics.PlatformWework)
	r.opts.metrics.OAuth(metrics.PlatformWework, "ok")
	c.Redirect(http.StatusFound, redirect)
}
