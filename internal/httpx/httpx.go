// Package httpx 放置 wechat 与 wework 路由共用的 gin 辅助函数
package httpx

import (
	"errors"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
)

var (
	ErrMissingRedirect    = errors.New("缺少 redirect_uri 参数")
	ErrRedirectNotAllowed = errors.New("redirect_uri 不在允许的域名内")
)

// Fail 记录错误并以 JSON 结束请求
func Fail(c *gin.Context, status int, err error) {
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

// CurrentURL 还原当前请求的绝对地址, 作为网页授权的回调地址
func CurrentURL(c *gin.Context) string {
	scheme := "http"
	if proto := c.GetHeader("X-Forwarded-Proto"); proto != "" {
		scheme = strings.TrimSpace(strings.Split(proto, ",")[0])
	} else if c.Request.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + RequestHost(c) + c.Request.URL.RequestURI()
}

// RequestHost 返回对外的域名, 反向代理时取 X-Forwarded-Host
func RequestHost(c *gin.Context) string {
	if host := c.GetHeader("X-Forwarded-Host"); host != "" {
		return strings.TrimSpace(strings.Split(host, ",")[0])
	}
	return c.Request.Host
}

// RedirectTarget 读取并校验 redirect_uri.
// 允许相对路径、当前请求的域名以及 hosts 中列出的域名.
func RedirectTarget(c *gin.Context, hosts []string) (string, error) {
	raw := c.Query("redirect_uri")
	if raw == "" {
		return "", ErrMissingRedirect
	}
	// 浏览器会把 "\" 当作 "/", "/\evil.com" 等同于 "//evil.com"
	if strings.ContainsRune(raw, '\\') {
		return "", ErrRedirectNotAllowed
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", ErrRedirectNotAllowed
	}
	if u.Host == "" {
		// "//evil.com" 这类地址会被解析出 Host, 这里只剩真正的相对路径
		if u.Scheme != "" || !strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "//") {
			return "", ErrRedirectNotAllowed
		}
		return raw, nil
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", ErrRedirectNotAllowed
	}
	host := u.Hostname()
	if strings.EqualFold(u.Host, RequestHost(c)) {
		return raw, nil
	}
	for _, h := range hosts {
		if strings.EqualFold(h, host) || strings.EqualFold(h, u.Host) {
			return raw, nil
		}
	}
	return "", ErrRedirectNotAllowed
}
