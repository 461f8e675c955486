package httpx

import (
	"crypto/tls"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newContext(target string) (*gin.Context, *httptest.ResponseRecorder) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, target, nil)
	return c, w
}

func TestFail(t *testing.T) {
	c, w := newContext("/")
	Fail(c, http.StatusNotFound, errors.New("未配置的 appid"))

	assert.True(t, c.IsAborted())
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.JSONEq(t, `{"error":"未配置的 appid"}`, w.Body.String())
	require.Len(t, c.Errors, 1)
}

func TestCurrentURL(t *testing.T) {
	c, _ := newContext("http://mw.example.com/wechat/oauth/wx1?redirect_uri=%2Fhome")
	assert.Equal(t, "http://mw.example.com/wechat/oauth/wx1?redirect_uri=%2Fhome", CurrentURL(c))

	c.Request.Header.Set("X-Forwarded-Proto", "https, http")
	c.Request.Header.Set("X-Forwarded-Host", "public.example.com")
	assert.Equal(t, "https://public.example.com/wechat/oauth/wx1?redirect_uri=%2Fhome", CurrentURL(c))

	c, _ = newContext("http://mw.example.com/x")
	c.Request.TLS = &tls.ConnectionState{}
	assert.Equal(t, "https://mw.example.com/x", CurrentURL(c))
}

func TestRedirectTarget(t *testing.T) {
	cases := []struct {
		redirect string
		want     error
	}{
		{"", ErrMissingRedirect},
		{"/home?a=1", nil},
		{"http://mw.example.com/home", nil},
		{"https://app.example.com/home", nil},
		{"https://evil.com/home", ErrRedirectNotAllowed},
		{"//evil.com/home", ErrRedirectNotAllowed},
		{"javascript:alert(1)", ErrRedirectNotAllowed},
		{"home", ErrRedirectNotAllowed},
		{`/\evil.com/home`, ErrRedirectNotAllowed},
		{`/\/evil.com`, ErrRedirectNotAllowed},
		{`/home\x`, ErrRedirectNotAllowed},
		{"/\t/evil.com", ErrRedirectNotAllowed},
	}
	for _, tc := range cases {
		target := "http://mw.example.com/oauth"
		if tc.redirect != "" {
			target += "?redirect_uri=" + url.QueryEscape(tc.redirect)
		}
		c, _ := newContext(target)
		got, err := RedirectTarget(c, []string{"app.example.com"})
		if tc.want != nil {
			assert.ErrorIs(t, err, tc.want, tc.redirect)
			continue
		}
		require.NoError(t, err, tc.redirect)
		assert.Equal(t, tc.redirect, got)
	}
}

func TestRedirectTarget_ForwardedHost(t *testing.T) {
	target := "http://10.0.0.2:8000/oauth?redirect_uri=" + url.QueryEscape("https://public.example.com/home")
	c, _ := newContext(target)
	_, err := RedirectTarget(c, nil)
	assert.ErrorIs(t, err, ErrRedirectNotAllowed)

	c, _ = newContext(target)
	c.Request.Header.Set("X-Forwarded-Host", "public.example.com")
	got, err := RedirectTarget(c, nil)
	require.NoError(t, err)
	assert.Equal(t, "https://public.example.com/home", got)
	assert.Equal(t, "public.example.com", RequestHost(c))
}
