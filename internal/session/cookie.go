package session

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// IdentityKey gin.Context 中保存当前用户身份的键
const IdentityKey = "wxmw.identity"

// Signer 按 keygrip 的方式给 cookie 签名: 第一个 key 签名, 任意 key 均可验签, 便于轮换
type Signer struct {
	keys [][]byte
}

func NewSigner(keys []string) *Signer {
	s := &Signer{}
	for _, k := range keys {
		if k != "" {
			s.keys = append(s.keys, []byte(k))
		}
	}
	return s
}

// Enabled 未配置 key 时不签名
func (s *Signer) Enabled() bool { return s != nil && len(s.keys) > 0 }

func (s *Signer) Sign(data string) string {
	if !s.Enabled() {
		return ""
	}
	return sign(s.keys[0], data)
}

func (s *Signer) Verify(data, sig string) bool {
	if !s.Enabled() {
		return true
	}
	for _, k := range s.keys {
		if hmac.Equal([]byte(sign(k, data)), []byte(sig)) {
			return true
		}
	}
	return false
}

func sign(key []byte, data string) string {
	mac := hmac.New(sha1.New, key)
	mac.Write([]byte(data))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// Binder 把会话标识写入签名 cookie, 并从请求 cookie 中还原身份
type Binder struct {
	manager *Manager
	signer  *Signer
	secure  bool
}

func NewBinder(m *Manager, signer *Signer, secure bool) *Binder {
	return &Binder{manager: m, signer: signer, secure: secure}
}

// Manager 返回底层会话管理
func (b *Binder) Manager() *Manager { return b.manager }

// Bind 创建会话并写入 cookie
func (b *Binder) Bind(c *gin.Context, cookie string, id Identity) (string, error) {
	token, err := b.manager.Issue(c.Request.Context(), id)
	if err != nil {
		return "", err
	}
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(cookie, token, 0, "/", "", b.secure, true)
	if b.signer.Enabled() {
		c.SetCookie(cookie+".sig", b.signer.Sign(cookie+"="+token), 0, "/", "", b.secure, true)
	}
	Attach(c, &id)
	return token, nil
}

// Lookup 读取 cookie 并解析会话, 签名不符或会话过期时返回 ErrNotFound
func (b *Binder) Lookup(c *gin.Context, cookie string) (*Identity, error) {
	token, err := c.Cookie(cookie)
	if err != nil || token == "" {
		return nil, ErrNotFound
	}
	if b.signer.Enabled() {
		sig, err := c.Cookie(cookie + ".sig")
		if err != nil || !b.signer.Verify(cookie+"="+token, sig) {
			return nil, ErrNotFound
		}
	}
	return b.manager.Resolve(c.Request.Context(), token)
}

// Clear 删除会话与 cookie
func (b *Binder) Clear(c *gin.Context, cookie string) error {
	token, err := c.Cookie(cookie)
	c.SetCookie(cookie, "", -1, "/", "", b.secure, true)
	if b.signer.Enabled() {
		c.SetCookie(cookie+".sig", "", -1, "/", "", b.secure, true)
	}
	if errors.Is(err, http.ErrNoCookie) || token == "" {
		return nil
	}
	return b.manager.Revoke(c.Request.Context(), token)
}

// Attach 把身份保存到请求上下文
func Attach(c *gin.Context, id *Identity) {
	c.Set(IdentityKey, id)
}

// FromContext 取出中间件保存的身份
func FromContext(c *gin.Context) (*Identity, bool) {
	v, ok := c.Get(IdentityKey)
	if !ok {
		return nil, false
	}
	id, ok := v.(*Identity)
	return id, ok
}
