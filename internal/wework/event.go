package wework

import (
	"encoding/xml"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-laoji/wxbizmsgcrypt"
	"go.uber.org/zap"

	"github.com/johnqing-424/WeChat-Middleware/internal/httpx"
	"github.com/johnqing-424/WeChat-Middleware/internal/metrics"
	"github.com/johnqing-424/WeChat-Middleware/internal/models"
)

// maxBody 回调消息体上限
const maxBody = 1 << 20

func cryptError(op string, e *wxbizmsgcrypt.CryptError) error {
	return fmt.Errorf("%s: errcode=%d errmsg=%s", op, e.ErrCode, e.ErrMsg)
}

// handleEvent 企业微信消息回调接口
func (r *Registry) handleEvent(c *gin.Context) {
	a, ok := r.lookup(c)
	if !ok {
		r.opts.metrics.Event(metrics.PlatformWework, "unknown_app")
		httpx.Fail(c, http.StatusNotFound, ErrUnknownApp)
		return
	}
	if a.crypt == nil {
		r.opts.metrics.Event(metrics.PlatformWework, "unknown_app")
		httpx.Fail(c, http.StatusNotFound, ErrNoCallback)
		return
	}

	signature := c.Query("msg_signature")
	timestamp := c.Query("timestamp")
	nonce := c.Query("nonce")

	switch c.Request.Method {
	case http.MethodGet:
		// 回调地址验证
		echo, cerr := a.crypt.VerifyURL(signature, timestamp, nonce, c.Query("echostr"))
		if cerr != nil {
			r.opts.metrics.Event(metrics.PlatformWework, "bad_signature")
			httpx.Fail(c, http.StatusUnauthorized, cryptError("回调地址验证失败", cerr))
			return
		}
		r.opts.metrics.Event(metrics.PlatformWework, "ok")
		c.Data(http.StatusOK, "text/plain; charset=utf-8", echo)

	case http.MethodPost:
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBody))
		if err != nil {
			r.opts.metrics.Event(metrics.PlatformWework, "error")
			httpx.Fail(c, http.StatusBadRequest, err)
			return
		}
		plain, cerr := a.crypt.DecryptMsg(signature, timestamp, nonce, body)
		if cerr != nil {
			r.opts.metrics.Event(metrics.PlatformWework, "bad_signature")
			httpx.Fail(c, http.StatusUnauthorized, cryptError("消息解密失败", cerr))
			return
		}
		var msg models.Message
		if err := xml.Unmarshal(plain, &msg); err != nil {
			r.opts.metrics.Event(metrics.PlatformWework, "error")
			httpx.Fail(c, http.StatusBadRequest, fmt.Errorf("%w: %v", ErrBadMessage, err))
			return
		}
		r.opts.log.Debug("收到企业微信消息",
			zap.String("appid", a.corpID),
			zap.String("agentid", a.agent.AgentID),
			zap.String("from", msg.FromUserName),
			zap.String("type", msg.MsgType),
		)

		reply := a.agent.Handler(c, &msg)
		if c.IsAborted() {
			return
		}
		if reply == nil {
			r.opts.metrics.Event(metrics.PlatformWework, "ok")
			c.Status(http.StatusOK)
			return
		}
		out, err := reply.Render(&msg)
		if err != nil {
			r.opts.metrics.Event(metrics.PlatformWework, "error")
			httpx.Fail(c, http.StatusInternalServerError, err)
			return
		}
		enc, cerr := a.crypt.EncryptMsg(string(out), timestamp, nonce)
		if cerr != nil {
			r.opts.metrics.Event(metrics.PlatformWework, "error")
			httpx.Fail(c, http.StatusInternalServerError, cryptError("消息加密失败", cerr))
			return
		}
		r.opts.metrics.Event(metrics.PlatformWework, "ok")
		c.Data(http.StatusOK, "application/xml; charset=utf-8", enc)

	default:
		r.opts.metrics.Event(metrics.PlatformWework, "bad_request")
		httpx.Fail(c, http.StatusMethodNotAllowed, ErrMethod)
	}
}
