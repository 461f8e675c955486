package wechat

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/silenceper/wechat/v2/officialaccount/message"
	"github.com/silenceper/wechat/v2/util"
	"go.uber.org/zap"

	"github.com/johnqing-424/WeChat-Middleware/internal/httpx"
	"github.com/johnqing-424/WeChat-Middleware/internal/metrics"
)

// handleEvent 腾讯服务器消息推送接口
func (r *Registry) handleEvent(c *gin.Context) {
	a, ok := r.apps[c.Param("appid")]
	if !ok {
		r.opts.metrics.Event(metrics.PlatformWechat, "unknown_app")
		httpx.Fail(c, http.StatusNotFound, ErrUnknownApp)
		return
	}

	// 未配置 token 的公众号只用于网页授权, 空 token 的签名任何人都能算出
	if a.account.Token == "" {
		r.opts.metrics.Event(metrics.PlatformWechat, "unknown_app")
		httpx.Fail(c, http.StatusNotFound, ErrNoCallback)
		return
	}

	// 先校验签名, 未签名的请求统一返回 401
	signature := c.Query("signature")
	if signature == "" || util.Signature(a.account.Token, c.Query("timestamp"), c.Query("nonce")) != signature {
		r.opts.metrics.Event(metrics.PlatformWechat, "bad_signature")
		httpx.Fail(c, http.StatusUnauthorized, ErrSignature)
		return
	}

	srv := a.oa.GetServer(c.Request, c.Writer)
	srv.SetMessageHandler(func(msg *message.MixMessage) *message.Reply {
		r.opts.log.Debug("收到公众号消息",
			zap.String("appid", a.account.AppID),
			zap.String("from", string(msg.FromUserName)),
			zap.String("type", string(msg.MsgType)),
		)
		return a.account.Handler(c, msg)
	})
	if err := srv.Serve(); err != nil {
		r.opts.metrics.Event(metrics.PlatformWechat, "error")
		r.opts.log.Warn("处理公众号消息失败", zap.String("appid", a.account.AppID), zap.Error(err))
		httpx.Fail(c, http.StatusBadRequest, fmt.Errorf("处理消息失败: %w", err))
		return
	}
	if err := srv.Send(); err != nil {
		r.opts.metrics.Event(metrics.PlatformWechat, "error")
		r.opts.log.Warn("回复公众号消息失败", zap.String("appid", a.account.AppID), zap.Error(err))
		return
	}
	r.opts.metrics.Event(metrics.PlatformWechat, "ok")
}
