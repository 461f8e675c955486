// Package server 组装 gin 引擎并负责 HTTP 服务的启动与优雅退出
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/johnqing-424/WeChat-Middleware/internal/config"
	"github.com/johnqing-424/WeChat-Middleware/internal/metrics"
	"github.com/johnqing-424/WeChat-Middleware/internal/store"
	"github.com/johnqing-424/WeChat-Middleware/internal/wechat"
	"github.com/johnqing-424/WeChat-Middleware/internal/wework"
)

const shutdownTimeout = 5 * time.Second

// Options 可选组件, 为 nil 时不挂载
type Options struct {
	Store   store.Store
	Wechat  *wechat.Registry
	Wework  *wework.Registry
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

type Server struct {
	cfg    config.ServerConfig
	engine *gin.Engine
	log    *zap.Logger
}

func New(cfg config.ServerConfig, opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), RequestLogger(log))

	engine.GET("/healthz", func(c *gin.Context) {
		if opts.Store != nil {
			if err := opts.Store.Ping(c.Request.Context()); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if opts.Metrics != nil {
		engine.GET("/metrics", gin.WrapH(opts.Metrics.Handler()))
	}

	// 先挂载两个中间件, 这样所有路由都能读取两种会话
	if opts.Wechat != nil {
		engine.Use(opts.Wechat.Middleware())
	}
	if opts.Wework != nil {
		engine.Use(opts.Wework.Middleware())
	}
	if opts.Wechat != nil {
		opts.Wechat.Register(engine)
	}
	if opts.Wework != nil {
		opts.Wework.Register(engine)
	}

	return &Server{cfg: cfg, engine: engine, log: log}
}

// Engine 返回 gin 引擎, 用于注册业务路由
func (s *Server) Engine() *gin.Engine { return s.engine }

// Run 启动服务, ctx 结束时优雅退出
func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.engine,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errChan := make(chan error, 1)
	go func() {
		s.log.Info("HTTP 服务启动", zap.String("address", s.cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		s.log.Info("HTTP 服务关闭", zap.Duration("timeout", shutdownTimeout))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		return nil
	case err := <-errChan:
		return err
	}
}

// RequestLogger 用 zap 记录请求, 同时输出 c.Errors
func RequestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}
		switch status := c.Writer.Status(); {
		case status >= http.StatusInternalServerError:
			log.Error("request", fields...)
		case status >= http.StatusBadRequest:
			log.Warn("request", fields...)
		default:
			log.Info("request", fields...)
		}
	}
}
