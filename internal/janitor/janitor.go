// Package janitor 定期删除过期的令牌文件
package janitor

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/johnqing-424/WeChat-Middleware/internal/config"
	"github.com/johnqing-424/WeChat-Middleware/internal/metrics"
	"github.com/johnqing-424/WeChat-Middleware/internal/store"
)

// Janitor 每隔 interval 清理一次超过 maxAge 的令牌文件
type Janitor struct {
	sweeper store.Sweeper
	maxAge  time.Duration
	cron    *cron.Cron
	log     *zap.Logger
	metrics *metrics.Metrics
}

func New(sweeper store.Sweeper, cfg config.JanitorConfig, log *zap.Logger, m *metrics.Metrics) (*Janitor, error) {
	if log == nil {
		log = zap.NewNop()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = config.DefaultInterval
	}
	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = config.DefaultMaxAge
	}

	j := &Janitor{
		sweeper: sweeper,
		maxAge:  maxAge,
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		log:     log,
		metrics: m,
	}
	if _, err := j.cron.AddFunc(fmt.Sprintf("@every %s", interval), j.run); err != nil {
		return nil, fmt.Errorf("注册清理任务失败: %w", err)
	}
	return j, nil
}

func (j *Janitor) run() {
	if _, err := j.Sweep(context.Background()); err != nil {
		j.log.Warn("清理令牌文件失败", zap.Error(err))
	}
}

// Sweep 立即执行一次清理
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	n, err := j.sweeper.Sweep(ctx, j.maxAge)
	j.metrics.TokenFilesSwept(n)
	if n > 0 {
		j.log.Info("已清理过期令牌文件", zap.Int("count", n))
	}
	return n, err
}

func (j *Janitor) Start() {
	j.cron.Start()
}

// Stop 停止调度并等待正在执行的清理结束
func (j *Janitor) Stop(ctx context.Context) error {
	done := j.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
