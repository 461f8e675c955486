// Package metrics 暴露中间件的 Prometheus 指标. 所有方法对 nil 接收者安全.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	PlatformWechat = "wechat"
	PlatformWework = "wework"
)

type Metrics struct {
	registry       *prometheus.Registry
	events         *prometheus.CounterVec
	oauth          *prometheus.CounterVec
	sessionsIssued *prometheus.CounterVec
	tokenFiles     prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wxmw_events_total",
			Help: "Inbound webhook events by platform and result.",
		}, []string{"platform", "result"}),
		oauth: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wxmw_oauth_total",
			Help: "OAuth requests by platform and result.",
		}, []string{"platform", "result"}),
		sessionsIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wxmw_sessions_issued_total",
			Help: "OAuth sessions issued.",
		}, []string{"platform"}),
		tokenFiles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wxmw_token_files_swept_total",
			Help: "Stale token files removed by the janitor.",
		}),
	}
	m.registry.MustRegister(
		m.events, m.oauth, m.sessionsIssued, m.tokenFiles,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Event(platform, result string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(platform, result).Inc()
}

func (m *Metrics) OAuth(platform, result string) {
	if m == nil {
		return
	}
	m.oauth.WithLabelValues(platform, result).Inc()
}

func (m *Metrics) SessionIssued(platform string) {
	if m == nil {
		return
	}
	m.sessionsIssued.WithLabelValues(platform).Inc()
}

func (m *Metrics) TokenFilesSwept(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.tokenFiles.Add(float64(n))
}

// Registry 返回指标注册表, 测试中用于读取数值
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
