package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vision_qa"

// Metrics 服务的 Prometheus 指标，所有方法对 nil 接收者安全
type Metrics struct {
	registry *prometheus.Registry

	queries        *prometheus.CounterVec
	modelCalls     *prometheus.CounterVec
	modelLatency   *prometheus.HistogramVec
	activeSessions *prometheus.GaugeVec
	capturedFrames prometheus.Counter
}

// New 创建使用独立 registry 的指标集合
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queries_total",
			Help:      "Question/image exchanges by transport and outcome.",
		}, []string{"transport", "outcome"}),
		modelCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_calls_total",
			Help:      "Vision model invocations by provider, mode and outcome.",
		}, []string{"provider", "mode", "outcome"}),
		modelLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "model_call_seconds",
			Help:      "Vision model call latency.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32, 64},
		}, []string{"provider", "mode"}),
		activeSessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Open websocket sessions by kind.",
		}, []string{"kind"}),
		capturedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "captured_frames_total",
			Help:      "Frames read from the local capture device.",
		}),
	}

	m.registry.MustRegister(
		m.queries,
		m.modelCalls,
		m.modelLatency,
		m.activeSessions,
		m.capturedFrames,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler 返回 /metrics 处理器
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry 返回底层 registry，测试中用于读取指标
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveQuery(transport, outcome string) {
	if m == nil {
		return
	}
	m.queries.WithLabelValues(transport, outcome).Inc()
}

func (m *Metrics) ObserveModelCall(provider, mode string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.modelCalls.WithLabelValues(provider, mode, outcome).Inc()
	m.modelLatency.WithLabelValues(provider, mode).Observe(elapsed.Seconds())
}

func (m *Metrics) SessionOpened(kind string) {
	if m == nil {
		return
	}
	m.activeSessions.WithLabelValues(kind).Inc()
}

func (m *Metrics) SessionClosed(kind string) {
	if m == nil {
		return
	}
	m.activeSessions.WithLabelValues(kind).Dec()
}

func (m *Metrics) FrameCaptured() {
	if m == nil {
		return
	}
	m.capturedFrames.Inc()
}
