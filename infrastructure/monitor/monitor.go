package monitor

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Monitor Prometheus监控指标收集器
// 所有方法允许 nil 接收者，便于在测试中省略监控。
type Monitor struct {
	registry *prometheus.Registry

	// 行情指标
	ticksGenerated *prometheus.CounterVec
	lastPrice      *prometheus.GaugeVec
	volatility     prometheus.Gauge
	shocksApplied  prometheus.Counter

	// 回放指标
	replayTicks    prometheus.Counter
	replayIndex    prometheus.Gauge
	replaySpeed    prometheus.Gauge
	replayStatus   prometheus.Gauge
	surfacesPaired prometheus.Counter

	// 分发指标
	eventsPublished *prometheus.CounterVec
	eventsCoalesced *prometheus.CounterVec
	eventsDelivered *prometheus.CounterVec
	streamsDropped  prometheus.Counter
	activeStreams   prometheus.Gauge
	flushLatency    prometheus.Histogram

	// 订阅端指标
	reconnects       prometheus.Counter
	subscriberStates *prometheus.CounterVec

	// 外部接入指标
	ingressMessages *prometheus.CounterVec
	ingressErrors   *prometheus.CounterVec

	// 运营告警
	alertsSent *prometheus.CounterVec
}

// Config 监控配置
type Config struct {
	Namespace string `yaml:"namespace"`
	Subsystem string `yaml:"subsystem"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Namespace: "sim",
		Subsystem: "market",
	}
}

// New 创建新的Monitor实例
func New(cfg Config) *Monitor {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	opts := func(name, help string) prometheus.CounterOpts {
		return prometheus.CounterOpts{Namespace: cfg.Namespace, Subsystem: cfg.Subsystem, Name: name, Help: help}
	}
	gauge := func(name, help string) prometheus.GaugeOpts {
		return prometheus.GaugeOpts{Namespace: cfg.Namespace, Subsystem: cfg.Subsystem, Name: name, Help: help}
	}

	return &Monitor{
		registry: reg,

		ticksGenerated: factory.NewCounterVec(opts("ticks_generated_total", "生成的行情 tick 总数"), []string{"symbol"}),
		lastPrice:      factory.NewGaugeVec(gauge("last_price", "最新成交价"), []string{"symbol"}),
		volatility:     factory.NewGauge(gauge("volatility", "合成行情当前波动率")),
		shocksApplied:  factory.NewCounter(opts("shocks_applied_total", "价格冲击次数")),

		replayTicks:    factory.NewCounter(opts("replay_ticks_total", "回放处理的 tick 总数")),
		replayIndex:    factory.NewGauge(gauge("replay_index", "回放当前位置")),
		replaySpeed:    factory.NewGauge(gauge("replay_speed", "回放倍速")),
		replayStatus:   factory.NewGauge(gauge("replay_status", "回放状态(0=未加载,1=暂停,2=播放,3=完成)")),
		surfacesPaired: factory.NewCounter(opts("replay_surfaces_total", "回放中随 tick 发出的波动率曲面数")),

		eventsPublished: factory.NewCounterVec(opts("events_published_total", "发布到分发中心的事件数"), []string{"kind"}),
		eventsCoalesced: factory.NewCounterVec(opts("events_coalesced_total", "被合并覆盖的事件数"), []string{"kind"}),
		eventsDelivered: factory.NewCounterVec(opts("events_delivered_total", "投递给订阅者的事件数"), []string{"kind"}),
		streamsDropped:  factory.NewCounter(opts("streams_dropped_total", "因消费过慢被断开的连接数")),
		activeStreams:   factory.NewGauge(gauge("active_streams", "当前活跃的订阅连接数")),
		flushLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "flush_seconds",
			Help:      "合并缓冲刷新耗时（秒）",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}),

		reconnects:       factory.NewCounter(opts("subscriber_reconnects_total", "订阅端重连次数")),
		subscriberStates: factory.NewCounterVec(opts("subscriber_state_changes_total", "订阅端连接状态变更"), []string{"state"}),

		ingressMessages: factory.NewCounterVec(opts("ingress_messages_total", "外部接入消息数"), []string{"source"}),
		ingressErrors:   factory.NewCounterVec(opts("ingress_errors_total", "外部接入解析/发布失败数"), []string{"source"}),

		alertsSent: factory.NewCounterVec(opts("alerts_total", "发出的运营告警数"), []string{"level", "kind"}),
	}
}

// 行情相关方法
func (m *Monitor) RecordTick(symbol string, price float64) {
	if m == nil {
		return
	}
	m.ticksGenerated.WithLabelValues(symbol).Inc()
	m.lastPrice.WithLabelValues(symbol).Set(price)
}

func (m *Monitor) UpdateVolatility(v float64) {
	if m == nil {
		return
	}
	m.volatility.Set(v)
}

func (m *Monitor) RecordShock() {
	if m == nil {
		return
	}
	m.shocksApplied.Inc()
}

// 回放相关方法
func (m *Monitor) RecordReplayTick(index int) {
	if m == nil {
		return
	}
	m.replayTicks.Inc()
	m.replayIndex.Set(float64(index))
}

func (m *Monitor) UpdateReplay(status int, speed int) {
	if m == nil {
		return
	}
	m.replayStatus.Set(float64(status))
	m.replaySpeed.Set(float64(speed))
}

func (m *Monitor) RecordSurfacePaired() {
	if m == nil {
		return
	}
	m.surfacesPaired.Inc()
}

// 分发相关方法
func (m *Monitor) RecordPublished(kind string) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(kind).Inc()
}

func (m *Monitor) RecordCoalesced(kind string) {
	if m == nil {
		return
	}
	m.eventsCoalesced.WithLabelValues(kind).Inc()
}

func (m *Monitor) RecordDelivered(kind string) {
	if m == nil {
		return
	}
	m.eventsDelivered.WithLabelValues(kind).Inc()
}

func (m *Monitor) RecordStreamDropped() {
	if m == nil {
		return
	}
	m.streamsDropped.Inc()
}

func (m *Monitor) AddActiveStreams(delta float64) {
	if m == nil {
		return
	}
	m.activeStreams.Add(delta)
}

func (m *Monitor) ObserveFlush(seconds float64) {
	if m == nil {
		return
	}
	m.flushLatency.Observe(seconds)
}

// 订阅端相关方法
func (m *Monitor) RecordReconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Monitor) RecordSubscriberState(state string) {
	if m == nil {
		return
	}
	m.subscriberStates.WithLabelValues(state).Inc()
}

// 外部接入相关方法
func (m *Monitor) RecordIngress(source string) {
	if m == nil {
		return
	}
	m.ingressMessages.WithLabelValues(source).Inc()
}

func (m *Monitor) RecordIngressError(source string) {
	if m == nil {
		return
	}
	m.ingressErrors.WithLabelValues(source).Inc()
}

func (m *Monitor) RecordAlert(level, kind string) {
	if m == nil {
		return
	}
	m.alertsSent.WithLabelValues(level, kind).Inc()
}

// Handler 返回HTTP handler用于暴露指标
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry 返回prometheus registry
func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}
