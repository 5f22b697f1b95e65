package alert

import (
	"go.uber.org/zap"

	"trading-sim-go/infrastructure/monitor"
)

// 通道名，与配置 alert.channels 对应
const (
	ChannelLog     = "log"
	ChannelMetrics = "metrics"
)

// LogChannel 通过 zap 输出告警
type LogChannel struct {
	logger *zap.Logger
	name   string
}

func NewLogChannel(name string, logger *zap.Logger) *LogChannel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogChannel{logger: logger.Named("alert"), name: name}
}

func (c *LogChannel) Send(alert Alert) error {
	fields := make([]zap.Field, 0, len(alert.Fields)+3)
	fields = append(fields,
		zap.String("session_id", alert.SessionID),
		zap.String("kind", alert.Kind),
		zap.Time("ts", alert.Timestamp),
	)
	for k, v := range alert.Fields {
		fields = append(fields, zap.Any(k, v))
	}
	switch alert.Level {
	case LevelInfo:
		c.logger.Info(alert.Message, fields...)
	case LevelWarning:
		c.logger.Warn(alert.Message, fields...)
	default:
		c.logger.Error(alert.Message, fields...)
	}
	return nil
}

func (c *LogChannel) Name() string { return c.name }

// MetricsChannel 按级别与类型计数，供告警规则使用。
type MetricsChannel struct {
	mon *monitor.Monitor
}

func NewMetricsChannel(mon *monitor.Monitor) *MetricsChannel {
	return &MetricsChannel{mon: mon}
}

func (c *MetricsChannel) Send(alert Alert) error {
	c.mon.RecordAlert(alert.Level, alert.Kind)
	return nil
}

func (c *MetricsChannel) Name() string { return ChannelMetrics }
