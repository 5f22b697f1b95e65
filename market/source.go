package market

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Capabilities 行情源支持的能力位。
type Capabilities uint8

const (
	CapLive Capabilities = 1 << iota
	CapSurface
	CapHistory
	CapShock
)

// Has 判断是否包含全部指定能力。
func (c Capabilities) Has(want Capabilities) bool {
	return c&want == want
}

func (c Capabilities) String() string {
	names := []string{"live", "surface", "history", "shock"}
	out := ""
	for i, n := range names {
		if c&(1<<i) != 0 {
			if out != "" {
				out += "|"
			}
			out += n
		}
	}
	if out == "" {
		return "none"
	}
	return out
}

// Source 可插拔行情源。具体能力通过 Capabilities 声明，
// 调用方应先检查能力再断言到对应接口。
type Source interface {
	Name() string
	Capabilities() Capabilities
}

// TickStreamer 产生实时 tick 流。
type TickStreamer interface {
	StreamTicks(ctx context.Context, symbols []string) (<-chan Tick, error)
}

// SurfaceProvider 按需生成波动率曲面。
type SurfaceProvider interface {
	SurfaceAt(asOf time.Time, symbol string) (IvSurfaceSnapshot, error)
}

// HistoricalSource 提供整日历史数据，回放控制器依赖它。
type HistoricalSource interface {
	HistoricalDay(ctx context.Context, day time.Time, symbols []string) (HistoricalDay, error)
}

// Shocker 支持外部价格/波动率冲击。
type Shocker interface {
	ApplyShock(pricePct, volPts float64) ShockResult
}

// AsStreamer 在源声明 CapLive 时返回其 TickStreamer。
func AsStreamer(s Source) (TickStreamer, bool) {
	if s == nil || !s.Capabilities().Has(CapLive) {
		return nil, false
	}
	v, ok := s.(TickStreamer)
	return v, ok
}

// AsSurfaceProvider 在源声明 CapSurface 时返回其 SurfaceProvider。
func AsSurfaceProvider(s Source) (SurfaceProvider, bool) {
	if s == nil || !s.Capabilities().Has(CapSurface) {
		return nil, false
	}
	v, ok := s.(SurfaceProvider)
	return v, ok
}

// AsHistorical 在源声明 CapHistory 时返回其 HistoricalSource。
func AsHistorical(s Source) (HistoricalSource, bool) {
	if s == nil || !s.Capabilities().Has(CapHistory) {
		return nil, false
	}
	v, ok := s.(HistoricalSource)
	return v, ok
}

// AsShocker 在源声明 CapShock 时返回其 Shocker。
func AsShocker(s Source) (Shocker, bool) {
	if s == nil || !s.Capabilities().Has(CapShock) {
		return nil, false
	}
	v, ok := s.(Shocker)
	return v, ok
}

var (
	// ErrUnimplemented 行情通路尚未实现，调用失败但不影响进程。
	ErrUnimplemented = errors.New("market: unimplemented")
	// ErrConfig 构造行情源时的配置错误，不重试。
	ErrConfig = errors.New("market: configuration error")
)

// UnimplementedError 标记某个 provider 的某个操作尚未实现。
type UnimplementedError struct {
	Provider string
	Op       string
}

func (e *UnimplementedError) Error() string {
	return fmt.Sprintf("market: provider %s: %s is unimplemented", e.Provider, e.Op)
}

func (e *UnimplementedError) Unwrap() error { return ErrUnimplemented }

// ConfigError 配置缺失或不受支持。
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("market: config %s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error { return ErrConfig }
