package market

import (
	"context"
	"time"
)

// BrokerSource 券商实时行情接入，目前尚未实现。
// Capabilities 返回 0，调用方可以在不触发任何副作用的情况下发现它不可用；
// 直接调用各方法会立即返回 UnimplementedError，不会产生部分数据。
type BrokerSource struct {
	APIKey    string
	APISecret string
	BaseURL   string
}

func (b *BrokerSource) Name() string { return "broker" }

func (b *BrokerSource) Capabilities() Capabilities { return 0 }

func (b *BrokerSource) StreamTicks(ctx context.Context, symbols []string) (<-chan Tick, error) {
	return nil, &UnimplementedError{Provider: b.Name(), Op: "StreamTicks"}
}

func (b *BrokerSource) SurfaceAt(asOf time.Time, symbol string) (IvSurfaceSnapshot, error) {
	return IvSurfaceSnapshot{}, &UnimplementedError{Provider: b.Name(), Op: "SurfaceAt"}
}

func (b *BrokerSource) HistoricalDay(ctx context.Context, day time.Time, symbols []string) (HistoricalDay, error) {
	return HistoricalDay{}, &UnimplementedError{Provider: b.Name(), Op: "HistoricalDay"}
}
