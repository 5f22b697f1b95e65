package replay

import "time"

// Ticker 驱动器的定时源，测试中可替换为手动触发。
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// TickerFunc 按间隔创建 Ticker。
type TickerFunc func(d time.Duration) Ticker

type stdTicker struct {
	t *time.Ticker
}

func (s stdTicker) C() <-chan time.Time { return s.t.C }
func (s stdTicker) Stop()               { s.t.Stop() }

// NewStdTicker 基于 time.Ticker 的默认实现。
func NewStdTicker(d time.Duration) Ticker {
	return stdTicker{t: time.NewTicker(d)}
}
