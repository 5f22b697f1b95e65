package market

import (
	"sort"
	"time"
)

// Tick 单个标的在某一时刻的报价。发出后不可修改。
type Tick struct {
	Timestamp time.Time
	Symbol    string
	Last      float64
	BestBid   float64
	BestAsk   float64
	Mid       float64
	Volume    *float64
	// Shock 标记冲击后的第一笔 tick
	Shock bool
}

// Spread 返回买卖价差。
func (t Tick) Spread() float64 {
	return t.BestAsk - t.BestBid
}

// Consistent 检查 bid <= mid <= ask。
func (t Tick) Consistent() bool {
	return t.BestBid <= t.Mid && t.Mid <= t.BestAsk
}

// IvSurfaceSnapshot 某一到期日在某一时刻的隐含波动率微笑。
type IvSurfaceSnapshot struct {
	ID      string
	Symbol  string
	Expiry  time.Time
	AsOf    time.Time
	Strikes map[float64]float64
}

// SortedStrikes 按行权价升序返回。
func (s IvSurfaceSnapshot) SortedStrikes() []float64 {
	out := make([]float64, 0, len(s.Strikes))
	for k := range s.Strikes {
		out = append(out, k)
	}
	sort.Float64s(out)
	return out
}

// HistoricalDay 一个交易日的完整记录，加载后只读。
type HistoricalDay struct {
	Day      time.Time
	Ticks    []Tick
	Surfaces []IvSurfaceSnapshot
}

// SurfaceNear 返回与 ts 相距不超过 tolerance、且标的匹配的最近曲面下标，找不到返回 -1。
// 曲面 Symbol 为空时视为与任意标的匹配。Surfaces 需按 AsOf 升序。
func (d HistoricalDay) SurfaceNear(symbol string, ts time.Time, tolerance time.Duration) int {
	n := len(d.Surfaces)
	if n == 0 {
		return -1
	}
	lo := sort.Search(n, func(i int) bool { return !d.Surfaces[i].AsOf.Before(ts.Add(-tolerance)) })
	best := -1
	var bestDist time.Duration
	for j := lo; j < n && !d.Surfaces[j].AsOf.After(ts.Add(tolerance)); j++ {
		s := d.Surfaces[j]
		if s.Symbol != "" && s.Symbol != symbol {
			continue
		}
		dist := s.AsOf.Sub(ts)
		if dist < 0 {
			dist = -dist
		}
		if best < 0 || dist < bestDist {
			best, bestDist = j, dist
		}
	}
	return best
}

// IndexAtOrAfter 返回第一个时间戳 >= ts 的 tick 下标；全部早于 ts 时返回 len(Ticks)。
func (d HistoricalDay) IndexAtOrAfter(ts time.Time) int {
	return sort.Search(len(d.Ticks), func(i int) bool { return !d.Ticks[i].Timestamp.Before(ts) })
}

// ShockResult applyShock 前后的价格与波动率。
type ShockResult struct {
	OldPrice float64
	NewPrice float64
	OldVol   float64
	NewVol   float64
}
