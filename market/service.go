package market

import (
	"sort"
	"sync"
	"time"
)

// volWindow 已实现波动率的滚动窗口（tick 数）
const volWindow = 60

// QuoteBook 维护每个标的的最新 tick 与已实现波动率，并向订阅者广播。
type QuoteBook struct {
	pub   *Publisher
	mu    sync.RWMutex
	ticks map[string]Tick
	last  map[string]time.Time
	vols  map[string]*RealizedVol
}

func NewQuoteBook(pub *Publisher) *QuoteBook {
	if pub == nil {
		pub = NewPublisher()
	}
	return &QuoteBook{
		pub:   pub,
		ticks: make(map[string]Tick),
		last:  make(map[string]time.Time),
		vols:  make(map[string]*RealizedVol),
	}
}

// OnTick 更新并广播；返回该标的此前是否没有报价（开盘第一笔）。
func (q *QuoteBook) OnTick(t Tick) (opening bool) {
	q.mu.Lock()
	_, seen := q.ticks[t.Symbol]
	q.ticks[t.Symbol] = t
	q.last[t.Symbol] = time.Now()
	rv, ok := q.vols[t.Symbol]
	if !ok {
		rv = NewRealizedVol(volWindow)
		q.vols[t.Symbol] = rv
	}
	rv.Add(t.Mid, t.Timestamp)
	q.mu.Unlock()
	q.pub.PublishTick(t)
	return !seen
}

// Latest 返回最新报价。
func (q *QuoteBook) Latest(symbol string) (Tick, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	t, ok := q.ticks[symbol]
	return t, ok
}

// Snapshot 返回所有标的最新报价，按标的排序。
func (q *QuoteBook) Snapshot() []Tick {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]Tick, 0, len(q.ticks))
	for _, t := range q.ticks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Mid 返回当前中间价；若缺失则返回 0。
func (q *QuoteBook) Mid(symbol string) float64 {
	q.mu.RLock()
	defer q.mu.RUnlock()
	t, ok := q.ticks[symbol]
	if !ok || t.BestBid == 0 || t.BestAsk == 0 {
		return 0
	}
	return t.Mid
}

// RealizedVol 返回年化已实现波动率；样本不足时为 0。
func (q *QuoteBook) RealizedVol(symbol string) float64 {
	q.mu.RLock()
	defer q.mu.RUnlock()
	rv, ok := q.vols[symbol]
	if !ok {
		return 0
	}
	return rv.Value()
}

// Staleness 返回距离上次更新的时间间隔；如无数据返回一年。
func (q *QuoteBook) Staleness(symbol string) time.Duration {
	q.mu.RLock()
	defer q.mu.RUnlock()
	ts, ok := q.last[symbol]
	if !ok {
		return time.Hour * 24 * 365
	}
	return time.Since(ts)
}

// Reset 清空报价（next_day 时调用）。
func (q *QuoteBook) Reset() {
	q.mu.Lock()
	q.ticks = make(map[string]Tick)
	q.last = make(map[string]time.Time)
	q.vols = make(map[string]*RealizedVol)
	q.mu.Unlock()
}
