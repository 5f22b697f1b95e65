package market

import (
	"math"
	"time"
)

// RealizedVol 滚动窗口内按中间价计算的已实现波动率，按平均采样间隔年化。
// 非并发安全，由 QuoteBook 加锁使用。
type RealizedVol struct {
	windowSize int
	prices     []float64
	times      []time.Time
}

func NewRealizedVol(windowSize int) *RealizedVol {
	if windowSize < 2 {
		windowSize = 2
	}
	return &RealizedVol{
		windowSize: windowSize,
		prices:     make([]float64, 0, windowSize),
		times:      make([]time.Time, 0, windowSize),
	}
}

// Add 追加一个价格，超出窗口时丢弃最旧的。
func (v *RealizedVol) Add(mid float64, ts time.Time) {
	if mid <= 0 {
		return
	}
	v.prices = append(v.prices, mid)
	v.times = append(v.times, ts)
	if len(v.prices) > v.windowSize {
		v.prices = v.prices[1:]
		v.times = v.times[1:]
	}
}

func (v *RealizedVol) Ready() bool {
	return len(v.prices) >= 2 && v.times[len(v.times)-1].After(v.times[0])
}

// Value 对数收益总体标准差 × sqrt(每交易年的采样次数)。
func (v *RealizedVol) Value() float64 {
	if !v.Ready() {
		return 0
	}
	n := len(v.prices) - 1
	returns := make([]float64, 0, n)
	sum := 0.0
	for i := 1; i < len(v.prices); i++ {
		r := math.Log(v.prices[i] / v.prices[i-1])
		returns = append(returns, r)
		sum += r
	}
	mean := sum / float64(n)
	ss := 0.0
	for _, r := range returns {
		d := r - mean
		ss += d * d
	}
	step := float64(v.times[len(v.times)-1].Sub(v.times[0])) / float64(n)
	return math.Sqrt(ss/float64(n)) * math.Sqrt(tradingYear/step)
}
