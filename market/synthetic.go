package market

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	minPrice = 20.0
	maxPrice = 200.0
	minVol   = 0.05
	maxVol   = 1.0

	// 252 个交易日 × 6.5 小时
	tradingYear = 252 * 6.5 * float64(time.Hour)

	historyTicks   = 78
	historySpacing = 5 * time.Minute
	surfaceEvery   = 12
)

// ErrStreamConsumed StreamTicks 只能调用一次。
var ErrStreamConsumed = errors.New("market: tick stream already started")

// SyntheticConfig 合成行情参数。
type SyntheticConfig struct {
	BasePrice    float64
	Volatility   float64
	Kappa        float64 // 均值回复速度
	LongRun      float64 // 长期均值
	Drift        float64 // 年化漂移
	TickInterval time.Duration
	Seed         *int64
	StrikeStep   float64
	StrikeCount  int
	ExpiryOffset time.Duration
	Calendar     *Calendar
	Logger       *zap.Logger
	Now          func() time.Time
}

// DefaultSyntheticConfig 默认参数：基准价 82.5，波动率 25%，5 秒一笔。
func DefaultSyntheticConfig() SyntheticConfig {
	return SyntheticConfig{
		BasePrice:    82.5,
		Volatility:   0.25,
		Kappa:        0.1,
		LongRun:      82.5,
		Drift:        0.05,
		TickInterval: 5 * time.Second,
		StrikeStep:   2.5,
		StrikeCount:  9,
		ExpiryOffset: 30 * 24 * time.Hour,
	}
}

func (c SyntheticConfig) withDefaults() SyntheticConfig {
	d := DefaultSyntheticConfig()
	if c.BasePrice <= 0 {
		c.BasePrice = d.BasePrice
	}
	if c.Volatility <= 0 {
		c.Volatility = d.Volatility
	}
	if c.Kappa <= 0 {
		c.Kappa = d.Kappa
	}
	if c.LongRun <= 0 {
		c.LongRun = d.LongRun
	}
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	if c.StrikeStep <= 0 {
		c.StrikeStep = d.StrikeStep
	}
	if c.StrikeCount <= 0 {
		c.StrikeCount = d.StrikeCount
	}
	if c.ExpiryOffset <= 0 {
		c.ExpiryOffset = d.ExpiryOffset
	}
	if c.Calendar == nil {
		c.Calendar = NewCalendar("xnys")
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// process 均值回复价格过程的可变状态。
type process struct {
	price float64
	vol   float64
	rng   *rand.Rand
}

// step 推进一个 dt（以交易年为单位）。
func (p *process) step(cfg SyntheticConfig, dt float64) {
	z := p.rng.NormFloat64()
	p.price += cfg.Kappa*(cfg.LongRun-p.price)*dt + p.price*(cfg.Drift*dt+p.vol*math.Sqrt(dt)*z)
	p.price = clamp(p.price, minPrice, maxPrice)
}

func (p *process) quote(symbol string, ts time.Time) Tick {
	last := round(p.price, 2)
	halfBps := (2 + 10*p.vol) / 2
	bid := round(last*(1-halfBps/1e4), 4)
	ask := round(last*(1+halfBps/1e4), 4)
	vol := float64(p.rng.Intn(500) + 1)
	return Tick{
		Timestamp: ts,
		Symbol:    symbol,
		Last:      last,
		BestBid:   bid,
		BestAsk:   ask,
		Mid:       (bid + ask) / 2,
		Volume:    &vol,
	}
}

func (p *process) surface(cfg SyntheticConfig, symbol string, asOf time.Time) IvSurfaceSnapshot {
	atm := math.Round(p.price/cfg.StrikeStep) * cfg.StrikeStep
	half := cfg.StrikeCount / 2
	strikes := make(map[float64]float64, cfg.StrikeCount)
	for i := -half; i <= half; i++ {
		k := atm + float64(i)*cfg.StrikeStep
		if k <= 0 {
			continue
		}
		moneyness := k / p.price
		iv := p.vol + math.Abs(1-moneyness)*0.15 + (p.rng.Float64()-0.5)*0.01
		strikes[k] = round(math.Max(iv, 0.01), 4)
	}
	return IvSurfaceSnapshot{
		ID:      uuid.NewString(),
		Symbol:  symbol,
		Expiry:  asOf.Add(cfg.ExpiryOffset),
		AsOf:    asOf,
		Strikes: strikes,
	}
}

// SyntheticGenerator 随机合成行情源，支持实时流、曲面、历史日与冲击。
// 唯一的可变状态 (price, vol) 由 mu 串行化。
type SyntheticGenerator struct {
	cfg SyntheticConfig

	mu        sync.Mutex
	state     process
	shocked   bool
	lastTs    map[string]time.Time
	streaming bool
}

// NewSyntheticGenerator 创建合成行情源。
func NewSyntheticGenerator(cfg SyntheticConfig) *SyntheticGenerator {
	cfg = cfg.withDefaults()
	seed := time.Now().UnixNano()
	if cfg.Seed != nil {
		seed = *cfg.Seed
	}
	return &SyntheticGenerator{
		cfg: cfg,
		state: process{
			price: cfg.BasePrice,
			vol:   cfg.Volatility,
			rng:   rand.New(rand.NewSource(seed)),
		},
		lastTs: make(map[string]time.Time),
	}
}

func (g *SyntheticGenerator) Name() string { return "synthetic" }

func (g *SyntheticGenerator) Capabilities() Capabilities {
	return CapLive | CapSurface | CapHistory | CapShock
}

// State 返回当前 (price, vol)。
func (g *SyntheticGenerator) State() (price, vol float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.price, g.state.vol
}

// StreamTicks 以固定间隔为每个标的产出 tick，直到 ctx 取消；不可重启。
func (g *SyntheticGenerator) StreamTicks(ctx context.Context, symbols []string) (<-chan Tick, error) {
	if len(symbols) == 0 {
		return nil, errors.New("market: no symbols to stream")
	}
	g.mu.Lock()
	if g.streaming {
		g.mu.Unlock()
		return nil, ErrStreamConsumed
	}
	g.streaming = true
	g.mu.Unlock()

	out := make(chan Tick, len(symbols))
	go func() {
		defer close(out)
		ticker := time.NewTicker(g.cfg.TickInterval)
		defer ticker.Stop()
		for {
			for _, tk := range g.NextRound(symbols) {
				select {
				case out <- tk:
				case <-ctx.Done():
					return
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	g.cfg.Logger.Info("synthetic stream started",
		zap.Strings("symbols", symbols),
		zap.Duration("interval", g.cfg.TickInterval))
	return out, nil
}

// NextTick 推进一个间隔并返回该标的的新报价。
func (g *SyntheticGenerator) NextTick(symbol string) Tick {
	return g.NextRound([]string{symbol})[0]
}

// NextRound 推进一个间隔，所有标的按同一价格状态报价。
// 生成器只有一个标的物状态，多个 symbol 共享同一条价格路径。
func (g *SyntheticGenerator) NextRound(symbols []string) []Tick {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.state.step(g.cfg, float64(g.cfg.TickInterval)/tradingYear)
	now := g.cfg.Now()
	out := make([]Tick, 0, len(symbols))
	for _, sym := range symbols {
		ts := now
		if last, ok := g.lastTs[sym]; ok && !ts.After(last) {
			ts = last.Add(time.Microsecond)
		}
		g.lastTs[sym] = ts
		t := g.state.quote(sym, ts)
		t.Shock = g.shocked
		out = append(out, t)
	}
	g.shocked = false
	return out
}

// SurfaceAt 基于当前状态生成曲面，asOf 仅用于标记。
func (g *SyntheticGenerator) SurfaceAt(asOf time.Time, symbol string) (IvSurfaceSnapshot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.surface(g.cfg, symbol, asOf), nil
}

// HistoricalDay 合成一整天：每个标的 78 笔、间隔 5 分钟、09:30 开始，每 12 笔附一个曲面。
// 使用独立状态，同一天结果可复现，不影响实时状态。
func (g *SyntheticGenerator) HistoricalDay(ctx context.Context, day time.Time, symbols []string) (HistoricalDay, error) {
	if len(symbols) == 0 {
		symbols = []string{"BRN"}
	}
	open := g.cfg.Calendar.SessionOpen(day)
	seed := open.Unix()
	if g.cfg.Seed != nil {
		seed ^= *g.cfg.Seed
	}

	states := make([]process, len(symbols))
	for i := range symbols {
		states[i] = process{
			price: g.cfg.BasePrice,
			vol:   g.cfg.Volatility,
			rng:   rand.New(rand.NewSource(seed + int64(i))),
		}
	}

	out := HistoricalDay{
		Day:      time.Date(open.Year(), open.Month(), open.Day(), 0, 0, 0, 0, open.Location()),
		Ticks:    make([]Tick, 0, historyTicks*len(symbols)),
		Surfaces: make([]IvSurfaceSnapshot, 0, (historyTicks/surfaceEvery+1)*len(symbols)),
	}
	dt := float64(historySpacing) / tradingYear
	for i := 0; i < historyTicks; i++ {
		if err := ctx.Err(); err != nil {
			return HistoricalDay{}, err
		}
		ts := open.Add(time.Duration(i) * historySpacing)
		for j, sym := range symbols {
			if i > 0 {
				states[j].step(g.cfg, dt)
			}
			out.Ticks = append(out.Ticks, states[j].quote(sym, ts))
			if i%surfaceEvery == 0 {
				out.Surfaces = append(out.Surfaces, states[j].surface(g.cfg, sym, ts))
			}
		}
	}
	return out, nil
}

// ApplyShock 价格乘以 (1+pricePct/100)，波动率加 volPts/100，然后限幅。
func (g *SyntheticGenerator) ApplyShock(pricePct, volPts float64) ShockResult {
	g.mu.Lock()
	defer g.mu.Unlock()

	res := ShockResult{OldPrice: g.state.price, OldVol: g.state.vol}
	price, vol := shock(g.state.price, g.state.vol, pricePct, volPts)
	g.state.price = clamp(price, minPrice, maxPrice)
	g.state.vol = clamp(vol, minVol, maxVol)
	g.shocked = true
	res.NewPrice = g.state.price
	res.NewVol = g.state.vol

	g.cfg.Logger.Info("shock applied",
		zap.Float64("pricePct", pricePct),
		zap.Float64("volPts", volPts),
		zap.Float64("price", res.NewPrice),
		zap.Float64("vol", res.NewVol))
	return res
}

// shock 未限幅的冲击计算。
func shock(price, vol, pricePct, volPts float64) (float64, float64) {
	return price * (1 + pricePct/100), vol + volPts/100
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}

func round(v float64, places int32) float64 {
	return decimal.NewFromFloat(v).Round(places).InexactFloat64()
}
