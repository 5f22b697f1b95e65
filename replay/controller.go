package replay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"trading-sim-go/infrastructure/monitor"
	"trading-sim-go/market"
)

const (
	defaultBaseInterval     = time.Second
	defaultSurfaceTolerance = time.Second
)

// Options 回放控制器配置
type Options struct {
	BaseInterval     time.Duration // 驱动器触发间隔
	Speed            int           // 初始速度
	SurfaceTolerance time.Duration // tick 与曲面配对的最大时间差
	Logger           *zap.Logger
	Monitor          *monitor.Monitor
	NewTicker        TickerFunc
}

func (o Options) withDefaults() Options {
	if o.BaseInterval <= 0 {
		o.BaseInterval = defaultBaseInterval
	}
	if !ValidSpeed(o.Speed) {
		o.Speed = 1
	}
	if o.SurfaceTolerance <= 0 {
		o.SurfaceTolerance = defaultSurfaceTolerance
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.NewTicker == nil {
		o.NewTicker = NewStdTicker
	}
	return o
}

// Controller 对一个已加载的交易日做可控回放。
//
// 所有推进与控制操作由 opMu 串行化，同一时刻最多一个驱动器在处理 tick。
// 监听器在持有 opMu 的 goroutine 中同步调用：可以调用 State/Status，
// 但不能同步调用 Play/Pause/Step/Seek/SetSpeed/Load/Close，否则死锁。
type Controller struct {
	src  market.HistoricalSource
	opts Options
	pub  *market.Publisher

	opMu sync.Mutex

	// mu 保护下列字段，State() 只需要它
	mu        sync.RWMutex
	day       market.HistoricalDay
	status    Status
	index     int
	curTime   time.Time
	speed     int
	stateSubs []func(State)

	// 以下字段只在持有 opMu 时访问
	emitted  map[int]bool
	emitting int
	stop     chan struct{}
}

// New 创建回放控制器，src 通常是合成行情源或历史存储。
func New(src market.HistoricalSource, opts Options) *Controller {
	opts = opts.withDefaults()
	return &Controller{
		src:     src,
		opts:    opts,
		pub:     market.NewPublisher(),
		status:  StatusUnloaded,
		speed:   opts.Speed,
		emitted: make(map[int]bool),
	}
}

// OnTick 注册 tick 监听器，第二个参数是该 tick 在交易日中的下标。
func (c *Controller) OnTick(fn func(market.Tick, int)) {
	c.pub.SubscribeTick(func(t market.Tick) { fn(t, c.emitting) })
}

// OnSurface 注册曲面监听器。
func (c *Controller) OnSurface(fn func(market.IvSurfaceSnapshot)) {
	c.pub.SubscribeSurface(fn)
}

// OnState 注册状态变化监听器。
func (c *Controller) OnState(fn func(State)) {
	c.mu.Lock()
	c.stateSubs = append(c.stateSubs, fn)
	c.mu.Unlock()
}

// Load 加载交易日并进入暂停状态；startAt 非空时定位到其后的第一笔 tick。
// 加载失败时状态不变。
func (c *Controller) Load(ctx context.Context, day time.Time, symbols []string, startAt *time.Time) error {
	hd, err := c.src.HistoricalDay(ctx, day, symbols)
	if err != nil {
		return fmt.Errorf("replay: load %s: %w", day.Format("2006-01-02"), err)
	}
	start := 0
	if startAt != nil {
		start = hd.IndexAtOrAfter(*startAt)
		if start >= len(hd.Ticks) {
			return fmt.Errorf("%w: start %s is after the last tick", ErrSeekOutOfRange, startAt.Format(time.RFC3339))
		}
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.stopDriver()

	c.mu.Lock()
	c.day = hd
	c.status = StatusPaused
	c.index = start
	c.curTime = time.Time{}
	if start < len(hd.Ticks) {
		c.curTime = hd.Ticks[start].Timestamp
	}
	c.mu.Unlock()
	c.emitted = make(map[int]bool)

	c.opts.Logger.Info("replay day loaded",
		zap.Time("day", hd.Day),
		zap.Int("ticks", len(hd.Ticks)),
		zap.Int("surfaces", len(hd.Surfaces)),
		zap.Int("start", start))
	c.notifyState()
	return nil
}

// Play 启动驱动器；若已播放完毕则先回到开头。
func (c *Controller) Play() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	switch c.status {
	case StatusUnloaded:
		c.mu.Unlock()
		return ErrNotLoaded
	case StatusPlaying:
		c.mu.Unlock()
		return nil
	case StatusComplete:
		c.rewindLocked()
	}
	c.status = StatusPlaying
	c.mu.Unlock()

	c.startDriver()
	c.opts.Logger.Info("replay playing", zap.Int("index", c.index), zap.Int("speed", c.speed))
	c.notifyState()
	return nil
}

// Pause 停止驱动器，位置不变。
func (c *Controller) Pause() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.status == StatusUnloaded {
		c.mu.Unlock()
		return ErrNotLoaded
	}
	if c.status != StatusPlaying {
		c.mu.Unlock()
		return nil
	}
	c.status = StatusPaused
	c.mu.Unlock()

	c.stopDriver()
	c.opts.Logger.Info("replay paused", zap.Int("index", c.index))
	c.notifyState()
	return nil
}

// Step 无论是否在播放，都只前进一笔 tick，不启动驱动器。
func (c *Controller) Step() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.Status() == StatusUnloaded {
		return ErrNotLoaded
	}
	c.advance()
	c.finishIfDone()
	c.notifyState()
	return nil
}

// SeekIndex 定位到下标 i 并立即重新发出该 tick。
func (c *Controller) SeekIndex(i int) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.Status() == StatusUnloaded {
		return ErrNotLoaded
	}
	if i < 0 || i >= len(c.day.Ticks) {
		return fmt.Errorf("%w: index %d of %d", ErrSeekOutOfRange, i, len(c.day.Ticks))
	}
	c.seek(i)
	return nil
}

// SeekTime 定位到 ts 及之后的第一笔 tick。
func (c *Controller) SeekTime(ts time.Time) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.Status() == StatusUnloaded {
		return ErrNotLoaded
	}
	i := c.day.IndexAtOrAfter(ts)
	if i >= len(c.day.Ticks) {
		return fmt.Errorf("%w: %s is after the last tick", ErrSeekOutOfRange, ts.Format(time.RFC3339))
	}
	c.seek(i)
	return nil
}

// SetSpeed 设置每次驱动器触发处理的 tick 数；播放中会重启驱动器。
func (c *Controller) SetSpeed(n int) error {
	if !ValidSpeed(n) {
		return fmt.Errorf("%w: got %d", ErrInvalidSpeed, n)
	}
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	c.speed = n
	playing := c.status == StatusPlaying
	c.mu.Unlock()

	if playing {
		c.stopDriver()
		c.startDriver()
	}
	c.opts.Logger.Info("replay speed changed", zap.Int("speed", n), zap.Bool("playing", playing))
	c.notifyState()
	return nil
}

// Close 停止驱动器并释放已加载的交易日。可重复调用。
func (c *Controller) Close() {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.stopDriver()
	c.mu.Lock()
	c.day = market.HistoricalDay{}
	c.status = StatusUnloaded
	c.index = 0
	c.curTime = time.Time{}
	c.mu.Unlock()
	c.emitted = make(map[int]bool)
}

// Status 当前状态
func (c *Controller) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// State 返回当前位置快照。
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() State {
	return State{
		Day:          c.day.Day,
		CurrentTime:  c.curTime,
		CurrentIndex: c.index,
		Speed:        c.speed,
		IsPaused:     c.status == StatusPaused,
		IsComplete:   c.status == StatusComplete,
		TotalTicks:   len(c.day.Ticks),
		Status:       c.status.String(),
	}
}

func (c *Controller) seek(i int) {
	target := c.day.Ticks[i]
	if i < c.index {
		// 向后跳转开始新的一轮播放
		c.emitted = make(map[int]bool)
	} else {
		cutoff := target.Timestamp.Add(-c.opts.SurfaceTolerance)
		for j := range c.emitted {
			if !c.day.Surfaces[j].AsOf.Before(cutoff) {
				delete(c.emitted, j)
			}
		}
	}

	c.mu.Lock()
	if c.status == StatusComplete {
		c.status = StatusPaused
	}
	c.mu.Unlock()

	c.opts.Logger.Info("replay seek", zap.Int("index", i), zap.Time("time", target.Timestamp))
	c.emit(i)
	c.notifyState()
}

// advance 处理下一笔 tick，已到末尾时返回 false。
func (c *Controller) advance() bool {
	if c.index >= len(c.day.Ticks) {
		return false
	}
	c.emit(c.index)
	return true
}

func (c *Controller) emit(i int) {
	tk := c.day.Ticks[i]
	c.mu.Lock()
	c.index = i + 1
	c.curTime = tk.Timestamp
	c.mu.Unlock()

	c.emitting = i
	c.pub.PublishTick(tk)
	c.opts.Monitor.RecordReplayTick(i)

	j := c.day.SurfaceNear(tk.Symbol, tk.Timestamp, c.opts.SurfaceTolerance)
	if j >= 0 && !c.emitted[j] {
		c.emitted[j] = true
		c.pub.PublishSurface(c.day.Surfaces[j])
		c.opts.Monitor.RecordSurfacePaired()
	}
}

// finishIfDone 下标到达末尾时进入 Complete 并停止驱动器。
func (c *Controller) finishIfDone() bool {
	c.mu.Lock()
	if c.index < len(c.day.Ticks) {
		c.mu.Unlock()
		return false
	}
	c.status = StatusComplete
	c.mu.Unlock()

	c.stopDriver()
	c.opts.Logger.Info("replay complete", zap.Int("ticks", len(c.day.Ticks)))
	return true
}

// rewindLocked 需持有 mu。
func (c *Controller) rewindLocked() {
	c.index = 0
	c.curTime = time.Time{}
	if len(c.day.Ticks) > 0 {
		c.curTime = c.day.Ticks[0].Timestamp
	}
	c.emitted = make(map[int]bool)
}

func (c *Controller) startDriver() {
	stop := make(chan struct{})
	c.stop = stop
	go c.drive(c.opts.NewTicker(c.opts.BaseInterval), stop)
}

// stopDriver 只发信号不等待：驱动器可能正阻塞在 opMu 上。
func (c *Controller) stopDriver() {
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
}

func (c *Controller) drive(t Ticker, stop chan struct{}) {
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C():
			if !c.fire(stop) {
				return
			}
		}
	}
}

// fire 一次驱动器触发：按当前速度处理 speed 笔 tick。
func (c *Controller) fire(stop chan struct{}) bool {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	select {
	case <-stop:
		return false
	default:
	}
	for n := 0; n < c.speed; n++ {
		if !c.advance() {
			break
		}
	}
	done := c.finishIfDone()
	c.notifyState()
	return !done
}

// notifyState 需持有 opMu。
func (c *Controller) notifyState() {
	c.mu.RLock()
	st := c.snapshotLocked()
	status := c.status
	subs := c.stateSubs
	c.mu.RUnlock()

	c.opts.Monitor.UpdateReplay(int(status), st.Speed)
	for _, fn := range subs {
		fn(st)
	}
}
