package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"trading-sim-go/infrastructure/alert"
	"trading-sim-go/infrastructure/monitor"
	"trading-sim-go/market"
	"trading-sim-go/realtime"
	"trading-sim-go/replay"
)

// Status 会话状态
type Status string

const (
	StatusActive Status = "active"
	StatusPaused Status = "paused"
	StatusFrozen Status = "frozen"
	StatusEnded  Status = "ended"
)

var (
	// ErrSessionEnded 会话已结束
	ErrSessionEnded = errors.New("session: ended")
	// ErrInvalidTransition 当前状态不允许该控制动作
	ErrInvalidTransition = errors.New("session: invalid status transition")
	// ErrNoReplay 会话没有加载回放
	ErrNoReplay = errors.New("session: no replay loaded")
	// ErrModeConflict 实时流与回放不能在同一会话中同时运行
	ErrModeConflict = errors.New("session: live stream and replay are mutually exclusive")
)

// Config 会话引擎依赖
type Config struct {
	SessionID string
	Symbols   []string
	Source    market.Source
	Publisher realtime.Publisher
	Calendar  *market.Calendar
	Replay    replay.Options
	Alerts    *alert.Manager
	Logger    *zap.Logger
	Monitor   *monitor.Monitor
}

// ShockRequest 教师端触发的冲击
type ShockRequest struct {
	PriceChangePct float64 `json:"priceChange"`
	VolChangePts   float64 `json:"volChange"`
	Description    string  `json:"description,omitempty"`
	TriggeredBy    string  `json:"triggeredBy,omitempty"`
}

// Engine 一个会话的运行时：行情源 + 可选回放 + 事件发布。
type Engine struct {
	id      string
	symbols []string
	src     market.Source
	pub     realtime.Publisher
	cal     *market.Calendar
	quotes  *market.QuoteBook
	alerts  *alert.Manager
	log     *zap.Logger
	mon     *monitor.Monitor

	replayOpts replay.Options

	mu             sync.Mutex
	status         Status
	ctrl           *replay.Controller
	replayDay      time.Time
	resumePlayback bool
	liveCancel     context.CancelFunc
	live           bool
	surfaces       map[string]market.IvSurfaceSnapshot
}

// New 创建会话引擎。
func New(cfg Config) (*Engine, error) {
	if cfg.SessionID == "" {
		return nil, errors.New("session: id is required")
	}
	if cfg.Source == nil {
		return nil, errors.New("session: source is required")
	}
	if cfg.Publisher == nil {
		return nil, errors.New("session: publisher is required")
	}
	if len(cfg.Symbols) == 0 {
		cfg.Symbols = []string{"BRN"}
	}
	if cfg.Calendar == nil {
		cfg.Calendar = market.NewCalendar("xnys")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	log := cfg.Logger.With(zap.String("session", cfg.SessionID))
	ro := cfg.Replay
	if ro.Logger == nil {
		ro.Logger = log
	}
	if ro.Monitor == nil {
		ro.Monitor = cfg.Monitor
	}
	return &Engine{
		id:         cfg.SessionID,
		symbols:    append([]string(nil), cfg.Symbols...),
		src:        cfg.Source,
		pub:        cfg.Publisher,
		cal:        cfg.Calendar,
		quotes:     market.NewQuoteBook(nil),
		alerts:     cfg.Alerts,
		log:        log,
		mon:        cfg.Monitor,
		replayOpts: ro,
		status:     StatusActive,
		surfaces:   make(map[string]market.IvSurfaceSnapshot),
	}, nil
}

func (e *Engine) ID() string                { return e.id }
func (e *Engine) Symbols() []string         { return append([]string(nil), e.symbols...) }
func (e *Engine) Source() market.Source     { return e.src }
func (e *Engine) Quotes() *market.QuoteBook { return e.quotes }

// Status 当前会话状态
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Replay 返回回放控制器（未启动回放时 ok=false）。
func (e *Engine) Replay() (*replay.Controller, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ctrl, e.ctrl != nil
}

// Publish 协作方投递事件的直通入口。
func (e *Engine) Publish(env realtime.Envelope) error {
	return e.pub.Publish(e.id, env)
}

// RunLive 消费实时 tick 流并发布 TICK，直到 ctx 结束或会话终止。
// 会话暂停期间 tick 不发布；已加载回放时返回 ErrModeConflict。
func (e *Engine) RunLive(ctx context.Context) error {
	streamer, ok := market.AsStreamer(e.src)
	if !ok {
		return &market.UnimplementedError{Provider: e.src.Name(), Op: "StreamTicks"}
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.mu.Lock()
	if e.status == StatusEnded {
		e.mu.Unlock()
		return ErrSessionEnded
	}
	if e.live || e.ctrl != nil {
		e.mu.Unlock()
		return fmt.Errorf("%w: session %s already streams or replays", ErrModeConflict, e.id)
	}
	e.live = true
	e.liveCancel = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.live = false
		e.liveCancel = nil
		e.mu.Unlock()
	}()

	ticks, err := streamer.StreamTicks(ctx, e.symbols)
	if err != nil {
		return fmt.Errorf("session %s: start stream: %w", e.id, err)
	}
	e.log.Info("live session started", zap.Strings("symbols", e.symbols), zap.String("source", e.src.Name()))

	for tk := range ticks {
		if e.Status() == StatusPaused {
			continue
		}
		e.publishTick(tk)
	}
	if e.Status() == StatusEnded {
		return ErrSessionEnded
	}
	return ctx.Err()
}

// StartReplay 加载某个交易日并准备回放，startAt 为空时从开盘开始。
// 实时流运行期间返回 ErrModeConflict。
func (e *Engine) StartReplay(ctx context.Context, day time.Time, startAt *time.Time) (*replay.Controller, error) {
	hist, ok := market.AsHistorical(e.src)
	if !ok {
		return nil, &market.UnimplementedError{Provider: e.src.Name(), Op: "HistoricalDay"}
	}
	if e.Status() == StatusEnded {
		return nil, ErrSessionEnded
	}

	e.mu.Lock()
	if e.live {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: session %s is streaming live", ErrModeConflict, e.id)
	}
	ctrl := e.ctrl
	if ctrl == nil {
		ctrl = replay.New(hist, e.replayOpts)
		ctrl.OnTick(func(tk market.Tick, _ int) { e.publishTick(tk) })
		ctrl.OnSurface(e.storeSurface)
		e.ctrl = ctrl
	}
	e.mu.Unlock()

	if err := ctrl.Load(ctx, day, e.symbols, startAt); err != nil {
		return nil, err
	}
	e.quotes.Reset()
	e.mu.Lock()
	e.replayDay = day
	e.surfaces = make(map[string]market.IvSurfaceSnapshot)
	e.mu.Unlock()
	return ctrl, nil
}

// Surface 最新曲面：回放时取最近配对的曲面，实时模式按当前状态生成。
func (e *Engine) Surface(symbol string) (market.IvSurfaceSnapshot, error) {
	e.mu.Lock()
	s, ok := e.surfaces[symbol]
	replaying := e.ctrl != nil
	e.mu.Unlock()
	if ok {
		return s, nil
	}
	if replaying {
		return market.IvSurfaceSnapshot{}, ErrNoReplay
	}
	sp, ok := market.AsSurfaceProvider(e.src)
	if !ok {
		return market.IvSurfaceSnapshot{}, &market.UnimplementedError{Provider: e.src.Name(), Op: "SurfaceAt"}
	}
	return sp.SurfaceAt(time.Now(), symbol)
}

// ApplyShock 冲击行情源，并发布 SHOCK、全局 ALERT 与 RISK_RECALC_REQUIRED。
func (e *Engine) ApplyShock(req ShockRequest) (market.ShockResult, error) {
	shocker, ok := market.AsShocker(e.src)
	if !ok {
		return market.ShockResult{}, &market.UnimplementedError{Provider: e.src.Name(), Op: "ApplyShock"}
	}
	if e.Status() == StatusEnded {
		return market.ShockResult{}, ErrSessionEnded
	}

	res := shocker.ApplyShock(req.PriceChangePct, req.VolChangePts)
	now := time.Now()
	e.mon.RecordShock()
	e.mon.UpdateVolatility(res.NewVol)
	e.log.Info("shock applied",
		zap.Float64("priceChange", req.PriceChangePct),
		zap.Float64("volChange", req.VolChangePts),
		zap.Float64("newPrice", res.NewPrice),
		zap.Float64("newVol", res.NewVol),
		zap.String("by", req.TriggeredBy))

	msg := fmt.Sprintf("Market shock: price %+.1f%%, vol %+.1f pts", req.PriceChangePct, req.VolChangePts)
	e.emit(realtime.ShockPayload{
		SessionID:   e.id,
		PriceChange: req.PriceChangePct,
		VolChange:   req.VolChangePts,
		Description: req.Description,
		NewPrice:    res.NewPrice,
		NewVol:      res.NewVol,
		Timestamp:   now,
	})
	e.emit(realtime.AlertPayload{
		Severity: realtime.SeverityWarning,
		Type:     realtime.AlertShock,
		Message:  msg,
		Details: map[string]interface{}{
			"oldPrice": res.OldPrice,
			"newPrice": res.NewPrice,
			"oldVol":   res.OldVol,
			"newVol":   res.NewVol,
		},
		Timestamp: now,
	})
	e.emit(realtime.RiskRecalcPayload{SessionID: e.id, Reason: "shock", Timestamp: now})
	if e.alerts != nil {
		e.reportAlert(e.alerts.Warn(e.id, "shock", msg, map[string]interface{}{
			"triggeredBy": req.TriggeredBy,
			"newPrice":    res.NewPrice,
			"newVol":      res.NewVol,
		}))
	}
	return res, nil
}

// Control 会话控制：pause/resume/freeze/end/next_day。
// 暂停与恢复同时作用于回放；next_day 在回放模式下加载下一个交易日。
func (e *Engine) Control(ctx context.Context, action realtime.ControlAction, changedBy string) (Status, error) {
	e.mu.Lock()
	prev := e.status
	next, err := transition(prev, action)
	if err != nil {
		e.mu.Unlock()
		return prev, err
	}
	e.status = next
	ctrl := e.ctrl
	day := e.replayDay
	cancelLive := e.liveCancel
	resume := e.resumePlayback
	if action == realtime.ActionPause && ctrl != nil {
		e.resumePlayback = ctrl.Status() == replay.StatusPlaying
	}
	e.mu.Unlock()

	switch action {
	case realtime.ActionPause:
		if ctrl != nil {
			ctrl.Pause()
		}
	case realtime.ActionResume:
		if ctrl != nil && resume {
			ctrl.Play()
		}
	case realtime.ActionEnd:
		if cancelLive != nil {
			cancelLive()
		}
		if ctrl != nil {
			ctrl.Pause()
		}
	case realtime.ActionNextDay:
		if ctrl != nil {
			nextDay := e.cal.NextTradingDay(day)
			if _, err := e.StartReplay(ctx, nextDay, nil); err != nil {
				e.mu.Lock()
				e.status = prev
				e.mu.Unlock()
				return prev, fmt.Errorf("session %s: next day %s: %w", e.id, nextDay.Format("2006-01-02"), err)
			}
		} else {
			e.quotes.Reset()
		}
	}

	now := time.Now()
	e.emit(realtime.SessionControlPayload{
		SessionID:      e.id,
		Action:         action,
		PreviousStatus: string(prev),
		Timestamp:      now,
		ChangedBy:      changedBy,
	})
	msg := controlMessage(action, changedBy)
	e.emit(realtime.AlertPayload{
		Severity:  realtime.SeverityInfo,
		Type:      realtime.AlertSessionControl,
		Message:   msg,
		Details:   map[string]interface{}{"previousStatus": string(prev), "status": string(next)},
		Timestamp: now,
	})
	if e.alerts != nil {
		e.reportAlert(e.alerts.Info(e.id, "session_control", msg, map[string]interface{}{
			"from": string(prev),
			"to":   string(next),
		}))
	}
	e.log.Info("session control",
		zap.String("action", string(action)),
		zap.String("from", string(prev)),
		zap.String("to", string(next)),
		zap.String("by", changedBy))
	return next, nil
}

// Close 停止实时流与回放。
func (e *Engine) Close() {
	e.mu.Lock()
	cancel := e.liveCancel
	ctrl := e.ctrl
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if ctrl != nil {
		ctrl.Close()
	}
}

func transition(from Status, action realtime.ControlAction) (Status, error) {
	if from == StatusEnded {
		return from, ErrSessionEnded
	}
	switch action {
	case realtime.ActionPause:
		if from == StatusActive || from == StatusFrozen {
			return StatusPaused, nil
		}
	case realtime.ActionResume:
		if from == StatusPaused || from == StatusFrozen {
			return StatusActive, nil
		}
	case realtime.ActionFreeze:
		if from == StatusActive || from == StatusPaused {
			return StatusFrozen, nil
		}
	case realtime.ActionEnd:
		return StatusEnded, nil
	case realtime.ActionNextDay:
		return StatusActive, nil
	default:
		return from, fmt.Errorf("%w: unknown action %q", ErrInvalidTransition, action)
	}
	return from, fmt.Errorf("%w: %s from %s", ErrInvalidTransition, action, from)
}

func controlMessage(action realtime.ControlAction, by string) string {
	var msg string
	switch action {
	case realtime.ActionPause:
		msg = "Session paused"
	case realtime.ActionResume:
		msg = "Session resumed"
	case realtime.ActionFreeze:
		msg = "Trading frozen"
	case realtime.ActionEnd:
		msg = "Session ended"
	case realtime.ActionNextDay:
		msg = "Advanced to next trading day"
	}
	if by != "" {
		msg += " by " + by
	}
	return msg
}

func (e *Engine) publishTick(tk market.Tick) {
	opening := e.quotes.OnTick(tk)
	e.mon.RecordTick(tk.Symbol, tk.Last)
	e.emit(realtime.TickPayload{
		Symbol:    tk.Symbol,
		Price:     tk.Last,
		Bid:       tk.BestBid,
		Ask:       tk.BestAsk,
		Volume:    tk.Volume,
		Timestamp: tk.Timestamp,
		IsShock:   tk.Shock,
		IsOpening: opening,
	})
}

func (e *Engine) storeSurface(s market.IvSurfaceSnapshot) {
	e.mu.Lock()
	e.surfaces[s.Symbol] = s
	e.mu.Unlock()
}

func (e *Engine) emit(p realtime.Payload) {
	env := realtime.NewEnvelope(p)
	if err := e.pub.Publish(e.id, env); err != nil {
		e.log.Warn("publish failed", zap.String("kind", string(env.Kind)), zap.Error(err))
	}
}

func (e *Engine) reportAlert(err error) {
	if err != nil {
		e.log.Warn("operator alert failed", zap.Error(err))
	}
}
