package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"trading-sim-go/infrastructure/alert"
	"trading-sim-go/infrastructure/monitor"
)

const (
	// MaxReconnectAttempts 连续失败超过该次数后进入终止错误状态
	MaxReconnectAttempts = 5
	backoffBase          = time.Second
	backoffMax           = 30 * time.Second
)

// ErrSubscriberClosed 已 Disconnect 的订阅者不能重连。
var ErrSubscriberClosed = errors.New("realtime: subscriber closed")

// ConnState 订阅者连接状态，UI 据此显示 Live/Reconnecting/Offline。
type ConnState int

const (
	StateConnecting ConnState = iota
	StateLive
	StateReconnecting
	StateError
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateLive:
		return "live"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Backoff 第 attempt 次重连前的等待时间（attempt 从 0 开始）：min(1s·2^attempt, 30s)。
func Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= 5 {
		// 2^5 秒已超过上限
		return backoffMax
	}
	d := backoffBase << uint(attempt)
	if d > backoffMax {
		return backoffMax
	}
	return d
}

// Handlers 按事件类型注册的回调，未设置的类型被忽略。
// 回调在订阅者的读循环中同步执行。
type Handlers struct {
	OnTick           func(TickPayload)
	OnFill           func(FillPayload)
	OnRisk           func(RiskPayload)
	OnScore          func(ScorePayload)
	OnAlert          func(AlertPayload)
	OnShock          func(ShockPayload)
	OnSessionControl func(SessionControlPayload)
	OnRiskRecalc     func(RiskRecalcPayload)
	// OnState 连接状态变化；err 为导致变化的传输错误，可能为 nil
	OnState func(state ConnState, err error)
}

func (h Handlers) dispatch(env Envelope) {
	switch p := env.Payload.(type) {
	case TickPayload:
		if h.OnTick != nil {
			h.OnTick(p)
		}
	case FillPayload:
		if h.OnFill != nil {
			h.OnFill(p)
		}
	case RiskPayload:
		if h.OnRisk != nil {
			h.OnRisk(p)
		}
	case ScorePayload:
		if h.OnScore != nil {
			h.OnScore(p)
		}
	case AlertPayload:
		if h.OnAlert != nil {
			h.OnAlert(p)
		}
	case ShockPayload:
		if h.OnShock != nil {
			h.OnShock(p)
		}
	case SessionControlPayload:
		if h.OnSessionControl != nil {
			h.OnSessionControl(p)
		}
	case RiskRecalcPayload:
		if h.OnRiskRecalc != nil {
			h.OnRiskRecalc(p)
		}
	}
}

// SubscriberOptions 订阅者依赖
type SubscriberOptions struct {
	Logger  *zap.Logger
	Monitor *monitor.Monitor
	Alerts  *alert.Manager
	// Sleep 重连等待，测试中可替换
	Sleep func(ctx context.Context, d time.Duration) error
}

func (o SubscriberOptions) withDefaults() SubscriberOptions {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Sleep == nil {
		o.Sleep = sleepCtx
	}
	return o
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Subscriber 一个 (session, participant) 的逻辑订阅。
// 传输错误不会返回给调用方，而是转换为状态通知并按退避重连。
type Subscriber struct {
	sessionID     string
	participantID string
	dialer        Dialer
	handlers      Handlers
	opts          SubscriberOptions

	mu      sync.Mutex
	state   ConnState
	attempt int
	link    Link
	cancel  context.CancelFunc
	done    chan struct{}
	closed  bool
}

// NewSubscriber 创建订阅者，需调用 Start 开始连接。
func NewSubscriber(sessionID, participantID string, dialer Dialer, h Handlers, opts SubscriberOptions) *Subscriber {
	done := make(chan struct{})
	close(done)
	return &Subscriber{
		sessionID:     sessionID,
		participantID: participantID,
		dialer:        dialer,
		handlers:      h,
		opts:          opts.withDefaults(),
		state:         StateConnecting,
		done:          done,
	}
}

func (s *Subscriber) SessionID() string     { return s.sessionID }
func (s *Subscriber) ParticipantID() string { return s.participantID }

// State 当前连接状态
func (s *Subscriber) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Attempts 当前连续失败次数
func (s *Subscriber) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempt
}

// Done 连接循环退出时关闭（Disconnect、被新连接取代或进入终止错误）。
func (s *Subscriber) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Start 开始连接；已在运行时不做任何事。
func (s *Subscriber) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSubscriberClosed
	}
	select {
	case <-s.done:
	default:
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.attempt = 0
	go s.run(ctx, s.done)
	return nil
}

// Reconnect 从终止错误状态重新开始，失败计数清零。
func (s *Subscriber) Reconnect(ctx context.Context) error {
	return s.Start(ctx)
}

// Disconnect 停止连接并释放缓冲，可重复调用，总是成功。
// 不等待读循环退出，需要时使用 Done。
func (s *Subscriber) Disconnect() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.cancel != nil {
		s.cancel()
	}
	link := s.link
	s.link = nil
	s.state = StateClosed
	s.mu.Unlock()

	if link != nil {
		link.Close()
	}
	s.opts.Monitor.RecordSubscriberState(StateClosed.String())
	if s.handlers.OnState != nil {
		s.handlers.OnState(StateClosed, nil)
	}
}

func (s *Subscriber) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	log := s.opts.Logger.With(zap.String("session", s.sessionID), zap.String("participant", s.participantID))
	s.setState(StateConnecting, nil)

	for {
		err := s.serve(ctx)
		if ctx.Err() != nil {
			return
		}
		// 同一参与者已有更新的连接，重连只会把它挤掉
		if errors.Is(err, ErrStreamReplaced) {
			log.Info("subscriber replaced by a newer connection")
			s.setState(StateClosed, err)
			return
		}

		s.mu.Lock()
		attempt := s.attempt
		if attempt < MaxReconnectAttempts {
			s.attempt++
		}
		s.mu.Unlock()

		if attempt >= MaxReconnectAttempts {
			log.Error("subscriber giving up", zap.Int("attempts", attempt), zap.Error(err))
			s.setState(StateError, err)
			s.raiseAlert(err)
			return
		}
		delay := Backoff(attempt)
		log.Warn("subscriber reconnecting", zap.Int("attempt", attempt+1), zap.Duration("delay", delay), zap.Error(err))
		s.opts.Monitor.RecordReconnect()
		s.setState(StateReconnecting, err)
		if s.opts.Sleep(ctx, delay) != nil {
			return
		}
	}
}

// serve 建立一次连接并读取到出错为止。
func (s *Subscriber) serve(ctx context.Context) error {
	link, err := s.dialer.Dial(ctx, s.sessionID, s.participantID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		link.Close()
		return ErrSubscriberClosed
	}
	s.link = link
	s.attempt = 0
	s.mu.Unlock()
	s.setState(StateLive, nil)

	defer func() {
		s.mu.Lock()
		if s.link == link {
			s.link = nil
		}
		s.mu.Unlock()
		link.Close()
	}()

	for {
		env, err := link.Recv(ctx)
		if err != nil {
			if errors.Is(err, ErrInvalidEnvelope) {
				s.opts.Logger.Warn("malformed event skipped",
					zap.String("session", s.sessionID), zap.Error(err))
				continue
			}
			return err
		}
		s.handlers.dispatch(env)
	}
}

func (s *Subscriber) setState(state ConnState, err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.state = state
	s.mu.Unlock()

	s.opts.Monitor.RecordSubscriberState(state.String())
	if s.handlers.OnState != nil {
		s.handlers.OnState(state, err)
	}
}

func (s *Subscriber) raiseAlert(cause error) {
	if s.opts.Alerts == nil {
		return
	}
	s.opts.Alerts.Error(s.sessionID, "subscriber",
		fmt.Sprintf("subscriber %s gave up after %d reconnect attempts", s.participantID, MaxReconnectAttempts),
		map[string]interface{}{"error": fmt.Sprint(cause)})
}
