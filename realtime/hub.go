package realtime

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"trading-sim-go/infrastructure/monitor"
)

const (
	defaultFlushInterval = 100 * time.Millisecond
	defaultQueueSize     = 256
)

var (
	// ErrHubClosed 会话已关闭
	ErrHubClosed = errors.New("realtime: hub closed")
	// ErrStreamClosed 订阅流已关闭
	ErrStreamClosed = errors.New("realtime: stream closed")
	// ErrStreamReplaced 同一参与者建立了新连接
	ErrStreamReplaced = errors.New("realtime: stream replaced by a newer connection")
	// ErrSlowConsumer 出站队列已满，连接被剔除
	ErrSlowConsumer = errors.New("realtime: slow consumer")
)

// Options Hub 配置
type Options struct {
	FlushInterval time.Duration
	QueueSize     int
	Logger        *zap.Logger
	Monitor       *monitor.Monitor
}

func (o Options) withDefaults() Options {
	if o.FlushInterval <= 0 {
		o.FlushInterval = defaultFlushInterval
	}
	if o.QueueSize <= 0 {
		o.QueueSize = defaultQueueSize
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Hub 单个会话的发布订阅中心。
// TICK/RISK/SCORE 按键合并后定时刷出，其余事件立即投递。
// 刷新定时器在入队时惰性启动，某次刷新发现队列为空即停止。
type Hub struct {
	sessionID string
	opts      Options

	mu            sync.Mutex
	streams       map[string]*Stream
	pending       *coalescer
	timer         *time.Timer
	flushInterval time.Duration
	closed        bool
}

// NewHub 创建会话 Hub。
func NewHub(sessionID string, opts Options) *Hub {
	opts = opts.withDefaults()
	return &Hub{
		sessionID:     sessionID,
		opts:          opts,
		streams:       make(map[string]*Stream),
		pending:       newCoalescer(),
		flushInterval: opts.FlushInterval,
	}
}

// SessionID 所属会话
func (h *Hub) SessionID() string { return h.sessionID }

// Publish 校验并路由一个事件。
func (h *Hub) Publish(env Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	h.opts.Monitor.RecordPublished(string(env.Kind))

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHubClosed
	}
	if key, ok := coalesceKeyOf(env); ok {
		if h.pending.add(key, env) {
			h.opts.Monitor.RecordCoalesced(string(env.Kind))
		}
		if h.timer == nil {
			h.timer = time.AfterFunc(h.flushInterval, h.flush)
		}
		return nil
	}
	h.deliverLocked(env)
	return nil
}

// Attach 为参与者建立订阅流，同一参与者已有的流会被关闭。
// participantID 为空表示旁观者，只接收全局事件。
func (h *Hub) Attach(participantID string) (*Stream, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}
	s := newStream(h, participantID, h.opts.QueueSize)
	if prior, ok := h.streams[participantID]; ok {
		prior.closeWith(ErrStreamReplaced)
		h.opts.Logger.Info("stream replaced",
			zap.String("session", h.sessionID),
			zap.String("participant", participantID))
	} else {
		h.opts.Monitor.AddActiveStreams(1)
	}
	h.streams[participantID] = s
	return s, nil
}

// Detach 移除并关闭订阅流，可重复调用。
func (h *Hub) Detach(s *Stream) {
	h.mu.Lock()
	if cur, ok := h.streams[s.participantID]; ok && cur == s {
		delete(h.streams, s.participantID)
		h.opts.Monitor.AddActiveStreams(-1)
	}
	h.mu.Unlock()
	s.closeWith(ErrStreamClosed)
}

// Participants 当前连接的参与者，已排序。
func (h *Hub) Participants() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.streams))
	for id := range h.streams {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// SetFlushInterval 修改合并窗口，从下一次刷新开始生效。
func (h *Hub) SetFlushInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	h.mu.Lock()
	h.flushInterval = d
	h.mu.Unlock()
}

// Close 停止定时器，关闭所有订阅流并丢弃未刷出的事件。
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
	h.pending = newCoalescer()
	for id, s := range h.streams {
		s.closeWith(ErrHubClosed)
		delete(h.streams, id)
		h.opts.Monitor.AddActiveStreams(-1)
	}
	h.opts.Logger.Info("hub closed", zap.String("session", h.sessionID))
}

func (h *Hub) flush() {
	start := time.Now()
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || h.timer == nil {
		return
	}
	batch := h.pending.drain()
	if len(batch) == 0 {
		h.timer = nil
		return
	}
	for _, env := range batch {
		h.deliverLocked(env)
	}
	h.timer.Reset(h.flushInterval)
	h.opts.Monitor.ObserveFlush(time.Since(start).Seconds())
}

// deliverLocked 需持有 mu；队列满的流被剔除。
func (h *Hub) deliverLocked(env Envelope) {
	for id, s := range h.streams {
		if !Visible(env, id) {
			continue
		}
		if s.offer(env) {
			h.opts.Monitor.RecordDelivered(string(env.Kind))
			continue
		}
		delete(h.streams, id)
		s.closeWith(ErrSlowConsumer)
		h.opts.Monitor.RecordStreamDropped()
		h.opts.Monitor.AddActiveStreams(-1)
		h.opts.Logger.Warn("slow consumer dropped",
			zap.String("session", h.sessionID),
			zap.String("participant", id),
			zap.String("kind", string(env.Kind)))
	}
}

// pendingLen 测试用
func (h *Hub) pendingLen() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pending.len()
}

func (h *Hub) timerArmed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.timer != nil
}

// Stream 一个参与者的有界出站队列，实现 Link。
type Stream struct {
	hub           *Hub
	participantID string
	ch            chan Envelope
	done          chan struct{}
	once          sync.Once
	err           error
}

func newStream(h *Hub, participantID string, size int) *Stream {
	return &Stream{
		hub:           h,
		participantID: participantID,
		ch:            make(chan Envelope, size),
		done:          make(chan struct{}),
	}
}

// ParticipantID 订阅者身份
func (s *Stream) ParticipantID() string { return s.participantID }

func (s *Stream) offer(env Envelope) bool {
	select {
	case <-s.done:
		return true
	default:
	}
	select {
	case s.ch <- env:
		return true
	default:
		return false
	}
}

// Recv 阻塞直到有事件、流关闭或 ctx 结束。流关闭后返回关闭原因。
func (s *Stream) Recv(ctx context.Context) (Envelope, error) {
	select {
	case <-s.done:
		return Envelope{}, s.err
	default:
	}
	select {
	case env := <-s.ch:
		return env, nil
	case <-s.done:
		return Envelope{}, s.err
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

// Done 流关闭时关闭。
func (s *Stream) Done() <-chan struct{} { return s.done }

// Err 关闭原因；未关闭时为 nil。
func (s *Stream) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Close 从 Hub 摘除并释放缓冲，可重复调用。
func (s *Stream) Close() error {
	s.hub.Detach(s)
	return nil
}

func (s *Stream) closeWith(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
		// 释放缓冲
		for {
			select {
			case <-s.ch:
			default:
				return
			}
		}
	})
}
