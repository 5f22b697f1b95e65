package alert

import (
	"fmt"
	"sync"
	"time"
)

// 告警级别
const (
	LevelInfo    = "INFO"
	LevelWarning = "WARNING"
	LevelError   = "ERROR"
)

// Alert 运营告警。SessionID 为空表示与具体会话无关（例如订阅端）。
type Alert struct {
	Level     string
	SessionID string
	Kind      string // shock / session_control / subscriber
	Message   string
	Timestamp time.Time
	Fields    map[string]interface{}
}

// throttleKey 同一会话、同一类型、同一内容的告警在窗口内只发一次。
func (a Alert) throttleKey() string {
	return fmt.Sprintf("%s:%s:%s:%s", a.SessionID, a.Kind, a.Level, a.Message)
}

// Channel 告警通道
type Channel interface {
	Send(alert Alert) error
	Name() string
}

// Throttler 按 key 记录上次发送时间
type Throttler struct {
	lastSent map[string]time.Time
	interval time.Duration
	now      func() time.Time
	mu       sync.Mutex
}

func NewThrottler(interval time.Duration) *Throttler {
	return &Throttler{
		lastSent: make(map[string]time.Time),
		interval: interval,
		now:      time.Now,
	}
}

// Allow 距上次发送已超过 interval 时放行并记录。
func (t *Throttler) Allow(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	last, ok := t.lastSent[key]
	if ok && now.Sub(last) < t.interval {
		return false
	}
	t.lastSent[key] = now
	return true
}

// Manager 限流后把告警分发到所有通道。
type Manager struct {
	throttle *Throttler
	mu       sync.RWMutex
	channels []Channel
}

func NewManager(channels []Channel, throttleInterval time.Duration) *Manager {
	return &Manager{
		channels: channels,
		throttle: NewThrottler(throttleInterval),
	}
}

// AddChannel 追加通道，同名通道会被替换。
func (m *Manager) AddChannel(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, c := range m.channels {
		if c.Name() == ch.Name() {
			m.channels[i] = ch
			return
		}
	}
	m.channels = append(m.channels, ch)
}

// Channels 已注册通道名，按注册顺序。
func (m *Manager) Channels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.channels))
	for _, ch := range m.channels {
		names = append(names, ch.Name())
	}
	return names
}

// SendAlert 发送告警；被限流时静默返回 nil，只有全部通道失败才返回错误。
func (m *Manager) SendAlert(alert Alert) error {
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now()
	}
	if !m.throttle.Allow(alert.throttleKey()) {
		return nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var lastErr error
	ok := 0
	for _, ch := range m.channels {
		if err := ch.Send(alert); err != nil {
			lastErr = fmt.Errorf("channel %s failed: %w", ch.Name(), err)
			continue
		}
		ok++
	}
	if ok == 0 && lastErr != nil {
		return lastErr
	}
	return nil
}

// Info 会话内的提示性告警，例如会话控制。
func (m *Manager) Info(sessionID, kind, message string, fields map[string]interface{}) error {
	return m.send(LevelInfo, sessionID, kind, message, fields)
}

// Warn 需要运营关注的事件，例如价格冲击。
func (m *Manager) Warn(sessionID, kind, message string, fields map[string]interface{}) error {
	return m.send(LevelWarning, sessionID, kind, message, fields)
}

// Error 不可自动恢复的故障，例如订阅端放弃重连。
func (m *Manager) Error(sessionID, kind, message string, fields map[string]interface{}) error {
	return m.send(LevelError, sessionID, kind, message, fields)
}

func (m *Manager) send(level, sessionID, kind, message string, fields map[string]interface{}) error {
	return m.SendAlert(Alert{
		Level:     level,
		SessionID: sessionID,
		Kind:      kind,
		Message:   message,
		Fields:    fields,
	})
}
