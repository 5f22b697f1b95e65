package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"trading-sim-go/market"
	"trading-sim-go/realtime"
)

var (
	// ErrSessionExists 会话 ID 已被占用
	ErrSessionExists = errors.New("session: already exists")
	// ErrSessionNotFound 会话不存在
	ErrSessionNotFound = errors.New("session: not found")
)

// sessionHost 需要显式登记会话的发布端，例如 realtime.Registry。
type sessionHost interface {
	OpenSession(sessionID string) *realtime.Hub
	CloseSession(sessionID string)
}

// ManagerConfig Template 中除 SessionID/Source 外的字段作为每个会话的默认依赖。
// NewSource 为每个会话构造独立的行情源（实时流不可重启、不可共享）。
type ManagerConfig struct {
	Template  Config
	NewSource func() (market.Source, error)
}

// Manager 管理进程内的全部会话。
type Manager struct {
	cfg ManagerConfig
	log *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	sessions map[string]*Engine
}

func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.NewSource == nil {
		return nil, errors.New("session: NewSource is required")
	}
	log := cfg.Template.Logger
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:      cfg,
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*Engine),
	}, nil
}

// Create 创建会话；symbols 为空时沿用模板。live 为 true 时在后台运行实时行情，
// 直到会话结束或 Manager 关闭。
func (m *Manager) Create(id string, symbols []string, live bool) (*Engine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx.Err() != nil {
		return nil, errors.New("session: manager closed")
	}
	if _, ok := m.sessions[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, id)
	}
	src, err := m.cfg.NewSource()
	if err != nil {
		return nil, fmt.Errorf("session %s: build source: %w", id, err)
	}
	cfg := m.cfg.Template
	cfg.SessionID = id
	cfg.Source = src
	if len(symbols) > 0 {
		cfg.Symbols = symbols
	}
	e, err := New(cfg)
	if err != nil {
		return nil, err
	}
	if live {
		if _, ok := market.AsStreamer(src); !ok {
			return nil, &market.UnimplementedError{Provider: src.Name(), Op: "StreamTicks"}
		}
	}
	if host, ok := cfg.Publisher.(sessionHost); ok {
		host.OpenSession(id)
	}
	if live {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			err := e.RunLive(m.ctx)
			switch {
			case err == nil, errors.Is(err, context.Canceled):
			case errors.Is(err, ErrSessionEnded):
				m.log.Info("live session ended", zap.String("session", id))
			default:
				m.log.Error("live session stopped", zap.String("session", id), zap.Error(err))
			}
		}()
	}
	m.sessions[id] = e
	m.log.Info("session created", zap.String("session", id), zap.Bool("live", live), zap.String("source", src.Name()))
	return e, nil
}

func (m *Manager) Get(id string) (*Engine, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[id]
	return e, ok
}

// IDs 已排序的会话 ID。
func (m *Manager) IDs() []string {
	m.mu.RLock()
	out := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		out = append(out, id)
	}
	m.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Remove 关闭并移除会话。
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	e, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	e.Close()
	if host, ok := m.cfg.Template.Publisher.(sessionHost); ok {
		host.CloseSession(id)
	}
	return nil
}

// Close 关闭全部会话并等待实时行情 goroutine 退出。
func (m *Manager) Close() {
	m.cancel()
	m.mu.Lock()
	all := m.sessions
	m.sessions = make(map[string]*Engine)
	m.mu.Unlock()
	for _, e := range all {
		e.Close()
	}
	m.wg.Wait()
}
