package realtime

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Publisher 外部协作方（撮合、风控、教师控制台）向会话投递事件的入口。
type Publisher interface {
	Publish(sessionID string, env Envelope) error
}

// ErrUnknownSession 会话没有登记，事件不会为它创建 Hub
var ErrUnknownSession = errors.New("realtime: unknown session")

// Registry 会话 ID 到 Hub 的映射，各会话互不共享状态。
type Registry struct {
	opts Options

	mu   sync.Mutex
	hubs map[string]*Hub
}

var _ Publisher = (*Registry)(nil)

// NewRegistry 创建注册表，opts 作为新建 Hub 的模板。
func NewRegistry(opts Options) *Registry {
	return &Registry{
		opts: opts.withDefaults(),
		hubs: make(map[string]*Hub),
	}
}

// OpenSession 登记会话并返回其 Hub，已存在时直接返回。
func (r *Registry) OpenSession(sessionID string) *Hub {
	return r.Hub(sessionID)
}

// Hub 获取或创建会话 Hub；订阅端可以先于会话连接。
func (r *Registry) Hub(sessionID string) *Hub {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.hubs[sessionID]
	if !ok {
		h = NewHub(sessionID, r.opts)
		r.hubs[sessionID] = h
		r.opts.Logger.Info("hub created", zap.String("session", sessionID))
	}
	return h
}

// Lookup 只查找，不创建。
func (r *Registry) Lookup(sessionID string) (*Hub, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.hubs[sessionID]
	return h, ok
}

// Publish 投递到已存在的会话 Hub，未知会话返回 ErrUnknownSession。
func (r *Registry) Publish(sessionID string, env Envelope) error {
	if sessionID == "" {
		return invalid("empty session id")
	}
	h, ok := r.Lookup(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	return h.Publish(env)
}

// Sessions 已创建的会话，已排序。
func (r *Registry) Sessions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.hubs))
	for id := range r.hubs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// SetFlushInterval 对现有与后续创建的 Hub 生效。
func (r *Registry) SetFlushInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opts.FlushInterval = d
	for _, h := range r.hubs {
		h.SetFlushInterval(d)
	}
}

// CloseSession 关闭并移除一个会话。
func (r *Registry) CloseSession(sessionID string) {
	r.mu.Lock()
	h, ok := r.hubs[sessionID]
	delete(r.hubs, sessionID)
	r.mu.Unlock()
	if ok {
		h.Close()
	}
}

// Close 关闭全部会话。
func (r *Registry) Close() {
	r.mu.Lock()
	hubs := r.hubs
	r.hubs = make(map[string]*Hub)
	r.mu.Unlock()
	for _, h := range hubs {
		h.Close()
	}
}
