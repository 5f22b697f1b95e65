package market

import "sync"

// Publisher 一个轻量事件分发器：同步回调，按注册顺序调用。
// 回调在发布方 goroutine 中执行，不能阻塞。
type Publisher struct {
	mu       sync.RWMutex
	tickSubs []func(Tick)
	surfSubs []func(IvSurfaceSnapshot)
}

func NewPublisher() *Publisher {
	return &Publisher{}
}

func (p *Publisher) SubscribeTick(fn func(Tick)) {
	p.mu.Lock()
	p.tickSubs = append(p.tickSubs, fn)
	p.mu.Unlock()
}

func (p *Publisher) SubscribeSurface(fn func(IvSurfaceSnapshot)) {
	p.mu.Lock()
	p.surfSubs = append(p.surfSubs, fn)
	p.mu.Unlock()
}

func (p *Publisher) PublishTick(t Tick) {
	p.mu.RLock()
	subs := p.tickSubs
	p.mu.RUnlock()
	for _, fn := range subs {
		fn(t)
	}
}

func (p *Publisher) PublishSurface(s IvSurfaceSnapshot) {
	p.mu.RLock()
	subs := p.surfSubs
	p.mu.RUnlock()
	for _, fn := range subs {
		fn(s)
	}
}
