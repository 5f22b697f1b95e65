package api

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// sessionLimiter 每个会话一个令牌桶，限制协作方注入事件的速率。rate<=0 时不限流。
type sessionLimiter struct {
	limit rate.Limit
	burst int
	now   func() time.Time

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newSessionLimiter(perSecond float64, burst int) *sessionLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &sessionLimiter{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		now:      time.Now,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (l *sessionLimiter) Allow(sessionID string) bool {
	if l == nil || l.limit <= 0 {
		return true
	}
	l.mu.Lock()
	lim, ok := l.limiters[sessionID]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[sessionID] = lim
	}
	l.mu.Unlock()
	return lim.AllowN(l.now(), 1)
}

// Forget 会话删除时释放其令牌桶。
func (l *sessionLimiter) Forget(sessionID string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	delete(l.limiters, sessionID)
	l.mu.Unlock()
}
