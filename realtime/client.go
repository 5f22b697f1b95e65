package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// teardownWait 替换旧订阅者时等待其读循环退出的上限
const teardownWait = 2 * time.Second

type subKey struct {
	session     string
	participant string
}

// Client 管理订阅者，保证每个 (session, participant) 同时只有一个活动订阅。
type Client struct {
	dialer Dialer
	opts   SubscriberOptions

	mu   sync.Mutex
	subs map[subKey]*Subscriber
}

// NewClient 创建客户端。
func NewClient(dialer Dialer, opts SubscriberOptions) *Client {
	return &Client{
		dialer: dialer,
		opts:   opts.withDefaults(),
		subs:   make(map[subKey]*Subscriber),
	}
}

// Connect 建立订阅；同一 (session, participant) 的旧订阅会先被拆除。
func (c *Client) Connect(ctx context.Context, sessionID, participantID string, h Handlers) (*Subscriber, error) {
	if sessionID == "" {
		return nil, errors.New("realtime: session id is required")
	}
	key := subKey{sessionID, participantID}

	c.mu.Lock()
	defer c.mu.Unlock()
	if prior, ok := c.subs[key]; ok {
		prior.Disconnect()
		select {
		case <-prior.Done():
		case <-time.After(teardownWait):
			c.opts.Logger.Warn("previous subscriber did not stop in time",
				zap.String("session", sessionID),
				zap.String("participant", participantID))
		}
		delete(c.subs, key)
	}

	sub := NewSubscriber(sessionID, participantID, c.dialer, h, c.opts)
	if err := sub.Start(ctx); err != nil {
		return nil, err
	}
	c.subs[key] = sub
	return sub, nil
}

// Subscriber 查找活动订阅。
func (c *Client) Subscriber(sessionID, participantID string) (*Subscriber, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.subs[subKey{sessionID, participantID}]
	return s, ok
}

// Disconnect 拆除订阅，可重复调用。
func (c *Client) Disconnect(sessionID, participantID string) {
	key := subKey{sessionID, participantID}
	c.mu.Lock()
	s, ok := c.subs[key]
	delete(c.subs, key)
	c.mu.Unlock()
	if ok {
		s.Disconnect()
	}
}

// Close 拆除全部订阅。
func (c *Client) Close() {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[subKey]*Subscriber)
	c.mu.Unlock()
	for _, s := range subs {
		s.Disconnect()
	}
}
