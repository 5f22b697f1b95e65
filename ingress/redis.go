package ingress

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"trading-sim-go/infrastructure/monitor"
	"trading-sim-go/realtime"
)

// RedisIngress 订阅 session:* 频道，频道名携带会话 ID。
type RedisIngress struct {
	client  redis.UniversalClient
	pattern string
	dec     decoder
}

// NewRedisIngress pattern 为空时订阅全部会话频道。
func NewRedisIngress(client redis.UniversalClient, pattern string, sink Sink, log *zap.Logger, mon *monitor.Monitor) *RedisIngress {
	if pattern == "" {
		pattern = realtime.ChannelName("*")
	}
	return &RedisIngress{
		client:  client,
		pattern: pattern,
		dec:     newDecoder("redis", sink, log, mon),
	}
}

// Run 阻塞直到 ctx 取消。
func (r *RedisIngress) Run(ctx context.Context) error {
	ps := r.client.PSubscribe(ctx, r.pattern)
	defer ps.Close()
	// 等待订阅确认，连接错误在这里暴露
	if _, err := ps.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("ingress: redis psubscribe %s: %w", r.pattern, err)
	}
	r.dec.log.Info("redis ingress subscribed", zap.String("pattern", r.pattern))
	r.consume(ctx, ps.Channel())
	return nil
}

func (r *RedisIngress) consume(ctx context.Context, ch <-chan *redis.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			sessionID, _ := realtime.SessionFromChannel(msg.Channel)
			_ = r.dec.handle(sessionID, []byte(msg.Payload))
		}
	}
}
