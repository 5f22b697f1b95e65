package ingress

import (
	"context"
	"errors"
	"fmt"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"trading-sim-go/infrastructure/monitor"
)

// KafkaConfig 消费者配置
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaIngress 从 topic 读取事件：key 为会话 ID，value 为 JSON 信封。
type KafkaIngress struct {
	reader messageReader
	dec    decoder
}

func NewKafkaIngress(cfg KafkaConfig, sink Sink, log *zap.Logger, mon *monitor.Monitor) (*KafkaIngress, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, fmt.Errorf("ingress: kafka brokers and topic are required")
	}
	if cfg.GroupID == "" {
		cfg.GroupID = "trading-sim"
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: cfg.Brokers,
		Topic:   cfg.Topic,
		GroupID: cfg.GroupID,
	})
	return &KafkaIngress{reader: reader, dec: newDecoder("kafka", sink, log, mon)}, nil
}

// Run 阻塞消费直到 ctx 取消。坏消息同样提交，避免反复投递。
func (k *KafkaIngress) Run(ctx context.Context) error {
	for {
		msg, err := k.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("ingress: kafka fetch: %w", err)
		}
		_ = k.dec.handle(string(msg.Key), msg.Value)
		if err := k.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			k.dec.log.Warn("commit failed",
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
		}
	}
}

func (k *KafkaIngress) Close() error {
	return k.reader.Close()
}
