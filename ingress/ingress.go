// Package ingress 把外部协作方（撮合、风控、讲师控制台）发布的事件注入会话。
package ingress

import (
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"trading-sim-go/infrastructure/monitor"
	"trading-sim-go/realtime"
)

// Sink 接收解码后的事件，通常是 realtime.Registry。
type Sink interface {
	Publish(sessionID string, env realtime.Envelope) error
}

// ErrNoSession 消息没有携带会话 ID
var ErrNoSession = errors.New("ingress: missing session id")

// decoder 解码并转发单条消息，kafka 与 redis 共用。
type decoder struct {
	source string
	sink   Sink
	log    *zap.Logger
	mon    *monitor.Monitor
}

func newDecoder(source string, sink Sink, log *zap.Logger, mon *monitor.Monitor) decoder {
	if log == nil {
		log = zap.NewNop()
	}
	return decoder{source: source, sink: sink, log: log.With(zap.String("ingress", source)), mon: mon}
}

// handle 返回的错误只用于日志与测试，调用方跳过该消息继续消费。
func (d decoder) handle(sessionID string, raw []byte) error {
	if sessionID == "" {
		d.fail(ErrNoSession, sessionID)
		return ErrNoSession
	}
	var env realtime.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		err = fmt.Errorf("ingress: decode envelope: %w", err)
		d.fail(err, sessionID)
		return err
	}
	if err := d.sink.Publish(sessionID, env); err != nil {
		err = fmt.Errorf("ingress: publish %s: %w", env.Kind, err)
		d.fail(err, sessionID)
		return err
	}
	d.mon.RecordIngress(d.source)
	return nil
}

func (d decoder) fail(err error, sessionID string) {
	d.mon.RecordIngressError(d.source)
	d.log.Warn("dropping malformed message",
		zap.String("session", sessionID),
		zap.Error(err))
}
