package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"trading-sim-go/infrastructure/alert"
	"trading-sim-go/infrastructure/logger"
	"trading-sim-go/realtime"
)

// simwatch 订阅会话频道并打印收到的事件，用于联调。
func main() {
	url := flag.String("url", "ws://127.0.0.1:8080/ws", "websocket 地址")
	sessionID := flag.String("session", "", "会话 ID")
	participant := flag.String("participant", "", "参与者 ID，留空只接收全局事件")
	flag.Parse()
	if *sessionID == "" {
		log.Fatal("-session 必填")
	}

	lg, err := logger.New(logger.Config{Level: "debug", Outputs: []string{"stdout"}, Format: "console"})
	if err != nil {
		log.Fatalf("初始化日志失败: %v", err)
	}
	defer lg.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	alerts := alert.NewManager([]alert.Channel{alert.NewLogChannel("log", lg.Logger)}, time.Minute)
	client := realtime.NewClient(&realtime.WSDialer{URL: *url}, realtime.SubscriberOptions{
		Logger: lg.Logger,
		Alerts: alerts,
	})
	defer client.Close()

	gaveUp := make(chan struct{}, 1)
	h := realtime.Handlers{
		OnTick: func(p realtime.TickPayload) {
			lg.Info("TICK", zap.String("symbol", p.Symbol), zap.Float64("price", p.Price),
				zap.Float64("bid", p.Bid), zap.Float64("ask", p.Ask), zap.Bool("shock", p.IsShock))
		},
		OnFill: func(p realtime.FillPayload) {
			lg.Info("FILL", zap.String("order", p.OrderID), zap.String("side", string(p.Side)),
				zap.Float64("qty", p.Quantity), zap.Float64("price", p.FillPrice))
		},
		OnRisk: func(p realtime.RiskPayload) {
			lg.Info("RISK", zap.String("participant", p.ParticipantID),
				zap.Float64("delta", p.Greeks.Delta), zap.Float64("var95", p.VaR95), zap.Strings("breaches", p.Breaches))
		},
		OnScore: func(p realtime.ScorePayload) {
			lg.Info("SCORE", zap.String("participant", p.ParticipantID),
				zap.Float64("score", p.Score), zap.Int("rank", p.Rank))
		},
		OnAlert: func(p realtime.AlertPayload) {
			lg.Warn("ALERT", zap.String("type", string(p.Type)), zap.String("message", p.Message))
		},
		OnShock: func(p realtime.ShockPayload) {
			lg.Warn("SHOCK", zap.Float64("priceChange", p.PriceChange), zap.Float64("volChange", p.VolChange))
		},
		OnSessionControl: func(p realtime.SessionControlPayload) {
			lg.Info("SESSION_CONTROL", zap.String("action", string(p.Action)), zap.String("by", p.ChangedBy))
		},
		OnRiskRecalc: func(p realtime.RiskRecalcPayload) {
			lg.Info("RISK_RECALC_REQUIRED", zap.String("reason", p.Reason))
		},
		OnState: func(st realtime.ConnState, err error) {
			lg.Info("connection state", zap.Stringer("state", st), zap.Error(err))
			if st == realtime.StateError {
				select {
				case gaveUp <- struct{}{}:
				default:
				}
			}
		},
	}
	if _, err := client.Connect(ctx, *sessionID, *participant, h); err != nil {
		log.Fatalf("订阅失败: %v", err)
	}
	select {
	case <-ctx.Done():
	case <-gaveUp:
		lg.Error("gave up reconnecting")
	}
}
