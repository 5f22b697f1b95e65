package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"trading-sim-go/internal/container"
)

func main() {
	cfgPath := flag.String("config", "configs/sim.yaml", "配置文件路径")
	flag.Parse()

	c, err := container.New(*cfgPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := c.Build(ctx); err != nil {
		log.Fatalf("构建失败: %v", err)
	}
	lg := c.Logger()
	if err := c.Start(ctx); err != nil {
		lg.Error("启动失败", zap.Error(err))
		c.Stop()
		os.Exit(1)
	}
	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		lg.Warn("systemd notify failed", zap.Error(err))
	} else if ok {
		lg.Info("systemd notified ready")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return watchdog(gctx, c, lg.Logger)
	})
	g.Go(func() error {
		<-gctx.Done()
		lg.Info("shutdown signal received")
		return nil
	})
	if err := g.Wait(); err != nil {
		lg.Error("supervisor exited", zap.Error(err))
	}

	daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err := c.Stop(); err != nil {
		os.Exit(1)
	}
}

// watchdog 周期性健康检查；启用 systemd watchdog 时仅在健康时喂狗。
func watchdog(ctx context.Context, c *container.Container, lg *zap.Logger) error {
	interval := 30 * time.Second
	sdInterval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		lg.Warn("systemd watchdog check failed", zap.Error(err))
	}
	if sdInterval > 0 {
		interval = sdInterval / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.HealthCheck(); err != nil {
				lg.Warn("health check failed", zap.Error(err))
				continue
			}
			if sdInterval > 0 {
				daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	}
}
